package record

import (
	"math"
	"strconv"
)

// RecordType distinguishes commands, the events they produce and rejections.
type RecordType uint8

const (
	RecordTypeUnspecified RecordType = iota
	RecordTypeCommand
	RecordTypeEvent
	RecordTypeCommandRejection
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeCommand:
		return "COMMAND"
	case RecordTypeEvent:
		return "EVENT"
	case RecordTypeCommandRejection:
		return "COMMAND_REJECTION"
	default:
		return "UNSPECIFIED"
	}
}

// RejectionType explains why a command was rejected.
type RejectionType uint8

const (
	RejectionNone RejectionType = iota
	RejectionInvalidArgument
	RejectionNotFound
	RejectionAlreadyExists
	RejectionInvalidState
	RejectionProcessingError
)

// ValueType tags the payload carried by a record.
type ValueType uint16

const (
	// ValueTypeApplication is the zero value and the default type for
	// application records.
	ValueTypeApplication ValueType = 0
	// ValueTypeNoop marks entries appended by a new leader for its own term.
	// They carry no value and are never surfaced to readers. Proposals may
	// not use it.
	ValueTypeNoop ValueType = math.MaxUint16
)

func (v ValueType) String() string {
	if v == ValueTypeNoop {
		return "NOOP"
	}
	return "VALUE_TYPE_" + strconv.Itoa(int(v))
}

// Intent is an application defined operation tag.
type Intent uint16

// Metadata describes a record's kind.
type Metadata struct {
	RecordType    RecordType
	RejectionType RejectionType
	ValueType     ValueType
	Intent        Intent
}

// Record is a single immutable log entry payload.
type Record struct {
	// Position is the record's address in the partition log.
	Position int64
	// Key is the application key, or NoKey.
	Key int64
	// SourcePosition is the position of the record that caused this one, or
	// NoSourcePosition.
	SourcePosition int64
	// Timestamp is wall clock milliseconds at append.
	Timestamp int64
	Metadata  Metadata
	Value     []byte
	// BatchEnd is set on the last record of an appended batch.
	BatchEnd bool
}

const (
	NoKey            int64 = -1
	NoSourcePosition int64 = -1
)

// IsNoop reports whether the record is a consensus noop entry.
func (r Record) IsNoop() bool { return r.Metadata.ValueType == ValueTypeNoop }
