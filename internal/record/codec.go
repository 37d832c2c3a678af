package record

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	// Version is the only frame version this package writes and accepts.
	Version byte = 1

	// DefaultMaxFragmentSize bounds a record value.
	DefaultMaxFragmentSize = 4 << 20

	lenPrefixSize = 4
	headerSize    = lenPrefixSize + 1 + 1 + 1 + 1 + 2 + 2 + 8 + 8 + 8 + 8 + 4
	trailerSize   = 4
	// MinFrameSize is the size of a frame with an empty value.
	MinFrameSize = headerSize + trailerSize

	flagBatchEnd byte = 1 << 0
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Codec encodes and decodes record frames.
type Codec struct {
	// MaxFragmentSize bounds len(Value). Zero means DefaultMaxFragmentSize.
	MaxFragmentSize int
}

// DefaultCodec uses DefaultMaxFragmentSize.
var DefaultCodec = Codec{}

func (c Codec) maxFragment() int {
	if c.MaxFragmentSize <= 0 {
		return DefaultMaxFragmentSize
	}
	return c.MaxFragmentSize
}

// EncodedSize returns the exact frame size of r.
func EncodedSize(r Record) int { return MinFrameSize + len(r.Value) }

// Validate reports whether r fits the fragment limit.
func (c Codec) Validate(r Record) error {
	if limit := c.maxFragment(); len(r.Value) > limit {
		return &RecordTooLargeError{Size: len(r.Value), Max: limit}
	}
	return nil
}

// Encode returns the frame for r.
func (c Codec) Encode(r Record) ([]byte, error) {
	return c.AppendEncoded(make([]byte, 0, EncodedSize(r)), r)
}

// AppendEncoded appends the frame for r to dst.
func (c Codec) AppendEncoded(dst []byte, r Record) ([]byte, error) {
	if err := c.Validate(r); err != nil {
		return dst, err
	}
	start := len(dst)
	size := EncodedSize(r)

	var flags byte
	if r.BatchEnd {
		flags |= flagBatchEnd
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, Version, flags, byte(r.Metadata.RecordType), byte(r.Metadata.RejectionType))
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Metadata.ValueType))
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Metadata.Intent))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Position))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Key))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.SourcePosition))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Timestamp))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Value)))
	dst = append(dst, r.Value...)

	crc := crc32.Checksum(dst[start+lenPrefixSize:], castagnoli)
	dst = binary.BigEndian.AppendUint32(dst, crc)
	return dst, nil
}

// Decode parses the frame at the start of b and returns the record and the
// number of bytes consumed. The returned value never aliases b.
func (c Codec) Decode(b []byte) (Record, int, error) {
	if len(b) < lenPrefixSize {
		return Record{}, 0, &CorruptRecordError{Offset: 0, Reason: "truncated length prefix"}
	}
	frameLen := binary.BigEndian.Uint32(b)
	if frameLen < MinFrameSize {
		return Record{}, 0, &CorruptRecordError{Offset: 0, Reason: "frame length below minimum"}
	}
	if uint64(frameLen) > uint64(len(b)) {
		return Record{}, 0, &CorruptRecordError{Offset: 0, Reason: "truncated frame"}
	}
	n := int(frameLen)
	frame := b[:n]

	want := binary.BigEndian.Uint32(frame[n-trailerSize:])
	if got := crc32.Checksum(frame[lenPrefixSize:n-trailerSize], castagnoli); got != want {
		return Record{}, 0, &CorruptRecordError{Offset: 0, Reason: "checksum mismatch"}
	}
	if frame[4] != Version {
		return Record{}, 0, &CorruptRecordError{Offset: 4, Reason: "unsupported version"}
	}
	valueLen := binary.BigEndian.Uint32(frame[headerSize-4:])
	if uint64(valueLen) != uint64(n-MinFrameSize) {
		return Record{}, 0, &CorruptRecordError{Offset: headerSize - 4, Reason: "value length mismatch"}
	}

	r := Record{
		BatchEnd: frame[5]&flagBatchEnd != 0,
		Metadata: Metadata{
			RecordType:    RecordType(frame[6]),
			RejectionType: RejectionType(frame[7]),
			ValueType:     ValueType(binary.BigEndian.Uint16(frame[8:])),
			Intent:        Intent(binary.BigEndian.Uint16(frame[10:])),
		},
		Position:       int64(binary.BigEndian.Uint64(frame[12:])),
		Key:            int64(binary.BigEndian.Uint64(frame[20:])),
		SourcePosition: int64(binary.BigEndian.Uint64(frame[28:])),
		Timestamp:      int64(binary.BigEndian.Uint64(frame[36:])),
	}
	if valueLen > 0 {
		r.Value = append([]byte(nil), frame[headerSize:headerSize+int(valueLen)]...)
	}
	return r, n, nil
}

// DecodeAll decodes consecutive frames. On a corrupt frame it returns the
// records decoded so far and an error whose Offset is absolute within b.
func (c Codec) DecodeAll(b []byte) ([]Record, error) {
	var out []Record
	off := 0
	for off < len(b) {
		r, n, err := c.Decode(b[off:])
		if err != nil {
			if ce, ok := err.(*CorruptRecordError); ok {
				return out, &CorruptRecordError{Offset: off + ce.Offset, Reason: ce.Reason}
			}
			return out, err
		}
		out = append(out, r)
		off += n
	}
	return out, nil
}

// Encode encodes r with DefaultCodec.
func Encode(r Record) ([]byte, error) { return DefaultCodec.Encode(r) }

// Decode decodes one frame with DefaultCodec.
func Decode(b []byte) (Record, int, error) { return DefaultCodec.Decode(b) }
