package record

import "fmt"

// CorruptRecordError reports a frame that failed structural or checksum
// validation. Offset is relative to the start of the decoded buffer.
type CorruptRecordError struct {
	Offset int
	Reason string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// RecordTooLargeError is returned when a value exceeds the fragment limit.
type RecordTooLargeError struct {
	Size int
	Max  int
}

func (e *RecordTooLargeError) Error() string {
	return fmt.Sprintf("record of %d bytes exceeds max fragment size %d", e.Size, e.Max)
}
