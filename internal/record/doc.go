// Package record defines the log record envelope and its binary codec.
//
// Every record is framed as:
//
//	frameLen u32 | version u8 | flags u8 | recordType u8 | rejectionType u8 |
//	valueType u16 | intent u16 | position i64 | key i64 | sourcePosition i64 |
//	timestamp i64 | valueLen u32 | value | crc32c
//
// All integers are big-endian. frameLen counts the whole frame including
// itself and the trailing checksum; the CRC32C (Castagnoli) covers the bytes
// between the length prefix and the checksum.
//
// The value is opaque to the log. ValueType is the discriminant callers use
// to interpret it. The zero value is ValueTypeApplication; ValueTypeNoop
// (the highest value) is reserved for entries the consensus layer writes for
// itself.
package record
