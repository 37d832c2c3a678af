// Package snapshot stores state machine snapshots as files.
//
// A snapshot file is named {index}-{term}.snap with both numbers zero padded
// to twenty digits. Its layout is a fixed header (magic, index, term and the
// CRC-32C of the uncompressed payload) followed by the zstd compressed
// payload. Snapshots are written as uuid-named transients and published by
// rename, so a crash never leaves a partial .snap file behind.
package snapshot
