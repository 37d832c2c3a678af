package record

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomRecord(rng *rand.Rand) Record {
	val := make([]byte, rng.Intn(512))
	rng.Read(val)
	return Record{
		Position:       rng.Int63(),
		Key:            rng.Int63n(1000) - 1,
		SourcePosition: rng.Int63n(1000) - 1,
		Timestamp:      rng.Int63(),
		Metadata: Metadata{
			RecordType:    RecordType(rng.Intn(4)),
			RejectionType: RejectionType(rng.Intn(6)),
			ValueType:     ValueType(rng.Intn(1 << 16)),
			Intent:        Intent(rng.Intn(1 << 16)),
		},
		Value:    val,
		BatchEnd: rng.Intn(2) == 1,
	}
}

func sameRecord(a, b Record) bool {
	return a.Position == b.Position &&
		a.Key == b.Key &&
		a.SourcePosition == b.SourcePosition &&
		a.Timestamp == b.Timestamp &&
		a.Metadata == b.Metadata &&
		a.BatchEnd == b.BatchEnd &&
		bytes.Equal(a.Value, b.Value)
}

func TestRoundTripGenerated(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		r := randomRecord(rng)
		b, err := Encode(r)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(b) != EncodedSize(r) {
			t.Fatalf("size %d want %d", len(b), EncodedSize(r))
		}
		got, n, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(b) {
			t.Fatalf("consumed %d of %d", n, len(b))
		}
		if !sameRecord(r, got) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, r)
		}
	}
}

func TestDecodeDetectsBitFlip(t *testing.T) {
	b, err := Encode(Record{Position: 1, Key: NoKey, SourcePosition: NoSourcePosition, Value: []byte("payload")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 4; i < len(b); i++ {
		c := append([]byte(nil), b...)
		c[i] ^= 0x40
		_, _, err := Decode(c)
		var ce *CorruptRecordError
		if !errors.As(err, &ce) {
			t.Fatalf("flip at %d: want CorruptRecordError, got %v", i, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	b, _ := Encode(Record{Value: []byte("abc")})
	for n := 0; n < len(b); n++ {
		if _, _, err := Decode(b[:n]); err == nil {
			t.Fatalf("decode of %d/%d bytes succeeded", n, len(b))
		}
	}
}

func TestRecordTooLarge(t *testing.T) {
	c := Codec{MaxFragmentSize: 8}
	_, err := c.Encode(Record{Value: make([]byte, 9)})
	var tl *RecordTooLargeError
	if !errors.As(err, &tl) {
		t.Fatalf("want RecordTooLargeError, got %v", err)
	}
	if tl.Size != 9 || tl.Max != 8 {
		t.Fatalf("unexpected error fields: %+v", tl)
	}
	if _, err := c.Encode(Record{Value: make([]byte, 8)}); err != nil {
		t.Fatalf("value at limit should encode: %v", err)
	}
}

func TestDecodeAllReportsAbsoluteOffset(t *testing.T) {
	var buf []byte
	var err error
	for i := 0; i < 3; i++ {
		buf, err = DefaultCodec.AppendEncoded(buf, Record{Position: int64(i + 1), Value: []byte("xy")})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	recs, err := DefaultCodec.DecodeAll(buf)
	if err != nil || len(recs) != 3 {
		t.Fatalf("decode all: %d %v", len(recs), err)
	}

	frame := MinFrameSize + 2
	buf[2*frame+10] ^= 0xff
	recs, err = DefaultCodec.DecodeAll(buf)
	var ce *CorruptRecordError
	if !errors.As(err, &ce) {
		t.Fatalf("want corrupt error, got %v", err)
	}
	if ce.Offset != 2*frame {
		t.Fatalf("offset %d want %d", ce.Offset, 2*frame)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 good records before corruption, got %d", len(recs))
	}
}
