package logstorage

import (
	"bytes"
	"testing"
)

func TestEntryKeysSortByIndex(t *testing.T) {
	a := KeyEntry(1, 255)
	b := KeyEntry(1, 256)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected %x < %x", a, b)
	}
	if indexFromKey(b) != 256 {
		t.Fatalf("index from key: %d", indexFromKey(b))
	}
}

func TestPartitionsDoNotOverlap(t *testing.T) {
	lo1, hi1 := entryBounds(1)
	lo2, _ := entryBounds(2)
	if bytes.Compare(hi1, lo2) > 0 {
		t.Fatalf("partition 1 range overlaps partition 2")
	}
	if k := KeyBase(1); bytes.Compare(k, lo1) >= 0 && bytes.Compare(k, hi1) < 0 {
		t.Fatalf("meta key falls inside the entry range")
	}
}
