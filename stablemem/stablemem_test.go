// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package stablemem

import (
	"bytes"
	"errors"
	"testing"
)

func testMemory(t *testing.T, mem Memory) {
	t.Helper()

	if sz := mem.Size(5); sz != 0 {
		t.Fatalf("fresh region size %d", sz)
	}

	// Reading an empty region is out of range.
	buf := make([]byte, 4)
	if err := mem.Read(5, 0, buf); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("empty region read error = %v", err)
	}

	// Write past the current end grows the region, zero-filling the gap.
	if err := mem.Write(5, 10, []byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sz := mem.Size(5); sz != 14 {
		t.Fatalf("size after grow = %d, want 14", sz)
	}
	gap := make([]byte, 10)
	if err := mem.Read(5, 0, gap); err != nil {
		t.Fatalf("gap read: %v", err)
	}
	if !bytes.Equal(gap, make([]byte, 10)) {
		t.Fatalf("gap not zero-filled: %x", gap)
	}
	if err := mem.Read(5, 10, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("read back %q", buf)
	}

	// Overwrite in place.
	if err := mem.Write(5, 12, []byte("CD")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := mem.Read(5, 10, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "abCD" {
		t.Fatalf("after overwrite %q", buf)
	}

	// Regions are independent.
	if sz := mem.Size(6); sz != 0 {
		t.Fatalf("untouched region size %d", sz)
	}

	// Reads spilling past the end fail.
	if err := mem.Read(5, 12, buf); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("spill read error = %v", err)
	}
}

func TestMemMemory(t *testing.T) {
	testMemory(t, NewMemMemory())
}

func TestFileMemory(t *testing.T) {
	dir := t.TempDir()
	mem, err := NewFileMemory(dir)
	if err != nil {
		t.Fatalf("NewFileMemory: %v", err)
	}
	testMemory(t, mem)
	if err := mem.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening sees the same bytes.
	mem, err = NewFileMemory(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mem.Close()
	buf := make([]byte, 4)
	if err := mem.Read(5, 10, buf); err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(buf) != "abCD" {
		t.Fatalf("after reopen %q", buf)
	}
}

func TestHeapSnapshot(t *testing.T) {
	mem := NewMemMemory()

	// No snapshot yet.
	data, err := LoadHeap(mem)
	if err != nil {
		t.Fatalf("LoadHeap empty: %v", err)
	}
	if data != nil {
		t.Fatalf("empty heap returned %x", data)
	}

	heap := []byte("versioned-heap-serialization")
	if err := SaveHeap(mem, heap); err != nil {
		t.Fatalf("SaveHeap: %v", err)
	}
	data, err = LoadHeap(mem)
	if err != nil {
		t.Fatalf("LoadHeap: %v", err)
	}
	if !bytes.Equal(data, heap) {
		t.Fatalf("round trip %q, want %q", data, heap)
	}

	// A shorter snapshot supersedes a longer one. Stale bytes past the
	// new length prefix must not leak back.
	short := []byte("v2")
	if err := SaveHeap(mem, short); err != nil {
		t.Fatalf("SaveHeap short: %v", err)
	}
	data, err = LoadHeap(mem)
	if err != nil {
		t.Fatalf("LoadHeap short: %v", err)
	}
	if !bytes.Equal(data, short) {
		t.Fatalf("short round trip %q, want %q", data, short)
	}
}
