// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package stablemem gives each actor a set of numbered linear byte regions
// that survive restarts and upgrades. Region 0 holds the actor's versioned
// heap snapshot; higher regions hold append-only log buffers. Reads and
// writes address raw offsets; writes grow a region as needed.
package stablemem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cyclesmarket.org/cmarket/cm/encode"
)

// RegionID numbers a linear byte region within an actor's stable memory.
type RegionID uint16

const (
	// HeapRegion is the region holding the actor's heap snapshot.
	HeapRegion RegionID = 0

	// HeapHeaderSize is the reserved header at the front of the heap
	// region. Bytes 1024..1032 hold the big-endian length of the
	// serialization that follows.
	HeapHeaderSize = 1024
)

// ErrOutOfRange is returned by Read when the requested range extends past the
// end of the region.
var ErrOutOfRange = errors.New("read out of range")

// Memory is an actor's stable memory: a set of independently growable linear
// byte regions.
type Memory interface {
	// Read fills buf from the region starting at offset.
	Read(region RegionID, offset uint64, buf []byte) error
	// Write copies data into the region at offset, growing it as needed.
	Write(region RegionID, offset uint64, data []byte) error
	// Size returns the current byte length of the region.
	Size(region RegionID) uint64
	// Close releases any backing resources.
	Close() error
}

// memMemory is a purely in-memory Memory, used in tests and for ephemeral
// actors.
type memMemory struct {
	mtx     sync.RWMutex
	regions map[RegionID][]byte
}

// NewMemMemory creates an in-memory Memory.
func NewMemMemory() Memory {
	return &memMemory{regions: make(map[RegionID][]byte)}
}

func (m *memMemory) Read(region RegionID, offset uint64, buf []byte) error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	r := m.regions[region]
	end := offset + uint64(len(buf))
	if end > uint64(len(r)) {
		return fmt.Errorf("%w: region %d [%d:%d) size %d", ErrOutOfRange, region, offset, end, len(r))
	}
	copy(buf, r[offset:end])
	return nil
}

func (m *memMemory) Write(region RegionID, offset uint64, data []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r := m.regions[region]
	end := offset + uint64(len(data))
	if end > uint64(len(r)) {
		grown := make([]byte, end)
		copy(grown, r)
		r = grown
	}
	copy(r[offset:end], data)
	m.regions[region] = r
	return nil
}

func (m *memMemory) Size(region RegionID) uint64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return uint64(len(m.regions[region]))
}

func (m *memMemory) Close() error { return nil }

// fileMemory backs each region with a file named region-N in a directory.
type fileMemory struct {
	mtx   sync.Mutex
	dir   string
	files map[RegionID]*os.File
}

// NewFileMemory creates a file-backed Memory rooted at dir, creating the
// directory if needed.
func NewFileMemory(dir string) (Memory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating stable memory dir: %w", err)
	}
	return &fileMemory{dir: dir, files: make(map[RegionID]*os.File)}, nil
}

func (m *fileMemory) file(region RegionID) (*os.File, error) {
	if f, ok := m.files[region]; ok {
		return f, nil
	}
	path := filepath.Join(m.dir, fmt.Sprintf("region-%d", region))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	m.files[region] = f
	return f, nil
}

func (m *fileMemory) Read(region RegionID, offset uint64, buf []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.file(region)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil {
		return fmt.Errorf("%w: region %d offset %d read %d/%d: %v",
			ErrOutOfRange, region, offset, n, len(buf), err)
	}
	return nil
}

func (m *fileMemory) Write(region RegionID, offset uint64, data []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.file(region)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(data, int64(offset))
	return err
}

func (m *fileMemory) Size(region RegionID) uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	f, err := m.file(region)
	if err != nil {
		return 0
	}
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}

func (m *fileMemory) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var firstErr error
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.files = make(map[RegionID]*os.File)
	return firstErr
}

// SaveHeap writes the actor's heap serialization into the heap region behind
// the reserved header, length-prefixed at byte 1024.
func SaveHeap(mem Memory, data []byte) error {
	if err := mem.Write(HeapRegion, HeapHeaderSize, encode.Uint64Bytes(uint64(len(data)))); err != nil {
		return err
	}
	return mem.Write(HeapRegion, HeapHeaderSize+8, data)
}

// LoadHeap reads back a serialization written with SaveHeap. A heap region
// shorter than the header means no snapshot has been taken; nil is returned.
func LoadHeap(mem Memory) ([]byte, error) {
	if mem.Size(HeapRegion) < HeapHeaderSize+8 {
		return nil, nil
	}
	lenB := make([]byte, 8)
	if err := mem.Read(HeapRegion, HeapHeaderSize, lenB); err != nil {
		return nil, err
	}
	dataLen := encode.BytesToUint64(lenB)
	if dataLen == 0 {
		return nil, nil
	}
	if HeapHeaderSize+8+dataLen > mem.Size(HeapRegion) {
		panic(fmt.Sprintf("corrupt heap region header: length %d past region end %d",
			dataLen, mem.Size(HeapRegion)))
	}
	data := make([]byte, dataLen)
	if err := mem.Read(HeapRegion, HeapHeaderSize+8, data); err != nil {
		return nil, err
	}
	return data, nil
}
