// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package encode holds the byte-encoding conventions shared by the stable
// log record layouts and the block-log hashing: fixed-width big-endian
// integers and millisecond timestamps.
package encode

import (
	"encoding/binary"
	"time"
)

// IntCoder is the market-wide integer byte-encoding order. IntCoder must be
// BigEndian so records compare lexicographically in id order.
var IntCoder = binary.BigEndian

var (
	// A byte-slice representation of boolean false.
	ByteFalse = []byte{0}
	// A byte-slice representation of boolean true.
	ByteTrue = []byte{1}
)

// ClearBytes zeroes the byte slice.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Uint16Bytes converts the uint16 to a length-2, big-endian encoded byte slice.
func Uint16Bytes(i uint16) []byte {
	b := make([]byte, 2)
	IntCoder.PutUint16(b, i)
	return b
}

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	IntCoder.PutUint64(b, i)
	return b
}

// BytesToUint64 converts the length-8, big-endian encoded byte slice to a
// uint64.
func BytesToUint64(b []byte) uint64 {
	return IntCoder.Uint64(b[:8])
}

// CopySlice makes a copy of the slice.
func CopySlice(b []byte) []byte {
	newB := make([]byte, len(b))
	copy(newB, b)
	return newB
}

// UnixMilli converts the time to an integer number of milliseconds since the
// Unix epoch.
func UnixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// UnixMilliU converts the time to an unsigned integer number of milliseconds
// since the Unix epoch.
func UnixMilliU(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}

// UnixTimeMilli converts the milliseconds since epoch to a time.Time.
func UnixTimeMilli(ms int64) time.Time {
	sec := ms / 1000
	msec := ms % 1000
	return time.Unix(sec, msec*int64(time.Millisecond)).UTC()
}

// BoolByte encodes the boolean as a single byte.
func BoolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// ByteBool decodes a single byte as a boolean.
func ByteBool(b byte) bool {
	return b != 0
}
