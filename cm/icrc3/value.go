// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package icrc3 implements the ICRC-3 value tree and its
// representation-independent hash. Block chaining in the Bank hashes the
// previous block's value with Hash, so the canonical encoding here is
// load-bearing for chain integrity.
package icrc3

import (
	"crypto/sha256"
	"sort"
)

// Kind discriminates the Value variants.
type Kind uint8

const (
	KindNat Kind = iota
	KindInt
	KindBlob
	KindText
	KindArray
	KindMap
)

// Value is one node of an ICRC-3 value tree.
type Value struct {
	kind  Kind
	nat   uint64
	int_  int64
	blob  []byte
	text  string
	array []Value
	map_  []MapEntry
}

// MapEntry is one key/value pair of a Map value. Keys are kept in insertion
// order; hashing sorts independently.
type MapEntry struct {
	Key   string
	Value Value
}

// Nat wraps a natural number.
func Nat(n uint64) Value { return Value{kind: KindNat, nat: n} }

// Int wraps a signed integer.
func Int(i int64) Value { return Value{kind: KindInt, int_: i} }

// Blob wraps a byte string.
func Blob(b []byte) Value { return Value{kind: KindBlob, blob: b} }

// Text wraps a UTF-8 string.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Array wraps a sequence of values.
func Array(vs ...Value) Value { return Value{kind: KindArray, array: vs} }

// Map wraps a set of named values.
func Map(entries ...MapEntry) Value { return Value{kind: KindMap, map_: entries} }

// Entry pairs a key with a value for Map construction.
func Entry(key string, v Value) MapEntry { return MapEntry{Key: key, Value: v} }

// Kind returns the variant of the value.
func (v Value) Kind() Kind { return v.kind }

// AsNat returns the natural number carried by a Nat value.
func (v Value) AsNat() uint64 { return v.nat }

// AsBlob returns the bytes carried by a Blob value.
func (v Value) AsBlob() []byte { return v.blob }

// AsText returns the string carried by a Text value.
func (v Value) AsText() string { return v.text }

// AsArray returns the elements of an Array value.
func (v Value) AsArray() []Value { return v.array }

// AsMap returns the entries of a Map value.
func (v Value) AsMap() []MapEntry { return v.map_ }

// Get returns the value at the key of a Map value.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.map_ {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// leb128 encodes n as unsigned LEB128.
func leb128(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

// sleb128 encodes i as signed LEB128.
func sleb128(i int64) []byte {
	var out []byte
	for {
		b := byte(i & 0x7f)
		i >>= 7
		if (i == 0 && b&0x40 == 0) || (i == -1 && b&0x40 != 0) {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// Hash computes the representation-independent hash of the value: sha256
// over the variant's canonical encoding, with map entries sorted by the
// hash of their keys.
func (v Value) Hash() [32]byte {
	switch v.kind {
	case KindNat:
		return sha256.Sum256(leb128(v.nat))
	case KindInt:
		return sha256.Sum256(sleb128(v.int_))
	case KindBlob:
		return sha256.Sum256(v.blob)
	case KindText:
		return sha256.Sum256([]byte(v.text))
	case KindArray:
		var cat []byte
		for _, elem := range v.array {
			h := elem.Hash()
			cat = append(cat, h[:]...)
		}
		return sha256.Sum256(cat)
	case KindMap:
		type hashedEntry struct {
			keyHash [32]byte
			valHash [32]byte
		}
		hashed := make([]hashedEntry, 0, len(v.map_))
		for _, e := range v.map_ {
			hashed = append(hashed, hashedEntry{
				keyHash: sha256.Sum256([]byte(e.Key)),
				valHash: e.Value.Hash(),
			})
		}
		sort.Slice(hashed, func(i, j int) bool {
			for k := 0; k < 32; k++ {
				if hashed[i].keyHash[k] != hashed[j].keyHash[k] {
					return hashed[i].keyHash[k] < hashed[j].keyHash[k]
				}
			}
			return false
		})
		var cat []byte
		for _, e := range hashed {
			cat = append(cat, e.keyHash[:]...)
			cat = append(cat, e.valHash[:]...)
		}
		return sha256.Sum256(cat)
	}
	panic("unknown icrc3 value kind")
}
