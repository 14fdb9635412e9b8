// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MaxPrincipalLen is the longest identifier a Principal may carry.
const MaxPrincipalLen = 29

// Principal is an opaque identifier for a caller or an actor. The underlying
// bytes are stored as a string so a Principal can key a map.
type Principal string

// NewPrincipal constructs a Principal from raw identifier bytes. Panics if the
// identifier is longer than MaxPrincipalLen; principals come from the platform
// and an oversized one is a safety violation, not a recoverable input error.
func NewPrincipal(b []byte) Principal {
	if len(b) > MaxPrincipalLen {
		panic(fmt.Sprintf("principal length %d exceeds %d", len(b), MaxPrincipalLen))
	}
	return Principal(b)
}

// Bytes returns a copy of the principal's identifier bytes.
func (p Principal) Bytes() []byte {
	return []byte(p)
}

// String returns the hex form of the principal.
func (p Principal) String() string {
	return hex.EncodeToString([]byte(p))
}

// IsZero reports whether the principal is the empty principal.
func (p Principal) IsZero() bool {
	return len(p) == 0
}

// AsThirtyBytes packs the principal into its fixed thirty-byte form: a length
// byte followed by the identifier bytes, zero-filled.
func (p Principal) AsThirtyBytes() [30]byte {
	var b [30]byte
	b[0] = byte(len(p))
	copy(b[1:], p)
	return b
}

// ThirtyBytesAsPrincipal reverses Principal.AsThirtyBytes.
func ThirtyBytesAsPrincipal(b *[30]byte) Principal {
	l := int(b[0])
	if l > MaxPrincipalLen {
		panic(fmt.Sprintf("thirty-bytes length byte %d exceeds %d", l, MaxPrincipalLen))
	}
	return Principal(b[1 : 1+l])
}

// Subaccount is an ICRC-1 account qualifier.
type Subaccount = [32]byte

// TokenSubaccount derives the principal's token subaccount: the thirty-byte
// form left-aligned in 32 bytes.
func (p Principal) TokenSubaccount() Subaccount {
	var sub Subaccount
	tb := p.AsThirtyBytes()
	copy(sub[:], tb[:])
	return sub
}

// Account locates a balance on an ICRC-1 ledger.
type Account struct {
	Owner      Principal
	Subaccount *Subaccount
}

// MapKey returns a comparable form of the account with a nil subaccount and
// the all-zero subaccount identified, per ICRC-1.
func (a Account) MapKey() string {
	var sub Subaccount
	if a.Subaccount != nil {
		sub = *a.Subaccount
	}
	return string(a.Owner) + string(sub[:])
}

// Equal reports whether the two accounts locate the same balance.
func (a Account) Equal(b Account) bool {
	return a.MapKey() == b.MapKey()
}

// EffectiveSubaccount returns the account's subaccount, or the default
// all-zero subaccount when none is set.
func (a Account) EffectiveSubaccount() Subaccount {
	if a.Subaccount != nil {
		return *a.Subaccount
	}
	return Subaccount{}
}

func (a Account) String() string {
	if a.Subaccount == nil || *a.Subaccount == (Subaccount{}) {
		return a.Owner.String()
	}
	return a.Owner.String() + "." + hex.EncodeToString(a.Subaccount[:])
}

// Sha256 is the hash used for block chaining and module hashes.
func Sha256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// SubaccountEqual compares two optional subaccounts, identifying nil with the
// all-zero subaccount.
func SubaccountEqual(a, b *Subaccount) bool {
	var za, zb Subaccount
	if a != nil {
		za = *a
	}
	if b != nil {
		zb = *b
	}
	return bytes.Equal(za[:], zb[:])
}
