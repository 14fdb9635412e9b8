// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package cm holds the primitives shared by every actor in the cycles
// market: principals and accounts, amount types and rate math, hashing,
// and the logging and error plumbing.
package cm

// Cycles is an amount of the compute-fuel asset, the Bank's ledger unit.
type Cycles = uint64

// Tokens is an amount of the market's second fungible asset, in the token
// ledger's smallest unit.
type Tokens = uint64

// Rate is an integral number of cycles per whole token.
type Rate = uint64

// Identifier counters. PositionID is shared across both sides of a trade
// contract's book; TradeID and BlockID advance independently.
type (
	PositionID = uint64
	TradeID    = uint64
	BlockID    = uint64
)
