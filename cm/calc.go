// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cm

import "math/big"

// TokensToCycles computes the cycles value of a token amount at the given
// rate. That is,
//
//	cycles = rate * tokens
//
// The product is taken through big.Int so intermediate overflow cannot occur;
// a result over the uint64 ceiling saturates.
func TokensToCycles(rate Rate, tokens Tokens) Cycles {
	bigRate := new(big.Int).SetUint64(rate)
	bigTokens := new(big.Int).SetUint64(tokens)
	bigTokens.Mul(bigTokens, bigRate)
	if !bigTokens.IsUint64() {
		return ^uint64(0)
	}
	return bigTokens.Uint64()
}

// CyclesToTokens computes the token amount a cycles amount buys at the given
// rate. That is,
//
//	tokens = cycles / rate
func CyclesToTokens(rate Rate, cycles Cycles) Tokens {
	if rate == 0 {
		return 0
	}
	return cycles / rate
}

// MidpointRate is the executed rate for a cross: the midpoint of the taker's
// and the resting position's rates, rounded down.
func MidpointRate(a, b Rate) Rate {
	// Sum through big arithmetic so a+b cannot wrap.
	s := new(big.Int).SetUint64(a)
	s.Add(s, new(big.Int).SetUint64(b))
	s.Rsh(s, 1)
	return s.Uint64()
}
