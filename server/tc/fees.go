// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"math/big"

	"cyclesmarket.org/cmarket/cm"
)

// Fee tiers keyed on a position's cumulative executed cycles volume,
// including the trade being priced. Crossing a boundary exactly earns the
// cheaper tier.
const (
	feeTier1Volume cm.Cycles = 1_000_000_000
	feeTier2Volume cm.Cycles = 10_000_000_000
	feeTier3Volume cm.Cycles = 100_000_000_000

	feeTier1Bps uint64 = 500
	feeTier2Bps uint64 = 300
	feeTier3Bps uint64 = 100
	feeTier4Bps uint64 = 50

	feeBpsDenominator uint64 = 10_000
)

// calculateTradeFee prices one payout leg's fee in cycles: the position's
// tier rate applied to this trade's cycles quantity. cumulativeVolume is the
// position's executed cycles volume with the current trade counted in.
func calculateTradeFee(cumulativeVolume, tradeCycles cm.Cycles) cm.Cycles {
	var bps uint64
	switch {
	case cumulativeVolume < feeTier1Volume:
		bps = feeTier1Bps
	case cumulativeVolume < feeTier2Volume:
		bps = feeTier2Bps
	case cumulativeVolume < feeTier3Volume:
		bps = feeTier3Bps
	default:
		bps = feeTier4Bps
	}
	// tradeCycles * bps may exceed 64 bits for large trades.
	f := new(big.Int).SetUint64(tradeCycles)
	f.Mul(f, new(big.Int).SetUint64(bps))
	f.Div(f, new(big.Int).SetUint64(feeBpsDenominator))
	if !f.IsUint64() {
		return ^uint64(0)
	}
	return f.Uint64()
}
