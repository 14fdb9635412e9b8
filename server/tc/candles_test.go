// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"testing"
	"time"
)

func TestCandleDeltaFallingRate(t *testing.T) {
	c := newCandleCache(CandleCacheDepth, CandleBinSizeMs)
	c.addTrade(2_000_000, 50_000, 100_000_000_000, 60_300)
	c.addTrade(1_000_000, 30_000, 30_000_000_000, 60_900)

	// The cutoff lands inside the only candle while the rate was falling.
	// The interpolated start rate must stay between the endpoints: at
	// two thirds through, 1_333_333, for a change of about -25%.
	changePct, tokenVol, cyclesVol := c.delta(time.UnixMilli(60_600))
	if changePct < -0.26 || changePct > -0.24 {
		t.Fatalf("change pct %f, want about -0.25", changePct)
	}
	if tokenVol < 26_000 || tokenVol > 27_000 {
		t.Fatalf("token volume %d, want about a third of 80_000", tokenVol)
	}
	if cyclesVol < 43_000_000_000 || cyclesVol > 44_000_000_000 {
		t.Fatalf("cycles volume %d", cyclesVol)
	}

	// A cutoff before the candle takes its whole contribution.
	changePct, tokenVol, cyclesVol = c.delta(time.UnixMilli(0))
	if changePct != -0.5 {
		t.Fatalf("whole-period change pct %f, want -0.5", changePct)
	}
	if tokenVol != 80_000 || cyclesVol != 130_000_000_000 {
		t.Fatalf("whole-period volumes %d %d", tokenVol, cyclesVol)
	}
}
