// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import "testing"

func TestCalculateTradeFee(t *testing.T) {
	tests := []struct {
		name        string
		volume      uint64
		tradeCycles uint64
		want        uint64
	}{
		{"tier 1", 500_000_000, 500_000_000, 500_000_000 * 500 / 10_000},
		{"tier 1 upper edge", feeTier1Volume - 1, 100_000_000, 100_000_000 * 500 / 10_000},
		{"boundary takes cheaper tier", feeTier1Volume, 100_000_000, 100_000_000 * 300 / 10_000},
		{"tier 2", 5_000_000_000, 1_000_000_000, 1_000_000_000 * 300 / 10_000},
		{"tier 3", 50_000_000_000, 1_000_000_000, 1_000_000_000 * 100 / 10_000},
		{"tier 4", feeTier3Volume, 1_000_000_000, 1_000_000_000 * 50 / 10_000},
		{"tier 4 deep", 1 << 62, 1 << 40, (1 << 40) * 50 / 10_000},
	}
	for _, test := range tests {
		if got := calculateTradeFee(test.volume, test.tradeCycles); got != test.want {
			t.Errorf("%s: calculateTradeFee(%d, %d) = %d, want %d",
				test.name, test.volume, test.tradeCycles, got, test.want)
		}
	}
}
