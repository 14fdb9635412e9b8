// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"time"

	"cyclesmarket.org/cmarket/cm/encode"
)

// Candle bins are one minute; the cache holds three days of them.
const (
	CandleBinSizeMs  uint64 = 60_000
	CandleCacheDepth        = 4320
)

// Candle is a report about the trading activity of the market over one time
// bin. MatchVolume is in tokens, QuoteVolume in cycles, rates in
// cycles-per-token.
type Candle struct {
	StartStamp  uint64
	EndStamp    uint64
	MatchVolume uint64
	QuoteVolume uint64
	HighRate    uint64
	LowRate     uint64
	StartRate   uint64
	EndRate     uint64
}

// candleCache is a sized cache of candles. It is a typical slice until it
// reaches capacity, when it becomes a "circular array" to avoid
// re-allocations. Not safe for concurrent use; the trade contract guards it
// with its own mutex.
type candleCache struct {
	candles []Candle
	cap     int
	// cursor is the index of the last inserted candle.
	cursor  int
	binSize uint64
}

func newCandleCache(cap int, binSize uint64) *candleCache {
	return &candleCache{
		cap:     cap,
		binSize: binSize,
	}
}

// addTrade folds one executed trade into the cache. Trades must arrive in
// time order.
func (c *candleCache) addTrade(rate, tokens, cycles, stampMs uint64) {
	start := stampMs - stampMs%c.binSize
	c.add(&Candle{
		StartStamp:  start,
		EndStamp:    stampMs,
		MatchVolume: tokens,
		QuoteVolume: cycles,
		HighRate:    rate,
		LowRate:     rate,
		StartRate:   rate,
		EndRate:     rate,
	})
}

// add adds a new candle to the end of the cache, combining it with the last
// candle when both fall in the same bin.
func (c *candleCache) add(candle *Candle) {
	sz := len(c.candles)
	if sz == 0 {
		c.candles = append(c.candles, *candle)
		return
	}
	if c.combineCandles(c.last(), candle) {
		return
	}
	if sz == c.cap { // circular mode
		c.cursor = (c.cursor + 1) % c.cap
		c.candles[c.cursor] = *candle
		return
	}
	c.candles = append(c.candles, *candle)
	c.cursor = sz // len(c.candles) - 1
}

// recent returns up to count most recent candles, oldest first.
func (c *candleCache) recent(count int) []Candle {
	n := count
	sz := len(c.candles)
	if sz < n {
		n = sz
	}
	out := make([]Candle, 0, n)
	for i := sz - n; i < sz; i++ {
		out = append(out, c.candles[(c.cursor+1+i)%sz])
	}
	return out
}

// inRange returns the candles whose bins overlap [startMs, endMs], oldest
// first. A zero endMs means no upper bound.
func (c *candleCache) inRange(startMs, endMs uint64) []Candle {
	sz := len(c.candles)
	out := make([]Candle, 0)
	for i := 0; i < sz; i++ {
		candle := &c.candles[(c.cursor+1+i)%sz]
		if candle.EndStamp < startMs {
			continue
		}
		if endMs != 0 && candle.StartStamp > endMs {
			break
		}
		out = append(out, *candle)
	}
	return out
}

// delta calculates the change in rate, as a percentage, and the total token
// and cycles volumes over the period going backwards from now. Because the
// first candle does not necessarily align with the cutoff, the contribution
// from that candle is linearly interpreted between its endpoints.
func (c *candleCache) delta(since time.Time) (changePct float64, tokenVol, cyclesVol uint64) {
	cutoff := encode.UnixMilliU(since)
	sz := len(c.candles)
	if sz == 0 {
		return 0, 0, 0
	}
	endRate := c.last().EndRate
	var startRate uint64
	for i := 0; i < sz; i++ {
		candle := &c.candles[(c.cursor+sz-i)%sz]
		if candle.EndStamp <= cutoff {
			break
		} else if candle.StartStamp <= cutoff {
			// Interpret the point linearly between the start and end stamps.
			cut := float64(cutoff-candle.StartStamp) / float64(candle.EndStamp-candle.StartStamp)
			// The rate may have fallen within the candle, so the
			// delta must be signed.
			rateDelta := float64(candle.EndRate) - float64(candle.StartRate)
			startRate = uint64(float64(candle.StartRate) + cut*rateDelta)
			tokenVol += uint64((1 - cut) * float64(candle.MatchVolume))
			cyclesVol += uint64((1 - cut) * float64(candle.QuoteVolume))
			break
		}
		startRate = candle.StartRate
		tokenVol += candle.MatchVolume
		cyclesVol += candle.QuoteVolume
	}
	if startRate == 0 {
		return 0, tokenVol, cyclesVol
	}
	return (float64(endRate) - float64(startRate)) / float64(startRate), tokenVol, cyclesVol
}

// last gets the most recent candle in the cache.
func (c *candleCache) last() *Candle {
	return &c.candles[c.cursor]
}

// combineCandles attempts to add the candidate candle to the target candle
// in-place, if they're in the same bin, otherwise returns false.
func (c *candleCache) combineCandles(target, candidate *Candle) bool {
	if target.StartStamp/c.binSize != candidate.StartStamp/c.binSize {
		return false
	}
	target.EndStamp = candidate.EndStamp
	target.EndRate = candidate.EndRate
	if candidate.HighRate > target.HighRate {
		target.HighRate = candidate.HighRate
	}
	if candidate.LowRate < target.LowRate || target.LowRate == 0 {
		target.LowRate = candidate.LowRate
	}
	target.MatchVolume += candidate.MatchVolume
	target.QuoteVolume += candidate.QuoteVolume
	return true
}
