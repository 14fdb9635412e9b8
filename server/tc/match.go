// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
)

// Matching walks the opposite side in insertion order, so earlier positions
// trade first at any acceptable rate. A cross executes at the midpoint of
// the two limit rates, splitting the price improvement between the
// positors.

// matchCyclesPositionLocked matches a fresh cycles position against the
// resting token positions. The contract mutex must be held.
func (t *TC) matchCyclesPositionLocked(cp *CyclesPosition) {
	trades := 0
	i := 0
	for i < len(t.tokenPositions) && trades < maxTradesPerMatchCall {
		tp := t.tokenPositions[i]
		// A token position asks at least its rate; the cycles position
		// bids at most its rate.
		if tp.Rate > cp.Rate {
			i++
			continue
		}
		tradeRate := cm.MidpointRate(cp.Rate, tp.Rate)
		tl := t.executeTradeLocked(cp, tp, KindToken, tradeRate, cp.ID)
		if tl == nil {
			i++
			continue
		}
		trades++
		if t.tokenPositionDepleted(tp) {
			t.voidTokenPositionLocked(i, CauseFill)
			// The slice shifted; i now points at the next position.
		} else {
			i++
		}
		if t.cyclesPositionDepleted(cp) {
			break
		}
	}
	if t.cyclesPositionDepleted(cp) {
		for i, p := range t.cyclesPositions {
			if p.ID == cp.ID {
				t.voidCyclesPositionLocked(i, CauseFill)
				break
			}
		}
	}
}

// matchTokenPositionLocked matches a fresh token position against the
// resting cycles positions.
func (t *TC) matchTokenPositionLocked(tp *TokenPosition) {
	trades := 0
	i := 0
	for i < len(t.cyclesPositions) && trades < maxTradesPerMatchCall {
		cp := t.cyclesPositions[i]
		if cp.Rate < tp.Rate {
			i++
			continue
		}
		tradeRate := cm.MidpointRate(cp.Rate, tp.Rate)
		tl := t.executeTradeLocked(cp, tp, KindCycles, tradeRate, tp.ID)
		if tl == nil {
			i++
			continue
		}
		trades++
		if t.cyclesPositionDepleted(cp) {
			t.voidCyclesPositionLocked(i, CauseFill)
		} else {
			i++
		}
		if t.tokenPositionDepleted(tp) {
			break
		}
	}
	if t.tokenPositionDepleted(tp) {
		for i, p := range t.tokenPositions {
			if p.ID == tp.ID {
				t.voidTokenPositionLocked(i, CauseFill)
				break
			}
		}
	}
}

// executeTradeLocked crosses a cycles position with a token position at the
// trade rate and appends the trade log. matcheeKind names the resting side;
// matcherID is the incoming position. Returns nil when the crossable token
// quantity is below the match minimum.
func (t *TC) executeTradeLocked(cp *CyclesPosition, tp *TokenPosition, matcheeKind PositionKind, tradeRate cm.Rate, matcherID cm.PositionID) *TradeLog {
	tokens := cp.tokensAt(tradeRate)
	if tp.CurrentTokens < tokens {
		tokens = tp.CurrentTokens
	}
	if tokens < MinTokensMatch {
		return nil
	}
	cycles := cm.TokensToCycles(tradeRate, tokens)

	// Each side's fee is priced in cycles at its own volume tier, counting
	// this trade, then converted to the leg's unit. The token position
	// receives the cycles leg; the cycles position receives the token leg.
	cyclesFee := calculateTradeFee(tp.FillVolumeCycles+cycles, cycles)
	tokenFee := cm.CyclesToTokens(tradeRate, calculateTradeFee(cp.FillVolumeCycles+cycles, cycles))

	cp.CurrentCycles -= cycles
	cp.FillTokens += tokens
	cp.FillVolumeCycles += cycles
	cp.FeesSum += tokenFee
	tp.CurrentTokens -= tokens
	tp.FillCycles += cycles
	tp.FillVolumeCycles += cycles
	tp.FeesSum += cyclesFee

	matcheeID, matcheePositor, matcherPositor := tp.ID, tp.Positor, cp.Positor
	if matcheeKind == KindCycles {
		matcheeID, matcheePositor, matcherPositor = cp.ID, cp.Positor, tp.Positor
	}

	tl := &TradeLog{
		PositionIDMatcher: matcherID,
		PositionIDMatchee: matcheeID,
		ID:                t.tradeCounter,
		MatcheePositor:    matcheePositor,
		MatcherPositor:    matcherPositor,
		Tokens:            tokens,
		Cycles:            cycles,
		Rate:              tradeRate,
		MatcheeKind:       matcheeKind,
		Ts:                encode.UnixMilliU(t.now()),
		TokenPayoutFee:    tokenFee,
		CyclesPayoutFee:   cyclesFee,
	}
	t.tradeCounter++
	t.tradeLogs = append(t.tradeLogs, tl)
	t.noteLatestTradeLocked(tl)

	t.candles.addTrade(tradeRate, tokens, cycles, tl.Ts)
	t.totalVolumeTokens += tokens
	t.totalVolumeCycles += cycles

	log.Debugf("trade %d: %d tokens for %d cycles at rate %d (positions %d/%d)",
		tl.ID, tokens, cycles, tradeRate, matcherID, matcheeID)
	return tl
}

// cyclesPositionDepleted reports whether the position can no longer yield a
// minimum match at its own rate.
func (t *TC) cyclesPositionDepleted(cp *CyclesPosition) bool {
	return cp.tokensAt(cp.Rate) < MinTokensMatch
}

func (t *TC) tokenPositionDepleted(tp *TokenPosition) bool {
	return tp.CurrentTokens < MinTokensMatch
}

// noteLatestTradeLocked records a copy of the trade in the bounded
// market-feed ring.
func (t *TC) noteLatestTradeLocked(tl *TradeLog) {
	if len(t.latestTrades) == maxLatestTrades {
		copy(t.latestTrades, t.latestTrades[1:])
		t.latestTrades = t.latestTrades[:maxLatestTrades-1]
	}
	t.latestTrades = append(t.latestTrades, *tl)
}
