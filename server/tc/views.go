// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/server/logstore"
	"github.com/huandu/skiplist"
)

// BookEntry is one rate level of an aggregated position book.
type BookEntry struct {
	Rate cm.Rate
	// Quantity is the side's remaining quantity at the rate: cycles for the
	// cycles book, tokens for the token book.
	Quantity uint64
	// Positions is the number of positions aggregated into the level.
	Positions int
}

// ViewCyclesPositionBook returns the cycles side aggregated by rate, best
// (highest) bid first. A zero limit returns every level.
func (t *TC) ViewCyclesPositionBook(limit int) []BookEntry {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	list := skiplist.New(skiplist.Uint64)
	for _, p := range t.cyclesPositions {
		entry := BookEntry{Rate: p.Rate}
		if el := list.Get(p.Rate); el != nil {
			entry = el.Value.(BookEntry)
		}
		entry.Quantity += p.CurrentCycles
		entry.Positions++
		list.Set(p.Rate, entry)
	}
	out := make([]BookEntry, 0, list.Len())
	for el := list.Back(); el != nil && (limit == 0 || len(out) < limit); el = el.Prev() {
		out = append(out, el.Value.(BookEntry))
	}
	return out
}

// ViewTokenPositionBook returns the token side aggregated by rate, best
// (lowest) ask first.
func (t *TC) ViewTokenPositionBook(limit int) []BookEntry {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	list := skiplist.New(skiplist.Uint64)
	for _, p := range t.tokenPositions {
		entry := BookEntry{Rate: p.Rate}
		if el := list.Get(p.Rate); el != nil {
			entry = el.Value.(BookEntry)
		}
		entry.Quantity += p.CurrentTokens
		entry.Positions++
		list.Set(p.Rate, entry)
	}
	out := make([]BookEntry, 0, list.Len())
	for el := list.Front(); el != nil && (limit == 0 || len(out) < limit); el = el.Next() {
		out = append(out, el.Value.(BookEntry))
	}
	return out
}

// ViewLatestTrades returns up to limit recent trades, newest first.
func (t *TC) ViewLatestTrades(limit int) []TradeLog {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := len(t.latestTrades)
	if limit == 0 || limit > n {
		limit = n
	}
	out := make([]TradeLog, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.latestTrades[i])
	}
	return out
}

// CurrentPosition is a caller-facing description of one live position.
type CurrentPosition struct {
	ID       cm.PositionID
	Kind     PositionKind
	Quest    uint64
	Current  uint64
	Rate     cm.Rate
	Fill     uint64
	FeesSum  uint64
	CreateTs uint64
}

// ViewUserCurrentPositions returns the user's live positions on both sides.
func (t *TC) ViewUserCurrentPositions(user cm.Principal) []CurrentPosition {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []CurrentPosition
	for _, p := range t.cyclesPositions {
		if p.Positor != user {
			continue
		}
		out = append(out, CurrentPosition{
			ID: p.ID, Kind: KindCycles, Quest: p.QuestCycles, Current: p.CurrentCycles,
			Rate: p.Rate, Fill: p.FillTokens, FeesSum: p.FeesSum, CreateTs: p.Ts,
		})
	}
	for _, p := range t.tokenPositions {
		if p.Positor != user {
			continue
		}
		out = append(out, CurrentPosition{
			ID: p.ID, Kind: KindToken, Quest: p.QuestTokens, Current: p.CurrentTokens,
			Rate: p.Rate, Fill: p.FillCycles, FeesSum: p.FeesSum, CreateTs: p.Ts,
		})
	}
	return out
}

// ViewUserVoidPositions returns the user's terminated positions whose payout
// or storage-log update is still pending.
func (t *TC) ViewUserVoidPositions(user cm.Principal) []VoidPosition {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []VoidPosition
	for _, vp := range t.voidCyclesPositions {
		if vp.Positor == user {
			out = append(out, *vp)
		}
	}
	for _, vp := range t.voidTokenPositions {
		if vp.Positor == user {
			out = append(out, *vp)
		}
	}
	return out
}

// ViewPositionPendingTrades returns the unsettled trades touching the
// position.
func (t *TC) ViewPositionPendingTrades(id cm.PositionID) []TradeLog {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []TradeLog
	for _, tl := range t.tradeLogs {
		if tl.PositionIDMatcher == id || tl.PositionIDMatchee == id {
			out = append(out, *tl)
		}
	}
	return out
}

// ViewPositionPurchasesLogs returns the serialized trade log records for the
// position that have settled but not yet flushed out of the contract.
// Flushed records live on the trades storage chain; see
// ViewTradesStorageCanisters.
func (t *TC) ViewPositionPurchasesLogs(id cm.PositionID) []byte {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []byte
	for _, rec := range t.tradesBuffer.pending {
		tl, err := DeserializeTradeLog(rec.Data)
		if err != nil {
			continue
		}
		if tl.PositionIDMatcher == id || tl.PositionIDMatchee == id {
			out = append(out, rec.Data...)
		}
	}
	return out
}

// ViewUserPositionsLogs reads the user's position log records newest first:
// the in-heap buffer, then the storage chain from the newest actor back.
// beforeID bounds the read to records strictly below it.
func (t *TC) ViewUserPositionsLogs(user cm.Principal, beforeID *uint64, chunkSize int) ([]byte, error) {
	t.mtx.Lock()
	key := user.AsThirtyBytes()
	var out []byte
	n := 0
	buffered := t.positionsBuffer.snapshot()
	stores := make([]cm.Principal, len(t.positionsChain.list))
	for i, info := range t.positionsChain.list {
		stores[i] = info.Canister
	}
	t.mtx.Unlock()

	for i := len(buffered) - 1; i >= 0 && n < chunkSize; i-- {
		rec := buffered[i]
		if beforeID != nil && rec.ID >= *beforeID {
			continue
		}
		if !recordHasKey(rec, key[:]) {
			continue
		}
		out = append(out, rec.Data...)
		n++
	}

	for i := len(stores) - 1; i >= 0 && n < chunkSize; i-- {
		inst, err := t.reg.Instance(stores[i])
		if err != nil {
			return nil, err
		}
		store, ok := inst.(*logstore.Store)
		if !ok {
			continue
		}
		chunk, err := store.MapLogsRChunks(key[:], beforeID, chunkSize-n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		n += len(chunk) / PositionLogStableSize
	}
	return out, nil
}

func recordHasKey(rec logstore.Record, key []byte) bool {
	for _, ik := range rec.IndexKeys {
		if string(ik) == string(key) {
			return true
		}
	}
	return false
}

// ViewCandles returns the candles overlapping [startMs, endMs], oldest
// first. A zero endMs means no upper bound.
func (t *TC) ViewCandles(startMs, endMs uint64) []Candle {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.candles.inRange(startMs, endMs)
}

// VolumeStats is the market-wide turnover summary.
type VolumeStats struct {
	TotalVolumeTokens cm.Tokens
	TotalVolumeCycles cm.Cycles
	Tokens24h         cm.Tokens
	Cycles24h         cm.Cycles
	RateChange24hPct  float64
	LatestRate        cm.Rate
}

// ViewVolumeStats reports total and trailing-24h volumes and the 24h rate
// change.
func (t *TC) ViewVolumeStats() VolumeStats {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	stats := VolumeStats{
		TotalVolumeTokens: t.totalVolumeTokens,
		TotalVolumeCycles: t.totalVolumeCycles,
	}
	changePct, tokens, cycles := t.candles.delta(t.now().Add(-24 * time.Hour))
	stats.Tokens24h = tokens
	stats.Cycles24h = cycles
	stats.RateChange24hPct = changePct
	if len(t.candles.candles) > 0 {
		stats.LatestRate = t.candles.last().EndRate
	}
	return stats
}

// ViewPositionsStorageCanisters lists the positions storage chain.
func (t *TC) ViewPositionsStorageCanisters() []StorageCanisterInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]StorageCanisterInfo, len(t.positionsChain.list))
	copy(out, t.positionsChain.list)
	return out
}

// ViewTradesStorageCanisters lists the trades storage chain.
func (t *TC) ViewTradesStorageCanisters() []StorageCanisterInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]StorageCanisterInfo, len(t.tradesChain.list))
	copy(out, t.tradesChain.list)
	return out
}
