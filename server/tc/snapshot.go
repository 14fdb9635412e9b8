// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/server/logstore"
	"cyclesmarket.org/cmarket/stablemem"
)

// heapVersion prefixes the heap serialization so the layout can evolve.
const heapVersion uint16 = 1

// heapSnap is the gob image of the contract heap. Mid-call and payout locks
// are unexported on their structs and are deliberately not serialized; an
// in-flight leg simply retries after restore, and the deterministic payout
// memos make the retry safe.
type heapSnap struct {
	PositionCounter uint64
	TradeCounter    uint64

	CyclesPositions     []*CyclesPosition
	TokenPositions      []*TokenPosition
	VoidCyclesPositions []*VoidPosition
	VoidTokenPositions  []*VoidPosition

	TradeLogs    []*TradeLog
	LatestTrades []TradeLog

	Candles      []Candle
	CandleCursor int

	TotalVolumeTokens uint64
	TotalVolumeCycles uint64

	PositionsBuffer []logstore.Record
	TradesBuffer    []logstore.Record

	PositionsChainList []StorageCanisterInfo
	TradesChainList    []StorageCanisterInfo

	PayoutErrors []PayoutError
}

func (t *TC) serializeLocked() ([]byte, error) {
	snap := &heapSnap{
		PositionCounter:     t.positionCounter,
		TradeCounter:        t.tradeCounter,
		CyclesPositions:     t.cyclesPositions,
		TokenPositions:      t.tokenPositions,
		VoidCyclesPositions: t.voidCyclesPositions,
		VoidTokenPositions:  t.voidTokenPositions,
		TradeLogs:           t.tradeLogs,
		LatestTrades:        t.latestTrades,
		Candles:             t.candles.candles,
		CandleCursor:        t.candles.cursor,
		TotalVolumeTokens:   t.totalVolumeTokens,
		TotalVolumeCycles:   t.totalVolumeCycles,
		PositionsBuffer:     t.positionsBuffer.pending,
		TradesBuffer:        t.tradesBuffer.pending,
		PositionsChainList:  t.positionsChain.list,
		TradesChainList:     t.tradesChain.list,
		PayoutErrors:        t.payoutErrors,
	}
	b := new(bytes.Buffer)
	b.Write(encode.Uint16Bytes(heapVersion))
	if err := gob.NewEncoder(b).Encode(snap); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// PreUpgrade serializes the contract heap into stable memory.
func (t *TC) PreUpgrade() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	data, err := t.serializeLocked()
	if err != nil {
		panic("trade contract heap serialization failed: " + err.Error())
	}
	if err := stablemem.SaveHeap(t.mem, data); err != nil {
		panic("trade contract heap save failed: " + err.Error())
	}
}

func (t *TC) restore() error {
	data, err := stablemem.LoadHeap(t.mem)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if len(data) < 2 {
		return fmt.Errorf("heap snapshot too short")
	}
	if v := encode.IntCoder.Uint16(data[:2]); v != heapVersion {
		return fmt.Errorf("unknown heap snapshot version %d", v)
	}
	snap := new(heapSnap)
	if err := gob.NewDecoder(bytes.NewReader(data[2:])).Decode(snap); err != nil {
		return err
	}

	t.positionCounter = snap.PositionCounter
	t.tradeCounter = snap.TradeCounter
	t.cyclesPositions = snap.CyclesPositions
	t.tokenPositions = snap.TokenPositions
	t.voidCyclesPositions = snap.VoidCyclesPositions
	t.voidTokenPositions = snap.VoidTokenPositions
	t.tradeLogs = snap.TradeLogs
	t.latestTrades = snap.LatestTrades
	t.candles.candles = snap.Candles
	t.candles.cursor = snap.CandleCursor
	t.totalVolumeTokens = snap.TotalVolumeTokens
	t.totalVolumeCycles = snap.TotalVolumeCycles
	for _, rec := range snap.PositionsBuffer {
		t.positionsBuffer.put(rec)
	}
	for _, rec := range snap.TradesBuffer {
		t.tradesBuffer.put(rec)
	}
	t.positionsChain.list = snap.PositionsChainList
	t.tradesChain.list = snap.TradesChainList
	t.payoutErrors = snap.PayoutErrors
	return nil
}
