// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bank

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/stablemem"
)

// heapVersion prefixes the heap snapshot so future layouts can migrate old
// ones.
const heapVersion uint16 = 1

type mintMidCallSnap struct {
	Quest      MintCyclesQuest
	BurnHeight uint64
	BurnDone   bool
}

type dedupSnap struct {
	Key   string
	Block cm.BlockID
	TsNs  int64
}

type heapSnap struct {
	Balances     map[string]cm.Cycles
	TotalSupply  cm.Cycles
	Blocks       []*Block
	FirstBlockID cm.BlockID
	LastHash     *[32]byte
	AcctIndex    map[string][]cm.BlockID
	MintCursor   uint64
	MintCalls    map[cm.Principal]mintMidCallSnap
	Dedup        []dedupSnap
}

// PreUpgrade serializes the bank's heap into stable memory. Mid-call mint
// records survive so CompleteMintCycles works across an upgrade; their locks
// are dropped, matching the actor-model rollback of in-flight messages.
func (b *Bank) PreUpgrade() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	snap := &heapSnap{
		Balances:     b.balances,
		TotalSupply:  b.totalSupply,
		Blocks:       b.blocks,
		FirstBlockID: b.firstBlockID,
		LastHash:     b.lastBlockHash,
		AcctIndex:    b.acctIndex,
		MintCursor:   b.mintCursor,
		MintCalls:    make(map[cm.Principal]mintMidCallSnap, len(b.mintCalls)),
		Dedup:        make([]dedupSnap, 0, len(b.dedup)),
	}
	for caller, mc := range b.mintCalls {
		snap.MintCalls[caller] = mintMidCallSnap{
			Quest:      mc.quest,
			BurnHeight: mc.burnHeight,
			BurnDone:   mc.burnDone,
		}
	}
	for k, e := range b.dedup {
		snap.Dedup = append(snap.Dedup, dedupSnap{Key: k, Block: e.block, TsNs: e.ts.UnixNano()})
	}

	var buf bytes.Buffer
	buf.Write(encode.Uint16Bytes(heapVersion))
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		panic("bank heap snapshot encode: " + err.Error())
	}
	if err := stablemem.SaveHeap(b.mem, buf.Bytes()); err != nil {
		panic("bank heap snapshot write: " + err.Error())
	}
}

// restore loads a heap snapshot, if one exists.
func (b *Bank) restore() error {
	data, err := stablemem.LoadHeap(b.mem)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if len(data) < 2 {
		return fmt.Errorf("snapshot shorter than version prefix")
	}
	if v := encode.IntCoder.Uint16(data[:2]); v != heapVersion {
		return fmt.Errorf("unknown heap snapshot version %d", v)
	}
	snap := new(heapSnap)
	if err := gob.NewDecoder(bytes.NewReader(data[2:])).Decode(snap); err != nil {
		return err
	}
	b.balances = snap.Balances
	if b.balances == nil {
		b.balances = make(map[string]cm.Cycles)
	}
	b.totalSupply = snap.TotalSupply
	b.blocks = snap.Blocks
	b.firstBlockID = snap.FirstBlockID
	b.lastBlockHash = snap.LastHash
	b.acctIndex = snap.AcctIndex
	if b.acctIndex == nil {
		b.acctIndex = make(map[string][]cm.BlockID)
	}
	b.mintCursor = snap.MintCursor
	for caller, mc := range snap.MintCalls {
		b.mintCalls[caller] = &mintMidCall{
			quest:      mc.Quest,
			burnHeight: mc.BurnHeight,
			burnDone:   mc.BurnDone,
		}
		b.balanceLocks[caller] = true
	}
	for _, e := range snap.Dedup {
		b.dedup[e.Key] = dedupEntry{block: e.Block, ts: time.Unix(0, e.TsNs)}
	}
	return nil
}
