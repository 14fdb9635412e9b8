// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cmmain

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/stablemem"
)

const heapVersion uint16 = 1

// createMidCallSnap mirrors createMidCall without its lock; an in-flight
// create resumes via continuation after restore.
type createMidCallSnap struct {
	TokenLedger cm.Principal
	Canister    cm.Principal
}

type heapSnap struct {
	TCs         map[cm.Principal]cm.Principal
	TCOrder     []cm.Principal
	CreateCalls []createMidCallSnap
}

// PreUpgrade serializes the coordinator heap into stable memory.
func (c *CM) PreUpgrade() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	snap := &heapSnap{
		TCs:     c.tcs,
		TCOrder: c.tcOrder,
	}
	for _, mc := range c.createCalls {
		snap.CreateCalls = append(snap.CreateCalls, createMidCallSnap{
			TokenLedger: mc.TokenLedger,
			Canister:    mc.Canister,
		})
	}
	b := new(bytes.Buffer)
	b.Write(encode.Uint16Bytes(heapVersion))
	if err := gob.NewEncoder(b).Encode(snap); err != nil {
		panic("coordinator heap serialization failed: " + err.Error())
	}
	if err := stablemem.SaveHeap(c.mem, b.Bytes()); err != nil {
		panic("coordinator heap save failed: " + err.Error())
	}
}

func (c *CM) restore() error {
	data, err := stablemem.LoadHeap(c.mem)
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
	if snap.TCs != nil {
		c.tcs = snap.TCs
	}
	c.tcOrder = snap.TCOrder
	for _, mc := range snap.CreateCalls {
		c.createCalls[mc.TokenLedger] = &createMidCall{
			TokenLedger: mc.TokenLedger,
			Canister:    mc.Canister,
		}
	}
	return nil
}
