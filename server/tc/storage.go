// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"bytes"
	"fmt"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/logstore"
)

// FlushStorageBufferAtBytes is the buffer size that triggers a flush to the
// current storage actor. A var for tests.
var FlushStorageBufferAtBytes uint64 = 2 * (1 << 20)

// Native cycles endowment for a freshly spawned storage actor, taken out of
// the trade contract's own balance.
const storageCanisterCreationCycles cm.Cycles = 5_000_000_000_000

const storageCanisterMemoryMiB = 4096

// StorageCanisterInfo describes one storage actor in a chain, for the
// view_*_storage_canisters queries and for routing reads.
type StorageCanisterInfo struct {
	Canister   cm.Principal
	FirstLogID uint64
	Length     uint64
	RecordSize int
}

// logstoreRecord builds a push record from an id, serialized bytes, and
// secondary index keys.
func logstoreRecord(id uint64, data []byte, indexKeys ...[]byte) logstore.Record {
	return logstore.Record{ID: id, IndexKeys: indexKeys, Data: data}
}

// storageBuffer accumulates serialized log records until they are flushed to
// a storage actor. Records are whole units; a flush never splits one. A
// record re-put under the same id before its flush confirms replaces the
// buffered bytes in place.
type storageBuffer struct {
	pending []logstore.Record
	byID    map[uint64]int
	bytes   uint64
}

func newStorageBuffer() *storageBuffer {
	return &storageBuffer{byID: make(map[uint64]int)}
}

func (b *storageBuffer) put(rec logstore.Record) {
	if i, ok := b.byID[rec.ID]; ok {
		b.bytes -= uint64(len(b.pending[i].Data))
		b.bytes += uint64(len(rec.Data))
		b.pending[i] = rec
		return
	}
	b.byID[rec.ID] = len(b.pending)
	b.pending = append(b.pending, rec)
	b.bytes += uint64(len(rec.Data))
}

// get returns the buffered record bytes for the id, if present.
func (b *storageBuffer) get(id uint64) ([]byte, bool) {
	i, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	return b.pending[i].Data, true
}

func (b *storageBuffer) needsFlush() bool {
	return b.bytes >= FlushStorageBufferAtBytes
}

// snapshot copies the pending records for an outbound push. The buffer may
// keep changing while the push is in flight.
func (b *storageBuffer) snapshot() []logstore.Record {
	out := make([]logstore.Record, len(b.pending))
	copy(out, b.pending)
	return out
}

// confirm removes records that made it to storage. A record whose bytes
// changed since the snapshot stays buffered so the update is pushed on the
// next flush; the storage actor overwrites by id.
func (b *storageBuffer) confirm(pushed []logstore.Record) {
	stale := make(map[uint64][]byte, len(pushed))
	for _, rec := range pushed {
		stale[rec.ID] = rec.Data
	}
	kept := b.pending[:0]
	b.byID = make(map[uint64]int)
	b.bytes = 0
	for _, rec := range b.pending {
		if data, ok := stale[rec.ID]; ok && bytes.Equal(data, rec.Data) {
			continue
		}
		b.byID[rec.ID] = len(kept)
		kept = append(kept, rec)
		b.bytes += uint64(len(rec.Data))
	}
	b.pending = kept
}

// storageChain is an ordered list of storage actors; the last one receives
// pushes until it fills and a successor is spawned.
type storageChain struct {
	name string
	code platform.CanisterCode
	list []StorageCanisterInfo
}

// currentStore resolves the chain's active storage actor, spawning the first
// or a successor as needed. Must be called with the trade contract's mutex
// held; the registry calls inside are construction, not suspension, since a
// fresh storage actor has no callers yet.
func (t *TC) currentStore(chain *storageChain) (*logstore.Store, error) {
	if n := len(chain.list); n > 0 {
		inst, err := t.reg.Instance(chain.list[n-1].Canister)
		if err == nil {
			store, ok := inst.(*logstore.Store)
			if !ok {
				return nil, fmt.Errorf("canister %s is not a log store", chain.list[n-1].Canister)
			}
			if !store.IsFull() {
				return store, nil
			}
		}
	}

	id, err := t.reg.CreateCanister([]cm.Principal{t.id, t.cmMain}, storageCanisterMemoryMiB, 0)
	if err != nil {
		return nil, err
	}
	if err := t.reg.DepositCycles(t.id, id, storageCanisterCreationCycles); err != nil {
		return nil, err
	}
	var dir string
	if t.dataDir != "" {
		dir = t.dataDir + "/" + chain.name + "-" + id.String()
	}
	err = t.reg.InstallCode(t.id, id, platform.Install, chain.code, &logstore.InitQuest{
		Pusher: t.id,
		Dir:    dir,
	})
	if err != nil {
		return nil, err
	}
	chain.list = append(chain.list, StorageCanisterInfo{
		Canister:   id,
		RecordSize: chain.recordSize(),
	})
	log.Infof("spawned %s storage canister %s (chain length %d)", chain.name, id, len(chain.list))
	inst, err := t.reg.Instance(id)
	if err != nil {
		return nil, err
	}
	return inst.(*logstore.Store), nil
}

func (c *storageChain) recordSize() int {
	if c.name == "trades" {
		return TradeLogStableSize
	}
	return PositionLogStableSize
}

// syncInfo refreshes the chain tail's counters after a push.
func (c *storageChain) syncInfo(store *logstore.Store) {
	n := len(c.list)
	if n == 0 {
		return
	}
	c.list[n-1].FirstLogID = store.FirstLogID()
	c.list[n-1].Length = store.Length()
}
