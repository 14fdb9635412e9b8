// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bank

import (
	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/icrc3"
)

// Op discriminates the block operation variants.
type Op uint8

const (
	OpMint Op = iota
	OpXfer
	OpBurn
)

// MintKind discriminates the source of a mint.
type MintKind uint8

const (
	// MintKindCMC is a mint backed by a reserve-asset burn at the
	// conversion collaborator.
	MintKindCMC MintKind = iota
	// MintKindCyclesIn is a mint backed by native cycles attached to an
	// incoming message.
	MintKindCyclesIn
)

// Tx is the transaction body of a block. Which fields are meaningful depends
// on Op.
type Tx struct {
	Op   Op
	Amt  uint64
	Fee  *uint64
	Memo []byte
	Ts   *uint64 // caller's created_at_time, nanoseconds

	To   cm.Account // Mint, Xfer
	From cm.Account // Xfer, Burn

	Kind              MintKind     // Mint
	ReserveBlockHeight uint64      // Mint/CMC
	FromCanister      cm.Principal // Mint/CyclesIn
	ForCanister       cm.Principal // Burn
}

// Block is one entry of the hash-chained log.
type Block struct {
	PHash *[32]byte
	Ts    uint64 // append time, nanoseconds
	Fee   cm.Cycles
	Tx    Tx
}

func accountValue(a cm.Account) icrc3.Value {
	if a.Subaccount != nil && *a.Subaccount != (cm.Subaccount{}) {
		return icrc3.Array(icrc3.Blob(a.Owner.Bytes()), icrc3.Blob(a.Subaccount[:]))
	}
	return icrc3.Array(icrc3.Blob(a.Owner.Bytes()))
}

// Value builds the canonical ICRC-3 representation of the block. The hash of
// this value chains the next block.
func (b *Block) Value() icrc3.Value {
	tx := make([]icrc3.MapEntry, 0, 8)
	switch b.Tx.Op {
	case OpMint:
		tx = append(tx, icrc3.Entry("op", icrc3.Text("mint")),
			icrc3.Entry("to", accountValue(b.Tx.To)))
		switch b.Tx.Kind {
		case MintKindCMC:
			tx = append(tx, icrc3.Entry("kind", icrc3.Map(
				icrc3.Entry("cmc", icrc3.Map(
					icrc3.Entry("icp_block_height", icrc3.Nat(b.Tx.ReserveBlockHeight)))))))
		case MintKindCyclesIn:
			tx = append(tx, icrc3.Entry("kind", icrc3.Map(
				icrc3.Entry("cycles_in", icrc3.Map(
					icrc3.Entry("from_canister", icrc3.Blob(b.Tx.FromCanister.Bytes())))))))
		}
	case OpXfer:
		tx = append(tx, icrc3.Entry("op", icrc3.Text("xfer")),
			icrc3.Entry("from", accountValue(b.Tx.From)),
			icrc3.Entry("to", accountValue(b.Tx.To)))
	case OpBurn:
		tx = append(tx, icrc3.Entry("op", icrc3.Text("burn")),
			icrc3.Entry("from", accountValue(b.Tx.From)),
			icrc3.Entry("for_canister", icrc3.Blob(b.Tx.ForCanister.Bytes())))
	}
	tx = append(tx, icrc3.Entry("amt", icrc3.Nat(b.Tx.Amt)))
	if b.Tx.Fee != nil {
		tx = append(tx, icrc3.Entry("fee", icrc3.Nat(*b.Tx.Fee)))
	}
	if len(b.Tx.Memo) > 0 {
		tx = append(tx, icrc3.Entry("memo", icrc3.Blob(b.Tx.Memo)))
	}
	if b.Tx.Ts != nil {
		tx = append(tx, icrc3.Entry("ts", icrc3.Nat(*b.Tx.Ts)))
	}

	entries := make([]icrc3.MapEntry, 0, 4)
	if b.PHash != nil {
		entries = append(entries, icrc3.Entry("phash", icrc3.Blob(b.PHash[:])))
	}
	entries = append(entries,
		icrc3.Entry("ts", icrc3.Nat(b.Ts)),
		icrc3.Entry("fee", icrc3.Nat(b.Fee)),
		icrc3.Entry("tx", icrc3.Map(tx...)),
	)
	return icrc3.Map(entries...)
}

// appendBlock chains and appends a block, indexing it for the accounts it
// touches. The bank mutex must be held.
func (b *Bank) appendBlock(blk *Block) cm.BlockID {
	if b.lastBlockHash != nil {
		phash := *b.lastBlockHash
		blk.PHash = &phash
	}
	id := b.firstBlockID + cm.BlockID(len(b.blocks))
	b.blocks = append(b.blocks, blk)
	h := blk.Value().Hash()
	b.lastBlockHash = &h

	index := func(a cm.Account) {
		if a.Owner.IsZero() {
			return
		}
		key := string(a.Owner)
		b.acctIndex[key] = append(b.acctIndex[key], id)
	}
	switch blk.Tx.Op {
	case OpMint:
		index(blk.Tx.To)
	case OpXfer:
		index(blk.Tx.From)
		index(blk.Tx.To)
	case OpBurn:
		index(blk.Tx.From)
	}
	return id
}

// logLength is the total number of blocks ever appended, archived included.
// The bank mutex must be held.
func (b *Bank) logLength() uint64 {
	return uint64(b.firstBlockID) + uint64(len(b.blocks))
}

// BlockRange is one icrc3_get_blocks request range.
type BlockRange struct {
	Start  cm.BlockID
	Length uint64
}

// BlockWithID pairs a block id with its value representation.
type BlockWithID struct {
	ID    cm.BlockID
	Block icrc3.Value
}

// ArchivedRange points a reader at the storage actor holding an offloaded
// range.
type ArchivedRange struct {
	Args     []BlockRange
	Canister cm.Principal
}

// GetBlocksResult is the icrc3_get_blocks response.
type GetBlocksResult struct {
	LogLength uint64
	Blocks    []BlockWithID
	Archived  []ArchivedRange
}

// Icrc3GetBlocks returns the requested ranges, pointing at the archive actor
// for any range already offloaded.
func (b *Bank) Icrc3GetBlocks(ranges []BlockRange) GetBlocksResult {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	res := GetBlocksResult{LogLength: b.logLength()}
	archived := make(map[cm.Principal][]BlockRange)
	for _, rng := range ranges {
		for i := uint64(0); i < rng.Length; i++ {
			id := rng.Start + cm.BlockID(i)
			if id >= b.firstBlockID+cm.BlockID(len(b.blocks)) {
				break
			}
			if id < b.firstBlockID {
				if b.archivePrincipal.IsZero() {
					continue
				}
				archived[b.archivePrincipal] = append(archived[b.archivePrincipal],
					BlockRange{Start: id, Length: 1})
				continue
			}
			res.Blocks = append(res.Blocks, BlockWithID{
				ID:    id,
				Block: b.blocks[id-b.firstBlockID].Value(),
			})
		}
	}
	for can, args := range archived {
		res.Archived = append(res.Archived, ArchivedRange{Args: args, Canister: can})
	}
	return res
}

// GetLogsBackwardsPageSize bounds a get_logs_backwards page.
const GetLogsBackwardsPageSize = 64

// LogEntry pairs a block id with the block for per-account retrieval.
type LogEntry struct {
	ID    cm.BlockID
	Block *Block
}

// GetLogsBackwards returns up to GetLogsBackwardsPageSize of the account
// owner's blocks in descending id order, strictly below startBefore when
// set. Archived blocks are not inlined.
func (b *Bank) GetLogsBackwards(account cm.Account, startBefore *cm.BlockID) []LogEntry {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ids := b.acctIndex[string(account.Owner)]
	out := make([]LogEntry, 0, GetLogsBackwardsPageSize)
	for i := len(ids) - 1; i >= 0 && len(out) < GetLogsBackwardsPageSize; i-- {
		id := ids[i]
		if startBefore != nil && id >= *startBefore {
			continue
		}
		if id < b.firstBlockID {
			break // older entries live in the archive
		}
		out = append(out, LogEntry{ID: id, Block: b.blocks[id-b.firstBlockID]})
	}
	return out
}
