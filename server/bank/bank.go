// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package bank implements the cycles ledger actor: an ICRC-1 style fungible
// ledger with mint-from-burn, native cycles-in and cycles-out, an
// append-only hash-chained block log, and ICRC-3 block retrieval.
package bank

import (
	"crypto/sha256"
	"sync"
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/cm/icrc1"
	"cyclesmarket.org/cmarket/cm/icrc3"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/stablemem"
)

const (
	// MaxMidCallBalanceLocks bounds the mid-call lock set. Past it every
	// locking entry point sheds load with ErrMarketBusy.
	MaxMidCallBalanceLocks = 500

	// MaxMemoLen bounds transfer memos.
	MaxMemoLen = 32

	// TxWindow and PermittedDrift bound created_at_time deduplication.
	TxWindow       = 24 * time.Hour
	PermittedDrift = 2 * time.Minute
)

// ReserveLedger is the external reserve-asset ledger collaborator. The burn
// leg of mint_cycles rides on it.
type ReserveLedger interface {
	// BurnToMint moves the reserve deposited to the given bank-derived
	// subaccount into the conversion minting account and returns the
	// reserve-ledger block height of the burn. A cm.CallError means the
	// outcome is unknown.
	BurnToMint(subaccount cm.Subaccount, amount, fee uint64) (uint64, error)
}

// CyclesMinter converts a recorded reserve burn into native cycles on the
// bank. NotifyTopUp must be idempotent on height.
type CyclesMinter interface {
	NotifyTopUp(height uint64) (cm.Cycles, error)
}

// BlockArchive is a storage actor sink for offloaded blocks.
type BlockArchive interface {
	Principal() cm.Principal
	PushBlocks(first cm.BlockID, blocks []*Block) error
}

// Config configures a Bank.
type Config struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TransferFee cm.Cycles
	Reserve     ReserveLedger
	Minter      CyclesMinter
	// Archive and ArchiveAt control block offloading: when more than
	// ArchiveAt blocks are held locally, the older half is pushed to the
	// archive actor. Zero disables offloading.
	Archive   BlockArchive
	ArchiveAt int
	// MintingDisabled turns mint_cycles off for the deployment.
	MintingDisabled bool
}

type mintMidCall struct {
	lock       bool
	quest      MintCyclesQuest
	burnHeight uint64 // 0 until the reserve burn is recorded
	burnDone   bool
}

type dedupEntry struct {
	block cm.BlockID
	ts    time.Time
}

// Bank is the cycles ledger actor.
type Bank struct {
	mtx sync.Mutex
	id  cm.Principal
	reg *platform.Registry
	mem stablemem.Memory
	cfg Config

	balances    map[string]cm.Cycles
	totalSupply cm.Cycles
	// inFlightBurn is the cycles+fee debited by cycles_out calls whose
	// deposit leg has not settled.
	inFlightBurn cm.Cycles

	blocks           []*Block
	firstBlockID     cm.BlockID
	lastBlockHash    *[32]byte
	acctIndex        map[string][]cm.BlockID
	archivePrincipal cm.Principal

	// mintCursor is the last reserve-ledger block height converted.
	mintCursor uint64

	balanceLocks map[cm.Principal]bool
	mintCalls    map[cm.Principal]*mintMidCall
	dedup        map[string]dedupEntry

	now func() time.Time
}

// New creates a Bank actor.
func New(env platform.Env, cfg *Config) *Bank {
	b := &Bank{
		id:           env.ID,
		reg:          env.Registry,
		mem:          env.Memory,
		cfg:          *cfg,
		balances:     make(map[string]cm.Cycles),
		acctIndex:    make(map[string][]cm.BlockID),
		balanceLocks: make(map[cm.Principal]bool),
		mintCalls:    make(map[cm.Principal]*mintMidCall),
		dedup:        make(map[string]dedupEntry),
		now:          time.Now,
	}
	if cfg.Archive != nil {
		b.archivePrincipal = cfg.Archive.Principal()
	}
	if err := b.restore(); err != nil {
		panic("corrupt bank heap snapshot: " + err.Error())
	}
	return b
}

// Principal returns the bank actor's principal.
func (b *Bank) Principal() cm.Principal { return b.id }

// acquireBalanceLock pins the caller for a debiting operation. The bank
// mutex must be held.
func (b *Bank) acquireBalanceLock(caller cm.Principal) error {
	if b.balanceLocks[caller] {
		return cm.ErrMidCall
	}
	if len(b.balanceLocks) >= MaxMidCallBalanceLocks {
		return cm.ErrMarketBusy
	}
	b.balanceLocks[caller] = true
	return nil
}

func (b *Bank) creditLocked(a cm.Account, amt cm.Cycles) {
	key := a.MapKey()
	b.balances[key] += amt
}

func (b *Bank) debitLocked(a cm.Account, amt cm.Cycles) {
	key := a.MapKey()
	bal := b.balances[key]
	if bal < amt {
		panic("debit below zero")
	}
	bal -= amt
	if bal == 0 {
		delete(b.balances, key)
	} else {
		b.balances[key] = bal
	}
}

// checkCreatedAtTime validates the dedup window and returns the dedup key
// for the argument hash, or "" when deduplication does not apply.
func (b *Bank) checkCreatedAtTime(caller cm.Principal, createdAt *uint64, argsHash [32]byte) (string, error) {
	if createdAt == nil {
		return "", nil
	}
	now := b.now()
	created := time.Unix(0, int64(*createdAt))
	if created.Before(now.Add(-TxWindow)) {
		return "", icrc1.TooOldError{}
	}
	if created.After(now.Add(PermittedDrift)) {
		return "", icrc1.CreatedInFutureError{LedgerTime: uint64(now.UnixNano())}
	}
	key := string(caller) + string(argsHash[:])
	if entry, ok := b.dedup[key]; ok {
		return "", icrc1.DuplicateError{DuplicateOf: entry.block}
	}
	return key, nil
}

// recordDedup stores the block id under the dedup key and prunes entries
// past the window. The bank mutex must be held.
func (b *Bank) recordDedup(key string, id cm.BlockID) {
	if key == "" {
		return
	}
	b.dedup[key] = dedupEntry{block: id, ts: b.now()}
	if len(b.dedup)%256 == 0 {
		cutoff := b.now().Add(-TxWindow - PermittedDrift)
		for k, e := range b.dedup {
			if e.ts.Before(cutoff) {
				delete(b.dedup, k)
			}
		}
	}
}

func transferArgsHash(arg icrc1.TransferArg) [32]byte {
	h := sha256.New()
	var sub cm.Subaccount
	if arg.FromSubaccount != nil {
		sub = *arg.FromSubaccount
	}
	h.Write(sub[:])
	h.Write([]byte(arg.To.MapKey()))
	h.Write(encode.Uint64Bytes(arg.Amount))
	if arg.Fee != nil {
		h.Write(encode.Uint64Bytes(*arg.Fee))
	}
	h.Write(arg.Memo)
	if arg.CreatedAtTime != nil {
		h.Write(encode.Uint64Bytes(*arg.CreatedAtTime))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Icrc1Transfer debits the caller and credits the target, appending an Xfer
// block. A transfer to the minting account burns instead, fee-free.
func (b *Bank) Icrc1Transfer(caller cm.Principal, arg icrc1.TransferArg) (cm.BlockID, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if len(arg.Memo) > MaxMemoLen {
		return 0, icrc1.GenericError{ErrorCode: 1, Message: "memo too long"}
	}
	if b.balanceLocks[caller] {
		return 0, cm.ErrMidCall
	}
	from := cm.Account{Owner: caller, Subaccount: arg.FromSubaccount}
	toMinting := arg.To.Equal(b.MintingAccount())
	fee := b.cfg.TransferFee
	if toMinting {
		fee = 0
	}
	if arg.Fee != nil && *arg.Fee != fee {
		return 0, icrc1.BadFeeError{ExpectedFee: fee}
	}
	dedupKey, err := b.checkCreatedAtTime(caller, arg.CreatedAtTime, transferArgsHash(arg))
	if err != nil {
		return 0, err
	}
	bal := b.balances[from.MapKey()]
	if bal < arg.Amount+fee {
		return 0, icrc1.InsufficientFundsError{Balance: bal}
	}

	b.debitLocked(from, arg.Amount+fee)
	blk := &Block{
		Ts:  uint64(b.now().UnixNano()),
		Fee: fee,
		Tx: Tx{
			Op:   OpXfer,
			Amt:  arg.Amount,
			Fee:  arg.Fee,
			Memo: encode.CopySlice(arg.Memo),
			Ts:   arg.CreatedAtTime,
			From: from,
			To:   arg.To,
		},
	}
	if toMinting {
		// Burn: supply shrinks by the transferred amount.
		b.totalSupply -= arg.Amount
		blk.Tx.Op = OpBurn
		blk.Tx.From = from
	} else {
		b.creditLocked(arg.To, arg.Amount)
		b.totalSupply -= fee
	}
	id := b.appendBlock(blk)
	b.recordDedup(dedupKey, id)
	b.maybeArchiveLocked()
	return id, nil
}

// MintCycles burns reserve asset from the caller's reserve subaccount and
// credits the converted cycles. A failed step after the burn leaves a
// mid-call record that CompleteMintCycles resumes.
func (b *Bank) MintCycles(cc platform.CallCtx, quest MintCyclesQuest) (cm.Cycles, error) {
	b.mtx.Lock()
	if b.cfg.MintingDisabled {
		b.mtx.Unlock()
		return 0, MintingDisabledError{}
	}
	if mc, ok := b.mintCalls[cc.Caller]; ok {
		b.mtx.Unlock()
		return 0, MidCallError{BurnDone: mc.burnDone}
	}
	if err := b.acquireBalanceLock(cc.Caller); err != nil {
		b.mtx.Unlock()
		return 0, err
	}
	if quest.Fee != nil && *quest.Fee != b.cfg.TransferFee {
		delete(b.balanceLocks, cc.Caller)
		b.mtx.Unlock()
		return 0, icrc1.BadFeeError{ExpectedFee: b.cfg.TransferFee}
	}
	mc := &mintMidCall{lock: true, quest: quest}
	b.mintCalls[cc.Caller] = mc
	b.mtx.Unlock()

	// Suspension point: reserve-ledger burn.
	height, err := b.cfg.Reserve.BurnToMint(cc.Caller.TokenSubaccount(),
		quest.BurnReserve, quest.BurnReserveTransferFee)

	b.mtx.Lock()
	if err != nil {
		if callErr, ok := err.(cm.CallError); ok {
			// Unknown outcome. Keep the record for a retry.
			mc.lock = false
			b.mtx.Unlock()
			return 0, ReserveLedgerCallError{Call: callErr}
		}
		delete(b.mintCalls, cc.Caller)
		delete(b.balanceLocks, cc.Caller)
		b.mtx.Unlock()
		return 0, ReserveLedgerError{Err: err}
	}
	mc.burnHeight = height
	mc.burnDone = true
	b.mtx.Unlock()

	return b.finishMint(cc.Caller, mc)
}

// CompleteMintCycles resumes the caller's mid-call mint from the first
// incomplete step.
func (b *Bank) CompleteMintCycles(caller cm.Principal) (cm.Cycles, error) {
	b.mtx.Lock()
	mc, ok := b.mintCalls[caller]
	if !ok {
		b.mtx.Unlock()
		return 0, icrc1.GenericError{ErrorCode: 2, Message: "no mid-call mint for caller"}
	}
	if mc.lock {
		b.mtx.Unlock()
		return 0, MidCallError{BurnDone: mc.burnDone}
	}
	mc.lock = true
	b.mtx.Unlock()

	if !mc.burnDone {
		// The burn outcome is unknown; retry it. The reserve ledger
		// dedups on its own created_at_time semantics.
		height, err := b.cfg.Reserve.BurnToMint(caller.TokenSubaccount(),
			mc.quest.BurnReserve, mc.quest.BurnReserveTransferFee)
		b.mtx.Lock()
		if err != nil {
			mc.lock = false
			b.mtx.Unlock()
			if callErr, ok := err.(cm.CallError); ok {
				return 0, ReserveLedgerCallError{Call: callErr}
			}
			return 0, ReserveLedgerError{Err: err}
		}
		mc.burnHeight = height
		mc.burnDone = true
		b.mtx.Unlock()
	}
	return b.finishMint(caller, mc)
}

// finishMint runs the conversion step and commits the credit. The mid-call
// record must be locked by the caller.
func (b *Bank) finishMint(caller cm.Principal, mc *mintMidCall) (cm.Cycles, error) {
	// Idempotency: a height at or below the cursor has already been
	// credited by an earlier retry.
	b.mtx.Lock()
	if b.mintCursor >= mc.burnHeight && b.mintCursor != 0 {
		delete(b.mintCalls, caller)
		delete(b.balanceLocks, caller)
		b.mtx.Unlock()
		return 0, icrc1.GenericError{ErrorCode: 3, Message: "burn height already credited"}
	}
	b.mtx.Unlock()

	// Suspension point: reserve-to-cycles conversion.
	minted, err := b.cfg.Minter.NotifyTopUp(mc.burnHeight)

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err != nil {
		mc.lock = false
		if callErr, ok := err.(cm.CallError); ok {
			return 0, CMCCallError{Call: callErr}
		}
		return 0, CMCCallError{Call: cm.CallError{Code: platform.RejectCanisterError, Message: err.Error()}}
	}

	// A conversion smaller than the ledger fee credits nothing. The
	// subtraction must not wrap.
	var credited cm.Cycles
	if minted > b.cfg.TransferFee {
		credited = minted - b.cfg.TransferFee
		b.creditLocked(mc.quest.To, credited)
		b.totalSupply += credited
	}
	b.mintCursor = mc.burnHeight
	feeCopy := b.cfg.TransferFee
	b.appendBlock(&Block{
		Ts:  uint64(b.now().UnixNano()),
		Fee: b.cfg.TransferFee,
		Tx: Tx{
			Op:                 OpMint,
			Amt:                credited,
			Fee:                &feeCopy,
			Memo:               encode.CopySlice(mc.quest.Memo),
			Ts:                 mc.quest.CreatedAtTime,
			To:                 mc.quest.To,
			Kind:               MintKindCMC,
			ReserveBlockHeight: mc.burnHeight,
		},
	})
	delete(b.mintCalls, caller)
	delete(b.balanceLocks, caller)
	b.maybeArchiveLocked()
	return credited, nil
}

// CyclesIn credits cycles carried by the message. The fee portion is kept
// burned on the bank.
func (b *Bank) CyclesIn(cc platform.CallCtx, quest CyclesInQuest) (cm.BlockID, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	fee := b.cfg.TransferFee
	if quest.Fee != nil && *quest.Fee != fee {
		return 0, icrc1.BadFeeError{ExpectedFee: fee}
	}
	if cc.Cycles < quest.Cycles+fee {
		return 0, MsgCyclesTooLowError{Required: quest.Cycles + fee}
	}
	b.creditLocked(quest.To, quest.Cycles)
	b.totalSupply += quest.Cycles
	id := b.appendBlock(&Block{
		Ts:  uint64(b.now().UnixNano()),
		Fee: fee,
		Tx: Tx{
			Op:           OpMint,
			Amt:          quest.Cycles,
			Fee:          quest.Fee,
			Memo:         encode.CopySlice(quest.Memo),
			Ts:           quest.CreatedAtTime,
			To:           quest.To,
			Kind:         MintKindCyclesIn,
			FromCanister: cc.Caller,
		},
	})
	b.maybeArchiveLocked()
	return id, nil
}

// CyclesOut burns cycles+fee from the caller's account and deposits native
// cycles onto the target canister. On deposit failure the debit is refunded
// and no block is written.
func (b *Bank) CyclesOut(caller cm.Principal, quest CyclesOutQuest) (cm.BlockID, error) {
	b.mtx.Lock()
	fee := b.cfg.TransferFee
	if quest.Fee != nil && *quest.Fee != fee {
		b.mtx.Unlock()
		return 0, icrc1.BadFeeError{ExpectedFee: fee}
	}
	if err := b.acquireBalanceLock(caller); err != nil {
		b.mtx.Unlock()
		return 0, err
	}
	from := cm.Account{Owner: caller, Subaccount: quest.FromSubaccount}
	bal := b.balances[from.MapKey()]
	if bal < quest.Cycles+fee {
		delete(b.balanceLocks, caller)
		b.mtx.Unlock()
		return 0, icrc1.InsufficientFundsError{Balance: bal}
	}
	b.debitLocked(from, quest.Cycles+fee)
	b.inFlightBurn += quest.Cycles + fee
	b.mtx.Unlock()

	// Suspension point: native-cycles deposit.
	err := b.reg.DepositCycles(b.id, quest.ForCanister, quest.Cycles)

	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.inFlightBurn -= quest.Cycles + fee
	delete(b.balanceLocks, caller)
	if err != nil {
		b.creditLocked(from, quest.Cycles+fee)
		callErr, ok := err.(cm.CallError)
		if !ok {
			callErr = cm.CallError{Code: platform.RejectCanisterError, Message: err.Error()}
		}
		return 0, DepositCyclesCallError{Call: callErr}
	}
	b.totalSupply -= quest.Cycles + fee
	id := b.appendBlock(&Block{
		Ts:  uint64(b.now().UnixNano()),
		Fee: fee,
		Tx: Tx{
			Op:          OpBurn,
			Amt:         quest.Cycles,
			Fee:         quest.Fee,
			Memo:        encode.CopySlice(quest.Memo),
			Ts:          quest.CreatedAtTime,
			From:        from,
			ForCanister: quest.ForCanister,
		},
	})
	b.maybeArchiveLocked()
	return id, nil
}

// maybeArchiveLocked offloads the older half of the local block window when
// it exceeds the configured bound. The push happens synchronously under the
// actor mutex; the archive sink is in-process.
func (b *Bank) maybeArchiveLocked() {
	if b.cfg.Archive == nil || b.cfg.ArchiveAt == 0 || len(b.blocks) <= b.cfg.ArchiveAt {
		return
	}
	n := len(b.blocks) / 2
	if err := b.cfg.Archive.PushBlocks(b.firstBlockID, b.blocks[:n]); err != nil {
		log.Errorf("block archive push failed: %v", err)
		return
	}
	b.blocks = append([]*Block(nil), b.blocks[n:]...)
	b.firstBlockID += cm.BlockID(n)
}

// Icrc1BalanceOf returns the account balance.
func (b *Bank) Icrc1BalanceOf(account cm.Account) uint64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.balances[account.MapKey()]
}

// Icrc1TotalSupply returns the circulating cycles supply.
func (b *Bank) Icrc1TotalSupply() cm.Cycles {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.totalSupply
}

// InFlightBurn returns the cycles+fee locked by pending cycles_out calls.
func (b *Bank) InFlightBurn() cm.Cycles {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.inFlightBurn
}

// Icrc1Name returns the ledger name.
func (b *Bank) Icrc1Name() string { return b.cfg.Name }

// Icrc1Symbol returns the ledger symbol.
func (b *Bank) Icrc1Symbol() string { return b.cfg.Symbol }

// Icrc1Decimals returns the ledger decimals.
func (b *Bank) Icrc1Decimals() uint8 { return b.cfg.Decimals }

// Icrc1Fee returns the ledger transfer fee.
func (b *Bank) Icrc1Fee() uint64 { return b.cfg.TransferFee }

// MintingAccount is the bank's own default account; transfers to it burn.
func (b *Bank) MintingAccount() cm.Account {
	return cm.Account{Owner: b.id}
}

// Standard names a supported ledger standard.
type Standard struct {
	Name string
	URL  string
}

// Icrc1SupportedStandards lists the ledger standards the bank speaks.
func (b *Bank) Icrc1SupportedStandards() []Standard {
	return []Standard{
		{Name: "ICRC-1", URL: "https://github.com/dfinity/ICRC-1"},
		{Name: "ICRC-3", URL: "https://github.com/dfinity/ICRC-1/tree/main/standards/ICRC-3"},
	}
}

// Icrc1Metadata returns the ledger metadata entries.
func (b *Bank) Icrc1Metadata() []icrc3.MapEntry {
	return []icrc3.MapEntry{
		icrc3.Entry("icrc1:name", icrc3.Text(b.cfg.Name)),
		icrc3.Entry("icrc1:symbol", icrc3.Text(b.cfg.Symbol)),
		icrc3.Entry("icrc1:decimals", icrc3.Nat(uint64(b.cfg.Decimals))),
		icrc3.Entry("icrc1:fee", icrc3.Nat(b.cfg.TransferFee)),
	}
}
