// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bank

import (
	"errors"
	"io"
	"os"
	"testing"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/icrc1"
	"cyclesmarket.org/cmarket/platform"
	"github.com/decred/slog"
)

const (
	tFee     = 10_000_000
	tCMCRate = 55_555
)

var tLoggerMaker = &cm.LoggerMaker{
	Backend:      slog.NewBackend(io.Discard),
	DefaultLevel: slog.LevelOff,
}

func TestMain(m *testing.M) {
	UseLogger(tLoggerMaker.NewLogger("BANK"))
	os.Exit(m.Run())
}

// tReserve is a reserve-ledger fake. Heights advance per burn.
type tReserve struct {
	height  uint64
	burns   int
	err     error
	callErr bool
}

func (r *tReserve) BurnToMint(sub cm.Subaccount, amount, fee uint64) (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.burns++
	r.height++
	return r.height, nil
}

// tMinter converts at tCMCRate and credits the bank's native balance.
type tMinter struct {
	reg     *platform.Registry
	bank    cm.Principal
	burnAmt uint64
	err     error
	// notified tracks idempotency on height.
	notified map[uint64]bool
}

func (m *tMinter) NotifyTopUp(height uint64) (cm.Cycles, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.notified == nil {
		m.notified = make(map[uint64]bool)
	}
	if m.notified[height] {
		return 0, errors.New("already notified")
	}
	m.notified[height] = true
	minted := m.burnAmt * tCMCRate / 10_000
	m.reg.MintNativeCycles(m.bank, minted)
	return minted, nil
}

type tRig struct {
	reg    *platform.Registry
	bank   *Bank
	bankID cm.Principal
	res    *tReserve
	minter *tMinter
	ops    cm.Principal
	p1, p2 cm.Principal
	sink   cm.Principal // a plain canister to receive cycles_out deposits
}

func newTestRig(t *testing.T) *tRig {
	t.Helper()
	reg := platform.NewRegistry(&platform.Config{
		Logger:      tLoggerMaker.NewLogger("PLAT"),
		LoggerMaker: tLoggerMaker,
	})
	ops := cm.NewPrincipal([]byte("ops"))
	bankID, err := reg.CreateCanister([]cm.Principal{ops}, 64, 0)
	if err != nil {
		t.Fatalf("CreateCanister: %v", err)
	}
	sink, err := reg.CreateCanister([]cm.Principal{ops}, 1, 0)
	if err != nil {
		t.Fatalf("CreateCanister sink: %v", err)
	}
	res := &tReserve{}
	minter := &tMinter{reg: reg, bank: bankID}
	cfg := &Config{
		Name:        "CYCLES-BANK",
		Symbol:      "CYC",
		Decimals:    12,
		TransferFee: tFee,
		Reserve:     res,
		Minter:      minter,
	}
	var bk *Bank
	code := reg.RegisterCode([]byte("bank-module"), func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
		bk = New(env, initArg.(*Config))
		return bk, nil
	})
	if err := reg.InstallCode(ops, bankID, platform.Install, code, cfg); err != nil {
		t.Fatalf("InstallCode: %v", err)
	}
	return &tRig{
		reg:    reg,
		bank:   bk,
		bankID: bankID,
		res:    res,
		minter: minter,
		ops:    ops,
		p1:     cm.NewPrincipal([]byte("user-one")),
		p2:     cm.NewPrincipal([]byte("user-two")),
		sink:   sink,
	}
}

// mint funds a principal via the full mint_cycles path.
func (rig *tRig) mint(t *testing.T, p cm.Principal, burnReserve uint64) cm.Cycles {
	t.Helper()
	rig.minter.burnAmt = burnReserve
	minted, err := rig.bank.MintCycles(platform.CallCtx{Caller: p}, MintCyclesQuest{
		BurnReserve:            burnReserve,
		BurnReserveTransferFee: 10_000,
		To:                     cm.Account{Owner: p},
	})
	if err != nil {
		t.Fatalf("MintCycles: %v", err)
	}
	return minted
}

func TestMintCycles(t *testing.T) {
	rig := newTestRig(t)
	const burn = 500_000_000
	minted := rig.mint(t, rig.p1, burn)

	want := uint64(burn)*tCMCRate/10_000 - tFee
	if minted != want {
		t.Fatalf("minted %d, want %d", minted, want)
	}
	if bal := rig.bank.Icrc1BalanceOf(cm.Account{Owner: rig.p1}); bal != want {
		t.Fatalf("balance %d, want %d", bal, want)
	}
	if supply := rig.bank.Icrc1TotalSupply(); supply != want {
		t.Fatalf("total supply %d, want %d", supply, want)
	}

	res := rig.bank.Icrc3GetBlocks([]BlockRange{{Start: 0, Length: 10}})
	if res.LogLength != 1 || len(res.Blocks) != 1 {
		t.Fatalf("log length %d, blocks %d", res.LogLength, len(res.Blocks))
	}
	blk := rig.bank.blocks[0]
	if blk.PHash != nil {
		t.Fatalf("block 0 has a phash")
	}
	if blk.Tx.Op != OpMint || blk.Tx.Kind != MintKindCMC || blk.Tx.ReserveBlockHeight != 1 {
		t.Fatalf("bad mint block: op %d kind %d height %d", blk.Tx.Op, blk.Tx.Kind, blk.Tx.ReserveBlockHeight)
	}
	if blk.Tx.Amt != want {
		t.Fatalf("block amt %d, want %d", blk.Tx.Amt, want)
	}
}

func TestMintBelowFee(t *testing.T) {
	rig := newTestRig(t)
	// 1_000 reserve converts to 5_555 cycles, below the 10_000_000
	// transfer fee. Nothing may be credited and nothing may wrap.
	minted := rig.mint(t, rig.p1, 1_000)
	if minted != 0 {
		t.Fatalf("minted %d, want 0", minted)
	}
	if bal := rig.bank.Icrc1BalanceOf(cm.Account{Owner: rig.p1}); bal != 0 {
		t.Fatalf("balance %d, want 0", bal)
	}
	if supply := rig.bank.Icrc1TotalSupply(); supply != 0 {
		t.Fatalf("total supply %d, want 0", supply)
	}
	blk := rig.bank.blocks[0]
	if blk.Tx.Op != OpMint || blk.Tx.Amt != 0 || blk.Tx.ReserveBlockHeight != 1 {
		t.Fatalf("bad mint block: op %d amt %d height %d", blk.Tx.Op, blk.Tx.Amt, blk.Tx.ReserveBlockHeight)
	}
	if len(rig.bank.mintCalls) != 0 || len(rig.bank.balanceLocks) != 0 {
		t.Fatalf("mid-call state not cleared")
	}

	// The height is still consumed; a normal mint works after.
	if minted := rig.mint(t, rig.p1, 500_000_000); minted != uint64(500_000_000)*tCMCRate/10_000-tFee {
		t.Fatalf("follow-up mint %d", minted)
	}
}

func TestMintCyclesMidCallRetry(t *testing.T) {
	rig := newTestRig(t)
	rig.minter.burnAmt = 500_000_000
	rig.minter.err = cm.CallError{Code: platform.RejectCanisterError, Message: "unreachable"}

	_, err := rig.bank.MintCycles(platform.CallCtx{Caller: rig.p1}, MintCyclesQuest{
		BurnReserve:            500_000_000,
		BurnReserveTransferFee: 10_000,
		To:                     cm.Account{Owner: rig.p1},
	})
	var cmcErr CMCCallError
	if !errors.As(err, &cmcErr) {
		t.Fatalf("expected CMCCallError, got %v", err)
	}

	// A second fresh mint is rejected while the mid-call record stands.
	_, err = rig.bank.MintCycles(platform.CallCtx{Caller: rig.p1}, MintCyclesQuest{
		BurnReserve: 1, To: cm.Account{Owner: rig.p1},
	})
	var midErr MidCallError
	if !errors.As(err, &midErr) || !midErr.BurnDone {
		t.Fatalf("expected MidCallError with burn done, got %v", err)
	}

	// Resume. The burn must not run again.
	rig.minter.err = nil
	minted, err := rig.bank.CompleteMintCycles(rig.p1)
	if err != nil {
		t.Fatalf("CompleteMintCycles: %v", err)
	}
	want := uint64(500_000_000)*tCMCRate/10_000 - tFee
	if minted != want {
		t.Fatalf("minted %d, want %d", minted, want)
	}
	if rig.res.burns != 1 {
		t.Fatalf("reserve burned %d times", rig.res.burns)
	}
	if len(rig.bank.mintCalls) != 0 || len(rig.bank.balanceLocks) != 0 {
		t.Fatalf("mid-call state not cleared")
	}
}

func TestTransferAndChain(t *testing.T) {
	rig := newTestRig(t)
	// 1e12 reserve converts to ~5.55e12 cycles, enough to cover the
	// transfer and its fee.
	rig.mint(t, rig.p1, 1_000_000_000_000)

	const amt = 5_000_000_000_000
	feeArg := uint64(tFee)
	id, err := rig.bank.Icrc1Transfer(rig.p1, icrc1.TransferArg{
		To:     cm.Account{Owner: rig.p2},
		Amount: amt,
		Fee:    &feeArg,
	})
	if err != nil {
		t.Fatalf("Icrc1Transfer: %v", err)
	}
	if id != 1 {
		t.Fatalf("block id %d, want 1", id)
	}
	if bal := rig.bank.Icrc1BalanceOf(cm.Account{Owner: rig.p2}); bal != amt {
		t.Fatalf("p2 balance %d, want %d", bal, amt)
	}

	// Chain integrity: block[1].phash = H(block[0]).
	blk0, blk1 := rig.bank.blocks[0], rig.bank.blocks[1]
	wantHash := blk0.Value().Hash()
	if blk1.PHash == nil || *blk1.PHash != wantHash {
		t.Fatalf("block 1 phash does not chain block 0")
	}
	if blk1.Tx.Op != OpXfer || blk1.Tx.From.Owner != rig.p1 || blk1.Tx.To.Owner != rig.p2 {
		t.Fatalf("bad xfer block")
	}

	// Wrong fee.
	badFee := uint64(1)
	_, err = rig.bank.Icrc1Transfer(rig.p1, icrc1.TransferArg{
		To: cm.Account{Owner: rig.p2}, Amount: 1, Fee: &badFee,
	})
	var badFeeErr icrc1.BadFeeError
	if !errors.As(err, &badFeeErr) || badFeeErr.ExpectedFee != tFee {
		t.Fatalf("expected BadFeeError{%d}, got %v", tFee, err)
	}

	// Insufficient funds.
	_, err = rig.bank.Icrc1Transfer(rig.p2, icrc1.TransferArg{
		To: cm.Account{Owner: rig.p1}, Amount: amt * 2,
	})
	var insufErr icrc1.InsufficientFundsError
	if !errors.As(err, &insufErr) || insufErr.Balance != amt {
		t.Fatalf("expected InsufficientFundsError{%d}, got %v", amt, err)
	}
}

func TestTransferDedup(t *testing.T) {
	rig := newTestRig(t)
	rig.mint(t, rig.p1, 500_000_000_000)

	created := uint64(rig.bank.now().UnixNano())
	arg := icrc1.TransferArg{
		To:            cm.Account{Owner: rig.p2},
		Amount:        1_000_000,
		CreatedAtTime: &created,
		Memo:          []byte("payout-1"),
	}
	id, err := rig.bank.Icrc1Transfer(rig.p1, arg)
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	_, err = rig.bank.Icrc1Transfer(rig.p1, arg)
	var dupErr icrc1.DuplicateError
	if !errors.As(err, &dupErr) || dupErr.DuplicateOf != id {
		t.Fatalf("expected DuplicateError{%d}, got %v", id, err)
	}
}

func TestCyclesInOut(t *testing.T) {
	rig := newTestRig(t)

	// cycles_in with enough attached cycles.
	id, err := rig.bank.CyclesIn(platform.CallCtx{Caller: rig.sink, Cycles: 1_000_000_000 + tFee},
		CyclesInQuest{Cycles: 1_000_000_000, To: cm.Account{Owner: rig.p1}})
	if err != nil {
		t.Fatalf("CyclesIn: %v", err)
	}
	blk := rig.bank.blocks[id]
	if blk.Tx.Op != OpMint || blk.Tx.Kind != MintKindCyclesIn || blk.Tx.FromCanister != rig.sink {
		t.Fatalf("bad cycles_in block")
	}

	// Too few attached cycles.
	_, err = rig.bank.CyclesIn(platform.CallCtx{Caller: rig.sink, Cycles: 5},
		CyclesInQuest{Cycles: 1_000_000, To: cm.Account{Owner: rig.p1}})
	var lowErr MsgCyclesTooLowError
	if !errors.As(err, &lowErr) {
		t.Fatalf("expected MsgCyclesTooLowError, got %v", err)
	}

	// cycles_out: needs the bank to hold native cycles to deposit.
	rig.reg.MintNativeCycles(rig.bankID, 2_000_000_000)
	const out = 500_000_000
	supplyBefore := rig.bank.Icrc1TotalSupply()
	sinkBefore := rig.reg.NativeBalance(rig.sink)
	id, err = rig.bank.CyclesOut(rig.p1, CyclesOutQuest{
		Cycles:      out,
		ForCanister: rig.sink,
	})
	if err != nil {
		t.Fatalf("CyclesOut: %v", err)
	}
	if got := rig.reg.NativeBalance(rig.sink) - sinkBefore; got != out {
		t.Fatalf("sink received %d native cycles, want %d", got, out)
	}
	if supply := rig.bank.Icrc1TotalSupply(); supply != supplyBefore-out-tFee {
		t.Fatalf("supply %d, want %d", supply, supplyBefore-out-tFee)
	}
	if blk := rig.bank.blocks[id]; blk.Tx.Op != OpBurn || blk.Tx.ForCanister != rig.sink {
		t.Fatalf("bad burn block")
	}
	if rig.bank.InFlightBurn() != 0 {
		t.Fatalf("in-flight burn not cleared")
	}

	// Deposit failure refunds the debit and writes no block.
	balBefore := rig.bank.Icrc1BalanceOf(cm.Account{Owner: rig.p1})
	blocksBefore := len(rig.bank.blocks)
	_, err = rig.bank.CyclesOut(rig.p1, CyclesOutQuest{
		Cycles:      100,
		ForCanister: cm.NewPrincipal([]byte("nonexistent")),
	})
	var depErr DepositCyclesCallError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DepositCyclesCallError, got %v", err)
	}
	if bal := rig.bank.Icrc1BalanceOf(cm.Account{Owner: rig.p1}); bal != balBefore {
		t.Fatalf("debit not refunded: %d != %d", bal, balBefore)
	}
	if len(rig.bank.blocks) != blocksBefore {
		t.Fatalf("block written for failed cycles_out")
	}
}

func TestGetLogsBackwards(t *testing.T) {
	rig := newTestRig(t)
	rig.mint(t, rig.p1, 500_000_000_000)
	for i := 0; i < 5; i++ {
		_, err := rig.bank.Icrc1Transfer(rig.p1, icrc1.TransferArg{
			To: cm.Account{Owner: rig.p2}, Amount: 1_000_000,
		})
		if err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}
	logs := rig.bank.GetLogsBackwards(cm.Account{Owner: rig.p2}, nil)
	if len(logs) != 5 {
		t.Fatalf("got %d logs, want 5", len(logs))
	}
	for i := 1; i < len(logs); i++ {
		if logs[i].ID >= logs[i-1].ID {
			t.Fatalf("logs not descending")
		}
	}
	before := logs[2].ID
	page := rig.bank.GetLogsBackwards(cm.Account{Owner: rig.p2}, &before)
	if len(page) == 0 || page[0].ID >= before {
		t.Fatalf("start_before not honored")
	}
}

func TestHeapSnapshotRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	rig.mint(t, rig.p1, 500_000_000_000)
	_, err := rig.bank.Icrc1Transfer(rig.p1, icrc1.TransferArg{
		To: cm.Account{Owner: rig.p2}, Amount: 7_777_777,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	rig.bank.PreUpgrade()

	restored := &Bank{
		id:           rig.bank.id,
		reg:          rig.reg,
		mem:          rig.bank.mem,
		cfg:          rig.bank.cfg,
		balances:     make(map[string]cm.Cycles),
		acctIndex:    make(map[string][]cm.BlockID),
		balanceLocks: make(map[cm.Principal]bool),
		mintCalls:    make(map[cm.Principal]*mintMidCall),
		dedup:        make(map[string]dedupEntry),
		now:          rig.bank.now,
	}
	if err := restored.restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.totalSupply != rig.bank.totalSupply {
		t.Fatalf("supply mismatch")
	}
	if got := restored.Icrc1BalanceOf(cm.Account{Owner: rig.p2}); got != 7_777_777 {
		t.Fatalf("restored p2 balance %d", got)
	}
	if len(restored.blocks) != len(rig.bank.blocks) {
		t.Fatalf("block count mismatch")
	}
	if *restored.lastBlockHash != *rig.bank.lastBlockHash {
		t.Fatalf("chain head mismatch")
	}
}
