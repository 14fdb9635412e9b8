// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cmmain

import (
	"errors"
	"io"
	"os"
	"testing"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/icrc1"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/logstore"
	"cyclesmarket.org/cmarket/server/tc"
	"github.com/decred/slog"
)

var (
	tLoggerMaker = &cm.LoggerMaker{
		Backend:      slog.NewBackend(io.Discard),
		DefaultLevel: slog.LevelOff,
	}
	tController = cm.NewPrincipal([]byte("operator"))
)

func TestMain(m *testing.M) {
	logger := tLoggerMaker.NewLogger("TEST")
	UseLogger(logger)
	tc.UseLogger(logger)
	os.Exit(m.Run())
}

// tLedger is a minimal ledger collaborator; the coordinator never moves
// funds itself.
type tLedger struct{ fee uint64 }

func (l *tLedger) PreUpgrade() {}

func (l *tLedger) Icrc1Transfer(caller cm.Principal, arg icrc1.TransferArg) (cm.BlockID, error) {
	return 0, icrc1.InsufficientFundsError{}
}

func (l *tLedger) Icrc1BalanceOf(a cm.Account) uint64 { return 0 }

func (l *tLedger) Icrc1Fee() uint64 { return l.fee }

type tRig struct {
	reg       *platform.Registry
	cmm       *CM
	cmID      cm.Principal
	cmCode    platform.CanisterCode
	tcCode    platform.CanisterCode
	quest     *InitQuest
	bankID    cm.Principal
	ledgerID  cm.Principal
	failTCNew bool
}

func newTestRig(t *testing.T) *tRig {
	t.Helper()
	rig := &tRig{
		reg: platform.NewRegistry(&platform.Config{Logger: tLoggerMaker.NewLogger("REG"), LoggerMaker: tLoggerMaker}),
	}

	ledgerCode := rig.reg.RegisterCode([]byte("ledger-code"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			return &tLedger{fee: 10_000}, nil
		})
	storageCode := rig.reg.RegisterCode([]byte("log-storage-code"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			return logstore.New(env, initArg.(*logstore.InitQuest))
		})
	rig.tcCode = rig.reg.RegisterCode([]byte("trade-contract-code"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			if rig.failTCNew {
				rig.failTCNew = false
				return nil, errors.New("injected install failure")
			}
			return tc.New(env, mode, initArg.(*tc.InitQuest))
		})
	rig.cmCode = rig.reg.RegisterCode([]byte("coordinator-code"),
		func(env platform.Env, mode platform.InstallMode, initArg any) (platform.Actor, error) {
			cmm, err := New(env, mode, initArg.(*InitQuest))
			if err != nil {
				return nil, err
			}
			rig.cmm = cmm
			return cmm, nil
		})

	install := func(code platform.CanisterCode, initArg any, cycles cm.Cycles) cm.Principal {
		id, err := rig.reg.CreateCanister([]cm.Principal{tController}, 4096, cycles)
		if err != nil {
			t.Fatalf("CreateCanister: %v", err)
		}
		if err := rig.reg.InstallCode(tController, id, platform.Install, code, initArg); err != nil {
			t.Fatalf("InstallCode: %v", err)
		}
		return id
	}

	rig.bankID = install(ledgerCode, nil, 0)
	rig.ledgerID = install(ledgerCode, nil, 0)
	rig.quest = &InitQuest{
		Controller:           tController,
		CyclesBank:           rig.bankID,
		TCCode:               rig.tcCode,
		PositionsStorageCode: storageCode,
		TradesStorageCode:    storageCode,
	}
	rig.cmID = install(rig.cmCode, rig.quest, 1_000_000_000_000_000)
	return rig
}

func TestCreateTradeContract(t *testing.T) {
	rig := newTestRig(t)
	cc := platform.CallCtx{Caller: tController}

	tcID, err := rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	if err != nil {
		t.Fatalf("ControllerCreateTradeContract: %v", err)
	}
	inst, err := rig.reg.Instance(tcID)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	contract, ok := inst.(*tc.TC)
	if !ok {
		t.Fatalf("installed instance is not a trade contract")
	}
	if contract.TokenLedger() != rig.ledgerID {
		t.Fatalf("contract token ledger %s", contract.TokenLedger())
	}

	// One contract per ledger.
	_, err = rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	var existsErr TCAlreadyExistsError
	if !errors.As(err, &existsErr) || existsErr.TC != tcID {
		t.Fatalf("expected TCAlreadyExistsError, got %v", err)
	}

	infos := rig.cmm.ViewTradeContracts()
	if len(infos) != 1 || infos[0].TC != tcID || infos[0].TokenLedger != rig.ledgerID {
		t.Fatalf("ViewTradeContracts: %+v", infos)
	}

	// Unauthorized caller.
	_, err = rig.cmm.ControllerCreateTradeContract(platform.CallCtx{Caller: cm.NewPrincipal([]byte("rando"))},
		CreateTCQuest{TokenLedger: rig.bankID})
	if err == nil {
		t.Fatalf("create allowed for a non-controller")
	}
}

func TestCreateContinuesAfterInterruption(t *testing.T) {
	rig := newTestRig(t)
	cc := platform.CallCtx{Caller: tController}

	rig.failTCNew = true
	_, err := rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	var mcErr CreateTCMidCallError
	if !errors.As(err, &mcErr) {
		t.Fatalf("expected CreateTCMidCallError, got %v", err)
	}
	if !mcErr.CanisterCreated {
		t.Fatalf("canister phase should have completed before the install failure")
	}

	// A second create reports the pending continuation rather than
	// provisioning another canister.
	_, err = rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	if !errors.As(err, &mcErr) {
		t.Fatalf("expected CreateTCMidCallError on re-create, got %v", err)
	}

	tcID, err := rig.cmm.ContinueControllerCreateTradeContract(cc, rig.ledgerID)
	if err != nil {
		t.Fatalf("ContinueControllerCreateTradeContract: %v", err)
	}
	if got, ok := rig.cmm.TradeContract(rig.ledgerID); !ok || got != tcID {
		t.Fatalf("contract registry: %s, %v", got, ok)
	}
	// Continuation is idempotent once the flow finished.
	again, err := rig.cmm.ContinueControllerCreateTradeContract(cc, rig.ledgerID)
	if err != nil || again != tcID {
		t.Fatalf("finished continuation: %s, %v", again, err)
	}
}

func TestUpgradeTCs(t *testing.T) {
	rig := newTestRig(t)
	cc := platform.CallCtx{Caller: tController}

	tcID, err := rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	if err != nil {
		t.Fatalf("ControllerCreateTradeContract: %v", err)
	}
	before, _ := rig.reg.Instance(tcID)

	results, err := rig.cmm.ControllerUpgradeTCs(cc, rig.tcCode, nil)
	if err != nil {
		t.Fatalf("ControllerUpgradeTCs: %v", err)
	}
	if len(results) != 1 || results[0].Err != "" {
		t.Fatalf("upgrade results: %+v", results)
	}
	after, err := rig.reg.Instance(tcID)
	if err != nil {
		t.Fatalf("contract not running after upgrade: %v", err)
	}
	if before == after {
		t.Fatalf("upgrade did not produce a fresh instance")
	}

	// Unknown target reports per-contract, not as a call failure.
	results, err = rig.cmm.ControllerUpgradeTCs(cc, rig.tcCode, []cm.Principal{cm.NewPrincipal([]byte("nope"))})
	if err != nil {
		t.Fatalf("ControllerUpgradeTCs: %v", err)
	}
	if len(results) != 1 || results[0].Err == "" {
		t.Fatalf("unknown target results: %+v", results)
	}
}

func TestCoordinatorSnapshotRoundTrip(t *testing.T) {
	rig := newTestRig(t)
	cc := platform.CallCtx{Caller: tController}

	tcID, err := rig.cmm.ControllerCreateTradeContract(cc, CreateTCQuest{TokenLedger: rig.ledgerID})
	if err != nil {
		t.Fatalf("ControllerCreateTradeContract: %v", err)
	}

	old := rig.cmm
	if err := rig.reg.InstallCode(tController, rig.cmID, platform.Upgrade, rig.cmCode, rig.quest); err != nil {
		t.Fatalf("upgrade InstallCode: %v", err)
	}
	if rig.cmm == old {
		t.Fatalf("upgrade did not produce a fresh instance")
	}
	if got, ok := rig.cmm.TradeContract(rig.ledgerID); !ok || got != tcID {
		t.Fatalf("contract registry lost across upgrade: %s, %v", got, ok)
	}
}
