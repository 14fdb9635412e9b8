// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package platform

import (
	"errors"
	"io"
	"testing"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/stablemem"
	"github.com/decred/slog"
)

var (
	tLoggerMaker = &cm.LoggerMaker{
		Backend:      slog.NewBackend(io.Discard),
		DefaultLevel: slog.LevelOff,
	}
	tController = cm.NewPrincipal([]byte("controller"))
	tStranger   = cm.NewPrincipal([]byte("stranger"))
)

// tActor saves its counter across upgrades via the heap snapshot.
type tActor struct {
	mem     stablemem.Memory
	counter uint64
	preUps  int
}

func (a *tActor) PreUpgrade() {
	a.preUps++
	if err := stablemem.SaveHeap(a.mem, []byte{byte(a.counter)}); err != nil {
		panic(err)
	}
}

func tFactory(env Env, mode InstallMode, initArg any) (Actor, error) {
	a := &tActor{mem: env.Memory}
	switch mode {
	case Install:
		a.counter = initArg.(uint64)
	case Upgrade:
		data, err := stablemem.LoadHeap(env.Memory)
		if err != nil {
			return nil, err
		}
		a.counter = uint64(data[0])
	}
	return a, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(&Config{
		Logger:      tLoggerMaker.NewLogger("REG"),
		LoggerMaker: tLoggerMaker,
	})
}

func TestLifecycle(t *testing.T) {
	reg := newTestRegistry()
	code := reg.RegisterCode([]byte("test-actor/1"), tFactory)

	id, err := reg.CreateCanister([]cm.Principal{tController}, 64, 1000)
	if err != nil {
		t.Fatalf("CreateCanister: %v", err)
	}

	// Empty canister has no instance.
	if _, err := reg.Instance(id); err == nil {
		t.Fatalf("Instance before install did not error")
	}

	// Only a controller may install.
	err = reg.InstallCode(tStranger, id, Install, code, uint64(7))
	var ce cm.CallError
	if !errors.As(err, &ce) || ce.Code != RejectCanisterError {
		t.Fatalf("stranger install error = %v", err)
	}
	if err := reg.InstallCode(tController, id, Install, code, uint64(7)); err != nil {
		t.Fatalf("InstallCode: %v", err)
	}

	inst, err := reg.Instance(id)
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	actor := inst.(*tActor)
	if actor.counter != 7 {
		t.Fatalf("init counter %d", actor.counter)
	}

	status, err := reg.CanisterStatus(tController, id)
	if err != nil {
		t.Fatalf("CanisterStatus: %v", err)
	}
	if !status.Running || status.ModuleHash != code.Hash ||
		status.Cycles != 1000 || status.MemoryMiB != 64 {
		t.Fatalf("status %+v", status)
	}

	// Stop rejects routed calls, start restores them.
	if err := reg.StopCanister(tController, id); err != nil {
		t.Fatalf("StopCanister: %v", err)
	}
	if _, err := reg.Instance(id); !errors.As(err, &ce) || ce.Code != RejectCanisterStopped {
		t.Fatalf("stopped Instance error = %v", err)
	}
	if err := reg.StartCanister(tController, id); err != nil {
		t.Fatalf("StartCanister: %v", err)
	}
	if _, err := reg.Instance(id); err != nil {
		t.Fatalf("Instance after restart: %v", err)
	}
}

func TestUpgrade(t *testing.T) {
	reg := newTestRegistry()
	code := reg.RegisterCode([]byte("test-actor/1"), tFactory)
	id, err := reg.CreateCanister([]cm.Principal{tController}, 64, 0)
	if err != nil {
		t.Fatalf("CreateCanister: %v", err)
	}
	if err := reg.InstallCode(tController, id, Install, code, uint64(42)); err != nil {
		t.Fatalf("InstallCode: %v", err)
	}
	inst, _ := reg.Instance(id)
	old := inst.(*tActor)
	old.counter = 43

	code2 := reg.RegisterCode([]byte("test-actor/2"), tFactory)
	if err := reg.InstallCode(tController, id, Upgrade, code2, nil); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if old.preUps != 1 {
		t.Fatalf("PreUpgrade ran %d times", old.preUps)
	}

	inst, err = reg.Instance(id)
	if err != nil {
		t.Fatalf("Instance after upgrade: %v", err)
	}
	fresh := inst.(*tActor)
	if fresh == old {
		t.Fatalf("instance not replaced on upgrade")
	}
	if fresh.counter != 43 {
		t.Fatalf("restored counter %d, want 43", fresh.counter)
	}
	status, _ := reg.CanisterStatus(tController, id)
	if status.ModuleHash != code2.Hash {
		t.Fatalf("module hash not rewritten on upgrade")
	}

	// Unknown module hash.
	bogus := CanisterCode{Module: []byte("nope"), Hash: cm.Sha256([]byte("nope"))}
	if err := reg.InstallCode(tController, id, Upgrade, bogus, nil); err == nil {
		t.Fatalf("unknown module hash install did not error")
	}
}

func TestCycles(t *testing.T) {
	reg := newTestRegistry()
	a, err := reg.CreateCanister(nil, 64, 500)
	if err != nil {
		t.Fatalf("CreateCanister: %v", err)
	}
	b, err := reg.CreateCanister(nil, 64, 0)
	if err != nil {
		t.Fatalf("CreateCanister: %v", err)
	}
	if a == b {
		t.Fatalf("duplicate principal %s", a)
	}

	if err := reg.DepositCycles(a, b, 600); err == nil {
		t.Fatalf("overdraft deposit did not error")
	}
	if err := reg.DepositCycles(a, b, 200); err != nil {
		t.Fatalf("DepositCycles: %v", err)
	}
	if bal := reg.NativeBalance(a); bal != 300 {
		t.Fatalf("source balance %d", bal)
	}
	if bal := reg.NativeBalance(b); bal != 200 {
		t.Fatalf("destination balance %d", bal)
	}

	if err := reg.MintNativeCycles(b, 50); err != nil {
		t.Fatalf("MintNativeCycles: %v", err)
	}
	if bal := reg.NativeBalance(b); bal != 250 {
		t.Fatalf("balance after mint %d", bal)
	}
}
