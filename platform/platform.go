// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package platform is the actor runtime the market runs on. It assigns
// principals, tracks each actor's native-cycles balance, and provides the
// management plane (create, install, stop, start) that CM-Main drives. Every
// actor is single-threaded by convention: it serializes entry points on its
// own mutex and releases that mutex across any outbound call made through
// the registry, which is a suspension point.
package platform

import (
	"fmt"
	"sync"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/stablemem"
)

// Reject codes reported in cm.CallError, following the platform convention.
const (
	RejectDestinationInvalid uint32 = 3
	RejectCanisterError      uint32 = 5
	RejectCanisterStopped    uint32 = 6
)

// CallCtx carries the message metadata an entry point sees: the caller's
// principal and any native cycles attached to the message.
type CallCtx struct {
	Caller cm.Principal
	Cycles cm.Cycles
}

// Actor is an installed code instance. PreUpgrade must serialize the actor's
// heap into its stable memory; the replacement instance's factory reads it
// back.
type Actor interface {
	PreUpgrade()
}

// InstallMode selects between a fresh install and an upgrade that preserves
// stable memory.
type InstallMode uint8

const (
	Install InstallMode = iota
	Upgrade
)

// CanisterCode is a registered code blob. Hash identifies the factory that
// instantiates it.
type CanisterCode struct {
	Module []byte
	Hash   [32]byte
}

// Factory instantiates an actor. On Upgrade the factory must restore state
// from env.Memory rather than initArg.
type Factory func(env Env, mode InstallMode, initArg any) (Actor, error)

// Env is everything the platform hands an actor at install time.
type Env struct {
	ID       cm.Principal
	Registry *Registry
	Memory   stablemem.Memory
	Log      cm.Logger
}

// Status describes a canister to the management plane.
type Status struct {
	Running    bool
	ModuleHash [32]byte
	Cycles     cm.Cycles
	MemoryMiB  uint64
}

type canister struct {
	id          cm.Principal
	controllers map[cm.Principal]bool
	cycles      cm.Cycles
	memoryMiB   uint64
	moduleHash  [32]byte
	running     bool
	inst        Actor
	mem         stablemem.Memory
}

// Registry is the set of live canisters.
type Registry struct {
	mtx       sync.Mutex
	log       cm.Logger
	lm        *cm.LoggerMaker
	dataDir   string
	seq       uint64
	canisters map[cm.Principal]*canister
	factories map[[32]byte]Factory
}

// Config is the Registry configuration. An empty DataDir keeps all stable
// memory in process memory.
type Config struct {
	DataDir     string
	Logger      cm.Logger
	LoggerMaker *cm.LoggerMaker
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg *Config) *Registry {
	return &Registry{
		log:       cfg.Logger,
		lm:        cfg.LoggerMaker,
		dataDir:   cfg.DataDir,
		canisters: make(map[cm.Principal]*canister),
		factories: make(map[[32]byte]Factory),
	}
}

// RegisterCode registers a code blob and the factory that instantiates it,
// returning the CanisterCode whose hash install requests reference.
func (r *Registry) RegisterCode(module []byte, factory Factory) CanisterCode {
	hash := cm.Sha256(module)
	r.mtx.Lock()
	r.factories[hash] = factory
	r.mtx.Unlock()
	return CanisterCode{Module: encode.CopySlice(module), Hash: hash}
}

func (r *Registry) nextPrincipal() cm.Principal {
	r.seq++
	b := make([]byte, 10)
	encode.IntCoder.PutUint64(b, r.seq)
	b[8] = 0x01 // opaque-id class marker
	b[9] = 0x01
	return cm.NewPrincipal(b)
}

// CreateCanister provisions an empty canister with the given controllers,
// memory allocation and starting cycles balance, and returns its principal.
func (r *Registry) CreateCanister(controllers []cm.Principal, memoryMiB uint64, cycles cm.Cycles) (cm.Principal, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	id := r.nextPrincipal()
	var mem stablemem.Memory
	var err error
	if r.dataDir == "" {
		mem = stablemem.NewMemMemory()
	} else {
		mem, err = stablemem.NewFileMemory(r.dataDir + "/" + id.String())
		if err != nil {
			return "", cm.CallError{Code: RejectCanisterError, Message: err.Error()}
		}
	}
	ctrl := make(map[cm.Principal]bool, len(controllers))
	for _, c := range controllers {
		ctrl[c] = true
	}
	r.canisters[id] = &canister{
		id:          id,
		controllers: ctrl,
		cycles:      cycles,
		memoryMiB:   memoryMiB,
		mem:         mem,
	}
	return id, nil
}

func (r *Registry) canister(id cm.Principal) (*canister, error) {
	can, ok := r.canisters[id]
	if !ok {
		return nil, cm.CallError{Code: RejectDestinationInvalid, Message: "canister not found: " + id.String()}
	}
	return can, nil
}

func (r *Registry) authorized(caller cm.Principal, can *canister) error {
	if len(can.controllers) == 0 || can.controllers[caller] {
		return nil
	}
	return cm.CallError{Code: RejectCanisterError, Message: "caller is not a controller"}
}

// InstallCode installs or upgrades code on the target canister. On Upgrade
// the current instance's PreUpgrade hook runs first, then the new factory
// restores from stable memory.
func (r *Registry) InstallCode(caller, target cm.Principal, mode InstallMode, code CanisterCode, initArg any) error {
	r.mtx.Lock()
	can, err := r.canister(target)
	if err != nil {
		r.mtx.Unlock()
		return err
	}
	if err := r.authorized(caller, can); err != nil {
		r.mtx.Unlock()
		return err
	}
	factory, ok := r.factories[code.Hash]
	r.mtx.Unlock()
	if !ok {
		return cm.CallError{Code: RejectCanisterError, Message: "unknown module hash"}
	}

	if mode == Upgrade && can.inst != nil {
		can.inst.PreUpgrade()
	}

	var logName string
	if len(target) >= 8 {
		logName = target.String()[:8]
	} else {
		logName = target.String()
	}
	env := Env{ID: target, Registry: r, Memory: can.mem, Log: r.lm.SubLogger("CAN", logName)}
	inst, err := factory(env, mode, initArg)
	if err != nil {
		return cm.CallError{Code: RejectCanisterError, Message: fmt.Sprintf("install failed: %v", err)}
	}

	r.mtx.Lock()
	can.inst = inst
	can.moduleHash = code.Hash
	can.running = true
	r.mtx.Unlock()
	return nil
}

// StopCanister marks the target stopped. Calls routed through Instance to a
// stopped canister are rejected.
func (r *Registry) StopCanister(caller, target cm.Principal) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, err := r.canister(target)
	if err != nil {
		return err
	}
	if err := r.authorized(caller, can); err != nil {
		return err
	}
	can.running = false
	return nil
}

// StartCanister restarts a stopped canister.
func (r *Registry) StartCanister(caller, target cm.Principal) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, err := r.canister(target)
	if err != nil {
		return err
	}
	if err := r.authorized(caller, can); err != nil {
		return err
	}
	can.running = true
	return nil
}

// CanisterStatus reports the target's status to a controller.
func (r *Registry) CanisterStatus(caller, target cm.Principal) (Status, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, err := r.canister(target)
	if err != nil {
		return Status{}, err
	}
	if err := r.authorized(caller, can); err != nil {
		return Status{}, err
	}
	return Status{
		Running:    can.running,
		ModuleHash: can.moduleHash,
		Cycles:     can.cycles,
		MemoryMiB:  can.memoryMiB,
	}, nil
}

// Instance returns the installed, running actor at the principal. Callers
// type-assert the result to the collaborator interface they need.
func (r *Registry) Instance(id cm.Principal) (Actor, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, err := r.canister(id)
	if err != nil {
		return nil, err
	}
	if !can.running || can.inst == nil {
		return nil, cm.CallError{Code: RejectCanisterStopped, Message: "canister stopped: " + id.String()}
	}
	return can.inst, nil
}

// DepositCycles moves native cycles from one canister's balance to another's.
// This is the deposit-cycles management primitive the Bank's cycles_out and
// the TC's cycles payouts ride on.
func (r *Registry) DepositCycles(from, to cm.Principal, amount cm.Cycles) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	src, err := r.canister(from)
	if err != nil {
		return err
	}
	dst, err := r.canister(to)
	if err != nil {
		return err
	}
	if src.cycles < amount {
		return cm.CallError{Code: RejectCanisterError, Message: "insufficient native cycles"}
	}
	src.cycles -= amount
	dst.cycles += amount
	return nil
}

// MintNativeCycles credits freshly minted native cycles to the target. Only
// the reserve-conversion collaborator path uses this.
func (r *Registry) MintNativeCycles(to cm.Principal, amount cm.Cycles) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, err := r.canister(to)
	if err != nil {
		return err
	}
	can.cycles += amount
	return nil
}

// NativeBalance returns the canister's native-cycles balance.
func (r *Registry) NativeBalance(id cm.Principal) cm.Cycles {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	can, ok := r.canisters[id]
	if !ok {
		return 0
	}
	return can.cycles
}
