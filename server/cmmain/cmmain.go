// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package cmmain implements the market coordinator actor. It owns the trade
// contract and storage code blobs, creates at most one trade contract per
// collaborator token ledger through a resumable two-phase flow, and proxies
// controller maintenance (upgrades, payout-error inspection) down to the
// contracts it created.
package cmmain

import (
	"fmt"
	"sync"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/tc"
	"cyclesmarket.org/cmarket/stablemem"
)

// MaxUpgradeBatch bounds one controller_upgrade_tcs call.
const MaxUpgradeBatch = 200

// Native cycles endowment for a freshly created trade contract.
const tcCreationCycles cm.Cycles = 20_000_000_000_000

const tcMemoryMiB = 8192

// InitQuest configures a fresh coordinator.
type InitQuest struct {
	// Controller is the operator principal allowed to drive the
	// controller_* entry points.
	Controller cm.Principal
	// CyclesBank is the cycles ledger every trade contract settles against.
	CyclesBank cm.Principal
	// Code blobs, registered with the platform registry.
	TCCode               platform.CanisterCode
	PositionsStorageCode platform.CanisterCode
	TradesStorageCode    platform.CanisterCode
	// DataDir is handed down to trade contracts for their storage actors;
	// empty keeps everything in memory.
	DataDir string
}

// CreateTCQuest asks for a new trade contract on a token ledger.
type CreateTCQuest struct {
	TokenLedger cm.Principal
}

// TCInfo describes one trade contract to the views.
type TCInfo struct {
	TokenLedger cm.Principal
	TC          cm.Principal
}

// UpgradeResult is the per-contract outcome of a batched upgrade.
type UpgradeResult struct {
	TC  cm.Principal
	Err string
}

// TCAlreadyExistsError reports a second create for the same token ledger.
type TCAlreadyExistsError struct {
	TC cm.Principal
}

func (e TCAlreadyExistsError) Error() string {
	return "a trade contract for that token ledger already exists: " + e.TC.String()
}

// CreateTCMidCallError reports a create flow interrupted partway. The flow
// holds its mid-call record and ContinueControllerCreateTradeContract
// resumes it.
type CreateTCMidCallError struct {
	TokenLedger cm.Principal
	// CanisterCreated tells how far the flow got.
	CanisterCreated bool
	Err             error
}

func (e CreateTCMidCallError) Error() string {
	return fmt.Sprintf("trade contract creation for ledger %s interrupted (canister created: %v): %v",
		e.TokenLedger, e.CanisterCreated, e.Err)
}

func (e CreateTCMidCallError) Unwrap() error { return e.Err }

// createMidCall is the persisted state of one in-flight create flow.
type createMidCall struct {
	lock bool

	TokenLedger cm.Principal
	// Canister is set once the empty canister exists and is endowed.
	Canister cm.Principal
}

// CM is the coordinator actor.
type CM struct {
	mtx sync.Mutex
	id  cm.Principal
	reg *platform.Registry
	mem stablemem.Memory
	cfg InitQuest

	// tcs maps token ledger principal to trade contract principal;
	// tcOrder preserves creation order for views and batch upgrades.
	tcs     map[cm.Principal]cm.Principal
	tcOrder []cm.Principal

	createCalls map[cm.Principal]*createMidCall
}

// New creates a coordinator actor. On Upgrade state is restored from stable
// memory; the quest's code blobs still apply, since factories are
// re-registered per process.
func New(env platform.Env, mode platform.InstallMode, quest *InitQuest) (*CM, error) {
	c := &CM{
		id:          env.ID,
		reg:         env.Registry,
		mem:         env.Memory,
		cfg:         *quest,
		tcs:         make(map[cm.Principal]cm.Principal),
		createCalls: make(map[cm.Principal]*createMidCall),
	}
	if mode == platform.Upgrade {
		if err := c.restore(); err != nil {
			return nil, fmt.Errorf("corrupt coordinator heap snapshot: %w", err)
		}
	}
	return c, nil
}

// Principal returns the coordinator's principal.
func (c *CM) Principal() cm.Principal { return c.id }

func (c *CM) authController(caller cm.Principal) error {
	if caller != c.cfg.Controller {
		return cm.CallError{Code: platform.RejectCanisterError, Message: "caller is not the controller"}
	}
	return nil
}

func (c *CM) tcInitQuest(tokenLedger cm.Principal) *tc.InitQuest {
	return &tc.InitQuest{
		CMMain:               c.id,
		CyclesLedger:         c.cfg.CyclesBank,
		TokenLedger:          tokenLedger,
		PositionsStorageCode: c.cfg.PositionsStorageCode,
		TradesStorageCode:    c.cfg.TradesStorageCode,
		DataDir:              c.cfg.DataDir,
	}
}

// ControllerCreateTradeContract provisions and installs a trade contract for
// the token ledger. At most one contract per ledger ever exists. The flow
// has two outbound phases, provision and install; a failure between them
// leaves a mid-call record that ContinueControllerCreateTradeContract
// resumes, so a canister is never leaked or double-installed.
func (c *CM) ControllerCreateTradeContract(cc platform.CallCtx, quest CreateTCQuest) (cm.Principal, error) {
	if err := c.authController(cc.Caller); err != nil {
		return "", err
	}
	c.mtx.Lock()
	if tcID, ok := c.tcs[quest.TokenLedger]; ok {
		c.mtx.Unlock()
		return "", TCAlreadyExistsError{TC: tcID}
	}
	if mc, ok := c.createCalls[quest.TokenLedger]; ok {
		c.mtx.Unlock()
		if mc.lock {
			return "", cm.ErrMidCall
		}
		return "", CreateTCMidCallError{
			TokenLedger:     quest.TokenLedger,
			CanisterCreated: !mc.Canister.IsZero(),
			Err:             fmt.Errorf("an interrupted creation is pending continuation"),
		}
	}
	mc := &createMidCall{lock: true, TokenLedger: quest.TokenLedger}
	c.createCalls[quest.TokenLedger] = mc
	c.mtx.Unlock()

	return c.runCreate(mc)
}

// ContinueControllerCreateTradeContract resumes an interrupted create flow
// from its first incomplete phase.
func (c *CM) ContinueControllerCreateTradeContract(cc platform.CallCtx, tokenLedger cm.Principal) (cm.Principal, error) {
	if err := c.authController(cc.Caller); err != nil {
		return "", err
	}
	c.mtx.Lock()
	mc, ok := c.createCalls[tokenLedger]
	if !ok {
		tcID, exists := c.tcs[tokenLedger]
		c.mtx.Unlock()
		if exists {
			return tcID, nil
		}
		return "", fmt.Errorf("no interrupted creation for ledger %s", tokenLedger)
	}
	if mc.lock {
		c.mtx.Unlock()
		return "", cm.ErrMidCall
	}
	mc.lock = true
	c.mtx.Unlock()

	return c.runCreate(mc)
}

// runCreate executes the remaining phases of a create flow. The caller must
// hold the mid-call record's lock.
func (c *CM) runCreate(mc *createMidCall) (cm.Principal, error) {
	fail := func(created bool, err error) (cm.Principal, error) {
		c.mtx.Lock()
		mc.lock = false
		c.mtx.Unlock()
		return "", CreateTCMidCallError{TokenLedger: mc.TokenLedger, CanisterCreated: created, Err: err}
	}

	if mc.Canister.IsZero() {
		id, err := c.reg.CreateCanister([]cm.Principal{c.id}, tcMemoryMiB, 0)
		if err != nil {
			return fail(false, err)
		}
		if err := c.reg.DepositCycles(c.id, id, tcCreationCycles); err != nil {
			return fail(false, err)
		}
		c.mtx.Lock()
		mc.Canister = id
		c.mtx.Unlock()
	}

	err := c.reg.InstallCode(c.id, mc.Canister, platform.Install, c.cfg.TCCode, c.tcInitQuest(mc.TokenLedger))
	if err != nil {
		return fail(true, err)
	}

	c.mtx.Lock()
	c.tcs[mc.TokenLedger] = mc.Canister
	c.tcOrder = append(c.tcOrder, mc.Canister)
	delete(c.createCalls, mc.TokenLedger)
	c.mtx.Unlock()
	log.Infof("created trade contract %s for token ledger %s", mc.Canister, mc.TokenLedger)
	return mc.Canister, nil
}

// ViewTradeContracts lists the contracts in creation order.
func (c *CM) ViewTradeContracts() []TCInfo {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	byTC := make(map[cm.Principal]cm.Principal, len(c.tcs))
	for ledger, tcID := range c.tcs {
		byTC[tcID] = ledger
	}
	out := make([]TCInfo, 0, len(c.tcOrder))
	for _, tcID := range c.tcOrder {
		out = append(out, TCInfo{TokenLedger: byTC[tcID], TC: tcID})
	}
	return out
}

// TradeContract resolves the contract for a token ledger.
func (c *CM) TradeContract(tokenLedger cm.Principal) (cm.Principal, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	tcID, ok := c.tcs[tokenLedger]
	return tcID, ok
}

// ControllerUpgradeTCs stops, upgrades and restarts the listed trade
// contracts with the given code, at most MaxUpgradeBatch per call. An empty
// target list selects every contract. Failures are reported per contract;
// one failure does not stop the batch.
func (c *CM) ControllerUpgradeTCs(cc platform.CallCtx, code platform.CanisterCode, targets []cm.Principal) ([]UpgradeResult, error) {
	if err := c.authController(cc.Caller); err != nil {
		return nil, err
	}
	c.mtx.Lock()
	if len(targets) == 0 {
		targets = append(targets, c.tcOrder...)
	}
	ledgers := make(map[cm.Principal]cm.Principal, len(c.tcs))
	for ledger, tcID := range c.tcs {
		ledgers[tcID] = ledger
	}
	c.cfg.TCCode = code
	c.mtx.Unlock()

	if len(targets) > MaxUpgradeBatch {
		return nil, fmt.Errorf("upgrade batch of %d exceeds the maximum %d", len(targets), MaxUpgradeBatch)
	}

	results := make([]UpgradeResult, 0, len(targets))
	for _, tcID := range targets {
		res := UpgradeResult{TC: tcID}
		ledger, known := ledgers[tcID]
		if !known {
			res.Err = "not a trade contract of this coordinator"
			results = append(results, res)
			continue
		}
		if err := c.upgradeTC(tcID, ledger, code); err != nil {
			res.Err = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *CM) upgradeTC(tcID, tokenLedger cm.Principal, code platform.CanisterCode) error {
	if err := c.reg.StopCanister(c.id, tcID); err != nil {
		return err
	}
	if err := c.reg.InstallCode(c.id, tcID, platform.Upgrade, code, c.tcInitQuest(tokenLedger)); err != nil {
		// Leave the contract stopped rather than running old code the
		// controller meant to replace.
		return err
	}
	if err := c.reg.StartCanister(c.id, tcID); err != nil {
		return err
	}
	log.Infof("upgraded trade contract %s", tcID)
	return nil
}

// contract resolves a trade contract actor this coordinator created.
func (c *CM) contract(tcID cm.Principal) (*tc.TC, error) {
	inst, err := c.reg.Instance(tcID)
	if err != nil {
		return nil, err
	}
	contract, ok := inst.(*tc.TC)
	if !ok {
		return nil, cm.CallError{Code: platform.RejectCanisterError, Message: "canister is not a trade contract: " + tcID.String()}
	}
	return contract, nil
}

// ControllerUpgradeTCStorageCanisters proxies a storage-chain upgrade to one
// trade contract.
func (c *CM) ControllerUpgradeTCStorageCanisters(cc platform.CallCtx, tcID cm.Principal, positionsCode, tradesCode *platform.CanisterCode) error {
	if err := c.authController(cc.Caller); err != nil {
		return err
	}
	contract, err := c.contract(tcID)
	if err != nil {
		return err
	}
	c.mtx.Lock()
	if positionsCode != nil {
		c.cfg.PositionsStorageCode = *positionsCode
	}
	if tradesCode != nil {
		c.cfg.TradesStorageCode = *tradesCode
	}
	c.mtx.Unlock()
	return contract.ControllerUpgradeStorageCanisters(platform.CallCtx{Caller: c.id}, positionsCode, tradesCode)
}

// ControllerViewTCPayoutsErrors proxies the payout error ring of one trade
// contract.
func (c *CM) ControllerViewTCPayoutsErrors(cc platform.CallCtx, tcID cm.Principal) ([]tc.PayoutError, error) {
	if err := c.authController(cc.Caller); err != nil {
		return nil, err
	}
	contract, err := c.contract(tcID)
	if err != nil {
		return nil, err
	}
	return contract.ControllerViewPayoutsErrors(platform.CallCtx{Caller: c.id})
}

// ControllerClearTCPayoutsErrors clears the payout error ring of one trade
// contract.
func (c *CM) ControllerClearTCPayoutsErrors(cc platform.CallCtx, tcID cm.Principal) error {
	if err := c.authController(cc.Caller); err != nil {
		return err
	}
	contract, err := c.contract(tcID)
	if err != nil {
		return err
	}
	return contract.ControllerClearPayoutsErrors(platform.CallCtx{Caller: c.id})
}

// ControllerTCCreateStateSnapshot asks one trade contract to serialize its
// heap into stable memory, returning the snapshot length.
func (c *CM) ControllerTCCreateStateSnapshot(cc platform.CallCtx, tcID cm.Principal) (uint64, error) {
	if err := c.authController(cc.Caller); err != nil {
		return 0, err
	}
	contract, err := c.contract(tcID)
	if err != nil {
		return 0, err
	}
	return contract.ControllerCreateStateSnapshot(platform.CallCtx{Caller: c.id})
}

// ControllerTCDownloadStateSnapshot reads a byte range of one trade
// contract's last created state snapshot.
func (c *CM) ControllerTCDownloadStateSnapshot(cc platform.CallCtx, tcID cm.Principal, offset, length uint64) ([]byte, error) {
	if err := c.authController(cc.Caller); err != nil {
		return nil, err
	}
	contract, err := c.contract(tcID)
	if err != nil {
		return nil, err
	}
	return contract.ControllerDownloadStateSnapshot(platform.CallCtx{Caller: c.id}, offset, length)
}

// ControllerTCStatus reports a trade contract's canister status.
func (c *CM) ControllerTCStatus(cc platform.CallCtx, tcID cm.Principal) (platform.Status, error) {
	if err := c.authController(cc.Caller); err != nil {
		return platform.Status{}, err
	}
	return c.reg.CanisterStatus(c.id, tcID)
}
