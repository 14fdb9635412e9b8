// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"encoding/hex"
	"sync"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/admin"
	"cyclesmarket.org/cmarket/server/cmmain"
	"cyclesmarket.org/cmarket/server/tc"
)

// marketCore adapts the coordinator actor and the platform registry to the
// admin server's SvrCore interface. It also owns the payout loop goroutine
// of every trade contract in the process.
type marketCore struct {
	ctx      context.Context
	wg       sync.WaitGroup
	reg      *platform.Registry
	cm       *cmmain.CM
	operator cm.Principal

	mtx     sync.Mutex
	running map[cm.Principal]bool
}

func newMarketCore(ctx context.Context, reg *platform.Registry, coord *cmmain.CM, operator cm.Principal) *marketCore {
	return &marketCore{
		ctx:      ctx,
		reg:      reg,
		cm:       coord,
		operator: operator,
		running:  make(map[cm.Principal]bool),
	}
}

// callCtx is the message context for controller calls driven by the
// operator.
func (c *marketCore) callCtx() platform.CallCtx {
	return platform.CallCtx{Caller: c.operator}
}

// contract resolves a trade contract principal to its live instance.
func (c *marketCore) contract(tcID cm.Principal) (*tc.TC, error) {
	inst, err := c.reg.Instance(tcID)
	if err != nil {
		return nil, err
	}
	contract, ok := inst.(*tc.TC)
	if !ok {
		return nil, cm.CallError{Code: platform.RejectDestinationInvalid,
			Message: "canister is not a trade contract: " + tcID.String()}
	}
	return contract, nil
}

// startRunLoop spawns the payout loop for one trade contract. Idempotent per
// principal.
func (c *marketCore) startRunLoop(tcID cm.Principal) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.running[tcID] {
		return
	}
	contract, err := c.contract(tcID)
	if err != nil {
		log.Errorf("no run loop for %s: %v", tcID, err)
		return
	}
	c.running[tcID] = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		contract.Run(c.ctx)
	}()
}

// wait blocks until all trade contract run loops have returned.
func (c *marketCore) wait() {
	c.wg.Wait()
}

// TradeContracts lists every trade contract with its status and volume.
func (c *marketCore) TradeContracts() []admin.TCSummary {
	infos := c.cm.ViewTradeContracts()
	summaries := make([]admin.TCSummary, 0, len(infos))
	for _, info := range infos {
		summary := admin.TCSummary{
			TC:          info.TC.String(),
			TokenLedger: info.TokenLedger.String(),
		}
		if status, err := c.cm.ControllerTCStatus(c.callCtx(), info.TC); err == nil {
			summary.Status = &admin.StatusResult{
				Running:    status.Running,
				ModuleHash: hex.EncodeToString(status.ModuleHash[:]),
				Cycles:     status.Cycles,
				MemoryMiB:  status.MemoryMiB,
			}
		}
		if contract, err := c.contract(info.TC); err == nil {
			summary.Volume = contract.ViewVolumeStats()
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// Book returns both sides of one contract's aggregated book.
func (c *marketCore) Book(tcID cm.Principal) (*admin.MarketBook, error) {
	contract, err := c.contract(tcID)
	if err != nil {
		return nil, err
	}
	return &admin.MarketBook{
		Cycles: contract.ViewCyclesPositionBook(0),
		Tokens: contract.ViewTokenPositionBook(0),
	}, nil
}

// PayoutsErrors returns the payout error ring of one trade contract.
func (c *marketCore) PayoutsErrors(tcID cm.Principal) ([]tc.PayoutError, error) {
	return c.cm.ControllerViewTCPayoutsErrors(c.callCtx(), tcID)
}

// ClearPayoutsErrors clears the payout error ring of one trade contract.
func (c *marketCore) ClearPayoutsErrors(tcID cm.Principal) error {
	return c.cm.ControllerClearTCPayoutsErrors(c.callCtx(), tcID)
}

// CreateTradeContract creates a trade contract for the token ledger and
// starts its payout loop.
func (c *marketCore) CreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error) {
	tcID, err := c.cm.ControllerCreateTradeContract(c.callCtx(),
		cmmain.CreateTCQuest{TokenLedger: tokenLedger})
	if err != nil {
		return "", err
	}
	c.startRunLoop(tcID)
	return tcID, nil
}

// ContinueCreateTradeContract resumes an interrupted create flow.
func (c *marketCore) ContinueCreateTradeContract(tokenLedger cm.Principal) (cm.Principal, error) {
	tcID, err := c.cm.ContinueControllerCreateTradeContract(c.callCtx(), tokenLedger)
	if err != nil {
		return "", err
	}
	c.startRunLoop(tcID)
	return tcID, nil
}

// UpgradeTCStatus reports one trade contract's canister status.
func (c *marketCore) UpgradeTCStatus(tcID cm.Principal) (platform.Status, error) {
	return c.cm.ControllerTCStatus(c.callCtx(), tcID)
}

// CreateTCStateSnapshot asks one trade contract to serialize its heap and
// reports the snapshot length.
func (c *marketCore) CreateTCStateSnapshot(tcID cm.Principal) (uint64, error) {
	return c.cm.ControllerTCCreateStateSnapshot(c.callCtx(), tcID)
}

// DownloadTCStateSnapshot reads a byte range of one trade contract's last
// state snapshot.
func (c *marketCore) DownloadTCStateSnapshot(tcID cm.Principal, offset, length uint64) ([]byte, error) {
	return c.cm.ControllerTCDownloadStateSnapshot(c.callCtx(), tcID, offset, length)
}
