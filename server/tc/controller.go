// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/server/logstore"
	"cyclesmarket.org/cmarket/stablemem"
)

func (t *TC) authController(caller cm.Principal) error {
	if caller != t.cmMain {
		return cm.CallError{Code: platform.RejectCanisterError, Message: "caller is not a controller"}
	}
	return nil
}

// ControllerViewPayoutsErrors returns the recorded payout failures.
func (t *TC) ControllerViewPayoutsErrors(cc platform.CallCtx) ([]PayoutError, error) {
	if err := t.authController(cc.Caller); err != nil {
		return nil, err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make([]PayoutError, len(t.payoutErrors))
	copy(out, t.payoutErrors)
	return out, nil
}

// ControllerClearPayoutsErrors empties the payout error ring.
func (t *TC) ControllerClearPayoutsErrors(cc platform.CallCtx) error {
	if err := t.authController(cc.Caller); err != nil {
		return err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.payoutErrors = nil
	return nil
}

// ControllerUpgradeStorageCanisters stops, upgrades and restarts every
// storage actor in the selected chains. A nil code leaves that chain alone.
func (t *TC) ControllerUpgradeStorageCanisters(cc platform.CallCtx, positionsCode, tradesCode *platform.CanisterCode) error {
	if err := t.authController(cc.Caller); err != nil {
		return err
	}
	if positionsCode != nil {
		if err := t.upgradeChain(&t.positionsChain, *positionsCode); err != nil {
			return err
		}
	}
	if tradesCode != nil {
		if err := t.upgradeChain(&t.tradesChain, *tradesCode); err != nil {
			return err
		}
	}
	return nil
}

func (t *TC) upgradeChain(chain *storageChain, code platform.CanisterCode) error {
	t.mtx.Lock()
	ids := make([]cm.Principal, len(chain.list))
	for i, info := range chain.list {
		ids[i] = info.Canister
	}
	chain.code = code
	name := chain.name
	t.mtx.Unlock()

	for _, id := range ids {
		if err := t.reg.StopCanister(t.id, id); err != nil {
			return err
		}
		var dir string
		if t.dataDir != "" {
			dir = t.dataDir + "/" + name + "-" + id.String()
		}
		err := t.reg.InstallCode(t.id, id, platform.Upgrade, code, &logstore.InitQuest{
			Pusher: t.id,
			Dir:    dir,
		})
		if err != nil {
			return err
		}
		if err := t.reg.StartCanister(t.id, id); err != nil {
			return err
		}
		log.Infof("upgraded %s storage canister %s", name, id)
	}
	return nil
}

// ControllerCreateStateSnapshot serializes the contract heap into stable
// memory without upgrading, and returns the snapshot length.
func (t *TC) ControllerCreateStateSnapshot(cc platform.CallCtx) (uint64, error) {
	if err := t.authController(cc.Caller); err != nil {
		return 0, err
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	data, err := t.serializeLocked()
	if err != nil {
		return 0, err
	}
	if err := stablemem.SaveHeap(t.mem, data); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// ControllerDownloadStateSnapshot reads length bytes of the stored heap
// snapshot starting at offset.
func (t *TC) ControllerDownloadStateSnapshot(cc platform.CallCtx, offset, length uint64) ([]byte, error) {
	if err := t.authController(cc.Caller); err != nil {
		return nil, err
	}
	data, err := stablemem.LoadHeap(t.mem)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(data)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end], nil
}
