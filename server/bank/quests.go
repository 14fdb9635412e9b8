// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bank

import (
	"fmt"

	"cyclesmarket.org/cmarket/cm"
)

// MintCyclesQuest asks the Bank to burn reserve asset already deposited to
// the caller's reserve subaccount and credit the converted cycles.
type MintCyclesQuest struct {
	BurnReserve            uint64
	BurnReserveTransferFee uint64
	To                     cm.Account
	Fee                    *cm.Cycles
	Memo                   []byte
	CreatedAtTime          *uint64
}

// CyclesInQuest credits cycles attached to the message.
type CyclesInQuest struct {
	Cycles        cm.Cycles
	Fee           *cm.Cycles
	To            cm.Account
	Memo          []byte
	CreatedAtTime *uint64
}

// CyclesOutQuest burns ledger cycles and deposits native cycles onto the
// target canister.
type CyclesOutQuest struct {
	Cycles         cm.Cycles
	Fee            *cm.Cycles
	FromSubaccount *cm.Subaccount
	ForCanister    cm.Principal
	Memo           []byte
	CreatedAtTime  *uint64
}

// MintingDisabledError is returned when the deployment has minting turned
// off.
type MintingDisabledError struct{}

func (e MintingDisabledError) Error() string { return "minting is disabled" }

// ReserveLedgerError carries a domain error from the reserve ledger: the
// burn did not happen.
type ReserveLedgerError struct {
	Err error
}

func (e ReserveLedgerError) Error() string {
	return fmt.Sprintf("reserve ledger error: %v", e.Err)
}

func (e ReserveLedgerError) Unwrap() error { return e.Err }

// ReserveLedgerCallError reports that the reserve-ledger call itself failed
// with an unknown outcome. The caller's mid-call record is retained and
// CompleteMintCycles resumes it.
type ReserveLedgerCallError struct {
	Call cm.CallError
}

func (e ReserveLedgerCallError) Error() string {
	return fmt.Sprintf("reserve ledger call error: %v", e.Call)
}

// CMCCallError reports a failed conversion call after a successful burn. The
// mid-call record is retained for CompleteMintCycles.
type CMCCallError struct {
	Call cm.CallError
}

func (e CMCCallError) Error() string {
	return fmt.Sprintf("cycles-conversion call error: %v", e.Call)
}

// MidCallError reports that the caller already has a mint in flight.
// Complete reports whether every step has finished and the record is only
// awaiting CompleteMintCycles.
type MidCallError struct {
	BurnDone bool
}

func (e MidCallError) Error() string {
	return fmt.Sprintf("caller is in a mid-call state (burn done: %v)", e.BurnDone)
}

// MsgCyclesTooLowError reports that the message carried fewer native cycles
// than cycles_in requires.
type MsgCyclesTooLowError struct {
	Required cm.Cycles
}

func (e MsgCyclesTooLowError) Error() string {
	return fmt.Sprintf("message cycles too low, need %d", e.Required)
}

// DepositCyclesCallError reports a failed native-cycles deposit during
// cycles_out. The debit has been refunded.
type DepositCyclesCallError struct {
	Call cm.CallError
}

func (e DepositCyclesCallError) Error() string {
	return fmt.Sprintf("deposit cycles call error: %v", e.Call)
}
