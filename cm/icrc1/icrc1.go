// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package icrc1 defines the ledger wire shapes shared by the Bank and by
// every collaborator token ledger: transfer arguments and the standard
// transfer error variants. The trade contract only ever talks to a ledger
// through the Ledger interface here.
package icrc1

import (
	"fmt"

	"cyclesmarket.org/cmarket/cm"
)

// TransferArg is the standard icrc1_transfer argument record.
type TransferArg struct {
	FromSubaccount *cm.Subaccount
	To             cm.Account
	Amount         uint64
	Fee            *uint64
	Memo           []byte
	CreatedAtTime  *uint64 // nanoseconds since epoch
}

// Ledger is the surface the market needs from any ICRC-1 ledger. Transfer's
// caller is explicit because in-process collaborators do not carry message
// metadata.
type Ledger interface {
	Icrc1Transfer(caller cm.Principal, arg TransferArg) (cm.BlockID, error)
	Icrc1BalanceOf(account cm.Account) uint64
	Icrc1Fee() uint64
}

// BadFeeError reports a fee that does not match the ledger's expected fee.
type BadFeeError struct {
	ExpectedFee uint64
}

func (e BadFeeError) Error() string {
	return fmt.Sprintf("bad fee, expected %d", e.ExpectedFee)
}

// InsufficientFundsError reports the balance that could not cover the
// transfer.
type InsufficientFundsError struct {
	Balance uint64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds, balance %d", e.Balance)
}

// DuplicateError reports that an identical transfer within the dedup window
// already made it into the log. Payout retries treat it as success.
type DuplicateError struct {
	DuplicateOf cm.BlockID
}

func (e DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of block %d", e.DuplicateOf)
}

// TooOldError reports a created_at_time before the dedup window.
type TooOldError struct{}

func (e TooOldError) Error() string { return "transaction too old" }

// CreatedInFutureError reports a created_at_time past the permitted drift.
type CreatedInFutureError struct {
	LedgerTime uint64
}

func (e CreatedInFutureError) Error() string {
	return fmt.Sprintf("created in future, ledger time %d", e.LedgerTime)
}

// GenericError is the catch-all ledger error.
type GenericError struct {
	ErrorCode uint64
	Message   string
}

func (e GenericError) Error() string {
	return fmt.Sprintf("ledger error %d: %s", e.ErrorCode, e.Message)
}
