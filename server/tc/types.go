// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"fmt"
	"time"

	"cyclesmarket.org/cmarket/cm"
)

// PositionKind discriminates the two sides of the book.
type PositionKind uint8

const (
	KindCycles PositionKind = iota
	KindToken
)

func (k PositionKind) String() string {
	if k == KindCycles {
		return "cycles"
	}
	return "token"
}

// VoidCause is why a position terminated.
type VoidCause uint8

const (
	CauseFill VoidCause = iota
	CauseBump
	CauseTimePass
	CauseUserCall
)

// TradeCyclesQuest posits cycles to buy tokens at up to the given rate.
type TradeCyclesQuest struct {
	Cycles                 cm.Cycles
	CyclesPerTokenRate     cm.Rate
	PositTransferLedgerFee *uint64
}

// TradeTokensQuest posits tokens to buy cycles at no less than the given
// rate.
type TradeTokensQuest struct {
	Tokens                 cm.Tokens
	CyclesPerTokenRate     cm.Rate
	PositTransferLedgerFee *uint64
}

// VoidPositionQuest cancels the caller's live position.
type VoidPositionQuest struct {
	PositionID cm.PositionID
}

// TransferBalanceQuest moves funds out of the caller's deposit subaccount on
// one of the two ledgers.
type TransferBalanceQuest struct {
	Amount        uint64
	Fee           *uint64
	To            cm.Account
	Memo          []byte
	CreatedAtTime *uint64
}

// CyclesPosition is a live cycles-side resting order.
type CyclesPosition struct {
	ID            cm.PositionID
	Positor       cm.Principal
	QuestCycles   cm.Cycles
	Rate          cm.Rate
	CurrentCycles cm.Cycles
	FillTokens    cm.Tokens
	// FillVolumeCycles is the cumulative executed cycles volume, the fee
	// tier key.
	FillVolumeCycles cm.Cycles
	// FeesSum accumulates the token fees charged on this position's
	// payouts.
	FeesSum cm.Tokens
	Ts      uint64 // creation, unix ms
}

// tokensAt is the token quantity this position can still buy at the rate.
func (p *CyclesPosition) tokensAt(rate cm.Rate) cm.Tokens {
	return cm.CyclesToTokens(rate, p.CurrentCycles)
}

// TokenPosition is a live token-side resting order.
type TokenPosition struct {
	ID               cm.PositionID
	Positor          cm.Principal
	QuestTokens      cm.Tokens
	Rate             cm.Rate
	CurrentTokens    cm.Tokens
	FillCycles       cm.Cycles
	FillVolumeCycles cm.Cycles
	// FeesSum accumulates the cycles fees charged on this position's
	// payouts.
	FeesSum cm.Cycles
	Ts      uint64
}

// PayoutData is the terminal state of one payout leg.
type PayoutData struct {
	DidTransfer       bool
	LedgerTransferFee uint64
}

// VoidPosition is a terminated position awaiting its residual payout and
// the storage-log update.
type VoidPosition struct {
	PositionID cm.PositionID
	Positor    cm.Principal
	Kind       PositionKind
	Cause      VoidCause
	// Residual is the unmatched quantity to return: cycles for a cycles
	// position, tokens for a token position.
	Residual     uint64
	Rate         cm.Rate
	QuestAmount  uint64
	FillQuantity uint64
	FillVolume   cm.Cycles
	FeesSum      uint64
	CreateTs     uint64 // position creation, unix ms
	VoidTs       uint64 // termination, unix ms

	Payout        *PayoutData
	payoutLock    bool
	UpdateLogDone bool
}

// TradeLog is an immutable match record plus its two mutable payout
// substates.
type TradeLog struct {
	PositionIDMatcher cm.PositionID
	PositionIDMatchee cm.PositionID
	ID                cm.TradeID
	MatcheePositor    cm.Principal
	MatcherPositor    cm.Principal
	Tokens            cm.Tokens
	Cycles            cm.Cycles
	Rate              cm.Rate
	// MatcheeKind is the side of the resting (matchee) position.
	MatcheeKind PositionKind
	Ts          uint64 // unix ms
	// TokenPayoutFee and CyclesPayoutFee are the maker fees retained from
	// each leg, in the leg's own unit.
	TokenPayoutFee  cm.Tokens
	CyclesPayoutFee cm.Cycles

	CyclesPayout *PayoutData
	TokenPayout  *PayoutData

	cyclesLock bool
	tokenLock  bool
}

// cyclesPayee is who receives the cycles leg.
func (t *TradeLog) cyclesPayee() cm.Principal {
	if t.MatcheeKind == KindCycles {
		return t.MatcherPositor
	}
	return t.MatcheePositor
}

// tokenPayee is who receives the token leg.
func (t *TradeLog) tokenPayee() cm.Principal {
	if t.MatcheeKind == KindCycles {
		return t.MatcheePositor
	}
	return t.MatcherPositor
}

// flushable reports whether the log can move to the trades storage buffer.
func (t *TradeLog) flushable() bool {
	return t.CyclesPayout != nil && t.TokenPayout != nil && !t.cyclesLock && !t.tokenLock
}

// PayoutError is one recorded payout failure.
type PayoutError struct {
	Ts         time.Time
	Kind       string
	PositionID cm.PositionID
	TradeID    cm.TradeID
	Err        string
}

// MinimumPositionError reports a quantity below the side minimum.
type MinimumPositionError struct {
	Minimum uint64
}

func (e MinimumPositionError) Error() string {
	return fmt.Sprintf("position below minimum quantity %d", e.Minimum)
}

// RateCannotBeZeroError rejects a zero rate.
type RateCannotBeZeroError struct{}

func (e RateCannotBeZeroError) Error() string { return "rate cannot be zero" }

// CollectError reports a failed posit-collection ledger transfer. No state
// was created.
type CollectError struct {
	Err error
}

func (e CollectError) Error() string {
	return fmt.Sprintf("posit collection transfer failed: %v", e.Err)
}

func (e CollectError) Unwrap() error { return e.Err }

// MinimumWaitTimeError rejects a void_position before the minimum wait.
type MinimumWaitTimeError struct {
	MinimumWaitTime time.Duration
	CreatedAt       time.Time
}

func (e MinimumWaitTimeError) Error() string {
	return fmt.Sprintf("position created %s, minimum wait %s", e.CreatedAt, e.MinimumWaitTime)
}

// PositionNotFoundError reports an unknown or foreign position id.
type PositionNotFoundError struct {
	PositionID cm.PositionID
}

func (e PositionNotFoundError) Error() string {
	return fmt.Sprintf("position %d not found for caller", e.PositionID)
}

// TransferBalanceError wraps a ledger error from transfer_*_balance.
type TransferBalanceError struct {
	Err error
}

func (e TransferBalanceError) Error() string {
	return fmt.Sprintf("balance transfer failed: %v", e.Err)
}

func (e TransferBalanceError) Unwrap() error { return e.Err }
