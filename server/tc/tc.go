// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package tc implements the trade contract actor: a continuous limit-order
// market between the cycles bank and one collaborator token ledger.
// Positions are collected ledger-first, matched in insertion order at
// midpoint rates, and settled by an asynchronous payout machine whose every
// leg is retried until terminal. Settled logs flush through in-heap buffers
// to a chain of storage actors.
package tc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/cm/icrc1"
	"cyclesmarket.org/cmarket/platform"
	"cyclesmarket.org/cmarket/stablemem"
)

const (
	// MaxPositionsPerSide bounds each live position map. A full side first
	// tries to bump its least competitive stale position.
	MaxPositionsPerSide = 2048

	// MaxVoidPositions bounds each void map.
	MaxVoidPositions = 2048

	// MaxPendingTradeLogs bounds the unsettled trade log queue. Past it the
	// trade entry points shed load with ErrMarketBusy.
	MaxPendingTradeLogs = 500

	// MaxMidCallLocks bounds each side's mid-call lock set.
	MaxMidCallLocks = 500

	// MinCyclesPosition and MinTokensPosition are the side minimums for a
	// new position. MinTokensMatch is the smallest token quantity a single
	// trade may carry; a position that cannot yield it at its own rate is
	// depleted.
	MinCyclesPosition cm.Cycles = 1_000_000_000
	MinTokensPosition cm.Tokens = 10_000
	MinTokensMatch    cm.Tokens = 1_000

	// maxTradesPerMatchCall bounds the work one matching pass may do.
	maxTradesPerMatchCall = 50

	// maxLatestTrades bounds the in-heap recent-trades ring served by
	// ViewLatestTrades.
	maxLatestTrades = 512
)

// VoidPositionMinimumWaitTime is how long a position must rest before its
// positor may cancel it. A var for tests.
var VoidPositionMinimumWaitTime = 15 * time.Minute

// PositionMaxAge is the age past which the payout ticker voids a position
// with the time-pass cause.
var PositionMaxAge = 90 * 24 * time.Hour

// positionsSubaccount is the bank/ledger subaccount the trade contract
// holds posited funds under.
var positionsSubaccount = cm.Subaccount{31: 0x01}

// InitQuest configures a fresh trade contract.
type InitQuest struct {
	// CMMain is the market coordinator, the trade contract's controller.
	CMMain cm.Principal
	// CyclesLedger is the cycles bank; TokenLedger is the collaborator
	// ICRC-1 ledger this contract trades against.
	CyclesLedger cm.Principal
	TokenLedger  cm.Principal
	// Storage actor code, registered with the platform registry.
	PositionsStorageCode platform.CanisterCode
	TradesStorageCode    platform.CanisterCode
	// DataDir is where spawned storage actors put their databases; empty
	// keeps them in memory.
	DataDir string
}

// TC is the trade contract actor.
type TC struct {
	mtx     sync.Mutex
	id      cm.Principal
	cmMain  cm.Principal
	reg     *platform.Registry
	mem     stablemem.Memory
	dataDir string

	cyclesLedgerID cm.Principal
	tokenLedgerID  cm.Principal

	positionCounter uint64
	tradeCounter    uint64

	cyclesPositions []*CyclesPosition
	tokenPositions  []*TokenPosition

	voidCyclesPositions []*VoidPosition
	voidTokenPositions  []*VoidPosition

	// tradeLogs is the queue of trades with at least one unsettled payout
	// leg. latestTrades is a bounded ring of settled and unsettled trades
	// for the market-feed views.
	tradeLogs    []*TradeLog
	latestTrades []TradeLog

	cyclesLocks map[cm.Principal]bool
	tokenLocks  map[cm.Principal]bool

	candles           *candleCache
	totalVolumeTokens cm.Tokens
	totalVolumeCycles cm.Cycles

	positionsBuffer *storageBuffer
	tradesBuffer    *storageBuffer
	positionsChain  storageChain
	tradesChain     storageChain

	payoutErrors   []PayoutError
	payoutsRunning bool
	payoutKick     chan struct{}

	now func() time.Time
}

// New creates a trade contract actor. On Upgrade the quest is ignored past
// identity fields and state is restored from stable memory.
func New(env platform.Env, mode platform.InstallMode, quest *InitQuest) (*TC, error) {
	t := &TC{
		id:              env.ID,
		cmMain:          quest.CMMain,
		reg:             env.Registry,
		mem:             env.Memory,
		dataDir:         quest.DataDir,
		cyclesLedgerID:  quest.CyclesLedger,
		tokenLedgerID:   quest.TokenLedger,
		cyclesLocks:     make(map[cm.Principal]bool),
		tokenLocks:      make(map[cm.Principal]bool),
		candles:         newCandleCache(CandleCacheDepth, CandleBinSizeMs),
		positionsBuffer: newStorageBuffer(),
		tradesBuffer:    newStorageBuffer(),
		positionsChain:  storageChain{name: "positions", code: quest.PositionsStorageCode},
		tradesChain:     storageChain{name: "trades", code: quest.TradesStorageCode},
		payoutKick:      make(chan struct{}, 1),
		now:             time.Now,
	}
	if mode == platform.Upgrade {
		if err := t.restore(); err != nil {
			return nil, fmt.Errorf("corrupt trade contract heap snapshot: %w", err)
		}
	}
	return t, nil
}

// Principal returns the trade contract's principal.
func (t *TC) Principal() cm.Principal { return t.id }

// TokenLedger returns the collaborator token ledger this contract trades.
func (t *TC) TokenLedger() cm.Principal { return t.tokenLedgerID }

// Run drives the payout machine until the context is canceled.
func (t *TC) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.payoutKick:
		}
		t.DoPayouts()
	}
}

// kickPayouts schedules a payout pass without blocking.
func (t *TC) kickPayouts() {
	select {
	case t.payoutKick <- struct{}{}:
	default:
	}
}

// ledger resolves a collaborator ledger actor through the registry.
func (t *TC) ledger(id cm.Principal) (icrc1.Ledger, error) {
	inst, err := t.reg.Instance(id)
	if err != nil {
		return nil, err
	}
	l, ok := inst.(icrc1.Ledger)
	if !ok {
		return nil, cm.CallError{Code: platform.RejectCanisterError, Message: "canister is not a ledger: " + id.String()}
	}
	return l, nil
}

// acquireLock pins the caller on one side's mid-call lock set. The contract
// mutex must be held.
func (t *TC) acquireLock(locks map[cm.Principal]bool, caller cm.Principal) error {
	if locks[caller] {
		return cm.ErrMidCall
	}
	if len(locks) >= MaxMidCallLocks {
		return cm.ErrMarketBusy
	}
	locks[caller] = true
	return nil
}

// loadShedLocked rejects new work while the settlement backlog is too deep.
func (t *TC) loadShedLocked() error {
	if len(t.tradeLogs) >= MaxPendingTradeLogs {
		return cm.ErrMarketBusy
	}
	if t.positionsBuffer.bytes >= 2*FlushStorageBufferAtBytes ||
		t.tradesBuffer.bytes >= 2*FlushStorageBufferAtBytes {
		return cm.ErrMarketBusy
	}
	return nil
}

// TradeCycles posits cycles to buy tokens at up to quest.CyclesPerTokenRate.
// The posit is collected from the caller's deposit subaccount on the cycles
// bank before any position state is created.
func (t *TC) TradeCycles(cc platform.CallCtx, quest TradeCyclesQuest) (cm.PositionID, error) {
	if quest.Cycles < MinCyclesPosition {
		return 0, MinimumPositionError{Minimum: MinCyclesPosition}
	}
	if quest.CyclesPerTokenRate == 0 {
		return 0, RateCannotBeZeroError{}
	}

	t.mtx.Lock()
	if err := t.loadShedLocked(); err != nil {
		t.mtx.Unlock()
		return 0, err
	}
	if len(t.voidCyclesPositions) >= MaxVoidPositions {
		t.mtx.Unlock()
		return 0, cm.ErrMarketBusy
	}
	if len(t.cyclesPositions) >= MaxPositionsPerSide && !t.bumpWorstCyclesPositionLocked(quest.CyclesPerTokenRate) {
		t.mtx.Unlock()
		return 0, cm.ErrMarketBusy
	}
	if err := t.acquireLock(t.cyclesLocks, cc.Caller); err != nil {
		t.mtx.Unlock()
		return 0, err
	}
	t.mtx.Unlock()

	// Suspension: collect the posit ledger-first.
	err := t.collect(t.cyclesLedgerID, cc.Caller, quest.Cycles, quest.PositTransferLedgerFee)

	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.cyclesLocks, cc.Caller)
	if err != nil {
		return 0, CollectError{Err: err}
	}

	p := &CyclesPosition{
		ID:            t.positionCounter,
		Positor:       cc.Caller,
		QuestCycles:   quest.Cycles,
		Rate:          quest.CyclesPerTokenRate,
		CurrentCycles: quest.Cycles,
		Ts:            encode.UnixMilliU(t.now()),
	}
	t.positionCounter++
	t.cyclesPositions = append(t.cyclesPositions, p)
	t.bufferPositionLogLocked(&PositionLog{
		ID:          p.ID,
		Positor:     p.Positor,
		Kind:        KindCycles,
		QuestAmount: p.QuestCycles,
		Rate:        p.Rate,
		CreateTs:    p.Ts,
	})
	log.Debugf("cycles position %d: %s posits %d cycles at rate %d", p.ID, p.Positor, p.QuestCycles, p.Rate)

	t.matchCyclesPositionLocked(p)
	t.kickPayouts()
	return p.ID, nil
}

// TradeTokens posits tokens to buy cycles at no less than
// quest.CyclesPerTokenRate.
func (t *TC) TradeTokens(cc platform.CallCtx, quest TradeTokensQuest) (cm.PositionID, error) {
	if quest.Tokens < MinTokensPosition {
		return 0, MinimumPositionError{Minimum: MinTokensPosition}
	}
	if quest.CyclesPerTokenRate == 0 {
		return 0, RateCannotBeZeroError{}
	}

	t.mtx.Lock()
	if err := t.loadShedLocked(); err != nil {
		t.mtx.Unlock()
		return 0, err
	}
	if len(t.voidTokenPositions) >= MaxVoidPositions {
		t.mtx.Unlock()
		return 0, cm.ErrMarketBusy
	}
	if len(t.tokenPositions) >= MaxPositionsPerSide && !t.bumpWorstTokenPositionLocked(quest.CyclesPerTokenRate) {
		t.mtx.Unlock()
		return 0, cm.ErrMarketBusy
	}
	if err := t.acquireLock(t.tokenLocks, cc.Caller); err != nil {
		t.mtx.Unlock()
		return 0, err
	}
	t.mtx.Unlock()

	err := t.collect(t.tokenLedgerID, cc.Caller, quest.Tokens, quest.PositTransferLedgerFee)

	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.tokenLocks, cc.Caller)
	if err != nil {
		return 0, CollectError{Err: err}
	}

	p := &TokenPosition{
		ID:            t.positionCounter,
		Positor:       cc.Caller,
		QuestTokens:   quest.Tokens,
		Rate:          quest.CyclesPerTokenRate,
		CurrentTokens: quest.Tokens,
		Ts:            encode.UnixMilliU(t.now()),
	}
	t.positionCounter++
	t.tokenPositions = append(t.tokenPositions, p)
	t.bufferPositionLogLocked(&PositionLog{
		ID:          p.ID,
		Positor:     p.Positor,
		Kind:        KindToken,
		QuestAmount: p.QuestTokens,
		Rate:        p.Rate,
		CreateTs:    p.Ts,
	})
	log.Debugf("token position %d: %s posits %d tokens at rate %d", p.ID, p.Positor, p.QuestTokens, p.Rate)

	t.matchTokenPositionLocked(p)
	t.kickPayouts()
	return p.ID, nil
}

// collect pulls a posit from the caller's deposit subaccount into the
// positions subaccount on the given ledger.
func (t *TC) collect(ledgerID, caller cm.Principal, amount uint64, fee *uint64) error {
	ledger, err := t.ledger(ledgerID)
	if err != nil {
		return err
	}
	sub := caller.TokenSubaccount()
	_, err = ledger.Icrc1Transfer(t.id, icrc1.TransferArg{
		FromSubaccount: &sub,
		To:             cm.Account{Owner: t.id, Subaccount: &positionsSubaccount},
		Amount:         amount,
		Fee:            fee,
	})
	return err
}

// VoidPosition cancels the caller's live position after the minimum wait.
// Idempotent on a position already terminated.
func (t *TC) VoidPosition(cc platform.CallCtx, quest VoidPositionQuest) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	nowMs := encode.UnixMilliU(t.now())
	minWaitMs := uint64(VoidPositionMinimumWaitTime / time.Millisecond)

	for i, p := range t.cyclesPositions {
		if p.ID != quest.PositionID {
			continue
		}
		if p.Positor != cc.Caller {
			return PositionNotFoundError{PositionID: quest.PositionID}
		}
		if nowMs < p.Ts+minWaitMs {
			return MinimumWaitTimeError{
				MinimumWaitTime: VoidPositionMinimumWaitTime,
				CreatedAt:       encode.UnixTimeMilli(int64(p.Ts)),
			}
		}
		t.voidCyclesPositionLocked(i, CauseUserCall)
		t.kickPayouts()
		return nil
	}
	for i, p := range t.tokenPositions {
		if p.ID != quest.PositionID {
			continue
		}
		if p.Positor != cc.Caller {
			return PositionNotFoundError{PositionID: quest.PositionID}
		}
		if nowMs < p.Ts+minWaitMs {
			return MinimumWaitTimeError{
				MinimumWaitTime: VoidPositionMinimumWaitTime,
				CreatedAt:       encode.UnixTimeMilli(int64(p.Ts)),
			}
		}
		t.voidTokenPositionLocked(i, CauseUserCall)
		t.kickPayouts()
		return nil
	}

	// Already terminated, or never existed. Terminated is the common case
	// and the call is idempotent on it.
	if quest.PositionID < t.positionCounter {
		return nil
	}
	return PositionNotFoundError{PositionID: quest.PositionID}
}

// TransferCyclesBalance moves funds out of the caller's deposit subaccount
// on the cycles bank.
func (t *TC) TransferCyclesBalance(cc platform.CallCtx, quest TransferBalanceQuest) (cm.BlockID, error) {
	return t.transferBalance(t.cyclesLocks, t.cyclesLedgerID, cc.Caller, quest)
}

// TransferTokenBalance moves funds out of the caller's deposit subaccount on
// the token ledger.
func (t *TC) TransferTokenBalance(cc platform.CallCtx, quest TransferBalanceQuest) (cm.BlockID, error) {
	return t.transferBalance(t.tokenLocks, t.tokenLedgerID, cc.Caller, quest)
}

func (t *TC) transferBalance(locks map[cm.Principal]bool, ledgerID, caller cm.Principal, quest TransferBalanceQuest) (cm.BlockID, error) {
	t.mtx.Lock()
	if err := t.acquireLock(locks, caller); err != nil {
		t.mtx.Unlock()
		return 0, err
	}
	t.mtx.Unlock()

	var blockID cm.BlockID
	ledger, err := t.ledger(ledgerID)
	if err == nil {
		sub := caller.TokenSubaccount()
		blockID, err = ledger.Icrc1Transfer(t.id, icrc1.TransferArg{
			FromSubaccount: &sub,
			To:             quest.To,
			Amount:         quest.Amount,
			Fee:            quest.Fee,
			Memo:           quest.Memo,
			CreatedAtTime:  quest.CreatedAtTime,
		})
	}

	t.mtx.Lock()
	delete(locks, caller)
	t.mtx.Unlock()
	if err != nil {
		return 0, TransferBalanceError{Err: err}
	}
	return blockID, nil
}

// bufferPositionLogLocked serializes a position log into the positions
// storage buffer, keyed for per-user retrieval.
func (t *TC) bufferPositionLogLocked(pl *PositionLog) {
	positor := pl.Positor.AsThirtyBytes()
	t.positionsBuffer.put(logstoreRecord(pl.ID, serializePositionLog(pl), positor[:]))
}

// bufferTradeLogLocked serializes a settled trade log into the trades
// storage buffer, keyed for both positors and both positions.
func (t *TC) bufferTradeLogLocked(tl *TradeLog) {
	matchee := tl.MatcheePositor.AsThirtyBytes()
	matcher := tl.MatcherPositor.AsThirtyBytes()
	t.tradesBuffer.put(logstoreRecord(tl.ID, serializeTradeLog(tl),
		matchee[:], matcher[:],
		encode.Uint64Bytes(tl.PositionIDMatchee), encode.Uint64Bytes(tl.PositionIDMatcher)))
}

// voidCyclesPositionLocked moves the i'th cycles position to the void map.
func (t *TC) voidCyclesPositionLocked(i int, cause VoidCause) {
	p := t.cyclesPositions[i]
	t.cyclesPositions = append(t.cyclesPositions[:i], t.cyclesPositions[i+1:]...)
	t.voidCyclesPositions = append(t.voidCyclesPositions, &VoidPosition{
		PositionID:   p.ID,
		Positor:      p.Positor,
		Kind:         KindCycles,
		Cause:        cause,
		Residual:     p.CurrentCycles,
		Rate:         p.Rate,
		QuestAmount:  p.QuestCycles,
		FillQuantity: p.FillTokens,
		FillVolume:   p.FillVolumeCycles,
		FeesSum:      p.FeesSum,
		CreateTs:     p.Ts,
		VoidTs:       encode.UnixMilliU(t.now()),
	})
	log.Debugf("cycles position %d voided (%d), residual %d", p.ID, cause, p.CurrentCycles)
}

// voidTokenPositionLocked moves the i'th token position to the void map.
func (t *TC) voidTokenPositionLocked(i int, cause VoidCause) {
	p := t.tokenPositions[i]
	t.tokenPositions = append(t.tokenPositions[:i], t.tokenPositions[i+1:]...)
	t.voidTokenPositions = append(t.voidTokenPositions, &VoidPosition{
		PositionID:   p.ID,
		Positor:      p.Positor,
		Kind:         KindToken,
		Cause:        cause,
		Residual:     p.CurrentTokens,
		Rate:         p.Rate,
		QuestAmount:  p.QuestTokens,
		FillQuantity: p.FillCycles,
		FillVolume:   p.FillVolumeCycles,
		FeesSum:      p.FeesSum,
		CreateTs:     p.Ts,
		VoidTs:       encode.UnixMilliU(t.now()),
	})
	log.Debugf("token position %d voided (%d), residual %d", p.ID, cause, p.CurrentTokens)
}

// bumpWorstCyclesPositionLocked voids the least competitive resting cycles
// position to make room, provided it is older than the minimum wait and
// strictly worse than the incoming rate. A cycles position bidding lower is
// less competitive.
func (t *TC) bumpWorstCyclesPositionLocked(incomingRate cm.Rate) bool {
	cutoff := encode.UnixMilliU(t.now()) - uint64(VoidPositionMinimumWaitTime/time.Millisecond)
	worst := -1
	for i, p := range t.cyclesPositions {
		if p.Ts > cutoff {
			continue
		}
		if worst == -1 || p.Rate < t.cyclesPositions[worst].Rate {
			worst = i
		}
	}
	if worst == -1 || t.cyclesPositions[worst].Rate >= incomingRate {
		return false
	}
	t.voidCyclesPositionLocked(worst, CauseBump)
	return true
}

// bumpWorstTokenPositionLocked is the token-side bump: a token position
// asking higher is less competitive.
func (t *TC) bumpWorstTokenPositionLocked(incomingRate cm.Rate) bool {
	cutoff := encode.UnixMilliU(t.now()) - uint64(VoidPositionMinimumWaitTime/time.Millisecond)
	worst := -1
	for i, p := range t.tokenPositions {
		if p.Ts > cutoff {
			continue
		}
		if worst == -1 || p.Rate > t.tokenPositions[worst].Rate {
			worst = i
		}
	}
	if worst == -1 || t.tokenPositions[worst].Rate <= incomingRate {
		return false
	}
	t.voidTokenPositionLocked(worst, CauseBump)
	return true
}
