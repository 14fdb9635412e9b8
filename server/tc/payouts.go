// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tc

import (
	"errors"
	"time"

	"cyclesmarket.org/cmarket/cm"
	"cyclesmarket.org/cmarket/cm/encode"
	"cyclesmarket.org/cmarket/cm/icrc1"
	"golang.org/x/sync/errgroup"
)

// Per-pass payout chunk caps. Each pass locks at most this many legs of each
// kind, runs them concurrently, and writes the outcomes back in one commit.
const (
	maxVoidCyclesPayoutsPerPass = 5
	maxVoidTokenPayoutsPerPass  = 5
	maxTradeCyclesLegsPerPass   = 10
	maxTradeTokenLegsPerPass    = 10

	// maxPayoutErrors bounds the controller-visible error ring.
	maxPayoutErrors = 512
)

// payoutJob is one outbound settlement transfer. The memo and created-at
// time are deterministic functions of the leg, so a retried leg whose first
// attempt actually landed resolves as an icrc1 duplicate rather than a
// double payment.
type payoutJob struct {
	ledgerID   cm.Principal
	payee      cm.Account
	amount     uint64 // leg amount net of the payout fee
	memo       []byte
	createdAt  uint64
	kind       string
	positionID cm.PositionID
	tradeID    cm.TradeID

	// Result, written by runPayout. A nil res with a set errStr means the
	// leg stays pending and is retried on a later pass.
	res    *PayoutData
	errStr string

	// apply writes the outcome back and releases the leg's lock. Runs with
	// the contract mutex held.
	apply func(j *payoutJob)
}

func voidPayoutMemo(id cm.PositionID) []byte {
	return append([]byte("VP"), encode.Uint64Bytes(id)...)
}

func tradePayoutMemo(leg PositionKind, id cm.TradeID) []byte {
	prefix := "TT"
	if leg == KindCycles {
		prefix = "TC"
	}
	return append([]byte(prefix), encode.Uint64Bytes(id)...)
}

// DoPayouts runs one settlement pass: pending void-position residuals and
// trade legs are locked in bounded chunks, transferred concurrently, and
// their terminal states committed. Settled logs move to the storage buffers
// and full buffers flush to the storage chains. Safe to call at any time; a
// pass already in flight makes this a no-op.
func (t *TC) DoPayouts() {
	t.mtx.Lock()
	if t.payoutsRunning {
		t.mtx.Unlock()
		return
	}
	t.payoutsRunning = true
	t.expireOldPositionsLocked()
	jobs := t.collectPayoutJobsLocked()
	t.mtx.Unlock()

	if len(jobs) > 0 {
		var g errgroup.Group
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				t.runPayout(job)
				return nil
			})
		}
		g.Wait()
	}

	t.mtx.Lock()
	for _, job := range jobs {
		job.apply(job)
	}
	t.completeVoidPositionsLocked()
	t.completeTradeLogsLocked()
	t.mtx.Unlock()

	t.flushChain(&t.positionsChain, t.positionsBuffer)
	t.flushChain(&t.tradesChain, t.tradesBuffer)

	t.mtx.Lock()
	t.payoutsRunning = false
	t.mtx.Unlock()
}

// expireOldPositionsLocked voids positions older than PositionMaxAge.
func (t *TC) expireOldPositionsLocked() {
	cutoff := encode.UnixMilliU(t.now().Add(-PositionMaxAge))
	for i := 0; i < len(t.cyclesPositions); {
		if t.cyclesPositions[i].Ts <= cutoff {
			t.voidCyclesPositionLocked(i, CauseTimePass)
		} else {
			i++
		}
	}
	for i := 0; i < len(t.tokenPositions); {
		if t.tokenPositions[i].Ts <= cutoff {
			t.voidTokenPositionLocked(i, CauseTimePass)
		} else {
			i++
		}
	}
}

// collectPayoutJobsLocked locks and snapshots the next chunk of pending
// payout legs.
func (t *TC) collectPayoutJobsLocked() []*payoutJob {
	var jobs []*payoutJob

	voidJob := func(vp *VoidPosition, ledgerID cm.Principal, kind string) {
		vp.payoutLock = true
		jobs = append(jobs, &payoutJob{
			ledgerID:   ledgerID,
			payee:      cm.Account{Owner: vp.Positor},
			amount:     vp.Residual,
			memo:       voidPayoutMemo(vp.PositionID),
			createdAt:  vp.VoidTs * uint64(time.Millisecond),
			kind:       kind,
			positionID: vp.PositionID,
			apply: func(j *payoutJob) {
				vp.payoutLock = false
				if j.res != nil {
					vp.Payout = j.res
					return
				}
				t.recordPayoutErrorLocked(j)
			},
		})
	}

	n := 0
	for _, vp := range t.voidCyclesPositions {
		if n == maxVoidCyclesPayoutsPerPass {
			break
		}
		if vp.Payout != nil || vp.payoutLock {
			continue
		}
		voidJob(vp, t.cyclesLedgerID, "void_cycles_position_payout")
		n++
	}
	n = 0
	for _, vp := range t.voidTokenPositions {
		if n == maxVoidTokenPayoutsPerPass {
			break
		}
		if vp.Payout != nil || vp.payoutLock {
			continue
		}
		voidJob(vp, t.tokenLedgerID, "void_token_position_payout")
		n++
	}

	nc, nt := 0, 0
	for _, tl := range t.tradeLogs {
		tl := tl
		if tl.CyclesPayout == nil && !tl.cyclesLock && nc < maxTradeCyclesLegsPerPass {
			tl.cyclesLock = true
			nc++
			jobs = append(jobs, &payoutJob{
				ledgerID:   t.cyclesLedgerID,
				payee:      cm.Account{Owner: tl.cyclesPayee()},
				amount:     tl.Cycles - tl.CyclesPayoutFee,
				memo:       tradePayoutMemo(KindCycles, tl.ID),
				createdAt:  tl.Ts * uint64(time.Millisecond),
				kind:       "trade_cycles_payout",
				positionID: tl.PositionIDMatchee,
				tradeID:    tl.ID,
				apply: func(j *payoutJob) {
					tl.cyclesLock = false
					if j.res != nil {
						tl.CyclesPayout = j.res
						return
					}
					t.recordPayoutErrorLocked(j)
				},
			})
		}
		if tl.TokenPayout == nil && !tl.tokenLock && nt < maxTradeTokenLegsPerPass {
			tl.tokenLock = true
			nt++
			jobs = append(jobs, &payoutJob{
				ledgerID:   t.tokenLedgerID,
				payee:      cm.Account{Owner: tl.tokenPayee()},
				amount:     tl.Tokens - tl.TokenPayoutFee,
				memo:       tradePayoutMemo(KindToken, tl.ID),
				createdAt:  tl.Ts * uint64(time.Millisecond),
				kind:       "trade_token_payout",
				positionID: tl.PositionIDMatchee,
				tradeID:    tl.ID,
				apply: func(j *payoutJob) {
					tl.tokenLock = false
					if j.res != nil {
						tl.TokenPayout = j.res
						return
					}
					t.recordPayoutErrorLocked(j)
				},
			})
		}
		if nc == maxTradeCyclesLegsPerPass && nt == maxTradeTokenLegsPerPass {
			break
		}
	}
	return jobs
}

// runPayout executes one settlement transfer. A leg whose net amount cannot
// cover the ledger's transfer fee terminates as dust, keeping the residual
// on the positions subaccount.
func (t *TC) runPayout(job *payoutJob) {
	ledger, err := t.ledger(job.ledgerID)
	if err != nil {
		job.errStr = err.Error()
		return
	}
	fee := ledger.Icrc1Fee()
	if job.amount <= fee {
		job.res = &PayoutData{DidTransfer: false, LedgerTransferFee: fee}
		return
	}
	createdAt := job.createdAt
	_, err = ledger.Icrc1Transfer(t.id, icrc1.TransferArg{
		FromSubaccount: &positionsSubaccount,
		To:             job.payee,
		Amount:         job.amount - fee,
		Fee:            &fee,
		Memo:           job.memo,
		CreatedAtTime:  &createdAt,
	})
	if err != nil {
		var dup icrc1.DuplicateError
		if errors.As(err, &dup) {
			// The first attempt landed; this retry is settled.
			job.res = &PayoutData{DidTransfer: true, LedgerTransferFee: fee}
			return
		}
		job.errStr = err.Error()
		return
	}
	job.res = &PayoutData{DidTransfer: true, LedgerTransferFee: fee}
}

// recordPayoutErrorLocked appends to the bounded controller-visible error
// ring.
func (t *TC) recordPayoutErrorLocked(j *payoutJob) {
	log.Warnf("%s failed for position %d trade %d: %s", j.kind, j.positionID, j.tradeID, j.errStr)
	if len(t.payoutErrors) == maxPayoutErrors {
		copy(t.payoutErrors, t.payoutErrors[1:])
		t.payoutErrors = t.payoutErrors[:maxPayoutErrors-1]
	}
	t.payoutErrors = append(t.payoutErrors, PayoutError{
		Ts:         t.now(),
		Kind:       j.kind,
		PositionID: j.positionID,
		TradeID:    j.tradeID,
		Err:        j.errStr,
	})
}

// completeVoidPositionsLocked writes terminal position logs for settled void
// positions and drops them from the void maps.
func (t *TC) completeVoidPositionsLocked() {
	complete := func(list []*VoidPosition) []*VoidPosition {
		kept := list[:0]
		for _, vp := range list {
			if vp.Payout == nil {
				kept = append(kept, vp)
				continue
			}
			if !vp.UpdateLogDone {
				t.bufferPositionLogLocked(&PositionLog{
					ID:                      vp.PositionID,
					Positor:                 vp.Positor,
					Kind:                    vp.Kind,
					QuestAmount:             vp.QuestAmount,
					Rate:                    vp.Rate,
					CreateTs:                vp.CreateTs,
					Terminated:              true,
					VoidTs:                  vp.VoidTs,
					Cause:                   vp.Cause,
					FillQuantity:            vp.FillQuantity,
					FillVolume:              vp.FillVolume,
					FeesSum:                 vp.FeesSum,
					PayoutDustCollection:    !vp.Payout.DidTransfer,
					PayoutLedgerTransferFee: vp.Payout.LedgerTransferFee,
				})
				vp.UpdateLogDone = true
			}
		}
		return kept
	}
	t.voidCyclesPositions = complete(t.voidCyclesPositions)
	t.voidTokenPositions = complete(t.voidTokenPositions)
}

// completeTradeLogsLocked moves fully settled trade logs out of the pending
// queue into the trades storage buffer.
func (t *TC) completeTradeLogsLocked() {
	kept := t.tradeLogs[:0]
	for _, tl := range t.tradeLogs {
		if !tl.flushable() {
			kept = append(kept, tl)
			continue
		}
		t.bufferTradeLogLocked(tl)
	}
	t.tradeLogs = kept
}

// flushChain pushes a full storage buffer to the chain's current storage
// actor. The push is a suspension point; records that change while it is in
// flight stay buffered for the next pass.
func (t *TC) flushChain(chain *storageChain, buf *storageBuffer) {
	t.mtx.Lock()
	if !buf.needsFlush() {
		t.mtx.Unlock()
		return
	}
	store, err := t.currentStore(chain)
	if err != nil {
		t.mtx.Unlock()
		log.Errorf("no %s storage actor available: %v", chain.name, err)
		return
	}
	recs := buf.snapshot()
	t.mtx.Unlock()

	if err := store.PushLogs(t.id, recs); err != nil {
		log.Errorf("flush of %d %s records failed: %v", len(recs), chain.name, err)
		return
	}

	t.mtx.Lock()
	buf.confirm(recs)
	chain.syncInfo(store)
	t.mtx.Unlock()
	log.Debugf("flushed %d %s records to %s", len(recs), chain.name, chain.list[len(chain.list)-1].Canister)
}
