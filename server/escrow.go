package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/marcus-the-worm/ClubPengu-sub013/paywatch"
	"github.com/marcus-the-worm/ClubPengu-sub013/server/serverdb"
)

type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldSettled  HoldStatus = "settled"
	HoldRefunded HoldStatus = "refunded"
)

// WagerHold ties a challenge/match to committed funds: the points already
// debited from the depositor's ledger and, optionally, a verified token
// deposit. Each hold is consumed exactly once at settlement.
type WagerHold struct {
	ID          string
	ChallengeID string
	MatchID     string
	Depositor   string
	Points      int64
	Token       *TokenWager
	ProofRef    string
	Status      HoldStatus
	CreatedAt   time.Time
}

// Escrow owns the WagerHold table. Deposits are verified before the
// challenge they fund is admitted; settlement is idempotent per match id via
// the serverdb settlement journal.
type Escrow struct {
	sync.RWMutex
	log            slog.Logger
	db             serverdb.ServerDB
	verifier       paywatch.Verifier
	watcher        *paywatch.Watcher
	depositTimeout time.Duration

	holds       map[string]*WagerHold
	byChallenge map[string][]string
	byMatch     map[string][]string
}

func NewEscrow(log slog.Logger, db serverdb.ServerDB, verifier paywatch.Verifier, watcher *paywatch.Watcher, depositTimeout time.Duration) *Escrow {
	if depositTimeout <= 0 {
		depositTimeout = 2 * time.Minute
	}
	return &Escrow{
		log:            log,
		db:             db,
		verifier:       verifier,
		watcher:        watcher,
		depositTimeout: depositTimeout,
		holds:          make(map[string]*WagerHold),
		byChallenge:    make(map[string][]string),
		byMatch:        make(map[string][]string),
	}
}

// HoldPoints debits the depositor's point balance into a new hold bound to
// the challenge. The debit and the hold are what make a wager real: the
// coordinator never promises a payout it has not already collected.
func (e *Escrow) HoldPoints(ctx context.Context, depositor, challengeID string, points int64) (*WagerHold, error) {
	if points < 0 {
		return nil, fmt.Errorf("negative wager: %d", points)
	}
	if points > 0 {
		if _, err := e.db.Debit(ctx, depositor, points, serverdb.ReasonWagerHold); err != nil {
			if errors.Is(err, serverdb.ErrInsufficientBalance) {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("debit wager: %w", err)
		}
	}
	h := &WagerHold{
		ID:          uuid.NewString(),
		ChallengeID: challengeID,
		Depositor:   depositor,
		Points:      points,
		Status:      HoldHeld,
		CreatedAt:   time.Now(),
	}
	e.Lock()
	e.holds[h.ID] = h
	e.byChallenge[challengeID] = append(e.byChallenge[challengeID], h.ID)
	e.Unlock()
	return h, nil
}

// VerifyTokenDeposit blocks until the payment collaborator confirms or
// rejects the proof, then records a token hold. Callers run it on its own
// goroutine so one slow verification never stalls unrelated players.
func (e *Escrow) VerifyTokenDeposit(ctx context.Context, depositor, challengeID string, tw *TokenWager, proofRef string) (*WagerHold, error) {
	if tw == nil {
		return nil, fmt.Errorf("nil token wager")
	}
	if proofRef == "" {
		return nil, fmt.Errorf("%w: missing deposit proof", ErrDepositRejected)
	}
	if e.watcher == nil {
		return nil, fmt.Errorf("%w: token wagers are not enabled on this server", ErrDepositRejected)
	}

	proof := paywatch.DepositProof{
		ProofRef:  proofRef,
		Token:     tw.Token,
		Decimals:  tw.Decimals,
		RawAmount: tw.RawAmount,
		Depositor: depositor,
	}
	updates, unsub := e.watcher.Subscribe(proof)
	defer unsub()

	deadline := time.NewTimer(e.depositTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: verification timed out", ErrDepositRejected)
		case u := <-updates:
			if u.Rejected {
				return nil, fmt.Errorf("%w: %s", ErrDepositRejected, u.Detail)
			}
			if !u.Confirmed {
				continue
			}
			h := &WagerHold{
				ID:          uuid.NewString(),
				ChallengeID: challengeID,
				Depositor:   depositor,
				Token:       tw,
				ProofRef:    proofRef,
				Status:      HoldHeld,
				CreatedAt:   time.Now(),
			}
			e.Lock()
			e.holds[h.ID] = h
			e.byChallenge[challengeID] = append(e.byChallenge[challengeID], h.ID)
			e.Unlock()
			e.log.Infof("escrow: deposit confirmed proof=%s depositor=%s challenge=%s", proofRef, depositor, challengeID)
			return h, nil
		}
	}
}

// BindMatch transfers ownership of a challenge's holds to the match created
// from it; the wager snapshot now belongs to the match.
func (e *Escrow) BindMatch(challengeID, matchID string) {
	e.Lock()
	defer e.Unlock()
	ids := e.byChallenge[challengeID]
	delete(e.byChallenge, challengeID)
	for _, id := range ids {
		if h := e.holds[id]; h != nil {
			h.MatchID = matchID
		}
	}
	e.byMatch[matchID] = append(e.byMatch[matchID], ids...)
}

// ReleaseChallenge refunds every hold still bound to the challenge. Used on
// decline, cancel, expiry, and challenger disconnect.
func (e *Escrow) ReleaseChallenge(ctx context.Context, challengeID string) error {
	e.Lock()
	ids := e.byChallenge[challengeID]
	delete(e.byChallenge, challengeID)
	holds := make([]*WagerHold, 0, len(ids))
	for _, id := range ids {
		if h := e.holds[id]; h != nil && h.Status == HoldHeld {
			h.Status = HoldRefunded
			holds = append(holds, h)
		}
	}
	e.Unlock()

	var firstErr error
	for _, h := range holds {
		if h.Points > 0 {
			if _, err := e.db.Credit(ctx, h.Depositor, h.Points, serverdb.ReasonWagerRefund); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("refund points for %s: %w", h.Depositor, err)
			}
		}
		e.refundTokenHold(ctx, h)
	}
	return firstErr
}

// RefundDepositor refunds only the given depositor's holds on a challenge,
// leaving the other side's funding in place. Used when an accepting target's
// own funding fell through after a partial hold.
func (e *Escrow) RefundDepositor(ctx context.Context, challengeID, depositor string) error {
	e.Lock()
	ids := e.byChallenge[challengeID]
	kept := ids[:0]
	var holds []*WagerHold
	for _, id := range ids {
		h := e.holds[id]
		if h != nil && h.Depositor == depositor && h.Status == HoldHeld {
			h.Status = HoldRefunded
			holds = append(holds, h)
			continue
		}
		kept = append(kept, id)
	}
	e.byChallenge[challengeID] = kept
	e.Unlock()

	var firstErr error
	for _, h := range holds {
		if h.Points > 0 {
			if _, err := e.db.Credit(ctx, h.Depositor, h.Points, serverdb.ReasonWagerRefund); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("refund points for %s: %w", h.Depositor, err)
			}
		}
		e.refundTokenHold(ctx, h)
	}
	return firstErr
}

// SettlementOutcome is the input to Settle, derived from the match's
// termination reason.
type SettlementOutcome struct {
	MatchID  string
	WinnerID string // empty for draw/disconnect
	Reason   string // win | draw | forfeit | disconnect
}

// Settle disburses or refunds every hold bound to the match. It is
// idempotent per match id: a replayed settle for an already-journaled match
// applies no ledger effect and reports applied=false.
func (e *Escrow) Settle(ctx context.Context, out SettlementOutcome) (applied bool, err error) {
	e.Lock()
	ids := e.byMatch[out.MatchID]
	holds := make([]*WagerHold, 0, len(ids))
	var total int64
	for _, id := range ids {
		if h := e.holds[id]; h != nil && h.Status == HoldHeld {
			holds = append(holds, h)
			total += h.Points
		}
	}
	e.Unlock()

	decisive := out.WinnerID != "" && (out.Reason == ReasonWin || out.Reason == ReasonForfeit)
	var ops []serverdb.LedgerOp
	for _, h := range holds {
		if h.Points == 0 {
			continue
		}
		if decisive {
			ops = append(ops, serverdb.LedgerOp{PlayerID: out.WinnerID, Amount: h.Points, Reason: serverdb.ReasonWagerPayout})
		} else {
			ops = append(ops, serverdb.LedgerOp{PlayerID: h.Depositor, Amount: h.Points, Reason: serverdb.ReasonWagerRefund})
		}
	}

	rec := &serverdb.SettlementRecord{
		MatchID:  out.MatchID,
		Outcome:  out.Reason,
		WinnerID: out.WinnerID,
		Total:    total,
	}
	applied, err = e.db.ApplySettlement(ctx, rec, ops)
	if err != nil {
		return false, fmt.Errorf("apply settlement for match %s: %w", out.MatchID, err)
	}
	if !applied {
		e.log.Debugf("escrow: settle replay for match %s ignored", out.MatchID)
		return false, nil
	}

	e.Lock()
	for _, h := range holds {
		if decisive {
			h.Status = HoldSettled
		} else {
			h.Status = HoldRefunded
		}
	}
	delete(e.byMatch, out.MatchID)
	e.Unlock()

	for _, h := range holds {
		if h.Token == nil {
			continue
		}
		if decisive {
			e.payoutTokenHold(ctx, h, out.WinnerID, out.MatchID, "wager-payout")
		} else {
			e.refundTokenHold(ctx, h)
		}
	}
	e.log.Infof("escrow: settled match %s outcome=%s winner=%s total=%d holds=%d",
		out.MatchID, out.Reason, out.WinnerID, total, len(holds))
	return true, nil
}

// HeldForChallenge reports the total points currently held for a challenge.
func (e *Escrow) HeldForChallenge(challengeID string) int64 {
	e.RLock()
	defer e.RUnlock()
	var total int64
	for _, id := range e.byChallenge[challengeID] {
		if h := e.holds[id]; h != nil && h.Status == HoldHeld {
			total += h.Points
		}
	}
	return total
}

// HeldForMatch reports the total points currently held for a match.
func (e *Escrow) HeldForMatch(matchID string) int64 {
	e.RLock()
	defer e.RUnlock()
	var total int64
	for _, id := range e.byMatch[matchID] {
		if h := e.holds[id]; h != nil && h.Status == HoldHeld {
			total += h.Points
		}
	}
	return total
}

func (e *Escrow) refundTokenHold(ctx context.Context, h *WagerHold) {
	if h.Token == nil || e.verifier == nil {
		return
	}
	err := e.verifier.InitiatePayout(ctx, paywatch.Payout{
		Recipient: h.Depositor,
		Token:     h.Token.Token,
		Decimals:  h.Token.Decimals,
		RawAmount: h.Token.RawAmount,
		MatchID:   h.MatchID,
		Reason:    "wager-refund",
	})
	if err != nil {
		e.log.Errorf("escrow: token refund to %s failed: %v", h.Depositor, err)
	}
}

func (e *Escrow) payoutTokenHold(ctx context.Context, h *WagerHold, winnerID, matchID, reason string) {
	if h.Token == nil || e.verifier == nil {
		return
	}
	err := e.verifier.InitiatePayout(ctx, paywatch.Payout{
		Recipient: winnerID,
		Token:     h.Token.Token,
		Decimals:  h.Token.Decimals,
		RawAmount: h.Token.RawAmount,
		MatchID:   matchID,
		Reason:    reason,
	})
	if err != nil {
		e.log.Errorf("escrow: token payout to %s failed: %v", winnerID, err)
	}
}
