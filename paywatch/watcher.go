package paywatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"
)

// DepositUpdate is pushed to subscribers every poll tick while a proof is
// being watched.
type DepositUpdate struct {
	ProofRef  string
	Confirmed bool
	Rejected  bool
	Confs     uint32
	Detail    string
	At        time.Time
}

// Watcher is a minimal pusher: each tick it asks the verifier about every
// proof that currently has at least one subscriber and broadcasts the verdict.
// Collaborator errors are retried on the next tick, never treated as success.
type Watcher struct {
	log      slog.Logger
	verifier Verifier
	interval time.Duration

	mu     sync.RWMutex
	proofs map[string]DepositProof
	subs   map[string]map[chan DepositUpdate]struct{} // proofRef -> set(chan)

	quit chan struct{}
	once sync.Once
}

func NewWatcher(log slog.Logger, v Verifier, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		log:      log,
		verifier: v,
		interval: interval,
		proofs:   make(map[string]DepositProof),
		subs:     make(map[string]map[chan DepositUpdate]struct{}),
		quit:     make(chan struct{}),
	}
}

func (w *Watcher) Stop() { w.once.Do(func() { close(w.quit) }) }

func (w *Watcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.RLock()
	pending := make([]DepositProof, 0, len(w.proofs))
	for ref, p := range w.proofs {
		if len(w.subs[ref]) > 0 {
			pending = append(pending, p)
		}
	}
	w.mu.RUnlock()
	if len(pending) == 0 {
		return
	}

	for _, proof := range pending {
		res, err := w.verifier.VerifyDeposit(ctx, proof)
		u := DepositUpdate{ProofRef: proof.ProofRef, At: time.Now()}
		switch {
		case errors.Is(err, ErrRejected):
			u.Rejected = true
			u.Detail = err.Error()
		case err != nil:
			// Collaborator unreachable: neither confirm nor reject, retry
			// next tick. Subscribers see no update for this proof.
			w.log.Debugf("watcher: verify %s failed: %v", proof.ProofRef, err)
			continue
		default:
			u.Confirmed = res.Confirmed
			u.Rejected = res.Rejected
			u.Confs = res.Confs
			u.Detail = res.Detail
		}
		w.broadcastUpdate(proof.ProofRef, u)
	}
}

// Subscribe registers interest in a proof and returns the update channel plus
// an unsubscribe func. No initial snapshot is sent; first data arrives on the
// next tick.
func (w *Watcher) Subscribe(proof DepositProof) (<-chan DepositUpdate, func()) {
	ref := proof.ProofRef
	ch := make(chan DepositUpdate, 8)

	w.mu.Lock()
	w.proofs[ref] = proof
	if _, ok := w.subs[ref]; !ok {
		w.subs[ref] = make(map[chan DepositUpdate]struct{})
	}
	w.subs[ref][ch] = struct{}{}
	n := len(w.subs[ref])
	w.mu.Unlock()
	w.log.Infof("watcher: subscribed proof=%s (subs=%d)", ref, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[ref]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, ref)
				delete(w.proofs, ref)
			}
		}
		w.mu.Unlock()
		// Do not close(ch): the producer may still try to send; the receiver
		// stops by context instead.
	}
	return ch, unsub
}

// broadcastUpdate snapshots subscribers for a proof, then best-effort sends.
func (w *Watcher) broadcastUpdate(ref string, u DepositUpdate) {
	w.mu.RLock()
	set := w.subs[ref]
	chs := make([]chan DepositUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if receiver is slow.
		}
	}
}
