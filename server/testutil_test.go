package server

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"

	"github.com/marcus-the-worm/ClubPengu-sub013/paywatch"
	"github.com/marcus-the-worm/ClubPengu-sub013/server/serverdb"
)

func testLogger() slog.Logger {
	backend := slog.NewBackend(io.Discard)
	log := backend.Logger("TEST")
	log.SetLevel(slog.LevelOff)
	return log
}

// stubVerifier scripts deposit verdicts by proof ref and records payouts.
type stubVerifier struct {
	mu      sync.Mutex
	confirm map[string]bool
	reject  map[string]bool
	payouts []paywatch.Payout
}

func newStubVerifier() *stubVerifier {
	return &stubVerifier{
		confirm: make(map[string]bool),
		reject:  make(map[string]bool),
	}
}

func (v *stubVerifier) VerifyDeposit(ctx context.Context, proof paywatch.DepositProof) (paywatch.VerifyResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reject[proof.ProofRef] {
		return paywatch.VerifyResult{}, paywatch.ErrRejected
	}
	if v.confirm[proof.ProofRef] {
		return paywatch.VerifyResult{Confirmed: true, Confs: 1}, nil
	}
	return paywatch.VerifyResult{}, nil
}

func (v *stubVerifier) InitiatePayout(ctx context.Context, payout paywatch.Payout) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payouts = append(v.payouts, payout)
	return nil
}

func (v *stubVerifier) setConfirm(ref string) {
	v.mu.Lock()
	v.confirm[ref] = true
	v.mu.Unlock()
}

func (v *stubVerifier) setReject(ref string) {
	v.mu.Lock()
	v.reject[ref] = true
	v.mu.Unlock()
}

func (v *stubVerifier) payoutCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.payouts)
}

// fixture wires the coordinators against a real bolt db and a scripted
// payment verifier, with sessions that have no websocket behind them.
type fixture struct {
	t   *testing.T
	ctx context.Context

	db         serverdb.ServerDB
	verifier   *stubVerifier
	watcher    *paywatch.Watcher
	rooms      *RoomRegistry
	escrow     *Escrow
	spectators *SpectatorHub
	matches    *MatchCoordinator
	challenges *ChallengeCoordinator

	mu       sync.Mutex
	sessions map[string]*Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger()

	db, err := serverdb.NewBoltDB(filepath.Join(t.TempDir(), "srv.db"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	verifier := newStubVerifier()
	watcher := paywatch.NewWatcher(log, verifier, 10*time.Millisecond)
	go watcher.Run(ctx)

	f := &fixture{
		t:        t,
		ctx:      ctx,
		db:       db,
		verifier: verifier,
		watcher:  watcher,
		sessions: make(map[string]*Session),
	}
	f.rooms = NewRoomRegistry(log)
	f.escrow = NewEscrow(log, db, verifier, watcher, time.Second)
	f.spectators = NewSpectatorHub(log, f.rooms, 50*time.Millisecond)
	f.matches = NewMatchCoordinator(log, db, f.escrow, f.spectators, f.session)
	f.spectators.BindRemover(f.matches.Remove)
	f.challenges = NewChallengeCoordinator(log, db, f.escrow, f.matches,
		f.rooms, f.session, time.Minute, 15)

	t.Cleanup(func() {
		cancel()
		watcher.Stop()
		db.Close()
	})
	return f
}

func (f *fixture) session(id string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

// addPlayer registers a connected player in town with the standard grant.
func (f *fixture) addPlayer(id string, pos Vec3) *Session {
	f.t.Helper()
	sess := newSession(id, id, nil, testLogger())
	f.mu.Lock()
	f.sessions[id] = sess
	f.mu.Unlock()
	f.rooms.Join(sess, "town")
	sess.Lock()
	sess.Position = pos
	sess.Unlock()
	_, err := f.db.EnsureBalance(f.ctx, id, 500)
	require.NoError(f.t, err)
	return sess
}

// disconnect mimics the server's disconnect unwinding for a fixture player.
func (f *fixture) disconnect(sess *Session) {
	f.mu.Lock()
	delete(f.sessions, sess.ID)
	f.mu.Unlock()
	sess.Close()
	f.challenges.HandleDisconnect(f.ctx, sess.ID)
	f.matches.HandleDisconnect(f.ctx, sess.ID)
	f.rooms.Leave(sess)
}

func (f *fixture) balance(id string) int64 {
	f.t.Helper()
	bal, err := f.db.GetBalance(f.ctx, id)
	require.NoError(f.t, err)
	return bal
}

// proposePoints runs a plain point-wager proposal end to end.
func (f *fixture) proposePoints(challenger *Session, targetID string, wager int64) (*Challenge, error) {
	return f.challenges.Propose(f.ctx, challenger, &challengeSendRequest{
		Type:        MsgChallengeSend,
		TargetID:    targetID,
		GameType:    "tictactoe",
		WagerAmount: wager,
	})
}

func (f *fixture) acceptChallenge(target *Session, challengeID string) error {
	return f.challenges.Respond(f.ctx, target, &challengeRespondRequest{
		Type:        MsgChallengeRespond,
		ChallengeID: challengeID,
		Response:    "accept",
	})
}

// drain empties a session's outbound queue and returns the decoded frames.
func drain(t *testing.T, sess *Session) []map[string]json.RawMessage {
	t.Helper()
	var out []map[string]json.RawMessage
	for {
		select {
		case data := <-sess.out:
			var m map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

// msgTypes lists the message type tags currently queued for the session.
func msgTypes(t *testing.T, sess *Session) []string {
	t.Helper()
	var types []string
	for _, m := range drain(t, sess) {
		var typ string
		require.NoError(t, json.Unmarshal(m["type"], &typ))
		types = append(types, typ)
	}
	return types
}

// lastOfType returns the last queued frame with the given type tag, decoded
// into dst, or false when none is queued.
func lastOfType(t *testing.T, sess *Session, typ string, dst any) bool {
	t.Helper()
	var found []byte
	for {
		var data []byte
		select {
		case data = <-sess.out:
		default:
			if found == nil {
				return false
			}
			require.NoError(t, json.Unmarshal(found, dst))
			return true
		}
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == typ {
			found = data
		}
	}
}
