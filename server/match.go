package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/marcus-the-worm/ClubPengu-sub013/gamerules"
	"github.com/marcus-the-worm/ClubPengu-sub013/server/serverdb"
)

type MatchStatus string

const (
	MatchActive   MatchStatus = "active"
	MatchComplete MatchStatus = "complete"
)

// Termination reasons.
const (
	ReasonWin        = "win"
	ReasonDraw       = "draw"
	ReasonForfeit    = "forfeit"
	ReasonDisconnect = "disconnect"
)

// Match is the authoritative record of one running (or just-ended) minigame.
// The wager is snapshotted from the originating challenge at creation so no
// later edit can touch a running match. State is opaque: only the rules
// capability reads or writes it.
type Match struct {
	sync.RWMutex
	ID       string
	GameType string
	Room     string
	P1, P2   PlayerRef

	WagerPoints int64 // per side
	WagerToken  *TokenWager

	rules    gamerules.Rules
	State    json.RawMessage
	Status   MatchStatus
	Reason   string
	WinnerID string
	EndedAt  time.Time
}

func (m *Match) Info() MatchInfo {
	m.RLock()
	defer m.RUnlock()
	return MatchInfo{
		ID:          m.ID,
		GameType:    m.GameType,
		Room:        m.Room,
		Player1:     m.P1,
		Player2:     m.P2,
		WagerPoints: m.WagerPoints,
		WagerToken:  m.WagerToken,
		Status:      string(m.Status),
	}
}

func (m *Match) roleOf(playerID string) int32 {
	switch playerID {
	case m.P1.ID:
		return m.P1.Role
	case m.P2.ID:
		return m.P2.Role
	}
	return 0
}

func (m *Match) playerByRole(role int32) PlayerRef {
	if m.P1.Role == role {
		return m.P1
	}
	return m.P2
}

func (m *Match) opponentOf(playerID string) PlayerRef {
	if m.P1.ID == playerID {
		return m.P2
	}
	return m.P1
}

// sessionLookup resolves a connected session by player id, nil when offline.
type sessionLookup func(playerID string) *Session

// MatchCoordinator owns the active-match table, the single source of truth
// for in-match status. Nothing else writes it; Presence Sync only reads.
type MatchCoordinator struct {
	sync.RWMutex
	log        slog.Logger
	db         serverdb.ServerDB
	escrow     *Escrow
	spectators *SpectatorHub
	lookup     sessionLookup

	matches  map[string]*Match
	byPlayer map[string]string // player id -> active match id
}

func NewMatchCoordinator(log slog.Logger, db serverdb.ServerDB, escrow *Escrow, spectators *SpectatorHub, lookup sessionLookup) *MatchCoordinator {
	return &MatchCoordinator{
		log:        log,
		db:         db,
		escrow:     escrow,
		spectators: spectators,
		lookup:     lookup,
		matches:    make(map[string]*Match),
		byPlayer:   make(map[string]string),
	}
}

// InMatch reports whether the player has an entry in the active-match table.
func (mc *MatchCoordinator) InMatch(playerID string) bool {
	mc.RLock()
	defer mc.RUnlock()
	_, ok := mc.byPlayer[playerID]
	return ok
}

func (mc *MatchCoordinator) Get(matchID string) *Match {
	mc.RLock()
	defer mc.RUnlock()
	return mc.matches[matchID]
}

// MatchOf returns the player's active match, nil when not in one.
func (mc *MatchCoordinator) MatchOf(playerID string) *Match {
	mc.RLock()
	defer mc.RUnlock()
	if id, ok := mc.byPlayer[playerID]; ok {
		return mc.matches[id]
	}
	return nil
}

// ActiveInRoom lists active matches scoped to a room.
func (mc *MatchCoordinator) ActiveInRoom(roomID string) []*Match {
	mc.RLock()
	defer mc.RUnlock()
	var out []*Match
	for _, m := range mc.matches {
		if m.Room == roomID && m.Status == MatchActive {
			out = append(out, m)
		}
	}
	return out
}

// Create builds a Match from an accepted challenge. The at-most-one-active-
// match invariant is enforced here, atomically with table insertion: the
// losing side of a create race is told the opportunity is gone.
func (mc *MatchCoordinator) Create(ctx context.Context, ch *Challenge, challenger, target *Session) (*Match, error) {
	rules, err := gamerules.Lookup(ch.GameType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	state, err := rules.NewGame()
	if err != nil {
		return nil, fmt.Errorf("init %s state: %w", ch.GameType, err)
	}

	challenger.RLock()
	room := challenger.Room
	chName := challenger.Name
	challenger.RUnlock()
	target.RLock()
	tgName := target.Name
	target.RUnlock()

	m := &Match{
		ID:          uuid.NewString(),
		GameType:    ch.GameType,
		Room:        room,
		P1:          PlayerRef{ID: ch.ChallengerID, Name: chName, Role: 1},
		P2:          PlayerRef{ID: ch.TargetID, Name: tgName, Role: 2},
		WagerPoints: ch.WagerPoints,
		WagerToken:  ch.WagerToken,
		rules:       rules,
		State:       state,
		Status:      MatchActive,
	}

	mc.Lock()
	if _, busy := mc.byPlayer[ch.ChallengerID]; busy {
		mc.Unlock()
		return nil, fmt.Errorf("%w: challenger already in a match", ErrTargetUnavailable)
	}
	if _, busy := mc.byPlayer[ch.TargetID]; busy {
		mc.Unlock()
		return nil, fmt.Errorf("%w: target already in a match", ErrTargetUnavailable)
	}
	mc.matches[m.ID] = m
	mc.byPlayer[ch.ChallengerID] = m.ID
	mc.byPlayer[ch.TargetID] = m.ID
	mc.Unlock()

	mc.escrow.BindMatch(ch.ID, m.ID)
	mc.log.Infof("match %s started: %s vs %s game=%s wager=%d room=%s",
		m.ID, ch.ChallengerID, ch.TargetID, ch.GameType, ch.WagerPoints, room)

	info := m.Info()
	for _, p := range []PlayerRef{m.P1, m.P2} {
		sess := mc.lookup(p.ID)
		if sess == nil {
			continue
		}
		start := matchStartMsg{
			Type:         MsgMatchStart,
			Match:        info,
			YourRole:     p.Role,
			InitialState: m.State,
		}
		if bal, err := mc.db.GetBalance(ctx, p.ID); err == nil {
			start.Coins = bal
		} else {
			mc.log.Debugf("match %s: balance for %s: %v", m.ID, p.ID, err)
		}
		_ = sess.EnqueueReliable(start)
	}
	mc.spectators.Start(m)
	return m, nil
}

// ApplyAction routes one turn-action through the rules capability. The
// coordinator never interprets game semantics; a rules rejection surfaces as
// a typed match_error with no state mutation.
func (mc *MatchCoordinator) ApplyAction(ctx context.Context, sess *Session, matchID string, action json.RawMessage) error {
	m := mc.Get(matchID)
	if m == nil {
		return ErrMatchNotFound
	}
	role := m.roleOf(sess.ID)
	if role == 0 {
		return ErrNotParticipant
	}

	m.Lock()
	if m.Status != MatchActive {
		m.Unlock()
		return ErrMatchNotFound
	}
	newState, term, err := m.rules.Apply(m.State, role, action)
	if err != nil {
		m.Unlock()
		return err
	}
	m.State = newState
	m.Unlock()

	// Each participant gets their own view; in games with hidden
	// information the opponent must not see a pending move.
	for _, p := range []PlayerRef{m.P1, m.P2} {
		if s := mc.lookup(p.ID); s != nil {
			view := m.rules.RedactFor(newState, p.Role)
			_ = s.EnqueueReliable(matchStateMsg{Type: MsgMatchState, MatchID: m.ID, State: view})
		}
	}
	mc.spectators.Update(m)

	if term != nil {
		winnerID := ""
		reason := ReasonDraw
		if !term.Draw {
			winnerID = m.playerByRole(term.WinnerRole).ID
			reason = ReasonWin
		}
		mc.finish(ctx, m, winnerID, reason)
	}
	return nil
}

// Forfeit ends the match in favor of the forfeiting player's opponent.
func (mc *MatchCoordinator) Forfeit(ctx context.Context, sess *Session, matchID string) error {
	m := mc.Get(matchID)
	if m == nil {
		return ErrMatchNotFound
	}
	if m.roleOf(sess.ID) == 0 {
		return ErrNotParticipant
	}
	winner := m.opponentOf(sess.ID)
	mc.finish(ctx, m, winner.ID, ReasonForfeit)
	return nil
}

// HandleDisconnect voids the player's active match, if any. Always a refund,
// never a win by disconnect: a network blip must not cost a wager, and a
// deliberate pull-the-plug must not dodge a loss into the opponent's pocket
// either.
func (mc *MatchCoordinator) HandleDisconnect(ctx context.Context, playerID string) {
	m := mc.MatchOf(playerID)
	if m == nil {
		return
	}
	mc.log.Infof("match %s: participant %s disconnected, voiding", m.ID, playerID)
	mc.finish(ctx, m, "", ReasonDisconnect)
}

func (mc *MatchCoordinator) finish(ctx context.Context, m *Match, winnerID, reason string) {
	m.Lock()
	if m.Status == MatchComplete {
		m.Unlock()
		return
	}
	m.Status = MatchComplete
	m.Reason = reason
	m.WinnerID = winnerID
	m.EndedAt = time.Now()
	finalState := m.State
	m.Unlock()

	// Clear the in-match markers first so both players can be challenged
	// again even if settlement notification lags.
	mc.Lock()
	delete(mc.byPlayer, m.P1.ID)
	delete(mc.byPlayer, m.P2.ID)
	mc.Unlock()

	if _, err := mc.escrow.Settle(ctx, SettlementOutcome{MatchID: m.ID, WinnerID: winnerID, Reason: reason}); err != nil {
		mc.log.Errorf("match %s: settlement failed: %v", m.ID, err)
	}

	result := MatchResult{
		MatchID:        m.ID,
		WinnerPlayerID: winnerID,
		Reason:         reason,
	}
	if winnerID != "" {
		result.CoinsWon = m.WagerPoints
		result.TokenPayout = m.WagerToken
	}

	for _, p := range []PlayerRef{m.P1, m.P2} {
		sess := mc.lookup(p.ID)
		if sess == nil {
			continue
		}
		_ = sess.EnqueueReliable(matchEndMsg{Type: MsgMatchEnd, Result: result})
		if bal, err := mc.db.GetBalance(ctx, p.ID); err == nil {
			_ = sess.Enqueue(coinsUpdateMsg{Type: MsgCoinsUpdate, Balance: bal, Reason: reason})
		}
	}
	mc.spectators.End(m, result, finalState)
	mc.log.Infof("match %s complete: reason=%s winner=%s", m.ID, reason, winnerID)
}

// Remove drops a completed match from the table. Called by the spectator hub
// once the end-state grace period has passed.
func (mc *MatchCoordinator) Remove(matchID string) {
	mc.Lock()
	defer mc.Unlock()
	m := mc.matches[matchID]
	if m == nil {
		return
	}
	if m.Status != MatchComplete {
		mc.log.Warnf("refusing to remove still-active match %s", matchID)
		return
	}
	delete(mc.matches, matchID)
}

// VoidAll force-completes every active match, refunding both sides. Used
// during shutdown.
func (mc *MatchCoordinator) VoidAll(ctx context.Context) {
	mc.RLock()
	active := make([]*Match, 0, len(mc.matches))
	for _, m := range mc.matches {
		if m.Status == MatchActive {
			active = append(active, m)
		}
	}
	mc.RUnlock()
	for _, m := range active {
		mc.finish(ctx, m, "", ReasonDisconnect)
	}
}

// errCode maps coordinator/rules errors to wire error codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, gamerules.ErrNotYourTurn):
		return CodeNotYourTurn
	case errors.Is(err, gamerules.ErrInvalidAction), errors.Is(err, gamerules.ErrGameOver):
		return CodeInvalidAction
	case errors.Is(err, ErrTargetUnavailable):
		return CodeTargetUnavailable
	case errors.Is(err, ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrDepositRejected):
		return CodeDepositRejected
	case errors.Is(err, ErrMatchNotFound), errors.Is(err, ErrChallengeNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotChallenger), errors.Is(err, ErrAlreadyResolved):
		return CodeConflict
	default:
		return CodeBadRequest
	}
}
