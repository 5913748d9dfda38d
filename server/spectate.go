package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/decred/slog"
)

// spectacle is the hub's view of one displayed match. After the match ends
// it lingers for the grace period so room members see the final state before
// the board disappears.
type spectacle struct {
	match      *Match
	ended      bool
	endedAt    time.Time
	result     MatchResult
	finalState json.RawMessage
}

// SpectatorHub fans redacted match state out to everyone in the match's room
// except the two participants. Spectators always see the redacted view; a
// player who walks past an rps table must not read pending throws.
type SpectatorHub struct {
	sync.RWMutex
	log   slog.Logger
	rooms *RoomRegistry
	grace time.Duration

	displayed   map[string]*spectacle
	removeMatch func(matchID string)
}

func NewSpectatorHub(log slog.Logger, rooms *RoomRegistry, grace time.Duration) *SpectatorHub {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &SpectatorHub{
		log:       log,
		rooms:     rooms,
		grace:     grace,
		displayed: make(map[string]*spectacle),
	}
}

// BindRemover wires the post-grace cleanup target. Set once at server wiring.
func (sh *SpectatorHub) BindRemover(fn func(matchID string)) {
	sh.removeMatch = fn
}

func (sh *SpectatorHub) redact(m *Match, state json.RawMessage) json.RawMessage {
	return m.rules.RedactFor(state, 0)
}

func (sh *SpectatorHub) Start(m *Match) {
	sh.Lock()
	sh.displayed[m.ID] = &spectacle{match: m}
	sh.Unlock()
	if room := sh.rooms.Get(m.Room); room != nil {
		room.addMatch(m.ID)
	}

	m.RLock()
	state := m.State
	m.RUnlock()
	sh.rooms.Broadcast(m.Room, spectateStartMsg{
		Type:  MsgSpectateStart,
		Match: m.Info(),
		State: sh.redact(m, state),
	}, m.P1.ID, m.P2.ID)
}

func (sh *SpectatorHub) Update(m *Match) {
	sh.RLock()
	_, shown := sh.displayed[m.ID]
	sh.RUnlock()
	if !shown {
		return
	}
	m.RLock()
	state := m.State
	m.RUnlock()
	sh.rooms.Broadcast(m.Room, spectateStateMsg{
		Type:    MsgSpectateState,
		MatchID: m.ID,
		State:   sh.redact(m, state),
	}, m.P1.ID, m.P2.ID)
}

// End marks the spectacle finished and pushes the terminal frame. The entry
// stays displayed until the grace sweep collects it.
func (sh *SpectatorHub) End(m *Match, result MatchResult, finalState json.RawMessage) {
	sh.Lock()
	sp, shown := sh.displayed[m.ID]
	if !shown {
		sh.Unlock()
		return
	}
	sp.ended = true
	sp.endedAt = time.Now()
	sp.result = result
	sp.finalState = finalState
	sh.Unlock()

	sh.rooms.Broadcast(m.Room, spectateEndMsg{
		Type:   MsgSpectateEnd,
		Result: result,
		State:  sh.redact(m, finalState),
	}, m.P1.ID, m.P2.ID)
}

// CatchUp replays the displayed matches of the session's room to a freshly
// joined player, so a late arrival sees boards already in progress.
func (sh *SpectatorHub) CatchUp(sess *Session) {
	sess.RLock()
	roomID := sess.Room
	sess.RUnlock()
	room := sh.rooms.Get(roomID)
	if room == nil {
		return
	}

	sh.RLock()
	var frames []any
	for id := range room.matchSet() {
		sp := sh.displayed[id]
		if sp == nil {
			continue
		}
		m := sp.match
		if m.P1.ID == sess.ID || m.P2.ID == sess.ID {
			continue
		}
		if sp.ended {
			frames = append(frames, spectateEndMsg{
				Type:   MsgSpectateEnd,
				Result: sp.result,
				State:  sh.redact(m, sp.finalState),
			})
			continue
		}
		m.RLock()
		state := m.State
		m.RUnlock()
		frames = append(frames, spectateStartMsg{
			Type:  MsgSpectateStart,
			Match: m.Info(),
			State: sh.redact(m, state),
		})
	}
	sh.RUnlock()

	for _, f := range frames {
		_ = sess.Enqueue(f)
	}
}

// Sweep drops ended spectacles past the grace period and releases their
// matches. Runs on the scheduler.
func (sh *SpectatorHub) Sweep() {
	now := time.Now()
	sh.Lock()
	var done []*spectacle
	for id, sp := range sh.displayed {
		if sp.ended && now.Sub(sp.endedAt) >= sh.grace {
			done = append(done, sp)
			delete(sh.displayed, id)
		}
	}
	sh.Unlock()

	for _, sp := range done {
		if room := sh.rooms.Get(sp.match.Room); room != nil {
			room.removeMatch(sp.match.ID)
		}
		if sh.removeMatch != nil {
			sh.removeMatch(sp.match.ID)
		}
	}
}
