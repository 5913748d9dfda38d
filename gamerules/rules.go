package gamerules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotYourTurn is returned when a player acts out of turn.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrInvalidAction is returned when an action cannot be applied to the
	// current state.
	ErrInvalidAction = errors.New("invalid action")
	// ErrGameOver is returned when an action arrives for a finished game.
	ErrGameOver = errors.New("game is over")
)

// Terminal describes how a finished game ended. WinnerRole is 1 or 2 for a
// decisive result and 0 when Draw is set.
type Terminal struct {
	WinnerRole int32
	Draw       bool
}

// Rules is the capability implemented once per game type. The coordinator
// never interprets state or action contents; only the implementation that
// produced a state may read it back.
type Rules interface {
	// Name returns the game-type tag this implementation is registered under.
	Name() string

	// NewGame returns the initial opaque state. Role 1 moves first in games
	// that have alternating turns.
	NewGame() (json.RawMessage, error)

	// Apply validates and applies one action by the player with the given
	// role. It returns the new state and, when the game reached a terminal
	// position, a non-nil Terminal.
	Apply(state json.RawMessage, role int32, action json.RawMessage) (json.RawMessage, *Terminal, error)

	// RedactFor returns the view of a state safe for the given viewer role.
	// Role 0 is a spectator; roles 1 and 2 keep their own hidden
	// information but never the opponent's. Games without hidden
	// information may return the state unchanged for every role.
	RedactFor(state json.RawMessage, role int32) json.RawMessage
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Rules)
)

// Register makes a rules implementation available under its Name. It panics
// on duplicate registration, mirroring database/sql driver registration.
func Register(r Rules) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[r.Name()]; ok {
		panic(fmt.Sprintf("gamerules: duplicate registration for %q", r.Name()))
	}
	registry[r.Name()] = r
}

// Lookup returns the rules registered under the given game-type tag.
func Lookup(gameType string) (Rules, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	r, ok := registry[gameType]
	if !ok {
		return nil, fmt.Errorf("unknown game type: %s", gameType)
	}
	return r, nil
}

// GameTypes returns the registered game-type tags.
func GameTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
