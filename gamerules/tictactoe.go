package gamerules

import (
	"encoding/json"
	"fmt"
)

func init() {
	Register(&ticTacToe{})
}

// ticTacToeState is the full game state. Board cells hold 0 (empty) or the
// role number that claimed them, row-major from the top-left.
type ticTacToeState struct {
	Board [9]int32 `json:"board"`
	Turn  int32    `json:"turn"`
}

type ticTacToeAction struct {
	Cell int `json:"cell"`
}

type ticTacToe struct{}

func (t *ticTacToe) Name() string { return "tictactoe" }

func (t *ticTacToe) NewGame() (json.RawMessage, error) {
	return json.Marshal(ticTacToeState{Turn: 1})
}

func (t *ticTacToe) Apply(state json.RawMessage, role int32, action json.RawMessage) (json.RawMessage, *Terminal, error) {
	var st ticTacToeState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Turn == 0 {
		return nil, nil, ErrGameOver
	}
	if st.Turn != role {
		return nil, nil, ErrNotYourTurn
	}
	var act ticTacToeAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if act.Cell < 0 || act.Cell > 8 {
		return nil, nil, fmt.Errorf("%w: cell %d out of range", ErrInvalidAction, act.Cell)
	}
	if st.Board[act.Cell] != 0 {
		return nil, nil, fmt.Errorf("%w: cell %d already taken", ErrInvalidAction, act.Cell)
	}

	st.Board[act.Cell] = role
	var term *Terminal
	switch {
	case winsTicTacToe(st.Board, role):
		st.Turn = 0
		term = &Terminal{WinnerRole: role}
	case boardFull(st.Board):
		st.Turn = 0
		term = &Terminal{Draw: true}
	default:
		st.Turn = 3 - role
	}

	out, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return out, term, nil
}

// RedactFor is the identity for tic-tac-toe; the board is public.
func (t *ticTacToe) RedactFor(state json.RawMessage, role int32) json.RawMessage { return state }

var ticTacToeLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func winsTicTacToe(b [9]int32, role int32) bool {
	for _, l := range ticTacToeLines {
		if b[l[0]] == role && b[l[1]] == role && b[l[2]] == role {
			return true
		}
	}
	return false
}

func boardFull(b [9]int32) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
