package gamerules

import (
	"encoding/json"
	"fmt"
)

func init() {
	Register(&rockPaperScissors{})
}

const rpsTargetWins = 2

// rpsState holds a best-of-three of simultaneous throws. Pending throws must
// never reach the opponent or spectators; RedactFor strips them.
type rpsState struct {
	Round    int32  `json:"round"`
	P1Throw  string `json:"p1Throw,omitempty"`
	P2Throw  string `json:"p2Throw,omitempty"`
	P1Wins   int32  `json:"p1Wins"`
	P2Wins   int32  `json:"p2Wins"`
	Finished bool   `json:"finished"`
}

type rpsAction struct {
	Throw string `json:"throw"`
}

type rockPaperScissors struct{}

func (r *rockPaperScissors) Name() string { return "rps" }

func (r *rockPaperScissors) NewGame() (json.RawMessage, error) {
	return json.Marshal(rpsState{Round: 1})
}

func (r *rockPaperScissors) Apply(state json.RawMessage, role int32, action json.RawMessage) (json.RawMessage, *Terminal, error) {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Finished {
		return nil, nil, ErrGameOver
	}
	var act rpsAction
	if err := json.Unmarshal(action, &act); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if !validThrow(act.Throw) {
		return nil, nil, fmt.Errorf("%w: unknown throw %q", ErrInvalidAction, act.Throw)
	}

	// Both players act in the same round; a second throw before the round
	// resolves is out of turn.
	switch role {
	case 1:
		if st.P1Throw != "" {
			return nil, nil, ErrNotYourTurn
		}
		st.P1Throw = act.Throw
	case 2:
		if st.P2Throw != "" {
			return nil, nil, ErrNotYourTurn
		}
		st.P2Throw = act.Throw
	default:
		return nil, nil, fmt.Errorf("%w: bad role %d", ErrInvalidAction, role)
	}

	var term *Terminal
	if st.P1Throw != "" && st.P2Throw != "" {
		switch beats(st.P1Throw, st.P2Throw) {
		case 1:
			st.P1Wins++
		case 2:
			st.P2Wins++
		}
		st.P1Throw, st.P2Throw = "", ""
		st.Round++

		switch {
		case st.P1Wins >= rpsTargetWins:
			st.Finished = true
			term = &Terminal{WinnerRole: 1}
		case st.P2Wins >= rpsTargetWins:
			st.Finished = true
			term = &Terminal{WinnerRole: 2}
		case st.Round > 3:
			st.Finished = true
			if st.P1Wins > st.P2Wins {
				term = &Terminal{WinnerRole: 1}
			} else if st.P2Wins > st.P1Wins {
				term = &Terminal{WinnerRole: 2}
			} else {
				term = &Terminal{Draw: true}
			}
		}
	}

	out, err := json.Marshal(st)
	if err != nil {
		return nil, nil, err
	}
	return out, term, nil
}

// RedactFor hides not-yet-resolved throws from anyone but their author: a
// participant keeps their own pending throw, spectators see neither.
func (r *rockPaperScissors) RedactFor(state json.RawMessage, role int32) json.RawMessage {
	var st rpsState
	if err := json.Unmarshal(state, &st); err != nil {
		return state
	}
	if role != 1 {
		st.P1Throw = ""
	}
	if role != 2 {
		st.P2Throw = ""
	}
	out, err := json.Marshal(st)
	if err != nil {
		return state
	}
	return out
}

func validThrow(t string) bool {
	return t == "rock" || t == "paper" || t == "scissors"
}

// beats returns 1 when a wins, 2 when b wins, 0 on a tie.
func beats(a, b string) int {
	if a == b {
		return 0
	}
	wins := map[string]string{"rock": "scissors", "paper": "rock", "scissors": "paper"}
	if wins[a] == b {
		return 1
	}
	return 2
}
