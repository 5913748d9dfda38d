package server

import "errors"

var (
	ErrTargetUnavailable = errors.New("target unavailable")
	ErrOutOfRange        = errors.New("players not within challenge range")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDepositRejected   = errors.New("deposit proof rejected")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrMatchNotFound     = errors.New("match not found")
	ErrNotParticipant    = errors.New("not a participant of this match")
	ErrNotChallenger     = errors.New("only the challenger may cancel")
	ErrAlreadyResolved   = errors.New("challenge already resolved")
)
