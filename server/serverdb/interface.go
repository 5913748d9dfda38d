package serverdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrMainBucketNotFound  = errors.New("main bucket not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrEntryNotFound       = errors.New("entry not found")
)

// LedgerReason tags every balance mutation so the audit log explains itself.
type LedgerReason string

const (
	ReasonSignupGrant LedgerReason = "signup-grant"
	ReasonWagerHold   LedgerReason = "wager-hold"
	ReasonWagerPayout LedgerReason = "wager-payout"
	ReasonWagerRefund LedgerReason = "wager-refund"
)

// InboxKind classifies a pending notification.
type InboxKind string

const (
	InboxChallengeReceived  InboxKind = "challenge-received"
	InboxChallengeCancelled InboxKind = "challenge-cancelled"
	InboxChallengeDeclined  InboxKind = "challenge-declined"
	InboxSystem             InboxKind = "system"
)

// InboxEntry is a durable per-player notification. The owner need not be
// connected when it is written; it is delivered on the next inbox sync.
type InboxEntry struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Kind      InboxKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LedgerOp is one balance mutation inside a settlement. Positive amounts
// credit the player, negative amounts debit.
type LedgerOp struct {
	PlayerID string
	Amount   int64
	Reason   LedgerReason
}

// SettlementRecord journals the one-and-only settlement of a match.
type SettlementRecord struct {
	MatchID   string    `json:"matchId"`
	Outcome   string    `json:"outcome"`
	WinnerID  string    `json:"winnerId,omitempty"`
	Total     int64     `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// LedgerEntry is one row of the append-only audit log.
type LedgerEntry struct {
	ID        uint64       `json:"id"`
	PlayerID  string       `json:"playerId"`
	Amount    int64        `json:"amount"`
	Reason    LedgerReason `json:"reason"`
	CreatedAt time.Time    `json:"createdAt"`
}

type ServerDB interface {
	// EnsureBalance grants the starting balance to a player seen for the
	// first time and returns the current balance either way.
	EnsureBalance(ctx context.Context, playerID string, starting int64) (int64, error)
	GetBalance(ctx context.Context, playerID string) (int64, error)
	Credit(ctx context.Context, playerID string, amount int64, reason LedgerReason) (int64, error)
	// Debit fails with ErrInsufficientBalance rather than going negative.
	Debit(ctx context.Context, playerID string, amount int64, reason LedgerReason) (int64, error)

	StoreInboxEntry(ctx context.Context, entry *InboxEntry) error
	FetchInbox(ctx context.Context, owner string) ([]*InboxEntry, error)
	MarkInboxRead(ctx context.Context, owner, entryID string) error
	DeleteInboxEntry(ctx context.Context, owner, entryID string) error

	// ApplySettlement atomically journals a settlement and applies its ledger
	// ops. When the match id was already journaled nothing is applied and
	// applied is false: this is the idempotence guarantee for settle retries.
	ApplySettlement(ctx context.Context, rec *SettlementRecord, ops []LedgerOp) (applied bool, err error)
	FetchSettlement(ctx context.Context, matchID string) (*SettlementRecord, error)

	FetchLedgerLog(ctx context.Context, playerID string, limit int) ([]*LedgerEntry, error)

	Close() error
}
