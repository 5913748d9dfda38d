package serverdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *BoltDB {
	t.Helper()
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureBalanceGrantsOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bal, err := db.EnsureBalance(ctx, "alice", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	// A returning player keeps the current balance, not a fresh grant.
	_, err = db.Debit(ctx, "alice", 100, ReasonWagerHold)
	require.NoError(t, err)
	bal, err = db.EnsureBalance(ctx, "alice", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(400), bal)
}

func TestDebitBlocksOverdraft(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureBalance(ctx, "bob", 100)
	require.NoError(t, err)

	_, err = db.Debit(ctx, "bob", 150, ReasonWagerHold)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := db.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "failed debit must not touch the balance")
}

func TestLedgerLogRecordsMutations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureBalance(ctx, "carol", 500)
	require.NoError(t, err)
	_, err = db.Debit(ctx, "carol", 50, ReasonWagerHold)
	require.NoError(t, err)
	_, err = db.Credit(ctx, "carol", 100, ReasonWagerPayout)
	require.NoError(t, err)

	entries, err := db.FetchLedgerLog(ctx, "carol", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, ReasonWagerPayout, entries[0].Reason)
	assert.Equal(t, int64(100), entries[0].Amount)
	assert.Equal(t, ReasonWagerHold, entries[1].Reason)
	assert.Equal(t, int64(-50), entries[1].Amount)
	assert.Equal(t, ReasonSignupGrant, entries[2].Reason)
}

func TestInboxLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"gameType": "tictactoe"})
	entry := &InboxEntry{
		ID:      "ch-1",
		Owner:   "dave",
		Kind:    InboxChallengeReceived,
		Payload: payload,
	}
	require.NoError(t, db.StoreInboxEntry(ctx, entry))

	got, err := db.FetchInbox(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ch-1", got[0].ID)
	assert.Equal(t, InboxChallengeReceived, got[0].Kind)
	assert.False(t, got[0].Read)

	require.NoError(t, db.MarkInboxRead(ctx, "dave", "ch-1"))
	got, err = db.FetchInbox(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, got[0].Read)

	require.NoError(t, db.DeleteInboxEntry(ctx, "dave", "ch-1"))
	got, err = db.FetchInbox(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Deleting a missing entry is a no-op, not an error.
	assert.NoError(t, db.DeleteInboxEntry(ctx, "dave", "ch-1"))
	assert.ErrorIs(t, db.MarkInboxRead(ctx, "dave", "ch-1"), ErrEntryNotFound)
}

func TestInboxIsolatedPerOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.StoreInboxEntry(ctx, &InboxEntry{ID: "a", Owner: "erin", Kind: InboxSystem}))
	require.NoError(t, db.StoreInboxEntry(ctx, &InboxEntry{ID: "b", Owner: "frank", Kind: InboxSystem}))

	got, err := db.FetchInbox(ctx, "erin")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestApplySettlementIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureBalance(ctx, "winner", 400)
	require.NoError(t, err)

	rec := &SettlementRecord{MatchID: "m-1", Outcome: "win", WinnerID: "winner", Total: 200}
	ops := []LedgerOp{{PlayerID: "winner", Amount: 200, Reason: ReasonWagerPayout}}

	applied, err := db.ApplySettlement(ctx, rec, ops)
	require.NoError(t, err)
	assert.True(t, applied)

	// Replaying the same match id applies nothing.
	applied, err = db.ApplySettlement(ctx, rec, ops)
	require.NoError(t, err)
	assert.False(t, applied)

	bal, err := db.GetBalance(ctx, "winner")
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal)

	stored, err := db.FetchSettlement(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "winner", stored.WinnerID)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestApplySettlementAtomicOnFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.EnsureBalance(ctx, "gail", 100)
	require.NoError(t, err)

	// Second op overdraws; the whole settlement must roll back.
	rec := &SettlementRecord{MatchID: "m-2", Outcome: "win", WinnerID: "gail", Total: 100}
	ops := []LedgerOp{
		{PlayerID: "gail", Amount: 50, Reason: ReasonWagerPayout},
		{PlayerID: "gail", Amount: -500, Reason: ReasonWagerHold},
	}
	applied, err := db.ApplySettlement(ctx, rec, ops)
	assert.Error(t, err)
	assert.False(t, applied)

	bal, err := db.GetBalance(ctx, "gail")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	_, err = db.FetchSettlement(ctx, "m-2")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
