package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldPointsDebitsBalance(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("alice", Vec3{})

	h, err := f.escrow.HoldPoints(f.ctx, "alice", "ch-1", 200)
	require.NoError(t, err)
	assert.Equal(t, HoldHeld, h.Status)
	assert.Equal(t, int64(300), f.balance("alice"))
	assert.Equal(t, int64(200), f.escrow.HeldForChallenge("ch-1"))

	_, err = f.escrow.HoldPoints(f.ctx, "alice", "ch-2", 400)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(300), f.balance("alice"))
}

func TestReleaseChallengeRefundsEveryHold(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{})

	_, err := f.escrow.HoldPoints(f.ctx, "alice", "ch-1", 100)
	require.NoError(t, err)
	_, err = f.escrow.HoldPoints(f.ctx, "bob", "ch-1", 100)
	require.NoError(t, err)

	require.NoError(t, f.escrow.ReleaseChallenge(f.ctx, "ch-1"))
	assert.Equal(t, int64(500), f.balance("alice"))
	assert.Equal(t, int64(500), f.balance("bob"))
	assert.Equal(t, int64(0), f.escrow.HeldForChallenge("ch-1"))

	// Releasing again is harmless.
	require.NoError(t, f.escrow.ReleaseChallenge(f.ctx, "ch-1"))
	assert.Equal(t, int64(500), f.balance("alice"))
}

func TestRefundDepositorLeavesOtherSideHeld(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{})

	_, err := f.escrow.HoldPoints(f.ctx, "alice", "ch-1", 100)
	require.NoError(t, err)
	_, err = f.escrow.HoldPoints(f.ctx, "bob", "ch-1", 100)
	require.NoError(t, err)

	require.NoError(t, f.escrow.RefundDepositor(f.ctx, "ch-1", "bob"))
	assert.Equal(t, int64(500), f.balance("bob"))
	assert.Equal(t, int64(400), f.balance("alice"))
	assert.Equal(t, int64(100), f.escrow.HeldForChallenge("ch-1"))
}

func TestBindMatchMovesHolds(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("alice", Vec3{})

	_, err := f.escrow.HoldPoints(f.ctx, "alice", "ch-1", 150)
	require.NoError(t, err)

	f.escrow.BindMatch("ch-1", "m-1")
	assert.Equal(t, int64(0), f.escrow.HeldForChallenge("ch-1"))
	assert.Equal(t, int64(150), f.escrow.HeldForMatch("m-1"))
}

func TestSettleTokenWagerPaysOutOnChain(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("alice", Vec3{})
	f.verifier.setConfirm("tx-a")

	tw := &TokenWager{Token: "PENGU", Decimals: 6, RawAmount: "5000000"}
	_, err := f.escrow.VerifyTokenDeposit(f.ctx, "alice", "ch-1", tw, "tx-a")
	require.NoError(t, err)

	f.escrow.BindMatch("ch-1", "m-1")
	applied, err := f.escrow.Settle(f.ctx, SettlementOutcome{
		MatchID:  "m-1",
		WinnerID: "bob",
		Reason:   ReasonWin,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, f.verifier.payoutCount())

	f.verifier.mu.Lock()
	payout := f.verifier.payouts[0]
	f.verifier.mu.Unlock()
	assert.Equal(t, "bob", payout.Recipient)
	assert.Equal(t, "PENGU", payout.Token)
	assert.Equal(t, "wager-payout", payout.Reason)
}

func TestVerifyTokenDepositRequiresProof(t *testing.T) {
	f := newFixture(t)
	tw := &TokenWager{Token: "PENGU", Decimals: 6, RawAmount: "1"}
	_, err := f.escrow.VerifyTokenDeposit(f.ctx, "alice", "ch-1", tw, "")
	assert.ErrorIs(t, err, ErrDepositRejected)
}
