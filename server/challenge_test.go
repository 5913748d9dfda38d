package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposeHoldsWagerAndNotifiesTarget(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})
	drain(t, alice)
	drain(t, bob)

	ch, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)

	assert.Equal(t, int64(400), f.balance("alice"), "wager held at propose time")
	assert.Equal(t, int64(100), f.escrow.HeldForChallenge(ch.ID))

	var recv challengeMsg
	require.True(t, lastOfType(t, bob, MsgChallengeReceived, &recv))
	assert.Equal(t, "alice", recv.Challenge.ChallengerID)
	assert.Equal(t, int64(100), recv.Challenge.WagerPoints)

	// The target's inbox carries the challenge durably.
	entries, err := f.db.FetchInbox(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ch.ID, entries[0].ID)
}

func TestProposeRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{X: 40})

	_, err := f.proposePoints(alice, "bob", 100)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, int64(500), f.balance("alice"))
}

func TestProposeRejectsUnknownTargetAndSelf(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})

	_, err := f.proposePoints(alice, "ghost", 100)
	assert.ErrorIs(t, err, ErrTargetUnavailable)

	_, err = f.proposePoints(alice, "alice", 100)
	assert.ErrorIs(t, err, ErrTargetUnavailable)
}

func TestProposeRejectsInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{X: 3})

	_, err := f.proposePoints(alice, "bob", 9000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(500), f.balance("alice"))
}

// A rejected token deposit must leave no trace: no challenge, no inbox
// entry, and the point hold rolled back.
func TestProposeDepositRejectionLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})
	drain(t, bob)

	f.verifier.setReject("badtx")
	_, err := f.challenges.Propose(f.ctx, alice, &challengeSendRequest{
		TargetID:       "bob",
		GameType:       "tictactoe",
		WagerAmount:    100,
		WagerToken:     &TokenWager{Token: "PENGU", Decimals: 6, RawAmount: "1000000"},
		WagerDepositTx: "badtx",
	})
	assert.ErrorIs(t, err, ErrDepositRejected)

	assert.Equal(t, int64(500), f.balance("alice"), "point hold rolled back")
	assert.Empty(t, f.challenges.PendingFor("bob"))
	entries, ferr := f.db.FetchInbox(f.ctx, "bob")
	require.NoError(t, ferr)
	assert.Empty(t, entries)
	assert.NotContains(t, msgTypes(t, bob), MsgChallengeReceived)
}

func TestProposeConfirmedDepositAdmitsChallenge(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{X: 3})

	f.verifier.setConfirm("goodtx")

	ch, err := f.challenges.Propose(f.ctx, alice, &challengeSendRequest{
		TargetID:       "bob",
		GameType:       "tictactoe",
		WagerAmount:    100,
		WagerToken:     &TokenWager{Token: "PENGU", Decimals: 6, RawAmount: "1000000"},
		WagerDepositTx: "goodtx",
	})
	require.NoError(t, err)
	assert.Equal(t, ChallengePending, ch.Status)
	assert.Len(t, f.challenges.PendingFor("bob"), 1)
}

func TestAcceptCreatesMatchAndHoldsBothStakes(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)
	drain(t, alice)
	drain(t, bob)

	require.NoError(t, f.acceptChallenge(bob, ch.ID))

	assert.Equal(t, int64(400), f.balance("alice"))
	assert.Equal(t, int64(400), f.balance("bob"))
	assert.True(t, f.matches.InMatch("alice"))
	assert.True(t, f.matches.InMatch("bob"))

	m := f.matches.MatchOf("alice")
	require.NotNil(t, m)
	assert.Equal(t, int64(200), f.escrow.HeldForMatch(m.ID))

	// match_start carries each player's post-hold balance.
	var start matchStartMsg
	require.True(t, lastOfType(t, alice, MsgMatchStart, &start))
	assert.Equal(t, int32(1), start.YourRole)
	assert.Equal(t, int64(400), start.Coins)
	require.True(t, lastOfType(t, bob, MsgMatchStart, &start))
	assert.Equal(t, int32(2), start.YourRole)
	assert.Equal(t, int64(400), start.Coins)

	// The accepted challenge is gone from both pending views.
	assert.Empty(t, f.challenges.PendingFor("alice"))
	assert.Empty(t, f.challenges.PendingFor("bob"))
}

func TestDeclineRefundsChallenger(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)
	drain(t, alice)

	err = f.challenges.Respond(f.ctx, bob, &challengeRespondRequest{
		ChallengeID: ch.ID,
		Response:    "deny",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(500), f.balance("alice"))
	assert.False(t, f.matches.InMatch("alice"))
	assert.Contains(t, msgTypes(t, alice), MsgChallengeDeclined)

	// The decline is recorded durably for the challenger.
	entries, err := f.db.FetchInbox(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "challenge-declined", string(entries[0].Kind))
}

func TestRespondOnlyByTarget(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	f.addPlayer("bob", Vec3{X: 3})
	carol := f.addPlayer("carol", Vec3{X: 5})

	ch, err := f.proposePoints(alice, "bob", 50)
	require.NoError(t, err)

	err = f.challenges.Respond(f.ctx, carol, &challengeRespondRequest{
		ChallengeID: ch.ID,
		Response:    "accept",
	})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestCancelOnlyByChallenger(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 50)
	require.NoError(t, err)

	assert.ErrorIs(t, f.challenges.Cancel(f.ctx, bob, ch.ID), ErrNotChallenger)

	require.NoError(t, f.challenges.Cancel(f.ctx, alice, ch.ID))
	assert.Equal(t, int64(500), f.balance("alice"))

	// The target's received entry was replaced by a cancellation notice.
	entries, err := f.db.FetchInbox(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "challenge-cancelled", string(entries[0].Kind))

	// Responding to a resolved challenge fails cleanly.
	err = f.challenges.Respond(f.ctx, bob, &challengeRespondRequest{
		ChallengeID: ch.ID, Response: "accept",
	})
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

// Two pending challenges racing to accept the same target: the first accept
// wins, the second is refused and both sides keep their money.
func TestConcurrentAcceptConflict(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 2})
	carol := f.addPlayer("carol", Vec3{X: 4})

	chAB, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)
	chCB, err := f.proposePoints(carol, "bob", 100)
	require.NoError(t, err)

	require.NoError(t, f.acceptChallenge(bob, chAB.ID))
	err = f.acceptChallenge(bob, chCB.ID)
	assert.ErrorIs(t, err, ErrTargetUnavailable)

	// Bob funded only the first accept. Carol's challenge is untouched and
	// still cancellable for a full refund.
	assert.Equal(t, int64(400), f.balance("bob"))
	assert.Equal(t, int64(400), f.balance("carol"))
	assert.True(t, f.matches.InMatch("bob"))
	assert.False(t, f.matches.InMatch("carol"))

	require.NoError(t, f.challenges.Cancel(f.ctx, carol, chCB.ID))
	assert.Equal(t, int64(500), f.balance("carol"))
}

func TestExpireSweepRefunds(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	// A coordinator with an immediate TTL so the sweep sees the challenge
	// as already expired.
	cc := NewChallengeCoordinator(testLogger(), f.db, f.escrow, f.matches,
		f.rooms, f.session, time.Nanosecond, 15)
	ch, err := cc.Propose(f.ctx, alice, &challengeSendRequest{
		TargetID:    "bob",
		GameType:    "tictactoe",
		WagerAmount: 100,
	})
	require.NoError(t, err)
	require.Equal(t, int64(400), f.balance("alice"))
	drain(t, alice)
	drain(t, bob)

	cc.ExpireSweep(f.ctx)

	assert.Equal(t, int64(500), f.balance("alice"))
	assert.Empty(t, cc.PendingFor("bob"))
	assert.Equal(t, int64(0), f.escrow.HeldForChallenge(ch.ID))
	assert.Contains(t, msgTypes(t, alice), MsgChallengeCancelled)

	entries, err := f.db.FetchInbox(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "challenge-cancelled", string(entries[0].Kind))
}

func TestDisconnectWithdrawsOutgoingChallenges(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)
	require.Equal(t, int64(400), f.balance("alice"))

	f.disconnect(alice)

	assert.Equal(t, int64(500), f.balance("alice"), "stake returned on disconnect")
	assert.Empty(t, f.challenges.PendingFor("bob"))
	assert.Equal(t, int64(0), f.escrow.HeldForChallenge(ch.ID))
	_ = bob
}

// An incoming challenge survives the target disconnecting: the inbox is the
// durable carrier for offline targets.
func TestIncomingChallengeSurvivesTargetDisconnect(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 100)
	require.NoError(t, err)

	f.disconnect(bob)

	assert.Equal(t, int64(100), f.escrow.HeldForChallenge(ch.ID), "challenger stake stays committed")
	entries, err := f.db.FetchInbox(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ch.ID, entries[0].ID)
}

func TestZeroWagerChallenge(t *testing.T) {
	f := newFixture(t)
	alice := f.addPlayer("alice", Vec3{})
	bob := f.addPlayer("bob", Vec3{X: 3})

	ch, err := f.proposePoints(alice, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.balance("alice"))

	require.NoError(t, f.acceptChallenge(bob, ch.ID))
	assert.True(t, f.matches.InMatch("alice"))
	assert.Equal(t, int64(500), f.balance("bob"))
}
