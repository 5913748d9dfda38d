package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/marcus-the-worm/ClubPengu-sub013/gamerules"
	"github.com/marcus-the-worm/ClubPengu-sub013/server/serverdb"
)

type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeAccepted  ChallengeStatus = "accepted"
	ChallengeDeclined  ChallengeStatus = "declined"
	ChallengeCancelled ChallengeStatus = "cancelled"
	ChallengeExpired   ChallengeStatus = "expired"
)

// Challenge is one pending wager offer. Fields are immutable after
// registration except Status, which is guarded by the coordinator lock.
type Challenge struct {
	ID             string
	ChallengerID   string
	ChallengerName string
	TargetID       string
	TargetName     string
	Room           string
	GameType       string
	WagerPoints    int64
	WagerToken     *TokenWager
	Status         ChallengeStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (c *Challenge) Info() ChallengeInfo {
	return ChallengeInfo{
		ID:             c.ID,
		ChallengerID:   c.ChallengerID,
		ChallengerName: c.ChallengerName,
		TargetID:       c.TargetID,
		GameType:       c.GameType,
		WagerPoints:    c.WagerPoints,
		WagerToken:     c.WagerToken,
		Status:         string(c.Status),
		CreatedAt:      c.CreatedAt,
		ExpiresAt:      c.ExpiresAt,
	}
}

// ChallengeCoordinator owns the pending-challenge registry. A challenge is
// admitted only after its funding cleared: points are held and any token
// deposit verified before the target ever hears about it, so every visible
// challenge is one that can actually pay out.
type ChallengeCoordinator struct {
	sync.RWMutex
	log     slog.Logger
	db      serverdb.ServerDB
	escrow  *Escrow
	matches *MatchCoordinator
	rooms   *RoomRegistry
	lookup  sessionLookup

	ttl    time.Duration
	radius float64

	challenges   map[string]*Challenge
	byChallenger map[string]map[string]struct{}
	byTarget     map[string]map[string]struct{}
}

func NewChallengeCoordinator(log slog.Logger, db serverdb.ServerDB, escrow *Escrow,
	matches *MatchCoordinator, rooms *RoomRegistry, lookup sessionLookup,
	ttl time.Duration, radius float64) *ChallengeCoordinator {

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if radius <= 0 {
		radius = 15
	}
	return &ChallengeCoordinator{
		log:          log,
		db:           db,
		escrow:       escrow,
		matches:      matches,
		rooms:        rooms,
		lookup:       lookup,
		ttl:          ttl,
		radius:       radius,
		challenges:   make(map[string]*Challenge),
		byChallenger: make(map[string]map[string]struct{}),
		byTarget:     make(map[string]map[string]struct{}),
	}
}

func (cc *ChallengeCoordinator) notify(playerID string, msg interface{}) {
	if sess := cc.lookup(playerID); sess != nil {
		_ = sess.EnqueueReliable(msg)
	}
}

func (cc *ChallengeCoordinator) pushBalance(ctx context.Context, playerID, reason string) {
	sess := cc.lookup(playerID)
	if sess == nil {
		return
	}
	if bal, err := cc.db.GetBalance(ctx, playerID); err == nil {
		_ = sess.Enqueue(coinsUpdateMsg{Type: MsgCoinsUpdate, Balance: bal, Reason: reason})
	}
}

// validateProposal runs the admission gates in their fixed order: target
// availability first, then proximity, then funds. The order is observable
// through which error an unfundable out-of-range proposal gets.
func (cc *ChallengeCoordinator) validateProposal(challenger *Session, req *challengeSendRequest) (*Session, error) {
	if req.TargetID == challenger.ID {
		return nil, fmt.Errorf("%w: cannot challenge yourself", ErrTargetUnavailable)
	}
	if req.WagerAmount < 0 {
		return nil, fmt.Errorf("negative wager: %d", req.WagerAmount)
	}
	if _, err := gamerules.Lookup(req.GameType); err != nil {
		return nil, fmt.Errorf("unknown game type %q", req.GameType)
	}
	target := cc.lookup(req.TargetID)
	if target == nil {
		return nil, fmt.Errorf("%w: target not connected", ErrTargetUnavailable)
	}
	if cc.matches.InMatch(req.TargetID) {
		return nil, fmt.Errorf("%w: target already in a match", ErrTargetUnavailable)
	}
	if cc.matches.InMatch(challenger.ID) {
		return nil, fmt.Errorf("%w: you are already in a match", ErrTargetUnavailable)
	}
	if !SameRoomWithin(challenger, target, cc.radius) {
		return nil, ErrOutOfRange
	}
	return target, nil
}

// Propose runs the full admission pipeline for a new challenge. Blocks while
// a token deposit is being verified, so callers run it off the read loop.
func (cc *ChallengeCoordinator) Propose(ctx context.Context, challenger *Session, req *challengeSendRequest) (*Challenge, error) {
	target, err := cc.validateProposal(challenger, req)
	if err != nil {
		return nil, err
	}

	challengeID := uuid.NewString()

	// Funding before admission. Points go on hold immediately; a token
	// deposit must confirm before the challenge exists anywhere.
	if req.WagerAmount > 0 {
		if _, err := cc.escrow.HoldPoints(ctx, challenger.ID, challengeID, req.WagerAmount); err != nil {
			return nil, err
		}
	}
	if req.WagerToken != nil {
		if _, err := cc.escrow.VerifyTokenDeposit(ctx, challenger.ID, challengeID, req.WagerToken, req.WagerDepositTx); err != nil {
			if rerr := cc.escrow.ReleaseChallenge(ctx, challengeID); rerr != nil {
				cc.log.Errorf("challenge %s: release after deposit failure: %v", challengeID, rerr)
			}
			return nil, err
		}
	}

	// The deposit wait can take a while; the world may have moved on.
	if target = cc.lookup(req.TargetID); target == nil || cc.matches.InMatch(req.TargetID) {
		if rerr := cc.escrow.ReleaseChallenge(ctx, challengeID); rerr != nil {
			cc.log.Errorf("challenge %s: release after target loss: %v", challengeID, rerr)
		}
		return nil, fmt.Errorf("%w: target no longer available", ErrTargetUnavailable)
	}

	challenger.RLock()
	chName := challenger.Name
	room := challenger.Room
	challenger.RUnlock()
	target.RLock()
	tgName := target.Name
	target.RUnlock()

	now := time.Now()
	ch := &Challenge{
		ID:             challengeID,
		ChallengerID:   challenger.ID,
		ChallengerName: chName,
		TargetID:       req.TargetID,
		TargetName:     tgName,
		Room:           room,
		GameType:       req.GameType,
		WagerPoints:    req.WagerAmount,
		WagerToken:     req.WagerToken,
		Status:         ChallengePending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(cc.ttl),
	}

	cc.Lock()
	cc.challenges[ch.ID] = ch
	indexAdd(cc.byChallenger, ch.ChallengerID, ch.ID)
	indexAdd(cc.byTarget, ch.TargetID, ch.ID)
	cc.Unlock()

	info := ch.Info()
	payload, _ := json.Marshal(info)
	if err := cc.db.StoreInboxEntry(ctx, &serverdb.InboxEntry{
		ID:        ch.ID,
		Owner:     ch.TargetID,
		Kind:      serverdb.InboxChallengeReceived,
		Payload:   payload,
		CreatedAt: now,
	}); err != nil {
		cc.log.Errorf("challenge %s: inbox write for %s: %v", ch.ID, ch.TargetID, err)
	}

	cc.notify(ch.TargetID, challengeMsg{Type: MsgChallengeReceived, Challenge: info})
	cc.notify(ch.ChallengerID, challengeMsg{Type: MsgChallengeSent, Challenge: info})
	cc.pushBalance(ctx, ch.ChallengerID, "wager-hold")
	cc.log.Infof("challenge %s: %s -> %s game=%s wager=%d", ch.ID, ch.ChallengerID, ch.TargetID, ch.GameType, ch.WagerPoints)
	return ch, nil
}

// take atomically claims a pending challenge for resolution, flipping its
// status so a concurrent resolver loses cleanly.
func (cc *ChallengeCoordinator) take(challengeID string, next ChallengeStatus) (*Challenge, error) {
	cc.Lock()
	defer cc.Unlock()
	ch, ok := cc.challenges[challengeID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if ch.Status != ChallengePending {
		return nil, ErrAlreadyResolved
	}
	ch.Status = next
	delete(cc.challenges, challengeID)
	indexDel(cc.byChallenger, ch.ChallengerID, challengeID)
	indexDel(cc.byTarget, ch.TargetID, challengeID)
	return ch, nil
}

// Respond handles the target's accept / deny / delete. Accept blocks while
// the target's own funding clears.
func (cc *ChallengeCoordinator) Respond(ctx context.Context, sess *Session, req *challengeRespondRequest) error {
	cc.RLock()
	ch, ok := cc.challenges[req.ChallengeID]
	cc.RUnlock()
	if !ok {
		return ErrChallengeNotFound
	}
	if ch.TargetID != sess.ID {
		return ErrNotParticipant
	}

	switch req.Response {
	case "accept":
		return cc.accept(ctx, sess, req)
	case "deny":
		return cc.decline(ctx, req.ChallengeID, true)
	case "delete":
		// Quiet decline: the wager is released and the inbox entry goes
		// away, but the challenger is not pinged about it.
		return cc.decline(ctx, req.ChallengeID, false)
	default:
		return fmt.Errorf("unknown challenge response %q", req.Response)
	}
}

func (cc *ChallengeCoordinator) accept(ctx context.Context, target *Session, req *challengeRespondRequest) error {
	cc.RLock()
	ch := cc.challenges[req.ChallengeID]
	cc.RUnlock()
	if ch == nil {
		return ErrChallengeNotFound
	}
	if cc.matches.InMatch(target.ID) {
		return fmt.Errorf("%w: you are already in a match", ErrTargetUnavailable)
	}

	// The accepting side funds before the challenge is claimed, mirroring
	// the proposer's pipeline. A funding failure leaves the challenge
	// pending and the challenger's hold intact.
	if ch.WagerPoints > 0 {
		if _, err := cc.escrow.HoldPoints(ctx, target.ID, ch.ID, ch.WagerPoints); err != nil {
			return err
		}
	}
	if ch.WagerToken != nil {
		if _, err := cc.escrow.VerifyTokenDeposit(ctx, target.ID, ch.ID, ch.WagerToken, req.DepositTx); err != nil {
			if rerr := cc.escrow.RefundDepositor(ctx, ch.ID, target.ID); rerr != nil {
				cc.log.Errorf("challenge %s: refund target after deposit failure: %v", ch.ID, rerr)
			}
			return err
		}
	}

	ch, err := cc.take(req.ChallengeID, ChallengeAccepted)
	if err != nil {
		if rerr := cc.escrow.RefundDepositor(ctx, req.ChallengeID, target.ID); rerr != nil {
			cc.log.Errorf("challenge %s: refund target after lost claim: %v", req.ChallengeID, rerr)
		}
		return err
	}

	challenger := cc.lookup(ch.ChallengerID)
	if challenger == nil {
		cc.voidFunded(ctx, ch, "challenger disconnected")
		return fmt.Errorf("%w: challenger no longer connected", ErrTargetUnavailable)
	}

	if _, err := cc.matches.Create(ctx, ch, challenger, target); err != nil {
		cc.voidFunded(ctx, ch, err.Error())
		return err
	}

	if derr := cc.db.DeleteInboxEntry(ctx, ch.TargetID, ch.ID); derr != nil {
		cc.log.Debugf("challenge %s: inbox dismiss: %v", ch.ID, derr)
	}
	cc.pushBalance(ctx, ch.TargetID, "wager-hold")
	return nil
}

// voidFunded unwinds a fully or partly funded challenge that can no longer
// become a match: every hold is refunded and both sides are told.
func (cc *ChallengeCoordinator) voidFunded(ctx context.Context, ch *Challenge, why string) {
	cc.log.Warnf("challenge %s voided: %s", ch.ID, why)
	if err := cc.escrow.ReleaseChallenge(ctx, ch.ID); err != nil {
		cc.log.Errorf("challenge %s: release on void: %v", ch.ID, err)
	}
	if err := cc.db.DeleteInboxEntry(ctx, ch.TargetID, ch.ID); err != nil {
		cc.log.Debugf("challenge %s: inbox dismiss on void: %v", ch.ID, err)
	}
	term := challengeTerminalMsg{Type: MsgChallengeCancelled, ChallengeID: ch.ID, Reason: why}
	cc.notify(ch.ChallengerID, term)
	cc.notify(ch.TargetID, term)
	cc.pushBalance(ctx, ch.ChallengerID, "wager-refund")
	cc.pushBalance(ctx, ch.TargetID, "wager-refund")
}

func (cc *ChallengeCoordinator) decline(ctx context.Context, challengeID string, tellChallenger bool) error {
	ch, err := cc.take(challengeID, ChallengeDeclined)
	if err != nil {
		return err
	}
	if err := cc.escrow.ReleaseChallenge(ctx, ch.ID); err != nil {
		cc.log.Errorf("challenge %s: release on decline: %v", ch.ID, err)
	}
	if derr := cc.db.DeleteInboxEntry(ctx, ch.TargetID, ch.ID); derr != nil {
		cc.log.Debugf("challenge %s: inbox dismiss: %v", ch.ID, derr)
	}
	if tellChallenger {
		payload, _ := json.Marshal(ch.Info())
		if err := cc.db.StoreInboxEntry(ctx, &serverdb.InboxEntry{
			ID:        ch.ID,
			Owner:     ch.ChallengerID,
			Kind:      serverdb.InboxChallengeDeclined,
			Payload:   payload,
			CreatedAt: time.Now(),
		}); err != nil {
			cc.log.Errorf("challenge %s: decline inbox write: %v", ch.ID, err)
		}
		cc.notify(ch.ChallengerID, challengeTerminalMsg{Type: MsgChallengeDeclined, ChallengeID: ch.ID})
	}
	cc.notify(ch.TargetID, challengeTerminalMsg{Type: MsgChallengeDeclined, ChallengeID: ch.ID})
	cc.pushBalance(ctx, ch.ChallengerID, "wager-refund")
	cc.log.Infof("challenge %s declined by %s", ch.ID, ch.TargetID)
	return nil
}

// Cancel withdraws a pending challenge. Only the challenger may cancel.
func (cc *ChallengeCoordinator) Cancel(ctx context.Context, sess *Session, challengeID string) error {
	cc.RLock()
	ch, ok := cc.challenges[challengeID]
	cc.RUnlock()
	if !ok {
		return ErrChallengeNotFound
	}
	if ch.ChallengerID != sess.ID {
		return ErrNotChallenger
	}
	return cc.terminate(ctx, challengeID, ChallengeCancelled)
}

func (cc *ChallengeCoordinator) terminate(ctx context.Context, challengeID string, status ChallengeStatus) error {
	ch, err := cc.take(challengeID, status)
	if err != nil {
		return err
	}
	if err := cc.escrow.ReleaseChallenge(ctx, ch.ID); err != nil {
		cc.log.Errorf("challenge %s: release on %s: %v", ch.ID, status, err)
	}

	// The target's received-challenge inbox entry is replaced by a
	// cancellation notice so an offline target learns what happened.
	if derr := cc.db.DeleteInboxEntry(ctx, ch.TargetID, ch.ID); derr != nil {
		cc.log.Debugf("challenge %s: inbox dismiss: %v", ch.ID, derr)
	}
	payload, _ := json.Marshal(ch.Info())
	if err := cc.db.StoreInboxEntry(ctx, &serverdb.InboxEntry{
		ID:        ch.ID,
		Owner:     ch.TargetID,
		Kind:      serverdb.InboxChallengeCancelled,
		Payload:   payload,
		CreatedAt: time.Now(),
	}); err != nil {
		cc.log.Errorf("challenge %s: cancel inbox write: %v", ch.ID, err)
	}

	term := challengeTerminalMsg{Type: MsgChallengeCancelled, ChallengeID: ch.ID, Reason: string(status)}
	cc.notify(ch.ChallengerID, term)
	cc.notify(ch.TargetID, term)
	cc.pushBalance(ctx, ch.ChallengerID, "wager-refund")
	cc.log.Infof("challenge %s %s", ch.ID, status)
	return nil
}

// HandleDisconnect withdraws every outgoing pending challenge of the leaving
// player, refunding its hold immediately. Incoming challenges stay: the
// target's inbox keeps them for the next session.
func (cc *ChallengeCoordinator) HandleDisconnect(ctx context.Context, playerID string) {
	cc.RLock()
	var ids []string
	for id := range cc.byChallenger[playerID] {
		ids = append(ids, id)
	}
	cc.RUnlock()
	for _, id := range ids {
		if err := cc.terminate(ctx, id, ChallengeCancelled); err != nil {
			cc.log.Debugf("challenge %s: cancel on disconnect: %v", id, err)
		}
	}
}

// ExpireSweep cancels every pending challenge past its deadline. Runs on the
// scheduler; a swept challenge is indistinguishable from a cancelled one
// except for its status string.
func (cc *ChallengeCoordinator) ExpireSweep(ctx context.Context) {
	now := time.Now()
	cc.RLock()
	var expired []string
	for id, ch := range cc.challenges {
		if ch.Status == ChallengePending && now.After(ch.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	cc.RUnlock()
	for _, id := range expired {
		if err := cc.terminate(ctx, id, ChallengeExpired); err != nil {
			cc.log.Debugf("challenge %s: expire: %v", id, err)
		}
	}
	if len(expired) > 0 {
		cc.log.Infof("expired %d challenge(s)", len(expired))
	}
}

// PendingFor lists the player's pending challenges, incoming and outgoing,
// for the sync pushed at join.
func (cc *ChallengeCoordinator) PendingFor(playerID string) []ChallengeInfo {
	cc.RLock()
	defer cc.RUnlock()
	out := []ChallengeInfo{}
	for id := range cc.byTarget[playerID] {
		if ch := cc.challenges[id]; ch != nil {
			out = append(out, ch.Info())
		}
	}
	for id := range cc.byChallenger[playerID] {
		if ch := cc.challenges[id]; ch != nil {
			out = append(out, ch.Info())
		}
	}
	return out
}

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexDel(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
