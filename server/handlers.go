package server

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"
)

// dispatch routes one decoded frame. A panic in a handler is contained to the
// offending message: the session gets a generic error and stays connected.
func (s *Server) dispatch(sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Criticalf("panic handling message from %s: %v\n%s", sess.ID, r, debug.Stack())
			s.sendError(sess, MsgError, CodeBadRequest, "internal error", "")
		}
	}()

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(sess, MsgError, CodeBadRequest, "malformed message", "")
		return
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch env.Type {
	case MsgJoin:
		s.handleRoomSwitch(sess, data)
	case MsgMove:
		s.handleMove(sess, data)
	case MsgEmote:
		s.handleEmote(sess, data)
	case MsgAppearance:
		s.handleAppearance(sess, data)
	case MsgAFK:
		s.handleAFK(sess, data)
	case MsgChat:
		s.handleChat(sess, data)

	// Challenge admission can block on deposit verification; run it off
	// the read loop so one player's pending deposit stalls nobody.
	case MsgChallengeSend:
		go s.handleChallengeSend(ctx, sess, data)
	case MsgChallengeRespond:
		go s.handleChallengeRespond(ctx, sess, data)
	case MsgChallengeCancel:
		s.handleChallengeCancel(ctx, sess, data)

	case MsgMatchAction, MsgMatchPlayCard:
		s.handleMatchAction(ctx, sess, data)
	case MsgMatchForfeit:
		s.handleMatchForfeit(ctx, sess, data)

	case MsgInboxSync:
		s.handleInboxSync(ctx, sess)
	case MsgInboxDismiss:
		s.handleInboxDismiss(ctx, sess, data)
	case MsgActiveMatchesRequest:
		s.handleActiveMatches(sess)
	case MsgBalanceRequest:
		s.handleBalanceRequest(ctx, sess)

	default:
		s.sendError(sess, MsgError, CodeBadRequest, "unknown message type "+env.Type, "")
	}
}

func (s *Server) sendError(sess *Session, msgType, code, message, ref string) {
	_ = sess.Enqueue(errorMsg{Type: msgType, Code: code, Message: message, Ref: ref})
}

// handleRoomSwitch services a join sent after the handshake: the player moves
// to another room, the previous room hears a leave, and the new room runs the
// usual join pushes. Balance, inbox and pending challenges are room-agnostic
// and stay as delivered at connect.
func (s *Server) handleRoomSwitch(sess *Session, data []byte) {
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		s.sendError(sess, MsgError, CodeBadRequest, "malformed join", "")
		return
	}
	sess.RLock()
	current := sess.Room
	sess.RUnlock()
	if req.Room == current {
		return
	}
	// A running match is scoped to the room it started in; its participants
	// stay put until it ends.
	if s.matches.InMatch(sess.ID) {
		s.sendError(sess, MsgError, CodeConflict, "cannot change rooms during a match", "")
		return
	}
	s.enterRoom(sess, req.Room)
	s.log.Infof("player %s moved to room %s", sess.ID, req.Room)
}

func (s *Server) handleMove(sess *Session, data []byte) {
	var req moveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	sess.Lock()
	sess.Position = req.Position
	sess.Rotation = req.Rotation
	room := sess.Room
	sess.Unlock()
	s.rooms.Broadcast(room, playerMovedMsg{
		Type:     MsgPlayerMoved,
		PlayerID: sess.ID,
		Position: req.Position,
		Rotation: req.Rotation,
	}, sess.ID)
}

func (s *Server) handleEmote(sess *Session, data []byte) {
	var req emoteRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Emote == "" {
		return
	}
	sess.RLock()
	room := sess.Room
	sess.RUnlock()
	s.rooms.Broadcast(room, playerEmoteMsg{Type: MsgPlayerEmote, PlayerID: sess.ID, Emote: req.Emote}, sess.ID)
}

func (s *Server) handleAppearance(sess *Session, data []byte) {
	var req appearanceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	sess.Lock()
	sess.Appearance = req.Appearance
	room := sess.Room
	sess.Unlock()
	s.rooms.Broadcast(room, playerAppearanceMsg{
		Type:       MsgPlayerAppearance,
		PlayerID:   sess.ID,
		Appearance: req.Appearance,
	}, sess.ID)
}

func (s *Server) handleAFK(sess *Session, data []byte) {
	var req afkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	sess.Lock()
	sess.AFK = req.AFK
	room := sess.Room
	sess.Unlock()
	s.rooms.Broadcast(room, playerAFKMsg{Type: MsgPlayerAFK, PlayerID: sess.ID, AFK: req.AFK}, sess.ID)
}

// handleChat routes room chat, with "/w name message" peeling off into a
// whisper delivered only to the named player and echoed to the sender.
func (s *Server) handleChat(sess *Session, data []byte) {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len(text) > 512 {
		return
	}
	sess.RLock()
	roomID := sess.Room
	name := sess.Name
	sess.RUnlock()

	if rest, ok := strings.CutPrefix(text, "/w "); ok {
		s.handleWhisper(sess, roomID, name, rest)
		return
	}

	msg := chatMsg{Type: MsgChatBroadcast, FromID: sess.ID, FromName: name, Text: text, At: time.Now()}
	if room := s.rooms.Get(roomID); room != nil {
		room.recordChat(chatRecord{FromID: sess.ID, FromName: name, Text: text, At: msg.At})
	}
	s.rooms.Broadcast(roomID, msg)
}

func (s *Server) handleWhisper(sess *Session, roomID, fromName, rest string) {
	targetName, body, ok := strings.Cut(rest, " ")
	body = strings.TrimSpace(body)
	if !ok || body == "" {
		s.sendError(sess, MsgError, CodeBadRequest, "usage: /w <name> <message>", "")
		return
	}
	room := s.rooms.Get(roomID)
	if room == nil {
		return
	}
	target := room.MemberByName(targetName)
	if target == nil {
		// The named player may have spoken and then left or renamed; the
		// chat log remembers who last used that name.
		if id := room.RecentSpeaker(targetName); id != "" {
			target = s.session(id)
		}
	}
	if target == nil {
		s.sendError(sess, MsgError, CodeNotFound, "no such player: "+targetName, "")
		return
	}
	msg := chatMsg{Type: MsgWhisper, FromID: sess.ID, FromName: fromName, Text: body, At: time.Now()}
	_ = target.Enqueue(msg)
	_ = sess.Enqueue(msg)
}

func (s *Server) handleChallengeSend(ctx context.Context, sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Criticalf("panic in challenge_send from %s: %v\n%s", sess.ID, r, debug.Stack())
		}
	}()
	var req challengeSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(sess, MsgChallengeError, CodeBadRequest, "malformed challenge_send", "")
		return
	}
	if _, err := s.challenges.Propose(ctx, sess, &req); err != nil {
		s.sendError(sess, MsgChallengeError, errCode(err), err.Error(), "")
	}
}

func (s *Server) handleChallengeRespond(ctx context.Context, sess *Session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Criticalf("panic in challenge_respond from %s: %v\n%s", sess.ID, r, debug.Stack())
		}
	}()
	var req challengeRespondRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(sess, MsgChallengeError, CodeBadRequest, "malformed challenge_respond", "")
		return
	}
	if err := s.challenges.Respond(ctx, sess, &req); err != nil {
		s.sendError(sess, MsgChallengeError, errCode(err), err.Error(), req.ChallengeID)
	}
}

func (s *Server) handleChallengeCancel(ctx context.Context, sess *Session, data []byte) {
	var req challengeCancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(sess, MsgChallengeError, CodeBadRequest, "malformed challenge_cancel", "")
		return
	}
	if err := s.challenges.Cancel(ctx, sess, req.ChallengeID); err != nil {
		s.sendError(sess, MsgChallengeError, errCode(err), err.Error(), req.ChallengeID)
	}
}

func (s *Server) handleMatchAction(ctx context.Context, sess *Session, data []byte) {
	var req matchActionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(sess, MsgMatchError, CodeBadRequest, "malformed match action", "")
		return
	}
	if req.MatchID == "" {
		if m := s.matches.MatchOf(sess.ID); m != nil {
			req.MatchID = m.ID
		}
	}
	if err := s.matches.ApplyAction(ctx, sess, req.MatchID, req.Action); err != nil {
		s.sendError(sess, MsgMatchError, errCode(err), err.Error(), req.MatchID)
	}
}

func (s *Server) handleMatchForfeit(ctx context.Context, sess *Session, data []byte) {
	var req matchForfeitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(sess, MsgMatchError, CodeBadRequest, "malformed match_forfeit", "")
		return
	}
	if req.MatchID == "" {
		if m := s.matches.MatchOf(sess.ID); m != nil {
			req.MatchID = m.ID
		}
	}
	if err := s.matches.Forfeit(ctx, sess, req.MatchID); err != nil {
		s.sendError(sess, MsgMatchError, errCode(err), err.Error(), req.MatchID)
	}
}

func (s *Server) handleInboxSync(ctx context.Context, sess *Session) {
	entries, err := s.db.FetchInbox(ctx, sess.ID)
	if err != nil {
		s.log.Errorf("inbox fetch for %s: %v", sess.ID, err)
		s.sendError(sess, MsgError, CodeBadRequest, "inbox unavailable", "")
		return
	}
	_ = sess.EnqueueReliable(inboxUpdateMsg{Type: MsgInboxUpdate, Entries: wireInbox(entries)})
}

func (s *Server) handleInboxDismiss(ctx context.Context, sess *Session, data []byte) {
	var req inboxDismissRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := s.db.DeleteInboxEntry(ctx, sess.ID, req.EntryID); err != nil {
		s.log.Debugf("inbox dismiss %s for %s: %v", req.EntryID, sess.ID, err)
	}
}

func (s *Server) handleActiveMatches(sess *Session) {
	sess.RLock()
	room := sess.Room
	sess.RUnlock()
	active := s.matches.ActiveInRoom(room)
	infos := make([]MatchInfo, 0, len(active))
	for _, m := range active {
		infos = append(infos, m.Info())
	}
	_ = sess.Enqueue(activeMatchesMsg{Type: MsgActiveMatches, Matches: infos})
}

func (s *Server) handleBalanceRequest(ctx context.Context, sess *Session) {
	bal, err := s.db.GetBalance(ctx, sess.ID)
	if err != nil {
		s.sendError(sess, MsgError, CodeNotFound, "balance unavailable", "")
		return
	}
	_ = sess.Enqueue(coinsUpdateMsg{Type: MsgCoinsUpdate, Balance: bal})
}
