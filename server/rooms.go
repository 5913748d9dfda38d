package server

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
)

// chatLogSize bounds the per-room rolling chat buffer kept for whisper-reply
// lookups.
const chatLogSize = 64

type chatRecord struct {
	FromID   string
	FromName string
	Text     string
	At       time.Time
}

// Room is a named partition of world space. Membership is weak: the registry
// never owns session lifetime. The matches set scopes spectator fan-out.
type Room struct {
	sync.RWMutex
	ID      string
	members map[string]*Session
	chatLog []chatRecord
	matches map[string]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[string]*Session),
		matches: make(map[string]struct{}),
	}
}

// Members snapshots the current member sessions.
func (r *Room) Members() []*Session {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

// MemberByName resolves a display name case-insensitively, for whispers.
func (r *Room) MemberByName(name string) *Session {
	r.RLock()
	defer r.RUnlock()
	for _, s := range r.members {
		if strings.EqualFold(s.Name, name) {
			return s
		}
	}
	return nil
}

func (r *Room) recordChat(rec chatRecord) {
	r.Lock()
	defer r.Unlock()
	r.chatLog = append(r.chatLog, rec)
	if len(r.chatLog) > chatLogSize {
		r.chatLog = r.chatLog[len(r.chatLog)-chatLogSize:]
	}
}

// RecentSpeaker returns the session of the most recent chat author with the
// given display name, falling back to current membership.
func (r *Room) RecentSpeaker(name string) string {
	r.RLock()
	defer r.RUnlock()
	for i := len(r.chatLog) - 1; i >= 0; i-- {
		if strings.EqualFold(r.chatLog[i].FromName, name) {
			return r.chatLog[i].FromID
		}
	}
	return ""
}

func (r *Room) addMatch(matchID string) {
	r.Lock()
	r.matches[matchID] = struct{}{}
	r.Unlock()
}

func (r *Room) removeMatch(matchID string) {
	r.Lock()
	delete(r.matches, matchID)
	r.Unlock()
}

func (r *Room) matchSet() map[string]struct{} {
	r.RLock()
	defer r.RUnlock()
	out := make(map[string]struct{}, len(r.matches))
	for id := range r.matches {
		out[id] = struct{}{}
	}
	return out
}

// RoomRegistry is the leaf broadcast primitive: room id -> member set.
type RoomRegistry struct {
	sync.RWMutex
	rooms map[string]*Room
	log   slog.Logger
}

func NewRoomRegistry(log slog.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*Room),
		log:   log,
	}
}

// Get returns the room, or nil if it has no members.
func (rr *RoomRegistry) Get(roomID string) *Room {
	rr.RLock()
	defer rr.RUnlock()
	return rr.rooms[roomID]
}

// Join moves the session into roomID, broadcasting a leave in the previous
// room, and returns the new room's member snapshot excluding the joiner.
func (rr *RoomRegistry) Join(sess *Session, roomID string) []*Session {
	rr.Leave(sess)

	rr.Lock()
	room := rr.rooms[roomID]
	if room == nil {
		room = newRoom(roomID)
		rr.rooms[roomID] = room
	}
	rr.Unlock()

	room.Lock()
	room.members[sess.ID] = sess
	room.Unlock()

	sess.Lock()
	sess.Room = roomID
	sess.Unlock()

	members := room.Members()
	out := members[:0]
	for _, m := range members {
		if m.ID != sess.ID {
			out = append(out, m)
		}
	}
	rr.log.Debugf("room %s: %s joined (%d members)", roomID, sess.ID, len(out)+1)
	return out
}

// Leave removes the session from its current room and broadcasts player_left
// to the remaining members. Empty rooms are dropped.
func (rr *RoomRegistry) Leave(sess *Session) {
	sess.RLock()
	roomID := sess.Room
	sess.RUnlock()
	if roomID == "" {
		return
	}

	rr.Lock()
	room := rr.rooms[roomID]
	rr.Unlock()
	if room == nil {
		return
	}

	room.Lock()
	delete(room.members, sess.ID)
	empty := len(room.members) == 0
	room.Unlock()

	sess.Lock()
	sess.Room = ""
	sess.Unlock()

	if empty {
		rr.Lock()
		// Re-check under the registry lock; a concurrent Join may have
		// repopulated the room.
		room.RLock()
		stillEmpty := len(room.members) == 0
		room.RUnlock()
		if stillEmpty {
			delete(rr.rooms, roomID)
		}
		rr.Unlock()
	}

	rr.Broadcast(roomID, playerLeftMsg{Type: MsgPlayerLeft, PlayerID: sess.ID})
	rr.log.Debugf("room %s: %s left", roomID, sess.ID)
}

// Broadcast fans a message out to every member except the excluded ids.
// Presence traffic is fire-and-forget: no buffering, no replay, no ordering
// guarantee between receivers.
func (rr *RoomRegistry) Broadcast(roomID string, v any, exclude ...string) {
	room := rr.Get(roomID)
	if room == nil {
		return
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, m := range room.Members() {
		if _, ok := skip[m.ID]; ok {
			continue
		}
		_ = m.Enqueue(v)
	}
}

// BroadcastReliable is Broadcast for challenge/match-class traffic.
func (rr *RoomRegistry) BroadcastReliable(roomID string, v any, exclude ...string) {
	room := rr.Get(roomID)
	if room == nil {
		return
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, m := range room.Members() {
		if _, ok := skip[m.ID]; ok {
			continue
		}
		_ = m.EnqueueReliable(v)
	}
}

// SameRoomWithin reports whether a and b are in the same room and within the
// given radius of each other. The Euclidean check is symmetric in a and b.
func SameRoomWithin(a, b *Session, radius float64) bool {
	a.RLock()
	roomA, pa := a.Room, a.Position
	a.RUnlock()
	b.RLock()
	roomB, pb := b.Room, b.Position
	b.RUnlock()
	if roomA == "" || roomA != roomB {
		return false
	}
	dx, dy, dz := pa.X-pb.X, pa.Y-pb.Y, pa.Z-pb.Z
	return math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius
}
