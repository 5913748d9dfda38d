package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound frames; appearance blobs are the largest
	// legitimate payload.
	maxMessageSize = 64 * 1024

	outBufSize = 128
)

// Session is one connected player: identity, presence state, and the
// outbound message queue. All mutation happens through the owning Server's
// coordinators; Presence Sync only ever reads the in-match marker.
type Session struct {
	sync.RWMutex
	ID   string
	Name string

	Room       string
	Position   Vec3
	Rotation   Vec3
	Appearance json.RawMessage
	Companion  string
	AFK        bool

	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
	log  slog.Logger
}

func newSession(id, name string, conn *websocket.Conn, log slog.Logger) *Session {
	return &Session{
		ID:   id,
		Name: name,
		conn: conn,
		out:  make(chan []byte, outBufSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Info snapshots the presence view of this session. InMatch is filled in by
// the caller from the active-match table, never from session state.
func (s *Session) Info() PlayerInfo {
	s.RLock()
	defer s.RUnlock()
	return PlayerInfo{
		ID:         s.ID,
		Name:       s.Name,
		Position:   s.Position,
		Rotation:   s.Rotation,
		Appearance: s.Appearance,
		Companion:  s.Companion,
		AFK:        s.AFK,
	}
}

// Enqueue queues a presence-class message, best effort. When the buffer is
// full the oldest frame is dropped so one slow client cannot stall the room.
func (s *Session) Enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	select {
	case <-s.done:
		return fmt.Errorf("session %s closed", s.ID)
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
	}
	// Buffer full; drop the oldest frame and try once more.
	select {
	case <-s.out:
	default:
	}
	select {
	case s.out <- data:
	default:
		s.log.Debugf("session %s: outbound buffer full, dropping frame", s.ID)
	}
	return nil
}

// EnqueueReliable queues a message that must not be dropped (challenge,
// match, settlement traffic). If the client cannot drain its queue within
// the write deadline the session is torn down instead.
func (s *Session) EnqueueReliable(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s closed", s.ID)
	case <-t.C:
		s.Close()
		return fmt.Errorf("session %s: send timed out", s.ID)
	}
}

// Close is idempotent and safe from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// readPump delivers inbound frames to dispatch in receipt order, which is
// what preserves per-session action ordering.
func (s *Session) readPump(dispatch func(*Session, []byte)) {
	defer s.Close()
	if s.conn == nil {
		return
	}
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("session %s: read error: %v", s.ID, err)
			}
			return
		}
		dispatch(s, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()
	if s.conn == nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debugf("session %s: write error: %v", s.ID, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
