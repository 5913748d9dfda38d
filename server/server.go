package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/go-chi/chi"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marcus-the-worm/ClubPengu-sub013/paywatch"
	"github.com/marcus-the-worm/ClubPengu-sub013/server/serverdb"
)

const (
	defaultStartingBalance = 500
	defaultChallengeTTL    = 5 * time.Minute
	defaultChallengeRadius = 15.0
	defaultSpectateGrace   = 10 * time.Second
	defaultDepositTimeout  = 2 * time.Minute
	defaultPollInterval    = 5 * time.Second

	expireSweepEvery   = 30 * time.Second
	spectateSweepEvery = 5 * time.Second

	joinTimeout = 10 * time.Second
)

type Config struct {
	Address         string
	DBPath          string
	Debug           string
	StartingBalance int64
	ChallengeTTL    time.Duration
	ChallengeRadius float64
	SpectateGrace   time.Duration
	DepositTimeout  time.Duration
	PollInterval    time.Duration
	PaymentURL      string

	// PaymentClient overrides PaymentURL when set; tests inject fakes here.
	PaymentClient paywatch.Verifier
}

// Server ties the coordinators together and owns the session table.
type Server struct {
	cfg Config
	log slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	db         serverdb.ServerDB
	rooms      *RoomRegistry
	escrow     *Escrow
	matches    *MatchCoordinator
	challenges *ChallengeCoordinator
	spectators *SpectatorHub
	watcher    *paywatch.Watcher
	scheduler  gocron.Scheduler

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mtx      sync.RWMutex
	sessions map[string]*Session

	startedAt time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.StartingBalance <= 0 {
		cfg.StartingBalance = defaultStartingBalance
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.ChallengeRadius <= 0 {
		cfg.ChallengeRadius = defaultChallengeRadius
	}
	if cfg.SpectateGrace <= 0 {
		cfg.SpectateGrace = defaultSpectateGrace
	}
	if cfg.DepositTimeout <= 0 {
		cfg.DepositTimeout = defaultDepositTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	logs := newSubsystemLoggers(GetDebugLevel(cfg.Debug))

	db, err := serverdb.NewBoltDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}

	// No payment endpoint means no token wagers: the escrow's nil-watcher
	// guard then rejects a token-wager attempt immediately instead of
	// polling a collaborator that is not there.
	verifier := cfg.PaymentClient
	if verifier == nil && cfg.PaymentURL != "" {
		verifier = paywatch.NewHTTPVerifier(cfg.PaymentURL)
	}
	var watcher *paywatch.Watcher
	if verifier != nil {
		watcher = paywatch.NewWatcher(logs["PAYW"], verifier, cfg.PollInterval)
	}

	s := &Server{
		cfg:      cfg,
		log:      logs["SRVR"],
		db:       db,
		watcher:  watcher,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	s.rooms = NewRoomRegistry(logs["ROOM"])
	s.escrow = NewEscrow(logs["ESCR"], db, verifier, watcher, cfg.DepositTimeout)
	s.spectators = NewSpectatorHub(logs["SPEC"], s.rooms, cfg.SpectateGrace)
	s.matches = NewMatchCoordinator(logs["MTCH"], db, s.escrow, s.spectators, s.session)
	s.spectators.BindRemover(s.matches.Remove)
	s.challenges = NewChallengeCoordinator(logs["CHAL"], db, s.escrow, s.matches,
		s.rooms, s.session, cfg.ChallengeTTL, cfg.ChallengeRadius)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	s.scheduler = sched

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/balances/{playerID}", s.handleBalanceLookup)
	r.Get("/inbox/{playerID}", s.handleInboxLookup)
	s.httpSrv = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) session(id string) *Session {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.sessions[id]
}

// Run blocks serving until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.watcher != nil {
		go s.watcher.Run(s.ctx)
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(expireSweepEvery),
		gocron.NewTask(func() { s.challenges.ExpireSweep(s.ctx) }),
	); err != nil {
		return fmt.Errorf("schedule challenge sweep: %w", err)
	}
	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(spectateSweepEvery),
		gocron.NewTask(s.spectators.Sweep),
	); err != nil {
		return fmt.Errorf("schedule spectate sweep: %w", err)
	}
	s.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.Address)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-s.ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	}
}

// Shutdown tears down in dependency order: stop admitting work, void what is
// running so wagers go home, then close the stores.
func (s *Server) Shutdown() error {
	s.log.Infof("shutting down")
	s.cancel()

	if err := s.scheduler.Shutdown(); err != nil {
		s.log.Warnf("scheduler shutdown: %v", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		s.log.Warnf("http shutdown: %v", err)
	}

	s.matches.VoidAll(context.Background())

	s.mtx.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mtx.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	return s.db.Close()
}

// handleWS upgrades the connection and runs its session to completion. The
// first frame must be a join; anything else closes the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("upgrade failed: %v", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Type != MsgJoin {
		_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(errorMsg{
			Type: MsgError, Code: CodeBadRequest, Message: "expected join",
		}))
		_ = conn.Close()
		return
	}

	id := req.PlayerID
	if id == "" {
		id = uuid.NewString()
	}
	name := req.Name
	if name == "" {
		name = "penguin-" + id[:8]
	}
	room := req.Room
	if room == "" {
		room = "town"
	}

	sess := newSession(id, name, conn, s.log)
	sess.Appearance = req.Appearance
	sess.Companion = req.Companion

	s.mtx.Lock()
	if _, online := s.sessions[id]; online {
		s.mtx.Unlock()
		// A second connection for a live player id is refused rather than
		// adopted: a takeover mid-match would void the match.
		_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(errorMsg{
			Type: MsgError, Code: CodeConflict, Message: "player already connected",
		}))
		_ = conn.Close()
		return
	}
	s.sessions[id] = sess
	s.mtx.Unlock()

	go sess.writePump()
	s.finishJoin(sess, room)
	sess.readPump(s.dispatch)
	s.handleDisconnect(sess)
}

// finishJoin runs the join-time pushes: room state both ways, balance,
// pending challenges, durable inbox, and spectator catch-up.
func (s *Server) finishJoin(sess *Session, room string) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	bal, err := s.db.EnsureBalance(ctx, sess.ID, s.cfg.StartingBalance)
	if err != nil {
		s.log.Errorf("ensure balance for %s: %v", sess.ID, err)
	}

	s.enterRoom(sess, room)

	_ = sess.Enqueue(coinsUpdateMsg{Type: MsgCoinsUpdate, Balance: bal})
	_ = sess.EnqueueReliable(pendingChallengesMsg{
		Type:       MsgPendingChallengesSync,
		Challenges: s.challenges.PendingFor(sess.ID),
	})
	if entries, err := s.db.FetchInbox(ctx, sess.ID); err == nil {
		_ = sess.EnqueueReliable(inboxUpdateMsg{Type: MsgInboxUpdate, Entries: wireInbox(entries)})
	} else {
		s.log.Errorf("inbox fetch for %s: %v", sess.ID, err)
	}
	s.log.Infof("player %s (%s) joined room %s", sess.ID, sess.Name, room)
}

// enterRoom runs the room-scoped part of a join: registry move (the previous
// room, if any, hears a leave), room_state back to the joiner, player_joined
// to the new room, and spectator catch-up for any match in progress there.
func (s *Server) enterRoom(sess *Session, room string) {
	others := s.rooms.Join(sess, room)
	players := make([]PlayerInfo, 0, len(others))
	for _, o := range others {
		info := o.Info()
		info.InMatch = s.matches.InMatch(o.ID)
		players = append(players, info)
	}
	_ = sess.EnqueueReliable(roomStateMsg{Type: MsgRoomState, Room: room, You: sess.ID, Players: players})
	s.rooms.Broadcast(room, playerJoinedMsg{Type: MsgPlayerJoined, Player: sess.Info()}, sess.ID)
	s.spectators.CatchUp(sess)
}

// handleDisconnect unwinds a departed session: its outgoing challenges are
// withdrawn with refunds, its active match is voided, and the room hears a
// leave. Inbox and balance stay durable for the next session.
func (s *Server) handleDisconnect(sess *Session) {
	s.mtx.Lock()
	if cur, ok := s.sessions[sess.ID]; ok && cur == sess {
		delete(s.sessions, sess.ID)
	}
	s.mtx.Unlock()
	sess.Close()

	ctx := context.Background()
	s.challenges.HandleDisconnect(ctx, sess.ID)
	s.matches.HandleDisconnect(ctx, sess.ID)
	s.rooms.Leave(sess)
	s.log.Infof("player %s disconnected", sess.ID)
}

// --- operator HTTP surface ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mtx.RLock()
	online := len(s.sessions)
	s.mtx.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).String(),
		"players": online,
	})
}

func (s *Server) handleBalanceLookup(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	bal, err := s.db.GetBalance(r.Context(), playerID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown player"})
		return
	}
	ledger, err := s.db.FetchLedgerLog(r.Context(), playerID, 50)
	if err != nil {
		s.log.Errorf("ledger fetch for %s: %v", playerID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playerId": playerID,
		"balance":  bal,
		"ledger":   ledger,
	})
}

func (s *Server) handleInboxLookup(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	entries, err := s.db.FetchInbox(r.Context(), playerID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playerId": playerID,
		"entries":  wireInbox(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func wireInbox(entries []*serverdb.InboxEntry) []*InboxEntry {
	out := make([]*InboxEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &InboxEntry{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Payload:   e.Payload,
			Read:      e.Read,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}
