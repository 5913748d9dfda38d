package server

import (
	"encoding/json"
	"time"
)

// Client -> server message types.
const (
	MsgJoin                 = "join"
	MsgMove                 = "move"
	MsgEmote                = "emote"
	MsgAppearance           = "appearance"
	MsgAFK                  = "afk"
	MsgChat                 = "chat"
	MsgChallengeSend        = "challenge_send"
	MsgChallengeRespond     = "challenge_respond"
	MsgChallengeCancel      = "challenge_cancel"
	MsgMatchAction          = "match_action"
	MsgMatchPlayCard        = "match_play_card" // legacy alias of match_action
	MsgMatchForfeit         = "match_forfeit"
	MsgInboxSync            = "inbox_sync"
	MsgInboxDismiss         = "inbox_dismiss"
	MsgActiveMatchesRequest = "active_matches_request"
	MsgBalanceRequest       = "balance_request"
)

// Server -> client message types.
const (
	MsgRoomState             = "room_state"
	MsgPlayerJoined          = "player_joined"
	MsgPlayerLeft            = "player_left"
	MsgPlayerMoved           = "player_moved"
	MsgPlayerEmote           = "player_emote"
	MsgPlayerAppearance      = "player_appearance"
	MsgPlayerAFK             = "player_afk"
	MsgChatBroadcast         = "chat" // same tag both directions
	MsgWhisper               = "whisper"
	MsgChallengeSent         = "challenge_sent"
	MsgChallengeReceived     = "challenge_received"
	MsgChallengeError        = "challenge_error"
	MsgChallengeCancelled    = "challenge_cancelled"
	MsgChallengeDeclined     = "challenge_declined"
	MsgPendingChallengesSync = "pending_challenges_sync"
	MsgMatchStart            = "match_start"
	MsgMatchState            = "match_state"
	MsgMatchEnd              = "match_end"
	MsgMatchError            = "match_error"
	MsgSpectateStart         = "match_spectate_start"
	MsgSpectateState         = "match_spectate"
	MsgSpectateEnd           = "match_spectate_end"
	MsgActiveMatches         = "active_matches"
	MsgInboxUpdate           = "inbox_update"
	MsgCoinsUpdate           = "coins_update"
	MsgError                 = "error"
)

// Error codes carried by challenge_error / match_error / error payloads.
const (
	CodeTargetUnavailable = "TargetUnavailable"
	CodeOutOfRange        = "OutOfRange"
	CodeInsufficientFunds = "InsufficientFunds"
	CodeDepositRejected   = "DepositRejected"
	CodeNotYourTurn       = "NotYourTurn"
	CodeInvalidAction     = "InvalidAction"
	CodeConflict          = "Conflict"
	CodeBadRequest        = "BadRequest"
	CodeNotFound          = "NotFound"
)

// envelope is the minimal decode of any inbound frame; the payload is decoded
// a second time into the per-type request struct.
type envelope struct {
	Type string `json:"type"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// TokenWager describes the optional on-chain side of a wager. RawAmount is a
// decimal string in the token's smallest unit; the coordinator never does
// token arithmetic, it only snapshots and forwards.
type TokenWager struct {
	Token     string `json:"token"`
	Decimals  int32  `json:"decimals"`
	RawAmount string `json:"rawAmount"`
}

// PlayerInfo is the presence snapshot of one session.
type PlayerInfo struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Position   Vec3            `json:"position"`
	Rotation   Vec3            `json:"rotation"`
	Appearance json.RawMessage `json:"appearance,omitempty"`
	Companion  string          `json:"companion,omitempty"`
	AFK        bool            `json:"afk"`
	InMatch    bool            `json:"inMatch"`
}

// --- client requests ---

type joinRequest struct {
	Type       string          `json:"type"`
	PlayerID   string          `json:"playerId,omitempty"`
	Room       string          `json:"room"`
	Name       string          `json:"name"`
	Appearance json.RawMessage `json:"appearance,omitempty"`
	Companion  string          `json:"companion,omitempty"`
}

type moveRequest struct {
	Type     string `json:"type"`
	Position Vec3   `json:"position"`
	Rotation Vec3   `json:"rotation"`
}

type emoteRequest struct {
	Type  string `json:"type"`
	Emote string `json:"emote"`
}

type appearanceRequest struct {
	Type       string          `json:"type"`
	Appearance json.RawMessage `json:"appearance"`
}

type afkRequest struct {
	Type string `json:"type"`
	AFK  bool   `json:"afk"`
}

type chatRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type challengeSendRequest struct {
	Type           string      `json:"type"`
	TargetID       string      `json:"targetId"`
	GameType       string      `json:"gameType"`
	WagerAmount    int64       `json:"wagerAmount"`
	WagerToken     *TokenWager `json:"wagerToken,omitempty"`
	WagerDepositTx string      `json:"wagerDepositTx,omitempty"`
}

type challengeRespondRequest struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challengeId"`
	Response    string `json:"response"` // accept | deny | delete
	DepositTx   string `json:"depositTx,omitempty"`
}

type challengeCancelRequest struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challengeId"`
}

type matchActionRequest struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId"`
	Action  json.RawMessage `json:"action"`
}

type matchForfeitRequest struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

type inboxDismissRequest struct {
	Type    string `json:"type"`
	EntryID string `json:"entryId"`
}

// --- server messages ---

type roomStateMsg struct {
	Type    string       `json:"type"`
	Room    string       `json:"room"`
	You     string       `json:"you"`
	Players []PlayerInfo `json:"players"`
}

type playerJoinedMsg struct {
	Type   string     `json:"type"`
	Player PlayerInfo `json:"player"`
}

type playerLeftMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
}

type playerMovedMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Position Vec3   `json:"position"`
	Rotation Vec3   `json:"rotation"`
}

type playerEmoteMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	Emote    string `json:"emote"`
}

type playerAppearanceMsg struct {
	Type       string          `json:"type"`
	PlayerID   string          `json:"playerId"`
	Appearance json.RawMessage `json:"appearance"`
}

type playerAFKMsg struct {
	Type     string `json:"type"`
	PlayerID string `json:"playerId"`
	AFK      bool   `json:"afk"`
}

type chatMsg struct {
	Type     string    `json:"type"`
	FromID   string    `json:"fromId"`
	FromName string    `json:"fromName"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// ChallengeInfo is the wire view of a challenge.
type ChallengeInfo struct {
	ID             string      `json:"id"`
	ChallengerID   string      `json:"challengerId"`
	ChallengerName string      `json:"challengerName"`
	TargetID       string      `json:"targetId"`
	GameType       string      `json:"gameType"`
	WagerPoints    int64       `json:"wagerPoints"`
	WagerToken     *TokenWager `json:"wagerToken,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
}

type challengeMsg struct {
	Type      string        `json:"type"`
	Challenge ChallengeInfo `json:"challenge"`
}

type challengeTerminalMsg struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challengeId"`
	Reason      string `json:"reason,omitempty"`
}

type pendingChallengesMsg struct {
	Type       string          `json:"type"`
	Challenges []ChallengeInfo `json:"challenges"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // challenge or match id when applicable
}

// MatchInfo is the wire view of a match, shared by participant and spectator
// messages.
type MatchInfo struct {
	ID          string      `json:"id"`
	GameType    string      `json:"gameType"`
	Room        string      `json:"room"`
	Player1     PlayerRef   `json:"player1"`
	Player2     PlayerRef   `json:"player2"`
	WagerPoints int64       `json:"wagerPoints"`
	WagerToken  *TokenWager `json:"wagerToken,omitempty"`
	Status      string      `json:"status"`
}

type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role int32  `json:"role"`
}

type matchStartMsg struct {
	Type         string          `json:"type"`
	Match        MatchInfo       `json:"match"`
	YourRole     int32           `json:"yourRole"`
	InitialState json.RawMessage `json:"initialState"`
	Coins        int64           `json:"coins,omitempty"` // caller's balance after wager hold
}

type matchStateMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId"`
	State   json.RawMessage `json:"state"`
}

// MatchResult is the terminal summary carried by match_end and
// match_spectate_end.
type MatchResult struct {
	MatchID        string      `json:"matchId"`
	WinnerPlayerID string      `json:"winnerPlayerId,omitempty"`
	Reason         string      `json:"reason"`
	CoinsWon       int64       `json:"coinsWon"`
	TokenPayout    *TokenWager `json:"tokenPayout,omitempty"`
}

type matchEndMsg struct {
	Type   string      `json:"type"`
	Result MatchResult `json:"result"`
}

type spectateStartMsg struct {
	Type  string          `json:"type"`
	Match MatchInfo       `json:"match"`
	State json.RawMessage `json:"state"`
}

type spectateStateMsg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"matchId"`
	State   json.RawMessage `json:"state"`
}

type spectateEndMsg struct {
	Type   string          `json:"type"`
	Result MatchResult     `json:"result"`
	State  json.RawMessage `json:"state"`
}

type activeMatchesMsg struct {
	Type    string      `json:"type"`
	Matches []MatchInfo `json:"matches"`
}

type inboxUpdateMsg struct {
	Type    string        `json:"type"`
	Entries []*InboxEntry `json:"entries"`
}

// InboxEntry mirrors serverdb.InboxEntry on the wire.
type InboxEntry struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
}

type coinsUpdateMsg struct {
	Type    string `json:"type"`
	Balance int64  `json:"balance"`
	Reason  string `json:"reason,omitempty"`
}
