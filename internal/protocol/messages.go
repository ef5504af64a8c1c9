// Package protocol defines the websocket wire format: a JSON envelope,
// the closed set of client commands and the server events.
package protocol

import (
	"encoding/json"
	"time"
)

// Client -> Server
const (
	TypeGetRooms         = "get_rooms"
	TypeGetBalance       = "get_balance"
	TypeCheckActiveRound = "check_active_round"
	TypeJoinRoom         = "join_room"
	TypeSelectBoard      = "select_board"
	TypeClaimBingo       = "claim_bingo"
	TypeLeaveRound       = "leave_round"
)

// Server -> Client
const (
	TypeRoomsList        = "rooms_list"
	TypeRoomUpdated      = "room_updated"
	TypeRoundJoined      = "round_joined"
	TypeActiveRound      = "active_round"
	TypeBoardAssigned    = "board_assigned"
	TypeBoardUnavailable = "board_unavailable"
	TypeAvailableBoards  = "available_boards"
	TypeCountdownStart   = "countdown_start"
	TypeCountdownTick    = "countdown_tick"
	TypeRoundStarted     = "round_started"
	TypeNumberCalled     = "number_called"
	TypeClaimResult      = "claim_result"
	TypeRoundWon         = "round_won"
	TypeMultipleWinners  = "multiple_winners"
	TypeRoundEnded       = "round_ended"
	TypePlayerJoined     = "player_joined"
	TypePlayerLeft       = "player_left"
	TypePlayerRemoved    = "player_removed"
	TypeBalanceUpdated   = "balance_updated"
	TypeForcedLeave      = "forced_leave"
	TypeRoundPaused      = "round_paused"
	TypeRoundResumed     = "round_resumed"
	TypeRoundFault       = "round_fault"
	TypeError            = "error"
)

// Reasons carried by round_ended, forced_leave, claim_result and round_fault.
const (
	ReasonNoWinnerRefund = "no_winner_refund"
	ReasonCancelled      = "cancelled"
	ReasonHouseForfeit   = "house_forfeit"
	ReasonFalseClaim     = "false_claim"
	ReasonLeft           = "left"
	ReasonDisconnect     = "disconnect"
	ReasonDatabase       = "database"
	ReasonNoLine         = "no_winning_line"
	ReasonUncalledNumber = "uncalled_number"
)

// Error codes sent in error and board_unavailable events.
const (
	CodeInvalidMessage    = "invalid_message"
	CodeRateLimited       = "rate_limited"
	CodeBoardTaken        = "board_taken"
	CodeInsufficientFunds = "insufficient_funds"
	CodeRoundFull         = "round_full"
	CodeAlreadyWon        = "already_won"
	CodeWindowClosed      = "window_closed"
	CodeNotPlaying        = "not_playing"
	CodeRoundStarted      = "round_started"
	CodeRoundPaused       = "round_paused"
	CodeBoardNotFound     = "board_not_found"
	CodeNotParticipant    = "not_participant"
	CodeAlreadySeated     = "already_seated"
	CodeRoundNotFound     = "round_not_found"
	CodeRoomNotFound      = "room_not_found"
	CodeUnavailable       = "service_unavailable"
	CodeInternal          = "internal_error"
)

// Envelope is the inbound wire form before its data is decoded.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Message is the outbound wire form.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// NewMessage stamps an event with the current UTC time.
func NewMessage(typ string, data any) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// Reply returns m correlated with a client request.
func (m Message) Reply(requestID string) Message {
	m.RequestID = requestID
	return m
}

// Encode serializes a message for a text frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

type RoomInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EntryFee      int64  `json:"entryFee"`
	MinPlayers    int    `json:"minPlayers"`
	MaxPlayers    int    `json:"maxPlayers"`
	BoardCount    int    `json:"boardCount"`
	PayoutPercent int    `json:"payoutPercent"`
	RoundID       string `json:"roundId,omitempty"`
	Status        string `json:"status,omitempty"`
	PlayerCount   int    `json:"playerCount"`
	PrizePool     int64  `json:"prizePool"`
}

type RoomsList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// RoundJoined is the snapshot sent on join. Board and BoardNumber are only
// set when the player already holds a seat.
type RoundJoined struct {
	RoundID            string `json:"roundId"`
	RoomID             string `json:"roomId"`
	Status             string `json:"status"`
	EntryFee           int64  `json:"entryFee"`
	PlayerCount        int    `json:"playerCount"`
	PrizePool          int64  `json:"prizePool"`
	PayoutPercent      int    `json:"payoutPercent"`
	CountdownRemaining int    `json:"countdownRemaining,omitempty"`
	Called             []int  `json:"called"`
	AvailableBoards    []int  `json:"availableBoards"`
	Paused             bool   `json:"paused,omitempty"`
	Reconnect          bool   `json:"reconnect"`
	BoardNumber        int    `json:"boardNumber,omitempty"`
	Board              []int  `json:"board,omitempty"`
}

type ActiveRound struct {
	Active      bool   `json:"active"`
	RoundID     string `json:"roundId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	Status      string `json:"status,omitempty"`
	BoardNumber int    `json:"boardNumber,omitempty"`
}

type BoardAssigned struct {
	RoundID     string `json:"roundId"`
	BoardNumber int    `json:"boardNumber"`
	Board       []int  `json:"board"`
	Hash        string `json:"hash"`
	Stake       int64  `json:"stake"`
	Wallet      string `json:"wallet"`
}

type BoardUnavailable struct {
	RoundID     string `json:"roundId"`
	BoardNumber int    `json:"boardNumber"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

type AvailableBoards struct {
	RoundID string `json:"roundId"`
	Boards  []int  `json:"boards"`
	Taken   int    `json:"taken"`
}

type CountdownStart struct {
	RoundID       string `json:"roundId"`
	Seconds       int    `json:"seconds"`
	PlayerCount   int    `json:"playerCount"`
	PrizePool     int64  `json:"prizePool"`
	PayoutPercent int    `json:"payoutPercent"`
}

type CountdownTick struct {
	RoundID       string `json:"roundId"`
	Remaining     int    `json:"remaining"`
	PlayerCount   int    `json:"playerCount"`
	PrizePool     int64  `json:"prizePool"`
	PayoutPercent int    `json:"payoutPercent"`
}

type RoundStarted struct {
	RoundID       string `json:"roundId"`
	PlayerCount   int    `json:"playerCount"`
	PrizePool     int64  `json:"prizePool"`
	PayoutPercent int    `json:"payoutPercent"`
}

type NumberCalled struct {
	RoundID string `json:"roundId"`
	Letter  string `json:"letter"`
	Number  int    `json:"number"`
	Order   int    `json:"order"`
	History []int  `json:"history"`
}

type ClaimResult struct {
	RoundID  string `json:"roundId"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type Winner struct {
	PlayerID    int64  `json:"playerId"`
	DisplayName string `json:"displayName"`
	BoardNumber int    `json:"boardNumber"`
}

type RoundWon struct {
	RoundID       string `json:"roundId"`
	Winner        Winner `json:"winner"`
	Payout        int64  `json:"payout"`
	PrizePool     int64  `json:"prizePool"`
	PayoutPercent int    `json:"payoutPercent"`
	Called        []int  `json:"called"`
}

type MultipleWinners struct {
	RoundID       string   `json:"roundId"`
	Winners       []Winner `json:"winners"`
	PayoutEach    int64    `json:"payoutEach"`
	PrizePool     int64    `json:"prizePool"`
	PayoutPercent int      `json:"payoutPercent"`
	Called        []int    `json:"called"`
}

type RoundEnded struct {
	RoundID string `json:"roundId"`
	Reason  string `json:"reason"`
}

type PlayerJoined struct {
	RoundID     string `json:"roundId"`
	DisplayName string `json:"displayName"`
	BoardNumber int    `json:"boardNumber"`
	PlayerCount int    `json:"playerCount"`
	PrizePool   int64  `json:"prizePool"`
}

type PlayerLeft struct {
	RoundID     string `json:"roundId"`
	BoardNumber int    `json:"boardNumber"`
	PlayerCount int    `json:"playerCount"`
	PrizePool   int64  `json:"prizePool"`
}

// PlayerRemoved is broadcast without identifying the removed player.
type PlayerRemoved struct {
	RoundID     string `json:"roundId"`
	Reason      string `json:"reason"`
	PlayerCount int    `json:"playerCount"`
}

type BalanceUpdated struct {
	Main  int64 `json:"main"`
	Bonus int64 `json:"bonus"`
	Total int64 `json:"total"`
}

type ForcedLeave struct {
	RoundID string `json:"roundId,omitempty"`
	Reason  string `json:"reason"`
}

type RoundPaused struct {
	RoundID      string `json:"roundId"`
	Reason       string `json:"reason"`
	GraceSeconds int    `json:"graceSeconds,omitempty"`
}

type RoundResumed struct {
	RoundID   string `json:"roundId"`
	NextOrder int    `json:"nextOrder"`
}

type RoundFault struct {
	RoundID string `json:"roundId"`
	Reason  string `json:"reason"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
