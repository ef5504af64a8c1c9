// Package store defines the durable model of rounds, boards, participants
// and wallets, and the transactional interface the engine persists through.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lox/bingo/bingo"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTransient marks an infrastructure failure worth retrying.
	ErrTransient = errors.New("store: transient failure")
)

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	StatusLobby     RoundStatus = "lobby"
	StatusCountdown RoundStatus = "countdown"
	StatusPlaying   RoundStatus = "playing"
	StatusCompleted RoundStatus = "completed"
	StatusCancelled RoundStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RoundStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Live reports whether a round in this state can still be joined or played.
func (s RoundStatus) Live() bool {
	return !s.Terminal()
}

// PauseReason distinguishes why a playing round stopped calling numbers.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseDisconnect PauseReason = "disconnect"
	PauseDatabase   PauseReason = "database"
)

// Outcome is how a terminal round ended.
type Outcome string

const (
	OutcomeNone           Outcome = ""
	OutcomeWon            Outcome = "won"
	OutcomeNoWinnerRefund Outcome = "no_winner_refund"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeHouseForfeit   Outcome = "house_forfeit"
)

// PayoutMode selects how the effective payout percentage is derived.
type PayoutMode string

const (
	PayoutStatic  PayoutMode = "static"
	PayoutBanded  PayoutMode = "banded"
	PayoutDynamic PayoutMode = "dynamic"
)

// WalletKind names one of a player's two balances.
type WalletKind string

const (
	WalletMain  WalletKind = "main"
	WalletBonus WalletKind = "bonus"
)

// LedgerKind classifies a money movement.
type LedgerKind string

const (
	LedgerEntryFee LedgerKind = "entry_fee"
	LedgerRefund   LedgerKind = "refund"
	LedgerPayout   LedgerKind = "payout"
)

// PayoutBand maps a player-count range to a payout percentage.
type PayoutBand struct {
	MinPlayers int
	MaxPlayers int
	Percent    int
}

// Room is the static configuration of a game room.
type Room struct {
	ID               string
	Name             string
	EntryFee         int64
	MinPlayers       int
	MaxPlayers       int
	BoardCount       int
	CountdownSeconds int
	PayoutPercent    int
	PayoutMode       PayoutMode
	Bands            []PayoutBand
	Active           bool
}

// Round is the durable mirror of a round.
type Round struct {
	ID            string
	RoomID        string
	Status        RoundStatus
	PauseReason   PauseReason
	Outcome       Outcome
	EntryFee      int64
	PrizePool     int64
	Commission    int64
	// Forfeited holds stakes of players removed mid-play. They leave the
	// prize pool and are retained by the house.
	Forfeited     int64
	PayoutPercent int
	PlayerCount   int
	CallCount     int
	Winners       []int64
	PayoutEach    int64
	CreatedAt     time.Time
	StartedAt     *time.Time
	PausedAt      *time.Time
	EndedAt       *time.Time
}

// Board is one pre-generated board of a round.
type Board struct {
	RoundID    string
	Number     int
	Grid       bingo.Grid
	Hash       string
	AssignedTo int64
}

// Assigned reports whether a player owns the board.
func (b Board) Assigned() bool {
	return b.AssignedTo != 0
}

// Participant pairs a player with a round and board.
type Participant struct {
	RoundID       string
	PlayerID      int64
	BoardNumber   int
	Stake         int64
	StakeWallet   WalletKind
	FalseClaims   int
	Active        bool
	Refunded      bool
	RemovedReason string
	JoinedAt      time.Time
}

// Call is one drawn number with its 1-based order.
type Call struct {
	RoundID string
	Number  int
	Order   int
}

// Wallet holds a player's balances in minor currency units.
type Wallet struct {
	PlayerID    int64
	Main        int64
	Bonus       int64
	GamesPlayed int
}

// Balance returns the sum of both balances.
func (w Wallet) Balance() int64 {
	return w.Main + w.Bonus
}

// LedgerEntry records one money movement.
type LedgerEntry struct {
	RoundID  string
	PlayerID int64
	Wallet   WalletKind
	Kind     LedgerKind
	Amount   int64
	At       time.Time
}

// Player is the user directory view of a player.
type Player struct {
	ID          int64
	DisplayName string
}

// Tx is the set of operations available to the engine, either inside a
// transaction or against the store directly. The Lock methods take row locks
// when run inside a transaction.
type Tx interface {
	ListRooms(ctx context.Context) ([]Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	UpsertRoom(ctx context.Context, room Room) error

	InsertRound(ctx context.Context, round *Round) error
	GetRound(ctx context.Context, roundID string) (*Round, error)
	LockRound(ctx context.Context, roundID string) (*Round, error)
	UpdateRound(ctx context.Context, round *Round) error
	LiveRounds(ctx context.Context) ([]Round, error)

	InsertBoards(ctx context.Context, boards []Board) error
	GetBoard(ctx context.Context, roundID string, number int) (*Board, error)
	LockBoard(ctx context.Context, roundID string, number int) (*Board, error)
	AssignBoard(ctx context.Context, roundID string, number int, playerID int64) error
	ListBoards(ctx context.Context, roundID string) ([]Board, error)

	InsertParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, roundID string, playerID int64) (*Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	ListParticipants(ctx context.Context, roundID string) ([]Participant, error)
	ActiveRoundForPlayer(ctx context.Context, playerID int64) (*Participant, error)

	AppendCall(ctx context.Context, call Call) error
	ListCalls(ctx context.Context, roundID string) ([]Call, error)

	GetWallet(ctx context.Context, playerID int64) (*Wallet, error)
	LockWallet(ctx context.Context, playerID int64) (*Wallet, error)
	AdjustWallet(ctx context.Context, playerID int64, kind WalletKind, delta int64) error
	IncrementGamesPlayed(ctx context.Context, playerIDs []int64) error
	InsertLedger(ctx context.Context, entry LedgerEntry) error

	GetPlayer(ctx context.Context, playerID int64) (*Player, error)
}

// Store runs operations directly or inside a transaction that commits when
// fn returns nil and rolls back otherwise. InSnapshot runs fn read-only
// against a single consistent view.
type Store interface {
	Conn() Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	InSnapshot(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
