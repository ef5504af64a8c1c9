// Package config loads the HCL server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Config is the complete server configuration.
type Config struct {
	Server   *ServerSettings   `hcl:"server,block"`
	Database *DatabaseSettings `hcl:"database,block"`
	Events   *EventsSettings   `hcl:"events,block"`
	Limits   *LimitSettings    `hcl:"limits,block"`
	Timing   *TimingSettings   `hcl:"timing,block"`
	Auth     *AuthSettings     `hcl:"auth,block"`
	Rooms    []RoomConfig      `hcl:"room,block"`
}

type ServerSettings struct {
	Address     string `hcl:"address,optional"`
	Port        int    `hcl:"port,optional"`
	LogLevel    string `hcl:"log_level,optional"`
	Environment string `hcl:"environment,optional"`
}

type DatabaseSettings struct {
	Backend           string `hcl:"backend,optional"`
	URL               string `hcl:"url,optional"`
	MaxConns          int    `hcl:"max_conns,optional"`
	MinConns          int    `hcl:"min_conns,optional"`
	StatementAttempts int    `hcl:"statement_attempts,optional"`
	TxAttempts        int    `hcl:"tx_attempts,optional"`
	BreakerThreshold  int    `hcl:"breaker_threshold,optional"`
	BreakerCooldown   string `hcl:"breaker_cooldown,optional"`
}

type EventsSettings struct {
	Backend  string `hcl:"backend,optional"`
	RedisURL string `hcl:"redis_url,optional"`
	NATSURL  string `hcl:"nats_url,optional"`
	Topic    string `hcl:"topic,optional"`
}

type LimitSettings struct {
	PerPlayer     int    `hcl:"per_player,optional"`
	PerAddress    int    `hcl:"per_address,optional"`
	Global        int    `hcl:"global,optional"`
	IdleTimeout   string `hcl:"idle_timeout,optional"`
	MaxSession    string `hcl:"max_session,optional"`
	GeneralLimit  int    `hcl:"general_limit,optional"`
	GeneralWindow string `hcl:"general_window,optional"`
	JoinLimit     int    `hcl:"join_limit,optional"`
	JoinWindow    string `hcl:"join_window,optional"`
	ClaimLimit    int    `hcl:"claim_limit,optional"`
	ClaimWindow   string `hcl:"claim_window,optional"`
}

type TimingSettings struct {
	DrawInterval     string `hcl:"draw_interval,optional"`
	SettlementWindow string `hcl:"settlement_window,optional"`
	DisconnectCheck  string `hcl:"disconnect_check,optional"`
	DisconnectGrace  string `hcl:"disconnect_grace,optional"`
	EvictAfter       string `hcl:"evict_after,optional"`
	SweepSchedule    string `hcl:"sweep_schedule,optional"`
}

type AuthSettings struct {
	BotToken   string `hcl:"bot_token,optional"`
	MaxAge     string `hcl:"max_age,optional"`
	AllowDebug bool   `hcl:"allow_debug,optional"`
}

// RoomConfig seeds one room into the store at startup.
type RoomConfig struct {
	ID               string       `hcl:"id,label"`
	Name             string       `hcl:"name,optional"`
	EntryFee         int64        `hcl:"entry_fee"`
	MinPlayers       int          `hcl:"min_players,optional"`
	MaxPlayers       int          `hcl:"max_players,optional"`
	BoardCount       int          `hcl:"board_count,optional"`
	CountdownSeconds int          `hcl:"countdown_seconds,optional"`
	PayoutPercent    int          `hcl:"payout_percent,optional"`
	PayoutMode       string       `hcl:"payout_mode,optional"`
	Bands            []BandConfig `hcl:"band,block"`
}

type BandConfig struct {
	MinPlayers int `hcl:"min_players"`
	MaxPlayers int `hcl:"max_players"`
	Percent    int `hcl:"percent"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{
		Rooms: []RoomConfig{
			{ID: "classic-10", Name: "Classic 10", EntryFee: 10},
			{ID: "classic-50", Name: "Classic 50", EntryFee: 50, PayoutMode: "banded", Bands: []BandConfig{
				{MinPlayers: 2, MaxPlayers: 9, Percent: 75},
				{MinPlayers: 10, MaxPlayers: 49, Percent: 80},
				{MinPlayers: 50, MaxPlayers: 200, Percent: 85},
			}},
		},
	}
	c.applyDefaults()
	return c
}

// Load reads filename, falling back to defaults when it does not exist.
func Load(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}
	var c Config
	if diags := gohcl.DecodeBody(file.Body, nil, &c); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %s", filename, diags.Error())
	}
	c.applyDefaults()
	return &c, nil
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerSettings{}
	}
	setDefault(&c.Server.Address, "0.0.0.0")
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.LogLevel, "info")
	setDefault(&c.Server.Environment, "production")

	if c.Database == nil {
		c.Database = &DatabaseSettings{}
	}
	setDefault(&c.Database.Backend, "memory")
	setDefault(&c.Database.MaxConns, 20)
	setDefault(&c.Database.MinConns, 2)
	setDefault(&c.Database.StatementAttempts, 4)
	setDefault(&c.Database.TxAttempts, 2)
	setDefault(&c.Database.BreakerThreshold, 5)
	setDefault(&c.Database.BreakerCooldown, "10s")

	if c.Events == nil {
		c.Events = &EventsSettings{}
	}
	setDefault(&c.Events.Backend, "log")
	setDefault(&c.Events.Topic, "bingo.rounds.completed")

	if c.Limits == nil {
		c.Limits = &LimitSettings{}
	}
	setDefault(&c.Limits.PerPlayer, 3)
	setDefault(&c.Limits.PerAddress, 20)
	setDefault(&c.Limits.Global, 5000)
	setDefault(&c.Limits.IdleTimeout, "10m")
	setDefault(&c.Limits.MaxSession, "6h")
	setDefault(&c.Limits.GeneralLimit, 30)
	setDefault(&c.Limits.GeneralWindow, "10s")
	setDefault(&c.Limits.JoinLimit, 10)
	setDefault(&c.Limits.JoinWindow, "1m")
	setDefault(&c.Limits.ClaimLimit, 3)
	setDefault(&c.Limits.ClaimWindow, "5s")

	if c.Timing == nil {
		c.Timing = &TimingSettings{}
	}
	setDefault(&c.Timing.DrawInterval, "3s")
	setDefault(&c.Timing.SettlementWindow, "150ms")
	setDefault(&c.Timing.DisconnectCheck, "2s")
	setDefault(&c.Timing.DisconnectGrace, "30s")
	setDefault(&c.Timing.EvictAfter, "1m")
	setDefault(&c.Timing.SweepSchedule, "@every 30s")

	if c.Auth == nil {
		c.Auth = &AuthSettings{}
	}
	setDefault(&c.Auth.MaxAge, "24h")

	for i := range c.Rooms {
		r := &c.Rooms[i]
		setDefault(&r.Name, r.ID)
		setDefault(&r.MinPlayers, 2)
		setDefault(&r.MaxPlayers, 200)
		setDefault(&r.BoardCount, 200)
		setDefault(&r.CountdownSeconds, 30)
		setDefault(&r.PayoutPercent, 80)
		setDefault(&r.PayoutMode, "static")
	}
}

// Validate checks ranges and that every duration parses.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database: url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database: unknown backend %q", c.Database.Backend)
	}
	switch c.Events.Backend {
	case "log":
	case "redis":
		if c.Events.RedisURL == "" {
			return errors.New("events: redis_url is required for the redis backend")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return errors.New("events: nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("events: unknown backend %q", c.Events.Backend)
	}
	if c.Production() && c.Auth.BotToken == "" {
		return errors.New("auth: bot_token is required in production")
	}
	if c.Production() && c.Auth.AllowDebug {
		return errors.New("auth: debug tokens cannot be enabled in production")
	}

	for name, s := range map[string]string{
		"database.breaker_cooldown": c.Database.BreakerCooldown,
		"limits.idle_timeout":       c.Limits.IdleTimeout,
		"limits.max_session":        c.Limits.MaxSession,
		"limits.general_window":     c.Limits.GeneralWindow,
		"limits.join_window":        c.Limits.JoinWindow,
		"limits.claim_window":       c.Limits.ClaimWindow,
		"timing.draw_interval":      c.Timing.DrawInterval,
		"timing.settlement_window":  c.Timing.SettlementWindow,
		"timing.disconnect_check":   c.Timing.DisconnectCheck,
		"timing.disconnect_grace":   c.Timing.DisconnectGrace,
		"timing.evict_after":        c.Timing.EvictAfter,
		"auth.max_age":              c.Auth.MaxAge,
	} {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive", name)
		}
	}

	if len(c.Rooms) == 0 {
		return errors.New("at least one room must be configured")
	}
	seen := make(map[string]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if seen[r.ID] {
			return fmt.Errorf("room %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if err := r.validate(); err != nil {
			return fmt.Errorf("room %s: %w", r.ID, err)
		}
	}
	return nil
}

func (r RoomConfig) validate() error {
	if r.EntryFee <= 0 {
		return errors.New("entry fee must be positive")
	}
	if r.MinPlayers < 1 || r.MaxPlayers < r.MinPlayers {
		return fmt.Errorf("invalid player range %d-%d", r.MinPlayers, r.MaxPlayers)
	}
	if r.BoardCount < r.MaxPlayers || r.BoardCount > 1000 {
		return fmt.Errorf("board count %d must cover max players and be at most 1000", r.BoardCount)
	}
	if r.CountdownSeconds < 1 {
		return errors.New("countdown must be at least one second")
	}
	if r.PayoutPercent < 1 || r.PayoutPercent > 100 {
		return fmt.Errorf("payout percent %d out of range", r.PayoutPercent)
	}
	switch r.PayoutMode {
	case "static", "dynamic":
	case "banded":
		if len(r.Bands) == 0 {
			return errors.New("banded payout needs at least one band")
		}
	default:
		return fmt.Errorf("unknown payout mode %q", r.PayoutMode)
	}
	for _, b := range r.Bands {
		if b.MinPlayers > b.MaxPlayers || b.Percent < 1 || b.Percent > 100 {
			return fmt.Errorf("invalid band %d-%d at %d%%", b.MinPlayers, b.MaxPlayers, b.Percent)
		}
	}
	return nil
}

// Production reports whether debug affordances must be off.
func (c *Config) Production() bool {
	return c.Server.Environment == "production"
}

// ListenAddress returns host:port.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// Duration parses a value already checked by Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
