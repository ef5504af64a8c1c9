package main

import (
	"errors"
	"fmt"

	"github.com/lox/bingo/cmd/bingo/shared"
	"github.com/lox/bingo/internal/config"
	"github.com/lox/bingo/internal/store/postgres"
)

// MigrateCmd manages the Postgres schema outside of serve.
type MigrateCmd struct {
	Config string `kong:"default='bingo.hcl',help='Path to the HCL configuration file'"`
	URL    string `kong:"help='Database URL, overriding the configuration'"`
	Down   bool   `kong:"help='Roll back one migration instead of applying pending ones'"`
	Debug  bool   `kong:"help='Enable debug logging'"`
}

func (c *MigrateCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	logger := shared.SetupLogger(shared.ParseLevel(cfg.Server.LogLevel, c.Debug), true)

	url := c.URL
	if url == "" {
		url = cfg.Database.URL
	}
	if url == "" {
		return errors.New("no database url: set database.url or pass --url")
	}

	m, err := postgres.NewMigrator(url, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	if c.Down {
		if err := m.Down(); err != nil {
			return err
		}
	} else if err := m.Up(); err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migration complete")
	return nil
}
