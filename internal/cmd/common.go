// Package cmd implements the interestctl subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/interest-engine/internal/config"
	"github.com/atmx/interest-engine/internal/store"
)

// env bundles what a subcommand needs from the configuration.
type env struct {
	cfg   *config.Config
	store *store.PostgresStore
	close func()
}

// loadConfig reads the --config flag inherited from the root command.
func loadConfig(c *cobra.Command) (*config.Config, error) {
	path, _ := c.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	return cfg, nil
}

// openEnv connects to PostgreSQL. The CLI has no in-memory mode: a
// settlement that does not persist would be meaningless.
func openEnv(ctx context.Context, c *cobra.Command) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required (set INTEREST_ENGINE_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &env{cfg: cfg, store: store.NewPostgresStore(pool), close: pool.Close}, nil
}

// parseAt parses an RFC3339 flag value; empty means now.
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", s, err)
	}
	return t.UTC(), nil
}

// parseProb parses an optional probability flag in [0, 1].
func parseProb(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	p, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --prob %q: %w", s, err)
	}
	if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("--prob must be between 0 and 1, got %s", s)
	}
	return &p, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
