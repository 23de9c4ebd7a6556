// Package cli implements modctl, the operator tool for the moderation queue.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nodeimage/internal/cache"
	"nodeimage/internal/config"
	"nodeimage/internal/database"
	"nodeimage/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "modctl",
	Short: "Inspect and operate the image moderation queue",
	Long: `modctl talks to the same Postgres and Redis instances as the API.
Configuration is read from config.yaml and NODEIMAGE_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds the connections a command opened. Close releases all of them.
type env struct {
	cfg   *config.AppConfig
	log   zerolog.Logger
	db    *pgxpool.Pool
	redis *redis.Client
}

func openEnv(ctx context.Context, needDB, needRedis bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: log.New(cfg.Environment, cfg.Logging.Level)}

	if needDB {
		if e.db, err = database.NewPostgresPool(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
	}
	if needRedis {
		if e.redis, err = cache.NewRedisClient(ctx, cfg.Redis); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}
