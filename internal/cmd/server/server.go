// Package server parses server command flags and starts the HTTP API.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/quoteforge/quoteforge/internal/api/httpapi"
	"github.com/quoteforge/quoteforge/internal/cpq/engine"
	entrypoint "github.com/quoteforge/quoteforge/internal/platform/cmd"
	"github.com/quoteforge/quoteforge/internal/platform/timeouts"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
	"github.com/quoteforge/quoteforge/internal/storage/sqlite"
	"github.com/quoteforge/quoteforge/internal/telemetry"
)

// Config holds server command configuration.
type Config struct {
	Port      int    `env:"QUOTEFORGE_PORT" envDefault:"8080"`
	Addr      string `env:"QUOTEFORGE_ADDR"`
	DBPath    string `env:"QUOTEFORGE_DB_PATH" envDefault:"quoteforge.sqlite"`
	JWTSecret string `env:"QUOTEFORGE_JWT_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The API server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The API server listen address (overrides -port)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the sqlite database file")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the quote engine API service.
func Run(ctx context.Context, cfg Config) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("QUOTEFORGE_JWT_SECRET is required")
	}
	keyring, err := keyringFromEnv()
	if err != nil {
		return err
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(ctx context.Context) error {
		store, err := sqlite.Open(cfg.DBPath, keyring)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		eng := engine.New(store, telemetry.NewEmitter(store))
		api := httpapi.NewServer(eng, store, keyring, []byte(cfg.JWTSecret))

		addr := cfg.Addr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Port)
		}
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("listening on %s", addr)
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})
}

// keyringFromEnv loads the audit signing keyring. Running without one is
// allowed for local development but logged loudly: journals written
// unsigned cannot be signature-verified later.
func keyringFromEnv() (*integrity.Keyring, error) {
	if os.Getenv("QUOTEFORGE_AUDIT_HMAC_KEY") == "" && os.Getenv("QUOTEFORGE_AUDIT_HMAC_KEYS") == "" {
		log.Printf("audit signing disabled: QUOTEFORGE_AUDIT_HMAC_KEY is not set")
		return nil, nil
	}
	return integrity.KeyringFromEnv()
}
