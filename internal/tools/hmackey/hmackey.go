// Package hmackey generates root secrets for the audit journal keyring.
//
// The output is ready to paste into the environment: either a single
// QUOTEFORGE_AUDIT_HMAC_KEY value or, with -id, one rotation entry for
// QUOTEFORGE_AUDIT_HMAC_KEYS.
package hmackey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Config holds configuration for HMAC key generation.
type Config struct {
	Bytes int
	KeyID string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes (default: 32)")
	fs.StringVar(&cfg.KeyID, "id", cfg.KeyID, "key id for a rotation-set entry (optional)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	return cfg, nil
}

// Run generates the secret and writes it to out in env form.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	secret := hex.EncodeToString(buf)
	if cfg.KeyID != "" {
		_, err := fmt.Fprintf(out, "QUOTEFORGE_AUDIT_HMAC_KEYS=%s=%s\n", cfg.KeyID, secret)
		return err
	}
	_, err := fmt.Fprintf(out, "QUOTEFORGE_AUDIT_HMAC_KEY=%s\n", secret)
	return err
}
