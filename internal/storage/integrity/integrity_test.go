package integrity

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

var journalTime = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	keyring, err := NewKeyring(map[string][]byte{
		"k-old": bytes.Repeat([]byte{0x11}, 32),
		"k-new": bytes.Repeat([]byte{0x22}, 32),
	}, "k-new")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return keyring
}

// buildJournal links and signs n events for quoteID the way storage does on
// append.
func buildJournal(t *testing.T, keyring *Keyring, quoteID string, n int) []audit.Event {
	t.Helper()
	events := make([]audit.Event, 0, n)
	prevChainHash := ""
	for i := 1; i <= n; i++ {
		evt := audit.Event{
			QuoteID:      quoteID,
			Seq:          uint64(i),
			Timestamp:    journalTime.Add(time.Duration(i) * time.Second),
			Type:         audit.TypeQuoteStatusChanged,
			Category:     audit.CategoryLifecycle,
			ActorType:    audit.ActorTypeSystem,
			QuoteVersion: int64(i),
			PayloadJSON:  []byte(fmt.Sprintf(`{"step":%d}`, i)),
		}
		hash, err := audit.EventHash(evt)
		if err != nil {
			t.Fatalf("event hash: %v", err)
		}
		evt.Hash = hash
		evt.PrevHash = prevChainHash
		chainHash, err := audit.ChainHash(evt, prevChainHash)
		if err != nil {
			t.Fatalf("chain hash: %v", err)
		}
		evt.ChainHash = chainHash
		if keyring != nil {
			sig, keyID, err := keyring.SignChainHash(quoteID, chainHash)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			evt.Signature = sig
			evt.SignatureKeyID = keyID
		}
		prevChainHash = chainHash
		events = append(events, evt)
	}
	return events
}

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring(nil, "k-1"); err == nil {
		t.Errorf("empty key set must be rejected")
	}
	if _, err := NewKeyring(map[string][]byte{"k-1": []byte("secret")}, " "); err == nil {
		t.Errorf("blank active key id must be rejected")
	}
	if _, err := NewKeyring(map[string][]byte{"k-1": []byte("secret")}, "k-2"); err == nil {
		t.Errorf("active key id must exist in the key set")
	}
	keyring, err := NewKeyring(map[string][]byte{"k-1": []byte("secret")}, "k-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keyring.ActiveKeyID() != "k-1" {
		t.Fatalf("unexpected active key id %q", keyring.ActiveKeyID())
	}
}

func TestSignAndVerifyChainHash(t *testing.T) {
	keyring := testKeyring(t)
	sig, keyID, err := keyring.SignChainHash("q-1", "abc123")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if keyID != "k-new" {
		t.Fatalf("expected the active key id, got %q", keyID)
	}
	if err := keyring.VerifyChainHash("q-1", "abc123", sig, keyID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := keyring.VerifyChainHash("q-1", "abc124", sig, keyID); err == nil {
		t.Errorf("a different chain hash must not verify")
	}
	if err := keyring.VerifyChainHash("q-2", "abc123", sig, keyID); err == nil {
		t.Errorf("a signature must not verify under another quote's derived key")
	}
	if err := keyring.VerifyChainHash("q-1", "abc123", sig, "k-gone"); err == nil {
		t.Errorf("unknown key ids must be rejected")
	}
	if err := keyring.VerifyChainHash("q-1", "abc123", sig, ""); err == nil {
		t.Errorf("blank key ids must be rejected")
	}
}

func TestVerifyAcrossKeyRotation(t *testing.T) {
	old, err := NewKeyring(map[string][]byte{"k-old": bytes.Repeat([]byte{0x11}, 32)}, "k-old")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sig, keyID, err := old.SignChainHash("q-1", "abc123")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Rotated keyring keeps the old key for verification but signs with the
	// new one.
	rotated := testKeyring(t)
	if err := rotated.VerifyChainHash("q-1", "abc123", sig, keyID); err != nil {
		t.Fatalf("old signature must still verify after rotation: %v", err)
	}
	_, newKeyID, err := rotated.SignChainHash("q-1", "abc123")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if newKeyID != "k-new" {
		t.Fatalf("rotated keyring must sign with the new key, got %q", newKeyID)
	}
}

func TestVerifyJournalAcceptsIntactChain(t *testing.T) {
	keyring := testKeyring(t)
	events := buildJournal(t, keyring, "q-1", 4)
	if err := VerifyJournal(keyring, "q-1", events); err != nil {
		t.Fatalf("intact journal must verify: %v", err)
	}
	if err := VerifyJournal(keyring, "q-1", nil); err != nil {
		t.Fatalf("empty journal is trivially valid: %v", err)
	}
}

func TestVerifyJournalDetectsTampering(t *testing.T) {
	keyring := testKeyring(t)

	tests := []struct {
		name     string
		mutate   func([]audit.Event)
		wantCode apperrors.Code
	}{
		{
			name:     "payload edited",
			mutate:   func(events []audit.Event) { events[1].PayloadJSON = []byte(`{"step":99}`) },
			wantCode: apperrors.CodeAuditChainBroken,
		},
		{
			name:     "sequence gap",
			mutate:   func(events []audit.Event) { events[2].Seq = 5 },
			wantCode: apperrors.CodeAuditChainBroken,
		},
		{
			name:     "relinked predecessor",
			mutate:   func(events []audit.Event) { events[2].PrevHash = events[0].ChainHash },
			wantCode: apperrors.CodeAuditChainBroken,
		},
		{
			name:     "chain hash swapped",
			mutate:   func(events []audit.Event) { events[1].ChainHash = events[0].ChainHash },
			wantCode: apperrors.CodeAuditChainBroken,
		},
		{
			name: "signature forged",
			mutate: func(events []audit.Event) {
				events[3].Signature = events[2].Signature
			},
			wantCode: apperrors.CodeAuditSignatureInvalid,
		},
		{
			name:     "signature key id unknown",
			mutate:   func(events []audit.Event) { events[3].SignatureKeyID = "k-gone" },
			wantCode: apperrors.CodeAuditSignatureInvalid,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			events := buildJournal(t, keyring, "q-1", 4)
			tc.mutate(events)
			err := VerifyJournal(keyring, "q-1", events)
			domainErr, ok := apperrors.AsDomain(err)
			if !ok {
				t.Fatalf("expected domain error, got %v", err)
			}
			if domainErr.Code != tc.wantCode {
				t.Fatalf("expected %s, got %s", tc.wantCode, domainErr.Code)
			}
			if domainErr.Metadata["QuoteID"] != "q-1" {
				t.Fatalf("error must name the quote, got %v", domainErr.Metadata)
			}
		})
	}
}

func TestVerifyJournalWithoutKeyringSkipsSignatures(t *testing.T) {
	events := buildJournal(t, nil, "q-1", 3)
	if err := VerifyJournal(nil, "q-1", events); err != nil {
		t.Fatalf("unsigned journal must verify without a keyring: %v", err)
	}
	events[1].PayloadJSON = []byte(`{"step":99}`)
	if err := VerifyJournal(nil, "q-1", events); err == nil {
		t.Fatalf("hash checks still apply without a keyring")
	}
}

func TestKeyringFromEnv(t *testing.T) {
	t.Run("single key with default id", func(t *testing.T) {
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEYS", "")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY", "supersecret")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY_ID", "")
		keyring, err := KeyringFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if keyring.ActiveKeyID() != "v1" {
			t.Fatalf("expected default key id v1, got %q", keyring.ActiveKeyID())
		}
	})

	t.Run("rotation set selects configured id", func(t *testing.T) {
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEYS", "v1=oldsecret, v2=newsecret")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY", "")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY_ID", "v2")
		keyring, err := KeyringFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if keyring.ActiveKeyID() != "v2" {
			t.Fatalf("expected v2, got %q", keyring.ActiveKeyID())
		}
		sig, _, err := keyring.SignChainHash("q-1", "abc")
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if err := keyring.VerifyChainHash("q-1", "abc", sig, "v2"); err != nil {
			t.Fatalf("verify: %v", err)
		}
	})

	t.Run("missing configuration", func(t *testing.T) {
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEYS", "")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY", "")
		if _, err := KeyringFromEnv(); err == nil {
			t.Fatalf("missing secrets must be rejected")
		}
	})

	t.Run("malformed rotation entry", func(t *testing.T) {
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEYS", "v1")
		t.Setenv("QUOTEFORGE_AUDIT_HMAC_KEY", "")
		if _, err := KeyringFromEnv(); err == nil {
			t.Fatalf("entry without a secret must be rejected")
		}
	})
}
