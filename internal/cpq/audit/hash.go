package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// canonicalEnvelope is the hash input for an event. Field ordering is defined
// here, in one place, so it cannot drift between layers. Storage-assigned
// chain fields are excluded; the content hash must be computable before the
// event is linked.
type canonicalEnvelope struct {
	QuoteID      string          `json:"quote_id"`
	Seq          uint64          `json:"seq"`
	Timestamp    int64           `json:"timestamp_ms"`
	Type         Type            `json:"type"`
	Category     Category        `json:"category"`
	RequestID    string          `json:"request_id,omitempty"`
	ActorType    ActorType       `json:"actor_type"`
	ActorID      string          `json:"actor_id,omitempty"`
	QuoteVersion int64           `json:"quote_version"`
	Payload      json.RawMessage `json:"payload"`
}

// EventHash computes the content hash for a single event.
func EventHash(evt Event) (string, error) {
	payload := evt.PayloadJSON
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	compact, err := compactJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	envelope := canonicalEnvelope{
		QuoteID:      evt.QuoteID,
		Seq:          evt.Seq,
		Timestamp:    evt.Timestamp.UTC().UnixMilli(),
		Type:         evt.Type,
		Category:     evt.Category,
		RequestID:    evt.RequestID,
		ActorType:    evt.ActorType,
		ActorID:      evt.ActorID,
		QuoteVersion: evt.QuoteVersion,
		Payload:      compact,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// ChainHash computes the SHA-256 hash that links an event to its predecessor.
// The first event in a quote's journal uses an empty previous hash.
func ChainHash(evt Event, prevHash string) (string, error) {
	if strings.TrimSpace(evt.Hash) == "" {
		return "", fmt.Errorf("event hash is required before chaining")
	}
	sum := sha256.Sum256([]byte(prevHash + "|" + evt.Hash))
	return hex.EncodeToString(sum[:]), nil
}

func compactJSON(raw []byte) (json.RawMessage, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	// json.Marshal sorts map keys, which yields a canonical byte form.
	return json.Marshal(value)
}
