package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
)

// AppendEvent assigns the next sequence number, content hash, chain link,
// and signature, then inserts the event. The journal is append-only; rows
// are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, evt audit.Event) (audit.Event, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return audit.Event{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	var prevChainHash string
	row := tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM audit_events WHERE quote_id = ? ORDER BY seq DESC LIMIT 1`,
		evt.QuoteID)
	if err := row.Scan(&lastSeq, &prevChainHash); err != nil && err != sql.ErrNoRows {
		return audit.Event{}, fmt.Errorf("read journal head: %w", err)
	}

	evt.Seq = lastSeq + 1
	evt.PrevHash = prevChainHash
	hash, err := audit.EventHash(evt)
	if err != nil {
		return audit.Event{}, err
	}
	evt.Hash = hash
	chainHash, err := audit.ChainHash(evt, prevChainHash)
	if err != nil {
		return audit.Event{}, err
	}
	evt.ChainHash = chainHash

	if s.keyring != nil {
		signature, keyID, err := s.keyring.SignChainHash(evt.QuoteID, chainHash)
		if err != nil {
			return audit.Event{}, err
		}
		evt.Signature = signature
		evt.SignatureKeyID = keyID
	}

	payload := string(evt.PayloadJSON)
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (
			quote_id, seq, hash, prev_hash, chain_hash, signature,
			signature_key_id, timestamp, event_type, category, request_id,
			actor_type, actor_id, quote_version, payload_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.QuoteID, evt.Seq, evt.Hash, evt.PrevHash, evt.ChainHash,
		evt.Signature, evt.SignatureKeyID, toMillis(evt.Timestamp),
		string(evt.Type), string(evt.Category), evt.RequestID,
		string(evt.ActorType), evt.ActorID, evt.QuoteVersion, payload,
	); err != nil {
		return audit.Event{}, fmt.Errorf("append audit event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return audit.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return evt, nil
}

// ListEvents returns the quote's journal in sequence order.
func (s *Store) ListEvents(ctx context.Context, quoteID string) ([]audit.Event, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT quote_id, seq, hash, prev_hash, chain_hash, signature,
			signature_key_id, timestamp, event_type, category, request_id,
			actor_type, actor_id, quote_version, payload_json
		FROM audit_events WHERE quote_id = ? ORDER BY seq`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var evt audit.Event
		var timestamp int64
		var eventType, category, actorType, payload string
		if err := rows.Scan(&evt.QuoteID, &evt.Seq, &evt.Hash, &evt.PrevHash,
			&evt.ChainHash, &evt.Signature, &evt.SignatureKeyID, &timestamp,
			&eventType, &category, &evt.RequestID, &actorType, &evt.ActorID,
			&evt.QuoteVersion, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp = fromMillis(timestamp)
		evt.Type = audit.Type(eventType)
		evt.Category = audit.Category(category)
		evt.ActorType = audit.ActorType(actorType)
		evt.PayloadJSON = json.RawMessage(payload)
		events = append(events, evt)
	}
	return events, rows.Err()
}
