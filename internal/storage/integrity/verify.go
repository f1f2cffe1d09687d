package integrity

import (
	"fmt"

	"github.com/quoteforge/quoteforge/internal/cpq/audit"
	apperrors "github.com/quoteforge/quoteforge/internal/platform/errors"
)

// VerifyJournal recomputes every hash in a quote's journal and checks the
// chain links and HMAC signatures. Events must be the complete journal in
// ascending sequence order.
func VerifyJournal(keyring *Keyring, quoteID string, events []audit.Event) error {
	prevChainHash := ""
	for i, evt := range events {
		wantSeq := uint64(i + 1)
		if evt.Seq != wantSeq {
			return chainBroken(quoteID, evt.Seq, fmt.Sprintf("sequence gap: expected %d", wantSeq))
		}
		hash, err := audit.EventHash(evt)
		if err != nil {
			return chainBroken(quoteID, evt.Seq, fmt.Sprintf("recompute hash: %v", err))
		}
		if hash != evt.Hash {
			return chainBroken(quoteID, evt.Seq, "content hash mismatch")
		}
		if evt.PrevHash != prevChainHash {
			return chainBroken(quoteID, evt.Seq, "previous hash mismatch")
		}
		chainHash, err := audit.ChainHash(evt, prevChainHash)
		if err != nil {
			return chainBroken(quoteID, evt.Seq, fmt.Sprintf("recompute chain hash: %v", err))
		}
		if chainHash != evt.ChainHash {
			return chainBroken(quoteID, evt.Seq, "chain hash mismatch")
		}
		if keyring != nil {
			if err := keyring.VerifyChainHash(quoteID, evt.ChainHash, evt.Signature, evt.SignatureKeyID); err != nil {
				return apperrors.WrapWithMetadata(apperrors.CodeAuditSignatureInvalid,
					fmt.Sprintf("audit event %d signature is invalid", evt.Seq),
					map[string]string{"QuoteID": quoteID, "Seq": fmt.Sprintf("%d", evt.Seq)},
					err)
			}
		}
		prevChainHash = evt.ChainHash
	}
	return nil
}

func chainBroken(quoteID string, seq uint64, reason string) error {
	return apperrors.WithMetadata(apperrors.CodeAuditChainBroken,
		fmt.Sprintf("audit chain broken at event %d: %s", seq, reason),
		map[string]string{"QuoteID": quoteID, "Seq": fmt.Sprintf("%d", seq)})
}
