// Package storage defines the persistence contracts the CPQ core writes
// through: an append-only audit journal, an immutable snapshot sink, a
// version-checked flow-state upsert, reference-data readers, and the
// idempotency reservation table. Implementations live in subpackages.
package storage
