package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// Memory is an in-process append-only ledger. It mirrors the semantics the
// core expects from the external store: externally sequenced, idempotent
// appends keyed by entry id, opaque acknowledgement ids.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int // entryID -> index into entries
	seq     int64

	// FailNext forces the next n appends to fail, for exercising settlement
	// retry paths in tests.
	FailNext int
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]int)}
}

// Append implements Ledger.
func (m *Memory) Append(_ context.Context, topic, entryID string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, exists := m.byID[entryID]; exists {
		return m.entries[idx].AckID, nil
	}

	if m.FailNext > 0 {
		m.FailNext--
		return "", fmt.Errorf("ledger unavailable")
	}

	m.seq++
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", topic, m.seq, entryID)))
	ack := base58.Encode(digest[:])

	stored := make([]byte, len(payload))
	copy(stored, payload)
	m.entries = append(m.entries, Entry{
		Seq:        m.seq,
		Topic:      topic,
		EntryID:    entryID,
		AckID:      ack,
		Payload:    stored,
		AppendedAt: time.Now().UnixMilli(),
	})
	m.byID[entryID] = len(m.entries) - 1
	return ack, nil
}

// Entries returns copies of all entries for a topic, in append order.
// Empty topic returns everything.
func (m *Memory) Entries(topic string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if topic != "" && e.Topic != topic {
			continue
		}
		copied := e
		copied.Payload = append([]byte(nil), e.Payload...)
		out = append(out, copied)
	}
	return out
}

// Verify interface compliance at compile time.
var _ Ledger = (*Memory)(nil)
