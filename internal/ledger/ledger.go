// Package ledger abstracts the external append-only audit store. The core
// only needs an append-and-acknowledge primitive with a durable, retrievable
// identifier; it never interprets the acknowledgement's structure.
package ledger

import "context"

// Ledger is the immutable audit trail write primitive.
type Ledger interface {
	// Append durably records payload under topic. Appends are idempotent
	// by entryID: re-appending an already-recorded entry returns the
	// original acknowledgement id and writes nothing.
	Append(ctx context.Context, topic, entryID string, payload []byte) (ackID string, err error)
}

// Entry is one recorded ledger item, exposed for verification and tests.
type Entry struct {
	Seq        int64
	Topic      string
	EntryID    string
	AckID      string
	Payload    []byte
	AppendedAt int64 // Unix timestamp in milliseconds
}
