// Package models provides data model definitions for the TutorDesk client engine.
package models

import (
	"encoding/json"
	"time"
)

// MutationKind is the kind of a queued local write.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Valid reports whether k names a known mutation kind.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationCreate, MutationUpdate, MutationDelete:
		return true
	}
	return false
}

// Mutation is one not-yet-acknowledged local write awaiting drain against
// the remote service. Seq is a storage-assigned monotonic sequence that
// fixes the FIFO drain order even when two entries share an enqueue
// timestamp.
type Mutation struct {
	ID         UUID            `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	Kind       MutationKind    `db:"kind" json:"kind"`
	EntityType EntityType      `db:"entity_type" json:"entity_type"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
}

// TableName returns the table name for Mutation.
func (Mutation) TableName() string {
	return "mutation_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *Mutation) EnqueuedAtTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}
