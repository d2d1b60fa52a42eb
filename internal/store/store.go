// Package store defines the persistence port for precedent records.
package store

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/domain"
)

// Record is a stored precedent. Records are append-only: once written they
// are never mutated, only optionally marked deprecated.
type Record struct {
	ID              string
	CaseFingerprint string
	Embedding       []float32
	OverallVerdict  domain.Verdict
	DissentIndex    float64
	Reason          string
	MigrationStatus domain.MigrationStatus
	Deprecated      bool
	CreatedAt       time.Time
}

// Match pairs a record with its similarity to the queried case. Exact
// fingerprint matches always score 1.0.
type Match struct {
	Record     Record
	Similarity float64
}

// PrecedentStore is the only shared mutable resource in the engine. Writes
// are serialized by the implementation; reads may run concurrently.
type PrecedentStore interface {
	// FindSimilar returns up to topK matches, best first. An exact
	// fingerprint match ranks first with similarity 1.0. Deprecated records
	// are excluded. Callers apply their own similarity floor.
	FindSimilar(ctx context.Context, c domain.Case, embedding []float32, topK int) ([]Match, error)

	// Insert appends a new record. It never overwrites an existing one.
	Insert(ctx context.Context, rec Record) error

	// Deprecate marks a record as excluded from future similarity search.
	// The record itself is retained for audit.
	Deprecate(ctx context.Context, id string) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (Record, error)

	// List returns the most recent records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)

	Close() error
}
