// Package domain provides the shared building blocks for Loom.
// Canonical messages, value objects, and the domain event contract
// live here; every other package depends inward on this one.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Entity identity
// ---------------------------------------------------------------------------

// EntityID is a typed identifier. All entities use string IDs for portability.
type EntityID string

// NewID generates a random UUIDv4 identifier.
func NewID() EntityID {
	return EntityID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id EntityID) String() string { return string(id) }

// IsZero returns true if the ID is empty.
func (id EntityID) IsZero() bool { return id == "" }

// ---------------------------------------------------------------------------
// Timestamp value object
// ---------------------------------------------------------------------------

// Timestamp wraps time.Time with UTC normalization and JSON-friendly
// serialization.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC timestamp.
func Now() Timestamp { return Timestamp{time.Now().UTC()} }

// ZeroTime returns the zero-value timestamp.
func ZeroTime() Timestamp { return Timestamp{} }

// TimestampFrom wraps an existing time.Time.
func TimestampFrom(t time.Time) Timestamp { return Timestamp{t.UTC()} }
