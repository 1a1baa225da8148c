// Package persistence provides the storage implementations behind
// domain.Storage: an in-memory store for tests and ephemeral bots, a
// JSON file store for single-node deployments, and a SQLite store.
package persistence

import (
	"fmt"

	"github.com/botloom/loom/pkg/domain"
)

// descriptor carries the per-record-type plumbing the generic
// collections need: key access, key assignment for zero records created
// by Update, activity stamping, and defensive copying.
type descriptor[R any] struct {
	name   string
	keyOf  func(*R) string
	setKey func(*R, string)
	touch  func(*R)
	clone  func(*R) *R
}

var teamDesc = descriptor[domain.TeamRecord]{
	name:   "teams",
	keyOf:  func(r *domain.TeamRecord) string { return r.ID },
	setKey: func(r *domain.TeamRecord, id string) { r.ID = id },
	touch:  func(r *domain.TeamRecord) { r.UpdatedAt = domain.Now() },
	clone: func(r *domain.TeamRecord) *domain.TeamRecord {
		cp := *r
		cp.Metadata = r.Metadata.Clone()
		return &cp
	},
}

var userDesc = descriptor[domain.UserRecord]{
	name:   "users",
	keyOf:  func(r *domain.UserRecord) string { return r.ID },
	setKey: func(r *domain.UserRecord, id string) { r.ID = id },
	touch:  func(r *domain.UserRecord) { r.UpdatedAt = domain.Now() },
	clone: func(r *domain.UserRecord) *domain.UserRecord {
		cp := *r
		cp.Vars = r.Vars.Clone()
		return &cp
	},
}

// Open creates a storage backend by driver name. Supported drivers are
// "memory" (the default), "json", and "sqlite"; path is the data
// directory or database file for the file-backed drivers.
func Open(driver, path string) (domain.Storage, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "json":
		return NewJSONStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
