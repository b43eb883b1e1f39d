// Package store provides persistence backends for engine state: cursors,
// end users, micro-app statuses, milestones, and per-end-user turn leases.
//
// Cursor writes are optimistic: a save carrying a stale version is rejected
// with models.ErrCursorConflict, so at most one cursor advance commits per
// logical turn. The lease table serializes whole turns for the same end user
// across independent webhook invocations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/convstack/botengine/internal/models"
)

// DefaultLeaseTTL bounds how long a crashed turn can hold an end user's lease
// before another invocation may take it over.
const DefaultLeaseTTL = 30 * time.Second

// CursorRepo persists the per-end-user story position.
type CursorRepo interface {
	// GetCursor returns the active cursor, or (nil, nil) when the end user
	// has no cursor yet.
	GetCursor(ctx context.Context, endUserID, orgID string) (*models.Cursor, error)

	// SaveCursor commits a cursor. A zero Version inserts; a non-zero
	// Version updates only if the stored version matches, returning
	// models.ErrCursorConflict otherwise. On success the cursor's Version
	// is advanced in place.
	SaveCursor(ctx context.Context, c *models.Cursor) error
}

// LeaseRepo serializes turns per end user across stateless invocations.
type LeaseRepo interface {
	// AcquireLease obtains the exclusive turn lease for an end user,
	// returning an opaque token. Expired leases are taken over; a live
	// lease yields models.ErrLeaseHeld.
	AcquireLease(ctx context.Context, endUserID, orgID string, ttl time.Duration) (string, error)

	// ReleaseLease releases a lease previously acquired with the token.
	// Releasing with a stale token is a no-op.
	ReleaseLease(ctx context.Context, endUserID, orgID, token string) error
}

// EndUserRepo persists end user identity and status.
type EndUserRepo interface {
	// GetEndUser returns an end user by ID, or (nil, nil) when unseen.
	GetEndUser(ctx context.Context, id string) (*models.EndUser, error)

	// SaveEndUser inserts or updates an end user record.
	SaveEndUser(ctx context.Context, u *models.EndUser) error
}

// MicroAppRepo persists micro-app delegation statuses.
type MicroAppRepo interface {
	CreateMicroAppStatus(ctx context.Context, st models.MicroAppStatus) error
	GetMicroAppStatus(ctx context.Context, id string) (*models.MicroAppStatus, error)
	UpdateMicroAppStatus(ctx context.Context, id string, status models.MicroAppStatusType) error
}

// MilestoneRepo records milestone-reached events for reporting.
type MilestoneRepo interface {
	RecordMilestone(ctx context.Context, m models.Milestone) error
}

// Store is the full persistence contract the engine depends on.
type Store interface {
	CursorRepo
	LeaseRepo
	EndUserRepo
	MicroAppRepo
	MilestoneRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings
// and "sqlite" for anything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
