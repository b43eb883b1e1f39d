// Package store provides persistence backends for engine state.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetCursor(ctx context.Context, endUserID, orgID string) (*models.Cursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT position, parent_stack, routed_cursor, version, created_at, updated_at
		 FROM cursors WHERE end_user_id = $1 AND org_id = $2`,
		endUserID, orgID)

	c := models.Cursor{EndUserID: endUserID, OrgID: orgID}
	var position string
	var parentStack, routedCursor sql.NullString
	err := row.Scan(&position, &parentStack, &routedCursor, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCursor scan failed", "error", err, "end_user_id", endUserID)
		return nil, fmt.Errorf("failed to load cursor for %s: %w", endUserID, err)
	}
	if err := decodeCursorFields(&c, position, parentStack, routedCursor); err != nil {
		slog.Error("PostgresStore GetCursor decode failed", "error", err, "end_user_id", endUserID)
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) SaveCursor(ctx context.Context, c *models.Cursor) error {
	position, parentStack, routedCursor, err := encodeCursorFields(c)
	if err != nil {
		return err
	}
	now := time.Now()

	if c.Version == 0 {
		c.CreatedAt = now
		c.UpdatedAt = now
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cursors (end_user_id, org_id, position, parent_stack, routed_cursor, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
			c.EndUserID, c.OrgID, position, parentStack, routedCursor, now, now)
		if err != nil {
			slog.Error("PostgresStore SaveCursor insert failed", "error", err, "end_user_id", c.EndUserID)
			return fmt.Errorf("failed to insert cursor for %s: %w", c.EndUserID, err)
		}
		c.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cursors SET position = $1, parent_stack = $2, routed_cursor = $3, version = version + 1, updated_at = $4
		 WHERE end_user_id = $5 AND org_id = $6 AND version = $7`,
		position, parentStack, routedCursor, now, c.EndUserID, c.OrgID, c.Version)
	if err != nil {
		slog.Error("PostgresStore SaveCursor update failed", "error", err, "end_user_id", c.EndUserID)
		return fmt.Errorf("failed to update cursor for %s: %w", c.EndUserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cursor update for %s: %w", c.EndUserID, err)
	}
	if affected == 0 {
		slog.Warn("PostgresStore SaveCursor version conflict", "end_user_id", c.EndUserID, "version", c.Version)
		return models.ErrCursorConflict
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, endUserID, orgID string, ttl time.Duration) (string, error) {
	token := util.NewID()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_leases (end_user_id, org_id, token, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (end_user_id, org_id) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE turn_leases.expires_at <= $5`,
		endUserID, orgID, token, now.Add(ttl), now)
	if err != nil {
		slog.Error("PostgresStore AcquireLease failed", "error", err, "end_user_id", endUserID)
		return "", fmt.Errorf("failed to acquire lease for %s: %w", endUserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check lease acquisition for %s: %w", endUserID, err)
	}
	if affected == 0 {
		return "", models.ErrLeaseHeld
	}
	slog.Debug("PostgresStore lease acquired", "end_user_id", endUserID)
	return token, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, endUserID, orgID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_leases WHERE end_user_id = $1 AND org_id = $2 AND token = $3`,
		endUserID, orgID, token)
	if err != nil {
		slog.Error("PostgresStore ReleaseLease failed", "error", err, "end_user_id", endUserID)
		return fmt.Errorf("failed to release lease for %s: %w", endUserID, err)
	}
	return nil
}

func (s *PostgresStore) GetEndUser(ctx context.Context, id string) (*models.EndUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, platform, platform_id, phone_number, name, status, created_at, updated_at
		 FROM end_users WHERE id = $1`, id)
	var u models.EndUser
	var platformID, phoneNumber, name sql.NullString
	err := row.Scan(&u.ID, &u.OrgID, &u.Platform, &platformID, &phoneNumber, &name, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetEndUser scan failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load end user %s: %w", id, err)
	}
	u.PlatformID = platformID.String
	u.PhoneNumber = phoneNumber.String
	u.Name = name.String
	return &u, nil
}

func (s *PostgresStore) SaveEndUser(ctx context.Context, u *models.EndUser) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO end_users (id, org_id, platform, platform_id, phone_number, name, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		u.ID, u.OrgID, string(u.Platform), nilIfEmpty(u.PlatformID), nilIfEmpty(u.PhoneNumber), nilIfEmpty(u.Name),
		string(u.Status), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveEndUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save end user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) CreateMicroAppStatus(ctx context.Context, st models.MicroAppStatus) error {
	config, err := json.Marshal(st.Config)
	if err != nil {
		return fmt.Errorf("failed to encode micro-app config: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO micro_app_statuses (id, app_id, status, config, end_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.ID, st.AppID, string(st.Status), string(config), st.EndUserID, now, now)
	if err != nil {
		slog.Error("PostgresStore CreateMicroAppStatus failed", "error", err, "id", st.ID)
		return fmt.Errorf("failed to insert micro-app status %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMicroAppStatus(ctx context.Context, id string) (*models.MicroAppStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, status, config, end_user_id, created_at, updated_at
		 FROM micro_app_statuses WHERE id = $1`, id)
	var st models.MicroAppStatus
	var config string
	err := row.Scan(&st.ID, &st.AppID, &st.Status, &config, &st.EndUserID, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMicroAppNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetMicroAppStatus scan failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load micro-app status %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(config), &st.Config); err != nil {
		return nil, fmt.Errorf("failed to decode micro-app config %s: %w", id, err)
	}
	return &st, nil
}

func (s *PostgresStore) UpdateMicroAppStatus(ctx context.Context, id string, status models.MicroAppStatusType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE micro_app_statuses SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateMicroAppStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update micro-app status %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check micro-app status update %s: %w", id, err)
	}
	if affected == 0 {
		return models.ErrMicroAppNotFound
	}
	return nil
}

func (s *PostgresStore) RecordMilestone(ctx context.Context, m models.Milestone) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (id, org_id, end_user_id, story_id, block_id, name, reached_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.OrgID, m.EndUserID, m.StoryID, m.BlockID, m.Name, m.ReachedAt)
	if err != nil {
		slog.Error("PostgresStore RecordMilestone failed", "error", err, "name", m.Name)
		return fmt.Errorf("failed to insert milestone %s: %w", m.Name, err)
	}
	slog.Debug("PostgresStore RecordMilestone succeeded", "name", m.Name, "end_user_id", m.EndUserID)
	return nil
}
