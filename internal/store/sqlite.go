// Package store provides persistence backends for engine state.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCursor(ctx context.Context, endUserID, orgID string) (*models.Cursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT position, parent_stack, routed_cursor, version, created_at, updated_at
		 FROM cursors WHERE end_user_id = ? AND org_id = ?`,
		endUserID, orgID)

	c := models.Cursor{EndUserID: endUserID, OrgID: orgID}
	var position string
	var parentStack, routedCursor sql.NullString
	err := row.Scan(&position, &parentStack, &routedCursor, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCursor scan failed", "error", err, "end_user_id", endUserID)
		return nil, fmt.Errorf("failed to load cursor for %s: %w", endUserID, err)
	}
	if err := decodeCursorFields(&c, position, parentStack, routedCursor); err != nil {
		slog.Error("SQLiteStore GetCursor decode failed", "error", err, "end_user_id", endUserID)
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, c *models.Cursor) error {
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
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			c.EndUserID, c.OrgID, position, parentStack, routedCursor, now, now)
		if err != nil {
			slog.Error("SQLiteStore SaveCursor insert failed", "error", err, "end_user_id", c.EndUserID)
			return fmt.Errorf("failed to insert cursor for %s: %w", c.EndUserID, err)
		}
		c.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cursors SET position = ?, parent_stack = ?, routed_cursor = ?, version = version + 1, updated_at = ?
		 WHERE end_user_id = ? AND org_id = ? AND version = ?`,
		position, parentStack, routedCursor, now, c.EndUserID, c.OrgID, c.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveCursor update failed", "error", err, "end_user_id", c.EndUserID)
		return fmt.Errorf("failed to update cursor for %s: %w", c.EndUserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cursor update for %s: %w", c.EndUserID, err)
	}
	if affected == 0 {
		slog.Warn("SQLiteStore SaveCursor version conflict", "end_user_id", c.EndUserID, "version", c.Version)
		return models.ErrCursorConflict
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, endUserID, orgID string, ttl time.Duration) (string, error) {
	token := util.NewID()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_leases (end_user_id, org_id, token, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (end_user_id, org_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE turn_leases.expires_at <= ?`,
		endUserID, orgID, token, now.Add(ttl), now)
	if err != nil {
		slog.Error("SQLiteStore AcquireLease failed", "error", err, "end_user_id", endUserID)
		return "", fmt.Errorf("failed to acquire lease for %s: %w", endUserID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check lease acquisition for %s: %w", endUserID, err)
	}
	if affected == 0 {
		return "", models.ErrLeaseHeld
	}
	slog.Debug("SQLiteStore lease acquired", "end_user_id", endUserID)
	return token, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, endUserID, orgID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_leases WHERE end_user_id = ? AND org_id = ? AND token = ?`,
		endUserID, orgID, token)
	if err != nil {
		slog.Error("SQLiteStore ReleaseLease failed", "error", err, "end_user_id", endUserID)
		return fmt.Errorf("failed to release lease for %s: %w", endUserID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEndUser(ctx context.Context, id string) (*models.EndUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, platform, platform_id, phone_number, name, status, created_at, updated_at
		 FROM end_users WHERE id = ?`, id)
	var u models.EndUser
	var platformID, phoneNumber, name sql.NullString
	err := row.Scan(&u.ID, &u.OrgID, &u.Platform, &platformID, &phoneNumber, &name, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetEndUser scan failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load end user %s: %w", id, err)
	}
	u.PlatformID = platformID.String
	u.PhoneNumber = phoneNumber.String
	u.Name = name.String
	return &u, nil
}

func (s *SQLiteStore) SaveEndUser(ctx context.Context, u *models.EndUser) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO end_users (id, org_id, platform, platform_id, phone_number, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, status = excluded.status, updated_at = excluded.updated_at`,
		u.ID, u.OrgID, string(u.Platform), nilIfEmpty(u.PlatformID), nilIfEmpty(u.PhoneNumber), nilIfEmpty(u.Name),
		string(u.Status), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveEndUser failed", "error", err, "id", u.ID)
		return fmt.Errorf("failed to save end user %s: %w", u.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CreateMicroAppStatus(ctx context.Context, st models.MicroAppStatus) error {
	config, err := json.Marshal(st.Config)
	if err != nil {
		return fmt.Errorf("failed to encode micro-app config: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO micro_app_statuses (id, app_id, status, config, end_user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.AppID, string(st.Status), string(config), st.EndUserID, now, now)
	if err != nil {
		slog.Error("SQLiteStore CreateMicroAppStatus failed", "error", err, "id", st.ID)
		return fmt.Errorf("failed to insert micro-app status %s: %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetMicroAppStatus(ctx context.Context, id string) (*models.MicroAppStatus, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, status, config, end_user_id, created_at, updated_at
		 FROM micro_app_statuses WHERE id = ?`, id)
	var st models.MicroAppStatus
	var config string
	err := row.Scan(&st.ID, &st.AppID, &st.Status, &config, &st.EndUserID, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMicroAppNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetMicroAppStatus scan failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to load micro-app status %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(config), &st.Config); err != nil {
		return nil, fmt.Errorf("failed to decode micro-app config %s: %w", id, err)
	}
	return &st, nil
}

func (s *SQLiteStore) UpdateMicroAppStatus(ctx context.Context, id string, status models.MicroAppStatusType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE micro_app_statuses SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateMicroAppStatus failed", "error", err, "id", id)
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

func (s *SQLiteStore) RecordMilestone(ctx context.Context, m models.Milestone) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO milestones (id, org_id, end_user_id, story_id, block_id, name, reached_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrgID, m.EndUserID, m.StoryID, m.BlockID, m.Name, m.ReachedAt)
	if err != nil {
		slog.Error("SQLiteStore RecordMilestone failed", "error", err, "name", m.Name)
		return fmt.Errorf("failed to insert milestone %s: %w", m.Name, err)
	}
	slog.Debug("SQLiteStore RecordMilestone succeeded", "name", m.Name, "end_user_id", m.EndUserID)
	return nil
}
