// Package story provides storage backends for the story graph.
//
// This file implements the SQLite-backed accessor. Blocks are stored as JSON
// payloads keyed by (org, story, block); connections are relational so the
// option-aware branch lookup stays a single indexed query.
package story

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/convstack/botengine/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteAccessor implements Accessor backed by SQLite.
type SQLiteAccessor struct {
	db *sql.DB
}

// NewSQLiteAccessor opens (and migrates) a SQLite story database at the given
// DSN. The parent directory is created when missing.
func NewSQLiteAccessor(dsn string) (*SQLiteAccessor, error) {
	if dsn == "" {
		slog.Error("SQLiteAccessor DSN not set")
		return nil, fmt.Errorf("story database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create story database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create story database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite story database", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite story database ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run story migrations", "error", err)
		return nil, fmt.Errorf("failed to run story migrations: %w", err)
	}
	slog.Debug("SQLite story accessor ready", "dsn_set", dsn != "")
	return &SQLiteAccessor{db: db}, nil
}

// Close closes the underlying database handle.
func (a *SQLiteAccessor) Close() error {
	return a.db.Close()
}

func (a *SQLiteAccessor) GetStory(ctx context.Context, orgID, storyID string) (*models.Story, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, first_block_id FROM stories WHERE org_id = ? AND id = ?`,
		orgID, storyID)
	var s models.Story
	var name sql.NullString
	if err := row.Scan(&s.ID, &s.OrgID, &name, &s.FirstBlockID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		slog.Error("SQLiteAccessor GetStory scan failed", "error", err, "story_id", storyID)
		return nil, fmt.Errorf("failed to load story %s: %w", storyID, err)
	}
	s.Name = name.String
	return &s, nil
}

func (a *SQLiteAccessor) GetFirstBlock(ctx context.Context, orgID, storyID string) (*models.StoryBlock, error) {
	s, err := a.GetStory(ctx, orgID, storyID)
	if err != nil {
		return nil, err
	}
	return a.GetBlockByID(ctx, orgID, storyID, s.FirstBlockID)
}

func (a *SQLiteAccessor) GetBlockByID(ctx context.Context, orgID, storyID, blockID string) (*models.StoryBlock, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT payload FROM story_blocks WHERE org_id = ? AND story_id = ? AND id = ?`,
		orgID, storyID, blockID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrBlockNotFound
		}
		slog.Error("SQLiteAccessor GetBlockByID scan failed", "error", err, "block_id", blockID)
		return nil, fmt.Errorf("failed to load block %s: %w", blockID, err)
	}
	var b models.StoryBlock
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		slog.Error("SQLiteAccessor GetBlockByID payload decode failed", "error", err, "block_id", blockID)
		return nil, fmt.Errorf("failed to decode block %s: %w", blockID, err)
	}
	return &b, nil
}

func (a *SQLiteAccessor) GetConnectionBySource(ctx context.Context, orgID, storyID, sourceID string) (*models.Connection, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, org_id, story_id, source_id, option_id, target_id FROM connections
		 WHERE org_id = ? AND story_id = ? AND source_id = ? ORDER BY id`,
		orgID, storyID, sourceID)
	if err != nil {
		slog.Error("SQLiteAccessor GetConnectionBySource query failed", "error", err, "source_id", sourceID)
		return nil, fmt.Errorf("failed to query connections for %s: %w", sourceID, err)
	}
	defer rows.Close()
	return firstConnection(rows, sourceID, storyID)
}

func (a *SQLiteAccessor) GetConnectionByOption(ctx context.Context, orgID, storyID, sourceID, optionID string) (*models.Connection, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, org_id, story_id, source_id, option_id, target_id FROM connections
		 WHERE org_id = ? AND story_id = ? AND source_id = ? AND option_id = ?`,
		orgID, storyID, sourceID, optionID)
	var c models.Connection
	if err := row.Scan(&c.ID, &c.OrgID, &c.StoryID, &c.SourceID, &c.OptionID, &c.TargetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrConnectionNotFound
		}
		slog.Error("SQLiteAccessor GetConnectionByOption scan failed", "error", err, "source_id", sourceID, "option_id", optionID)
		return nil, fmt.Errorf("failed to load connection for %s/%s: %w", sourceID, optionID, err)
	}
	return &c, nil
}

// firstConnection scans all connections from a source and applies the
// first-wins policy for duplicate edges out of a non-branching block.
func firstConnection(rows *sql.Rows, sourceID, storyID string) (*models.Connection, error) {
	var found *models.Connection
	count := 0
	for rows.Next() {
		var c models.Connection
		if err := rows.Scan(&c.ID, &c.OrgID, &c.StoryID, &c.SourceID, &c.OptionID, &c.TargetID); err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		count++
		if found == nil {
			found = &c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connection rows: %w", err)
	}
	if found == nil {
		return nil, models.ErrConnectionNotFound
	}
	if count > 1 {
		slog.Warn("story.GetConnectionBySource: multiple connections from non-branching block, using first", "source_id", sourceID, "story_id", storyID, "count", count)
	}
	return found, nil
}

// SeedStory inserts a story with its blocks and connections. Used by tests
// and bootstrap tooling; the engine itself never writes story content.
func (a *SQLiteAccessor) SeedStory(ctx context.Context, s models.Story, blocks []models.StoryBlock, conns []models.Connection) error {
	if _, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stories (id, org_id, name, first_block_id) VALUES (?, ?, ?, ?)`,
		s.ID, s.OrgID, s.Name, s.FirstBlockID); err != nil {
		return fmt.Errorf("failed to insert story %s: %w", s.ID, err)
	}
	for _, b := range blocks {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode block %s: %w", b.ID, err)
		}
		if _, err := a.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO story_blocks (id, org_id, story_id, type, payload) VALUES (?, ?, ?, ?, ?)`,
			b.ID, s.OrgID, s.ID, string(b.Type), string(payload)); err != nil {
			return fmt.Errorf("failed to insert block %s: %w", b.ID, err)
		}
	}
	for _, c := range conns {
		if _, err := a.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO connections (id, org_id, story_id, source_id, option_id, target_id) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.OrgID, c.StoryID, c.SourceID, c.OptionID, c.TargetID); err != nil {
			return fmt.Errorf("failed to insert connection %s: %w", c.ID, err)
		}
	}
	return nil
}
