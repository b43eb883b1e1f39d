// Package story provides storage backends for the story graph.
//
// This file implements the PostgreSQL-backed accessor.
package story

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/convstack/botengine/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresAccessor implements Accessor backed by PostgreSQL.
type PostgresAccessor struct {
	db *sql.DB
}

// NewPostgresAccessor opens (and migrates) a PostgreSQL story database.
func NewPostgresAccessor(dsn string) (*PostgresAccessor, error) {
	if dsn == "" {
		slog.Error("PostgresAccessor DSN not set")
		return nil, fmt.Errorf("story database DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres story database", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres story database ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run story migrations", "error", err)
		return nil, fmt.Errorf("failed to run story migrations: %w", err)
	}
	slog.Debug("Postgres story accessor ready")
	return &PostgresAccessor{db: db}, nil
}

// Close closes the underlying database handle.
func (a *PostgresAccessor) Close() error {
	return a.db.Close()
}

func (a *PostgresAccessor) GetStory(ctx context.Context, orgID, storyID string) (*models.Story, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, first_block_id FROM stories WHERE org_id = $1 AND id = $2`,
		orgID, storyID)
	var s models.Story
	var name sql.NullString
	if err := row.Scan(&s.ID, &s.OrgID, &name, &s.FirstBlockID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		slog.Error("PostgresAccessor GetStory scan failed", "error", err, "story_id", storyID)
		return nil, fmt.Errorf("failed to load story %s: %w", storyID, err)
	}
	s.Name = name.String
	return &s, nil
}

func (a *PostgresAccessor) GetFirstBlock(ctx context.Context, orgID, storyID string) (*models.StoryBlock, error) {
	s, err := a.GetStory(ctx, orgID, storyID)
	if err != nil {
		return nil, err
	}
	return a.GetBlockByID(ctx, orgID, storyID, s.FirstBlockID)
}

func (a *PostgresAccessor) GetBlockByID(ctx context.Context, orgID, storyID, blockID string) (*models.StoryBlock, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT payload FROM story_blocks WHERE org_id = $1 AND story_id = $2 AND id = $3`,
		orgID, storyID, blockID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrBlockNotFound
		}
		slog.Error("PostgresAccessor GetBlockByID scan failed", "error", err, "block_id", blockID)
		return nil, fmt.Errorf("failed to load block %s: %w", blockID, err)
	}
	var b models.StoryBlock
	if err := json.Unmarshal(payload, &b); err != nil {
		slog.Error("PostgresAccessor GetBlockByID payload decode failed", "error", err, "block_id", blockID)
		return nil, fmt.Errorf("failed to decode block %s: %w", blockID, err)
	}
	return &b, nil
}

func (a *PostgresAccessor) GetConnectionBySource(ctx context.Context, orgID, storyID, sourceID string) (*models.Connection, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, org_id, story_id, source_id, option_id, target_id FROM connections
		 WHERE org_id = $1 AND story_id = $2 AND source_id = $3 ORDER BY id`,
		orgID, storyID, sourceID)
	if err != nil {
		slog.Error("PostgresAccessor GetConnectionBySource query failed", "error", err, "source_id", sourceID)
		return nil, fmt.Errorf("failed to query connections for %s: %w", sourceID, err)
	}
	defer rows.Close()
	return firstConnection(rows, sourceID, storyID)
}

func (a *PostgresAccessor) GetConnectionByOption(ctx context.Context, orgID, storyID, sourceID, optionID string) (*models.Connection, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, org_id, story_id, source_id, option_id, target_id FROM connections
		 WHERE org_id = $1 AND story_id = $2 AND source_id = $3 AND option_id = $4`,
		orgID, storyID, sourceID, optionID)
	var c models.Connection
	if err := row.Scan(&c.ID, &c.OrgID, &c.StoryID, &c.SourceID, &c.OptionID, &c.TargetID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrConnectionNotFound
		}
		slog.Error("PostgresAccessor GetConnectionByOption scan failed", "error", err, "source_id", sourceID, "option_id", optionID)
		return nil, fmt.Errorf("failed to load connection for %s/%s: %w", sourceID, optionID, err)
	}
	return &c, nil
}
