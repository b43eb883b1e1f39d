// Package store provides persistence backends for engine state.
//
// This file implements an in-memory store used in tests and local development.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/util"
)

// InMemoryStore is a map-backed Store. Safe for concurrent use.
type InMemoryStore struct {
	mu         sync.Mutex
	cursors    map[string]models.Cursor
	leases     map[string]lease
	endUsers   map[string]models.EndUser
	microApps  map[string]models.MicroAppStatus
	milestones []models.Milestone
}

type lease struct {
	token     string
	expiresAt time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		cursors:   make(map[string]models.Cursor),
		leases:    make(map[string]lease),
		endUsers:  make(map[string]models.EndUser),
		microApps: make(map[string]models.MicroAppStatus),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func cursorKey(endUserID, orgID string) string { return endUserID + "/" + orgID }

func (s *InMemoryStore) GetCursor(ctx context.Context, endUserID, orgID string) (*models.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey(endUserID, orgID)]
	if !ok {
		return nil, nil
	}
	out := c.Clone()
	return &out, nil
}

func (s *InMemoryStore) SaveCursor(ctx context.Context, c *models.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(c.EndUserID, c.OrgID)
	now := time.Now()
	stored, exists := s.cursors[key]

	if c.Version == 0 {
		if exists {
			return models.ErrCursorConflict
		}
		c.Version = 1
		c.CreatedAt = now
		c.UpdatedAt = now
		s.cursors[key] = c.Clone()
		return nil
	}

	if !exists || stored.Version != c.Version {
		return models.ErrCursorConflict
	}
	c.Version++
	c.UpdatedAt = now
	s.cursors[key] = c.Clone()
	return nil
}

func (s *InMemoryStore) AcquireLease(ctx context.Context, endUserID, orgID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(endUserID, orgID)
	now := time.Now()
	if l, ok := s.leases[key]; ok && l.expiresAt.After(now) {
		return "", models.ErrLeaseHeld
	}
	token := util.NewID()
	s.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, endUserID, orgID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(endUserID, orgID)
	if l, ok := s.leases[key]; ok && l.token == token {
		delete(s.leases, key)
	}
	return nil
}

func (s *InMemoryStore) GetEndUser(ctx context.Context, id string) (*models.EndUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.endUsers[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) SaveEndUser(ctx context.Context, u *models.EndUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.endUsers[u.ID] = *u
	return nil
}

func (s *InMemoryStore) CreateMicroAppStatus(ctx context.Context, st models.MicroAppStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now
	s.microApps[st.ID] = st
	return nil
}

func (s *InMemoryStore) GetMicroAppStatus(ctx context.Context, id string) (*models.MicroAppStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.microApps[id]
	if !ok {
		return nil, models.ErrMicroAppNotFound
	}
	return &st, nil
}

func (s *InMemoryStore) UpdateMicroAppStatus(ctx context.Context, id string, status models.MicroAppStatusType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.microApps[id]
	if !ok {
		return models.ErrMicroAppNotFound
	}
	st.Status = status
	st.UpdatedAt = time.Now()
	s.microApps[id] = st
	return nil
}

func (s *InMemoryStore) RecordMilestone(ctx context.Context, m models.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones = append(s.milestones, m)
	return nil
}

// Milestones returns recorded milestones. Test helper.
func (s *InMemoryStore) Milestones() []models.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Milestone, len(s.milestones))
	copy(out, s.milestones)
	return out
}
