// Package story provides read-only access to story definitions, blocks, and
// the connections between them.
//
// The engine never mutates story content; authoring happens elsewhere. A
// missing story, block, or connection is a data-authoring integrity failure
// and is reported through the models sentinel errors so the run loop can fail
// the turn without touching the cursor.
package story

import (
	"context"
	"log/slog"
	"sync"

	"github.com/convstack/botengine/internal/models"
)

// Accessor is the read-only story graph contract the engine depends on.
type Accessor interface {
	// GetStory retrieves a story definition.
	GetStory(ctx context.Context, orgID, storyID string) (*models.Story, error)

	// GetFirstBlock retrieves the designated first block of a story.
	GetFirstBlock(ctx context.Context, orgID, storyID string) (*models.StoryBlock, error)

	// GetBlockByID retrieves a block by its ID within a story.
	GetBlockByID(ctx context.Context, orgID, storyID, blockID string) (*models.StoryBlock, error)

	// GetConnectionBySource retrieves the outgoing connection of a
	// non-branching block. When authoring left more than one connection on
	// the source, the first resolved one wins and a warning is logged.
	GetConnectionBySource(ctx context.Context, orgID, storyID, sourceID string) (*models.Connection, error)

	// GetConnectionByOption retrieves the outgoing connection of a question
	// block keyed by the selected option.
	GetConnectionByOption(ctx context.Context, orgID, storyID, sourceID, optionID string) (*models.Connection, error)
}

// InMemoryAccessor is a map-backed Accessor used in tests and for locally
// seeded stories.
type InMemoryAccessor struct {
	mu          sync.RWMutex
	stories     map[string]models.Story      // orgID/storyID
	blocks      map[string]models.StoryBlock // orgID/storyID/blockID
	connections []models.Connection
}

// NewInMemoryAccessor creates an empty in-memory story graph.
func NewInMemoryAccessor() *InMemoryAccessor {
	return &InMemoryAccessor{
		stories: make(map[string]models.Story),
		blocks:  make(map[string]models.StoryBlock),
	}
}

func storyKey(orgID, storyID string) string { return orgID + "/" + storyID }

func blockKey(orgID, storyID, id string) string { return orgID + "/" + storyID + "/" + id }

// AddStory seeds a story definition.
func (a *InMemoryAccessor) AddStory(s models.Story) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stories[storyKey(s.OrgID, s.ID)] = s
}

// AddBlock seeds a block into a story.
func (a *InMemoryAccessor) AddBlock(orgID, storyID string, b models.StoryBlock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks[blockKey(orgID, storyID, b.ID)] = b
}

// AddConnection seeds a directed edge.
func (a *InMemoryAccessor) AddConnection(c models.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections = append(a.connections, c)
}

func (a *InMemoryAccessor) GetStory(ctx context.Context, orgID, storyID string) (*models.Story, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.stories[storyKey(orgID, storyID)]
	if !ok {
		return nil, models.ErrStoryNotFound
	}
	return &s, nil
}

func (a *InMemoryAccessor) GetFirstBlock(ctx context.Context, orgID, storyID string) (*models.StoryBlock, error) {
	s, err := a.GetStory(ctx, orgID, storyID)
	if err != nil {
		return nil, err
	}
	return a.GetBlockByID(ctx, orgID, storyID, s.FirstBlockID)
}

func (a *InMemoryAccessor) GetBlockByID(ctx context.Context, orgID, storyID, blockID string) (*models.StoryBlock, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.blocks[blockKey(orgID, storyID, blockID)]
	if !ok {
		return nil, models.ErrBlockNotFound
	}
	return &b, nil
}

func (a *InMemoryAccessor) GetConnectionBySource(ctx context.Context, orgID, storyID, sourceID string) (*models.Connection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var found *models.Connection
	count := 0
	for i := range a.connections {
		c := a.connections[i]
		if c.OrgID == orgID && c.StoryID == storyID && c.SourceID == sourceID {
			count++
			if found == nil {
				found = &c
			}
		}
	}
	if found == nil {
		return nil, models.ErrConnectionNotFound
	}
	if count > 1 {
		slog.Warn("story.GetConnectionBySource: multiple connections from non-branching block, using first", "source_id", sourceID, "story_id", storyID, "count", count)
	}
	return found, nil
}

func (a *InMemoryAccessor) GetConnectionByOption(ctx context.Context, orgID, storyID, sourceID, optionID string) (*models.Connection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.connections {
		c := a.connections[i]
		if c.OrgID == orgID && c.StoryID == storyID && c.SourceID == sourceID && c.OptionID == optionID {
			return &c, nil
		}
	}
	return nil, models.ErrConnectionNotFound
}
