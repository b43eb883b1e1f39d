package story

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/convstack/botengine/internal/models"
)

const (
	testOrgID   = "org-1"
	testStoryID = "story-1"
)

var testStory = models.Story{ID: testStoryID, OrgID: testOrgID, Name: "Onboarding", FirstBlockID: "welcome"}

var testBlocks = []models.StoryBlock{
	{ID: "welcome", Type: models.BlockTypeTextMessage, Message: "Welcome aboard"},
	{ID: "ask", Type: models.BlockTypeQuestion, Message: "Ready?", Options: []models.BlockOption{
		{ID: "opt-a", Message: "Yes"},
		{ID: "opt-b", Message: "Later"},
	}},
	{ID: "finish", Type: models.BlockTypeEndStoryAnchor},
}

var testConnections = []models.Connection{
	{ID: "c1", OrgID: testOrgID, StoryID: testStoryID, SourceID: "welcome", TargetID: "ask"},
	{ID: "c2", OrgID: testOrgID, StoryID: testStoryID, SourceID: "ask", OptionID: "opt-a", TargetID: "finish"},
	{ID: "c3", OrgID: testOrgID, StoryID: testStoryID, SourceID: "ask", OptionID: "opt-b", TargetID: "welcome"},
}

// testAccessors runs a subtest against each Accessor backend seeded with the
// same graph.
func testAccessors(t *testing.T, fn func(t *testing.T, a Accessor)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		a := NewInMemoryAccessor()
		a.AddStory(testStory)
		for _, b := range testBlocks {
			a.AddBlock(testOrgID, testStoryID, b)
		}
		for _, c := range testConnections {
			a.AddConnection(c)
		}
		fn(t, a)
	})

	t.Run("sqlite", func(t *testing.T) {
		a, err := NewSQLiteAccessor(filepath.Join(t.TempDir(), "stories.db"))
		if err != nil {
			t.Fatalf("NewSQLiteAccessor failed: %v", err)
		}
		defer a.Close()
		if err := a.SeedStory(context.Background(), testStory, testBlocks, testConnections); err != nil {
			t.Fatalf("SeedStory failed: %v", err)
		}
		fn(t, a)
	})
}

func TestGetStory(t *testing.T) {
	testAccessors(t, func(t *testing.T, a Accessor) {
		ctx := context.Background()

		s, err := a.GetStory(ctx, testOrgID, testStoryID)
		if err != nil {
			t.Fatalf("GetStory failed: %v", err)
		}
		if s.Name != "Onboarding" || s.FirstBlockID != "welcome" {
			t.Errorf("Story mismatch: %+v", s)
		}

		if _, err := a.GetStory(ctx, testOrgID, "nope"); !errors.Is(err, models.ErrStoryNotFound) {
			t.Errorf("Expected story not found, got %v", err)
		}
		// Stories are scoped per org.
		if _, err := a.GetStory(ctx, "other-org", testStoryID); !errors.Is(err, models.ErrStoryNotFound) {
			t.Errorf("Expected cross-org lookup to miss, got %v", err)
		}
	})
}

func TestGetFirstBlock(t *testing.T) {
	testAccessors(t, func(t *testing.T, a Accessor) {
		b, err := a.GetFirstBlock(context.Background(), testOrgID, testStoryID)
		if err != nil {
			t.Fatalf("GetFirstBlock failed: %v", err)
		}
		if b.ID != "welcome" || b.Type != models.BlockTypeTextMessage {
			t.Errorf("First block mismatch: %+v", b)
		}
	})
}

func TestGetBlockByID(t *testing.T) {
	testAccessors(t, func(t *testing.T, a Accessor) {
		ctx := context.Background()

		b, err := a.GetBlockByID(ctx, testOrgID, testStoryID, "ask")
		if err != nil {
			t.Fatalf("GetBlockByID failed: %v", err)
		}
		if b.Type != models.BlockTypeQuestion || len(b.Options) != 2 {
			t.Errorf("Question block mismatch: %+v", b)
		}
		if b.Options[0].ID != "opt-a" || b.Options[1].ID != "opt-b" {
			t.Errorf("Option order not preserved: %+v", b.Options)
		}

		if _, err := a.GetBlockByID(ctx, testOrgID, testStoryID, "nope"); !errors.Is(err, models.ErrBlockNotFound) {
			t.Errorf("Expected block not found, got %v", err)
		}
	})
}

func TestGetConnectionBySource(t *testing.T) {
	testAccessors(t, func(t *testing.T, a Accessor) {
		ctx := context.Background()

		c, err := a.GetConnectionBySource(ctx, testOrgID, testStoryID, "welcome")
		if err != nil {
			t.Fatalf("GetConnectionBySource failed: %v", err)
		}
		if c.TargetID != "ask" {
			t.Errorf("Expected edge to ask, got %s", c.TargetID)
		}

		// The end anchor has no outgoing edge.
		if _, err := a.GetConnectionBySource(ctx, testOrgID, testStoryID, "finish"); !errors.Is(err, models.ErrConnectionNotFound) {
			t.Errorf("Expected connection not found, got %v", err)
		}
	})
}

func TestGetConnectionByOption(t *testing.T) {
	testAccessors(t, func(t *testing.T, a Accessor) {
		ctx := context.Background()

		c, err := a.GetConnectionByOption(ctx, testOrgID, testStoryID, "ask", "opt-b")
		if err != nil {
			t.Fatalf("GetConnectionByOption failed: %v", err)
		}
		if c.TargetID != "welcome" {
			t.Errorf("Expected opt-b edge to welcome, got %s", c.TargetID)
		}

		if _, err := a.GetConnectionByOption(ctx, testOrgID, testStoryID, "ask", "opt-z"); !errors.Is(err, models.ErrConnectionNotFound) {
			t.Errorf("Expected connection not found for unknown option, got %v", err)
		}
	})
}

func TestGetConnectionBySourceFirstWins(t *testing.T) {
	a := NewInMemoryAccessor()
	a.AddStory(testStory)
	a.AddBlock(testOrgID, testStoryID, testBlocks[0])
	a.AddConnection(models.Connection{ID: "c1", OrgID: testOrgID, StoryID: testStoryID, SourceID: "welcome", TargetID: "ask"})
	a.AddConnection(models.Connection{ID: "c2", OrgID: testOrgID, StoryID: testStoryID, SourceID: "welcome", TargetID: "elsewhere"})

	c, err := a.GetConnectionBySource(context.Background(), testOrgID, testStoryID, "welcome")
	if err != nil {
		t.Fatalf("GetConnectionBySource failed: %v", err)
	}
	if c.TargetID != "ask" {
		t.Errorf("Expected first edge to win, got %s", c.TargetID)
	}
}
