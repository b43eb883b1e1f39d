// Package testutil provides common test utilities and helpers for bot engine tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/convstack/botengine/internal/api"
	"github.com/convstack/botengine/internal/delivery"
	"github.com/convstack/botengine/internal/engine"
	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/store"
	"github.com/convstack/botengine/internal/story"
)

// Test identifiers shared by fixtures.
const (
	TestOrgID       = "org-1"
	TestStoryID     = "story-1"
	TestWhatsAppID  = "15550001111"
	TestMessengerID = "page-1"
	TestIVRID       = "+15550002222"
)

// CaptureSender is an engine.Sender that records payloads instead of
// delivering them.
type CaptureSender struct {
	mu       sync.Mutex
	Payloads []*models.ChannelPayload
}

func (c *CaptureSender) SendPayload(ctx context.Context, payload *models.ChannelPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Payloads = append(c.Payloads, payload)
	return nil
}

// Last returns the most recently captured payload, or nil.
func (c *CaptureSender) Last() *models.ChannelPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Payloads) == 0 {
		return nil
	}
	return c.Payloads[len(c.Payloads)-1]
}

// Fixture bundles a test server with its in-memory collaborators so tests
// can seed state and observe effects directly.
type Fixture struct {
	Server *api.Server
	Store  *store.InMemoryStore
	Graph  *story.InMemoryAccessor
	Engine *engine.Engine
	Sent   *CaptureSender
}

// NewTestServer creates a test API server with in-memory dependencies and a
// seeded story: a welcome text block flowing into a two-option question.
// This centralizes the test server creation logic used across test files.
func NewTestServer(apiOpts ...api.Option) *Fixture {
	graph := story.NewInMemoryAccessor()
	SeedStoryGraph(graph)

	st := store.NewInMemoryStore()
	channels := engine.NewStaticChannelResolver([]models.CommChannel{
		{ID: "ch-wa", OrgID: TestOrgID, Platform: models.PlatformWhatsApp, PlatformID: TestWhatsAppID, DefaultStoryID: TestStoryID},
		{ID: "ch-fb", OrgID: TestOrgID, Platform: models.PlatformMessenger, PlatformID: TestMessengerID, DefaultStoryID: TestStoryID},
		{ID: "ch-ivr", OrgID: TestOrgID, Platform: models.PlatformIVR, PlatformID: TestIVRID, DefaultStoryID: TestStoryID},
	})

	interp := engine.NewInterpreter(graph, nil, "https://apps.example.com")
	sent := &CaptureSender{}
	renderers := map[models.PlatformType]engine.Renderer{
		models.PlatformWhatsApp:  delivery.NewWhatsAppRenderer(),
		models.PlatformMessenger: delivery.NewMessengerRenderer(),
		models.PlatformIVR:       delivery.NewIVRRenderer("https://bot.example.com/webhook/ivr", nil),
	}
	senders := map[models.PlatformType]engine.Sender{
		models.PlatformWhatsApp:  sent,
		models.PlatformMessenger: sent,
	}

	eng := engine.New(graph, st, channels, interp, renderers, senders)
	opts := append([]api.Option{api.WithMessengerVerifyToken("verify-token")}, apiOpts...)
	srv := api.NewServer(eng, st, graph, channels, opts...)

	return &Fixture{Server: srv, Store: st, Graph: graph, Engine: eng, Sent: sent}
}

// SeedStoryGraph loads the standard test story into an accessor:
//
//	welcome (text) -> ask (question: Yes/No) -> yes-path / no-path (text)
//	yes-path -> finish (end anchor), no-path -> finish
func SeedStoryGraph(graph *story.InMemoryAccessor) {
	graph.AddStory(models.Story{ID: TestStoryID, OrgID: TestOrgID, Name: "Onboarding", FirstBlockID: "welcome"})
	graph.AddBlock(TestOrgID, TestStoryID, models.StoryBlock{ID: "welcome", Type: models.BlockTypeTextMessage, Message: "Welcome!"})
	graph.AddBlock(TestOrgID, TestStoryID, models.StoryBlock{
		ID:      "ask",
		Type:    models.BlockTypeQuestion,
		Message: "Do you want to continue?",
		Options: []models.BlockOption{
			{ID: "opt-yes", Message: "Yes"},
			{ID: "opt-no", Message: "No"},
		},
	})
	graph.AddBlock(TestOrgID, TestStoryID, models.StoryBlock{ID: "yes-path", Type: models.BlockTypeTextMessage, Message: "Great, let's go."})
	graph.AddBlock(TestOrgID, TestStoryID, models.StoryBlock{ID: "no-path", Type: models.BlockTypeTextMessage, Message: "Maybe next time."})
	graph.AddBlock(TestOrgID, TestStoryID, models.StoryBlock{ID: "finish", Type: models.BlockTypeEndStoryAnchor})

	graph.AddConnection(models.Connection{ID: "c1", OrgID: TestOrgID, StoryID: TestStoryID, SourceID: "welcome", TargetID: "ask"})
	graph.AddConnection(models.Connection{ID: "c2", OrgID: TestOrgID, StoryID: TestStoryID, SourceID: "ask", OptionID: "opt-yes", TargetID: "yes-path"})
	graph.AddConnection(models.Connection{ID: "c3", OrgID: TestOrgID, StoryID: TestStoryID, SourceID: "ask", OptionID: "opt-no", TargetID: "no-path"})
	graph.AddConnection(models.Connection{ID: "c4", OrgID: TestOrgID, StoryID: TestStoryID, SourceID: "yes-path", TargetID: "finish"})
	graph.AddConnection(models.Connection{ID: "c5", OrgID: TestOrgID, StoryID: TestStoryID, SourceID: "no-path", TargetID: "finish"})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
