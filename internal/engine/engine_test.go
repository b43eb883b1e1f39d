package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/store"
	"github.com/convstack/botengine/internal/story"
)

const (
	testOrgID      = "org-1"
	testStoryID    = "story-1"
	testPlatformID = "15550001111"
	testFrom       = "15557778888"
)

// fakeRenderer flattens block messages and URLs into a plain-text body so
// assertions can grep the rendered output.
type fakeRenderer struct{}

func (fakeRenderer) Render(to string, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	var parts []string
	for _, b := range blocks {
		parts = append(parts, b.Message)
		if b.URL != "" {
			parts = append(parts, b.URL)
		}
	}
	return &models.ChannelPayload{To: to, ContentType: "text/plain", Body: []byte(strings.Join(parts, "\n"))}, nil
}

func (fakeRenderer) RenderFallback(to string) *models.ChannelPayload {
	return &models.ChannelPayload{To: to, ContentType: "text/plain", Body: []byte("fallback")}
}

type fakeSender struct {
	payloads []*models.ChannelPayload
	err      error
}

func (s *fakeSender) SendPayload(ctx context.Context, payload *models.ChannelPayload) error {
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

// seedBranchingStory builds welcome -> ask -> (opt-a: done-a | opt-b: halfway
// event -> done-b) -> finish.
func seedBranchingStory() *story.InMemoryAccessor {
	g := story.NewInMemoryAccessor()
	g.AddStory(models.Story{ID: testStoryID, OrgID: testOrgID, Name: "Onboarding", FirstBlockID: "welcome"})

	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "welcome", Type: models.BlockTypeTextMessage, Message: "Welcome aboard"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "ask", Type: models.BlockTypeQuestion, Message: "Ready to begin?", Options: []models.BlockOption{
		{ID: "opt-a", Message: "Yes"},
		{ID: "opt-b", Message: "Later"},
	}})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "done-a", Type: models.BlockTypeTextMessage, Message: "Path A it is"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "halfway", Type: models.BlockTypeEvent, Milestone: "halfway"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "done-b", Type: models.BlockTypeTextMessage, Message: "Path B it is"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "finish", Type: models.BlockTypeEndStoryAnchor})

	g.AddConnection(models.Connection{ID: "c1", OrgID: testOrgID, StoryID: testStoryID, SourceID: "welcome", TargetID: "ask"})
	g.AddConnection(models.Connection{ID: "c2", OrgID: testOrgID, StoryID: testStoryID, SourceID: "ask", OptionID: "opt-a", TargetID: "done-a"})
	g.AddConnection(models.Connection{ID: "c3", OrgID: testOrgID, StoryID: testStoryID, SourceID: "ask", OptionID: "opt-b", TargetID: "halfway"})
	g.AddConnection(models.Connection{ID: "c4", OrgID: testOrgID, StoryID: testStoryID, SourceID: "halfway", TargetID: "done-b"})
	g.AddConnection(models.Connection{ID: "c5", OrgID: testOrgID, StoryID: testStoryID, SourceID: "done-a", TargetID: "finish"})
	g.AddConnection(models.Connection{ID: "c6", OrgID: testOrgID, StoryID: testStoryID, SourceID: "done-b", TargetID: "finish"})
	return g
}

// seedMicroAppStory builds intro -> quiz micro-app -> after -> finish.
func seedMicroAppStory() *story.InMemoryAccessor {
	g := story.NewInMemoryAccessor()
	g.AddStory(models.Story{ID: testStoryID, OrgID: testOrgID, FirstBlockID: "intro"})

	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "intro", Type: models.BlockTypeTextMessage, Message: "Time for a quiz"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "quiz", Type: models.BlockTypeMicroApp, Name: "Weekly quiz", Message: "Take the quiz", AppID: "app-9", AppType: "quiz"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "after", Type: models.BlockTypeTextMessage, Message: "Nice work on the quiz"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "finish", Type: models.BlockTypeEndStoryAnchor})

	g.AddConnection(models.Connection{ID: "c1", OrgID: testOrgID, StoryID: testStoryID, SourceID: "intro", TargetID: "quiz"})
	g.AddConnection(models.Connection{ID: "c2", OrgID: testOrgID, StoryID: testStoryID, SourceID: "quiz", TargetID: "after"})
	g.AddConnection(models.Connection{ID: "c3", OrgID: testOrgID, StoryID: testStoryID, SourceID: "after", TargetID: "finish"})
	return g
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestEngine(g *story.InMemoryAccessor, opts ...Option) (*Engine, *store.InMemoryStore, *fakeSender) {
	st := store.NewInMemoryStore()
	sender := &fakeSender{}
	resolver := NewStaticChannelResolver([]models.CommChannel{{
		ID: "ch-1", OrgID: testOrgID, Platform: models.PlatformWhatsApp,
		PlatformID: testPlatformID, DefaultStoryID: testStoryID,
	}})
	interp := NewInterpreter(g, sequentialIDs("status"), "https://apps.example.com")
	renderers := map[models.PlatformType]Renderer{models.PlatformWhatsApp: fakeRenderer{}}
	senders := map[models.PlatformType]Sender{models.PlatformWhatsApp: sender}
	eng := New(g, st, resolver, interp, renderers, senders, opts...)
	return eng, st, sender
}

func textMessage(text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ID: "msg-1", Type: models.MessageTypeText, Text: text,
		EndUserNumber: testFrom, PlatformID: testPlatformID, Platform: models.PlatformWhatsApp,
		ReceivedAt: time.Now(),
	}
}

func optionMessage(optionID string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ID: "msg-2", Type: models.MessageTypeQuestion,
		SelectedOption: &models.OptionSelection{OptionID: optionID},
		EndUserNumber:  testFrom, PlatformID: testPlatformID, Platform: models.PlatformWhatsApp,
		ReceivedAt: time.Now(),
	}
}

func TestRunFirstContact(t *testing.T) {
	eng, st, sender := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	result, err := eng.Run(ctx, textMessage("hi"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Delivered {
		t.Error("Expected first contact content to be delivered")
	}
	if result.Cursor == nil || result.Cursor.Position.BlockID != "ask" {
		t.Fatalf("Expected cursor parked on question block, got %+v", result.Cursor)
	}
	if result.Cursor.Version != 1 {
		t.Errorf("Expected freshly created cursor at version 1, got %d", result.Cursor.Version)
	}

	body := string(result.Payload.Body)
	if !strings.Contains(body, "Welcome aboard") || !strings.Contains(body, "Ready to begin?") {
		t.Errorf("Expected welcome text and question in one turn, got %q", body)
	}
	if len(sender.payloads) != 1 {
		t.Errorf("Expected exactly one outbound delivery, got %d", len(sender.payloads))
	}

	endUser, err := st.GetEndUser(ctx, models.EndUserID(models.PlatformWhatsApp, testFrom))
	if err != nil || endUser == nil {
		t.Fatalf("Expected end user to be registered on first contact, got %v, %v", endUser, err)
	}
	if endUser.Status != models.ChatStatusActive {
		t.Errorf("Expected new end user to be active, got %s", endUser.Status)
	}
}

func TestRunOptionSelectionAdvancesBranch(t *testing.T) {
	eng, st, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first contact failed: %v", err)
	}
	result, err := eng.Run(ctx, optionMessage("opt-a"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Cursor.Position.BlockID != "finish" {
		t.Errorf("Expected cursor on terminal block, got %s", result.Cursor.Position.BlockID)
	}
	if !strings.Contains(string(result.Payload.Body), "Path A it is") {
		t.Errorf("Expected branch A content, got %q", result.Payload.Body)
	}

	endUser, _ := st.GetEndUser(ctx, models.EndUserID(models.PlatformWhatsApp, testFrom))
	if endUser.Status != models.ChatStatusCompleted {
		t.Errorf("Expected end user completed after reaching the end anchor, got %s", endUser.Status)
	}
}

func TestRunEventBlockRecordsMilestone(t *testing.T) {
	eng, st, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first contact failed: %v", err)
	}
	result, err := eng.Run(ctx, optionMessage("opt-b"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(string(result.Payload.Body), "Path B it is") {
		t.Errorf("Expected branch B content, got %q", result.Payload.Body)
	}

	milestones := st.Milestones()
	if len(milestones) != 1 {
		t.Fatalf("Expected one milestone, got %d", len(milestones))
	}
	if milestones[0].Name != "halfway" {
		t.Errorf("Expected milestone name halfway, got %s", milestones[0].Name)
	}
	if milestones[0].EndUserID != models.EndUserID(models.PlatformWhatsApp, testFrom) {
		t.Errorf("Milestone attributed to wrong end user: %s", milestones[0].EndUserID)
	}
}

func TestRunTextAtQuestionIsProtocolViolation(t *testing.T) {
	eng, st, sender := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first contact failed: %v", err)
	}
	result, err := eng.Run(ctx, textMessage("yes please"))
	if !errors.Is(err, models.ErrProtocolViolation) {
		t.Fatalf("Expected protocol violation for free text at a question, got %v", err)
	}
	if result == nil || result.Payload == nil {
		t.Fatal("Expected a fallback payload on a failed turn")
	}
	if string(result.Payload.Body) != "fallback" {
		t.Errorf("Expected fallback body, got %q", result.Payload.Body)
	}

	// The end user must actually receive the fallback, not just the caller.
	if len(sender.payloads) != 2 {
		t.Fatalf("Expected first-contact and fallback deliveries, got %d", len(sender.payloads))
	}
	if string(sender.payloads[1].Body) != "fallback" {
		t.Errorf("Expected fallback delivered to the end user, got %q", sender.payloads[1].Body)
	}
	if !result.Delivered {
		t.Error("Expected failed turn to report the fallback as delivered")
	}

	cursor, _ := st.GetCursor(ctx, models.EndUserID(models.PlatformWhatsApp, testFrom), testOrgID)
	if cursor.Position.BlockID != "ask" || cursor.Version != 1 {
		t.Errorf("Expected cursor untouched by failed turn, got block %s version %d", cursor.Position.BlockID, cursor.Version)
	}
}

func TestRunUnknownOptionIsConnectionError(t *testing.T) {
	eng, _, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first contact failed: %v", err)
	}
	_, err := eng.Run(ctx, optionMessage("opt-nope"))
	if !errors.Is(err, models.ErrConnectionNotFound) {
		t.Fatalf("Expected connection-not-found for unknown option, got %v", err)
	}
}

func TestRunUnregisteredPlatformIdentity(t *testing.T) {
	eng, _, _ := newTestEngine(seedBranchingStory())

	msg := textMessage("hi")
	msg.PlatformID = "does-not-exist"
	result, err := eng.Run(context.Background(), msg)
	if !errors.Is(err, models.ErrProtocolViolation) {
		t.Fatalf("Expected protocol violation for unregistered identity, got %v", err)
	}
	if result.Payload == nil {
		t.Error("Expected a fallback payload even when the channel is unknown")
	}
}

func TestRunLeaseHeldRejectsConcurrentTurn(t *testing.T) {
	eng, st, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	endUserID := models.EndUserID(models.PlatformWhatsApp, testFrom)
	if _, err := st.AcquireLease(ctx, endUserID, testOrgID, time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	_, err := eng.Run(ctx, textMessage("hi"))
	if !errors.Is(err, models.ErrLeaseHeld) {
		t.Fatalf("Expected lease conflict, got %v", err)
	}
}

func TestRunReleasesLeaseAfterTurn(t *testing.T) {
	eng, _, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	// A second turn for the same end user must not trip over a stale lease.
	if _, err := eng.Run(ctx, optionMessage("opt-a")); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
}

func TestRunDeliveryFailureKeepsCommittedCursor(t *testing.T) {
	eng, st, sender := newTestEngine(seedBranchingStory())
	sender.err = errors.New("transport down")
	ctx := context.Background()

	result, err := eng.Run(ctx, textMessage("hi"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Delivered {
		t.Error("Expected delivery to be reported as failed")
	}
	if result.Err == nil {
		t.Error("Expected the delivery error on the result")
	}

	cursor, _ := st.GetCursor(ctx, models.EndUserID(models.PlatformWhatsApp, testFrom), testOrgID)
	if cursor == nil || cursor.Position.BlockID != "ask" {
		t.Errorf("Expected cursor committed despite delivery failure, got %+v", cursor)
	}
}

func TestRunEndAnchorIsTerminal(t *testing.T) {
	eng, st, _ := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("first contact failed: %v", err)
	}
	if _, err := eng.Run(ctx, optionMessage("opt-a")); err != nil {
		t.Fatalf("completing turn failed: %v", err)
	}

	// Messages after the end anchor leave the cursor where it is.
	result, err := eng.Run(ctx, textMessage("hello again"))
	if err != nil {
		t.Fatalf("post-completion turn failed: %v", err)
	}
	if result.Cursor.Position.BlockID != "finish" {
		t.Errorf("Expected cursor to stay on the end anchor, got %s", result.Cursor.Position.BlockID)
	}

	cursor, _ := st.GetCursor(ctx, models.EndUserID(models.PlatformWhatsApp, testFrom), testOrgID)
	if cursor.Position.BlockID != "finish" {
		t.Errorf("Expected stored cursor on the end anchor, got %s", cursor.Position.BlockID)
	}
}

func TestRunAutoAdvanceDepthGuard(t *testing.T) {
	g := story.NewInMemoryAccessor()
	g.AddStory(models.Story{ID: testStoryID, OrgID: testOrgID, FirstBlockID: "a"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "a", Type: models.BlockTypeTextMessage, Message: "ping"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "b", Type: models.BlockTypeTextMessage, Message: "pong"})
	g.AddConnection(models.Connection{ID: "c1", OrgID: testOrgID, StoryID: testStoryID, SourceID: "a", TargetID: "b"})
	g.AddConnection(models.Connection{ID: "c2", OrgID: testOrgID, StoryID: testStoryID, SourceID: "b", TargetID: "a"})

	eng, _, _ := newTestEngine(g)
	_, err := eng.Run(context.Background(), textMessage("hi"))
	if err == nil {
		t.Fatal("Expected cyclic story graph to abort the turn")
	}
}

func TestInterpretUnknownBlockType(t *testing.T) {
	g := story.NewInMemoryAccessor()
	g.AddStory(models.Story{ID: testStoryID, OrgID: testOrgID, FirstBlockID: "weird"})
	g.AddBlock(testOrgID, testStoryID, models.StoryBlock{ID: "weird", Type: "carousel", Message: "?"})

	eng, _, _ := newTestEngine(g)
	_, err := eng.Run(context.Background(), textMessage("hi"))
	if !errors.Is(err, models.ErrUnknownBlockType) {
		t.Fatalf("Expected unknown block type error, got %v", err)
	}
}

func TestMicroAppSuspendsStory(t *testing.T) {
	eng, st, _ := newTestEngine(seedMicroAppStory())
	ctx := context.Background()

	result, err := eng.Run(ctx, textMessage("hi"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cursor := result.Cursor
	if cursor.Position.StoryID != "app-9" || cursor.Position.BlockID != "quiz" {
		t.Errorf("Expected cursor repointed at the micro-app, got %+v", cursor.Position)
	}
	if cursor.RoutedCursor == nil || cursor.RoutedCursor.BlockSuccess != "after" {
		t.Errorf("Expected routed cursor naming the resume target, got %+v", cursor.RoutedCursor)
	}
	if len(cursor.ParentStack) != 1 || cursor.ParentStack[0].StoryID != testStoryID {
		t.Errorf("Expected one parent frame in the main story, got %+v", cursor.ParentStack)
	}

	body := string(result.Payload.Body)
	if !strings.Contains(body, "https://apps.example.com/start/status-1") {
		t.Errorf("Expected launch link in outbound content, got %q", body)
	}

	status, err := st.GetMicroAppStatus(ctx, "status-1")
	if err != nil {
		t.Fatalf("Expected registered micro-app status: %v", err)
	}
	if status.Status != models.MicroAppInitialized {
		t.Errorf("Expected initialized status, got %s", status.Status)
	}
	if status.AppID != "app-9" || status.EndUserID != models.EndUserID(models.PlatformWhatsApp, testFrom) {
		t.Errorf("Status misattributed: %+v", status)
	}

	endUser, _ := st.GetEndUser(ctx, status.EndUserID)
	if endUser.Status != models.ChatStatusMicroApp {
		t.Errorf("Expected end user delegated to the micro-app, got %s", endUser.Status)
	}
}

func TestStartMicroAppIdempotent(t *testing.T) {
	eng, _, _ := newTestEngine(seedMicroAppStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	first, err := eng.StartMicroApp(ctx, "status-1")
	if err != nil {
		t.Fatalf("StartMicroApp failed: %v", err)
	}
	if first.Status != models.MicroAppStarted {
		t.Errorf("Expected started status, got %s", first.Status)
	}

	second, err := eng.StartMicroApp(ctx, "status-1")
	if err != nil {
		t.Fatalf("repeat StartMicroApp failed: %v", err)
	}
	if second.Status != models.MicroAppStarted {
		t.Errorf("Expected repeat start to be a no-op, got %s", second.Status)
	}
}

func TestStartMicroAppUnknownStatus(t *testing.T) {
	eng, _, _ := newTestEngine(seedMicroAppStory())
	_, err := eng.StartMicroApp(context.Background(), "does-not-exist")
	if !errors.Is(err, models.ErrMicroAppNotFound) {
		t.Fatalf("Expected micro-app not found, got %v", err)
	}
}

func TestCompleteMicroAppResumesStory(t *testing.T) {
	eng, st, sender := newTestEngine(seedMicroAppStory())
	ctx := context.Background()

	if _, err := eng.Run(ctx, textMessage("hi")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := eng.StartMicroApp(ctx, "status-1"); err != nil {
		t.Fatalf("StartMicroApp failed: %v", err)
	}

	result, err := eng.CompleteMicroApp(ctx, "status-1")
	if err != nil {
		t.Fatalf("CompleteMicroApp failed: %v", err)
	}
	if !result.Delivered {
		t.Error("Expected resumed content to be pushed over the channel")
	}
	if !strings.Contains(string(result.Payload.Body), "Nice work on the quiz") {
		t.Errorf("Expected resume target content, got %q", result.Payload.Body)
	}
	if len(sender.payloads) != 2 {
		t.Errorf("Expected suspension and resume deliveries, got %d", len(sender.payloads))
	}

	cursor := result.Cursor
	if cursor.Position.StoryID != testStoryID || cursor.Position.BlockID != "finish" {
		t.Errorf("Expected cursor back in the main story at the end anchor, got %+v", cursor.Position)
	}
	if cursor.RoutedCursor != nil {
		t.Error("Expected routed cursor cleared after resume")
	}
	if len(cursor.ParentStack) != 0 {
		t.Errorf("Expected parent stack popped, got %+v", cursor.ParentStack)
	}

	status, _ := st.GetMicroAppStatus(ctx, "status-1")
	if status.Status != models.MicroAppCompleted {
		t.Errorf("Expected completed status, got %s", status.Status)
	}
	endUser, _ := st.GetEndUser(ctx, status.EndUserID)
	if endUser.Status != models.ChatStatusCompleted {
		t.Errorf("Expected end user completed after the resumed chain hit the end anchor, got %s", endUser.Status)
	}
}

func TestSendText(t *testing.T) {
	eng, _, sender := newTestEngine(seedBranchingStory())
	ctx := context.Background()

	if err := eng.SendText(ctx, models.PlatformWhatsApp, testFrom, "Class starts tomorrow"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("Expected one delivery, got %d", len(sender.payloads))
	}
	if !strings.Contains(string(sender.payloads[0].Body), "Class starts tomorrow") {
		t.Errorf("Unexpected payload body: %q", sender.payloads[0].Body)
	}

	if err := eng.SendText(ctx, models.PlatformWhatsApp, "", "hello"); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("Expected empty recipient error, got %v", err)
	}
	if err := eng.SendText(ctx, models.PlatformIVR, testFrom, "hello"); err == nil {
		t.Error("Expected error for platform without a sender")
	}
}

func TestCompleteMicroAppUnknownStatus(t *testing.T) {
	eng, _, _ := newTestEngine(seedMicroAppStory())
	_, err := eng.CompleteMicroApp(context.Background(), "does-not-exist")
	if !errors.Is(err, models.ErrMicroAppNotFound) {
		t.Fatalf("Expected micro-app not found, got %v", err)
	}
}
