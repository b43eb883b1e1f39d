// Package engine implements the bot conversation engine run loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/store"
	"github.com/convstack/botengine/internal/story"
	"github.com/convstack/botengine/internal/util"
)

// Renderer translates outbound blocks into a channel-specific payload.
type Renderer interface {
	Render(to string, blocks []models.StoryBlock) (*models.ChannelPayload, error)

	// RenderFallback produces the degraded generic response returned when a
	// turn fails fatally; the webhook must never hang.
	RenderFallback(to string) *models.ChannelPayload
}

// Sender delivers a rendered payload on a push channel. IVR has no sender:
// its payload is the synchronous webhook response.
type Sender interface {
	SendPayload(ctx context.Context, payload *models.ChannelPayload) error
}

// ChannelResolver resolves the platform identity a message arrived on
// (business number, page ID) to the org and default story it serves.
type ChannelResolver interface {
	ResolveChannel(ctx context.Context, platformID string) (*models.CommChannel, error)
}

// StaticChannelResolver is a map-backed ChannelResolver configured at boot.
type StaticChannelResolver struct {
	channels map[string]models.CommChannel
}

// NewStaticChannelResolver creates a resolver over the given channels.
func NewStaticChannelResolver(channels []models.CommChannel) *StaticChannelResolver {
	m := make(map[string]models.CommChannel, len(channels))
	for _, ch := range channels {
		m[ch.PlatformID] = ch
	}
	return &StaticChannelResolver{channels: m}
}

func (r *StaticChannelResolver) ResolveChannel(ctx context.Context, platformID string) (*models.CommChannel, error) {
	ch, ok := r.channels[platformID]
	if !ok {
		return nil, fmt.Errorf("platform identity %s is not registered to a channel: %w", platformID, models.ErrProtocolViolation)
	}
	return &ch, nil
}

// RunResult carries the outcome of one turn. Payload is always populated:
// either the rendered outbound content or a channel-appropriate fallback.
type RunResult struct {
	Payload   *models.ChannelPayload
	Cursor    *models.Cursor
	Delivered bool
	Err       error
}

// Engine orchestrates one end-to-end turn. All collaborators are injected;
// the engine holds no global state.
type Engine struct {
	graph     story.Accessor
	store     store.Store
	channels  ChannelResolver
	interp    *Interpreter
	renderers map[models.PlatformType]Renderer
	senders   map[models.PlatformType]Sender
	ids       util.IDGenerator
	leaseTTL  time.Duration
}

// Opts holds configuration options for the Engine.
type Opts struct {
	LeaseTTL time.Duration
	IDs      util.IDGenerator
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithLeaseTTL overrides the per-end-user turn lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.LeaseTTL = ttl }
}

// WithIDGenerator overrides the id generation strategy.
func WithIDGenerator(ids util.IDGenerator) Option {
	return func(o *Opts) { o.IDs = ids }
}

// New creates an Engine with the given collaborators.
func New(graph story.Accessor, st store.Store, channels ChannelResolver, interp *Interpreter,
	renderers map[models.PlatformType]Renderer, senders map[models.PlatformType]Sender, opts ...Option) *Engine {
	cfg := Opts{LeaseTTL: store.DefaultLeaseTTL, IDs: util.NewID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		graph:     graph,
		store:     st,
		channels:  channels,
		interp:    interp,
		renderers: renderers,
		senders:   senders,
		ids:       cfg.IDs,
		leaseTTL:  cfg.LeaseTTL,
	}
}

// Run processes one turn: resolve channel context, serialize on the end
// user, load or initialize the cursor, interpret, commit, deliver.
//
// The cursor save is the single commit point. Anything that fails before it
// leaves the prior cursor authoritative, and the caller receives a degraded
// but well-formed fallback payload. A delivery failure after the commit is
// reported but never rolls the cursor back.
func (e *Engine) Run(ctx context.Context, msg *models.IncomingMessage) (*RunResult, error) {
	slog.Debug("Engine.Run: turn started", "message_id", msg.ID, "platform", msg.Platform, "from", msg.EndUserNumber)

	ch, err := e.channels.ResolveChannel(ctx, msg.PlatformID)
	if err != nil {
		slog.Error("Engine.Run: channel resolution failed", "error", err, "platform_id", msg.PlatformID)
		return e.failTurn(ctx, msg, err)
	}

	endUser, err := e.resolveEndUser(ctx, ch, msg)
	if err != nil {
		return e.failTurn(ctx, msg, err)
	}

	token, err := e.store.AcquireLease(ctx, endUser.ID, ch.OrgID, e.leaseTTL)
	if err != nil {
		slog.Warn("Engine.Run: turn lease not acquired", "error", err, "end_user_id", endUser.ID)
		return e.failTurn(ctx, msg, err)
	}
	defer func() {
		if rerr := e.store.ReleaseLease(ctx, endUser.ID, ch.OrgID, token); rerr != nil {
			slog.Error("Engine.Run: lease release failed", "error", rerr, "end_user_id", endUser.ID)
		}
	}()

	cursor, err := e.store.GetCursor(ctx, endUser.ID, ch.OrgID)
	if err != nil {
		return e.failTurn(ctx, msg, err)
	}

	var tr *Transition
	if cursor == nil {
		cursor, tr, err = e.startFirstContact(ctx, ch, endUser)
	} else {
		tr, err = e.advance(ctx, cursor, msg, endUser)
	}
	if err != nil {
		return e.failTurn(ctx, msg, err)
	}

	// Side effects land before the cursor commit. If the commit below then
	// fails, micro-app status rows, milestones, and end-user status changes
	// survive while the cursor stays put; the retried turn re-applies them.
	// Only the cursor itself carries the turn's consistency guarantee.
	if err := e.applySideEffects(ctx, &tr.NextCursor, endUser, tr.SideEffects); err != nil {
		return e.failTurn(ctx, msg, err)
	}

	// Commit point.
	if err := e.store.SaveCursor(ctx, &tr.NextCursor); err != nil {
		slog.Error("Engine.Run: cursor commit failed", "error", err, "end_user_id", endUser.ID)
		return e.failTurn(ctx, msg, err)
	}
	slog.Debug("Engine.Run: cursor committed", "end_user_id", endUser.ID, "story_id", tr.NextCursor.Position.StoryID, "block_id", tr.NextCursor.Position.BlockID, "version", tr.NextCursor.Version)

	payload, err := e.render(msg, tr.OutboundBlocks)
	if err != nil {
		// State has moved on; report the rendering failure with a fallback
		// response instead of failing the committed turn.
		slog.Error("Engine.Run: outbound rendering failed after commit", "error", err, "end_user_id", endUser.ID)
		return &RunResult{Payload: e.fallback(msg), Cursor: &tr.NextCursor, Err: err}, nil
	}

	result := &RunResult{Payload: payload, Cursor: &tr.NextCursor}
	if sender, ok := e.senders[msg.Platform]; ok && payload != nil {
		if serr := sender.SendPayload(ctx, payload); serr != nil {
			slog.Error("Engine.Run: outbound delivery failed", "error", serr, "to", payload.To, "platform", msg.Platform)
			result.Err = serr
		} else {
			result.Delivered = true
		}
	}

	slog.Info("Engine.Run: turn completed", "end_user_id", endUser.ID, "blocks_out", len(tr.OutboundBlocks), "delivered", result.Delivered)
	return result, nil
}

// resolveEndUser loads the end user for the sender handle, creating the
// record on first contact. End users are never deleted.
func (e *Engine) resolveEndUser(ctx context.Context, ch *models.CommChannel, msg *models.IncomingMessage) (*models.EndUser, error) {
	id := models.EndUserID(msg.Platform, msg.EndUserNumber)
	endUser, err := e.store.GetEndUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if endUser == nil {
		endUser = &models.EndUser{
			ID:          id,
			OrgID:       ch.OrgID,
			Platform:    msg.Platform,
			PlatformID:  msg.PlatformID,
			PhoneNumber: msg.EndUserNumber,
			Name:        msg.EndUserName,
			Status:      models.ChatStatusActive,
		}
		if err := e.store.SaveEndUser(ctx, endUser); err != nil {
			return nil, err
		}
		slog.Info("Engine.resolveEndUser: new end user registered", "end_user_id", id, "platform", msg.Platform)
	}
	return endUser, nil
}

// startFirstContact initializes a cursor at the default story's first block
// and executes that block.
func (e *Engine) startFirstContact(ctx context.Context, ch *models.CommChannel, endUser *models.EndUser) (*models.Cursor, *Transition, error) {
	first, err := e.graph.GetFirstBlock(ctx, ch.OrgID, ch.DefaultStoryID)
	if err != nil {
		slog.Error("Engine.startFirstContact: first block lookup failed", "error", err, "story_id", ch.DefaultStoryID)
		return nil, nil, err
	}
	cursor := &models.Cursor{
		EndUserID: endUser.ID,
		OrgID:     ch.OrgID,
		Position:  models.Position{StoryID: ch.DefaultStoryID, BlockID: first.ID},
	}
	tr, err := e.interp.Begin(ctx, cursor, endUser)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Engine.startFirstContact: cursor initialized", "end_user_id", endUser.ID, "story_id", ch.DefaultStoryID, "first_block", first.ID)
	return cursor, tr, nil
}

// advance interprets the block at the cursor's current position.
func (e *Engine) advance(ctx context.Context, cursor *models.Cursor, msg *models.IncomingMessage, endUser *models.EndUser) (*Transition, error) {
	block, err := e.graph.GetBlockByID(ctx, cursor.OrgID, cursor.Position.StoryID, cursor.Position.BlockID)
	if err != nil {
		slog.Error("Engine.advance: cursor points at missing block", "error", err, "story_id", cursor.Position.StoryID, "block_id", cursor.Position.BlockID)
		return nil, err
	}
	return e.interp.Interpret(ctx, block, cursor, msg, endUser)
}

// applySideEffects persists the interpreter's deferred actions. They run
// before the cursor commit; the committed cursor is what makes the turn
// observable, so a failure here aborts the turn with the prior cursor intact.
func (e *Engine) applySideEffects(ctx context.Context, cursor *models.Cursor, endUser *models.EndUser, effects []models.SideEffect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case models.SideEffectMilestone:
			m := milestoneFor(e.ids(), cursor, endUser, eff.Milestone)
			if err := e.store.RecordMilestone(ctx, m); err != nil {
				return err
			}
		case models.SideEffectStatusChange:
			endUser.Status = eff.Status
			if err := e.store.SaveEndUser(ctx, endUser); err != nil {
				return err
			}
		case models.SideEffectMicroAppRegistration:
			if eff.MicroApp == nil {
				return fmt.Errorf("micro-app registration side effect without status record")
			}
			if err := e.store.CreateMicroAppStatus(ctx, *eff.MicroApp); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown side effect kind %q", eff.Kind)
		}
	}
	return nil
}

func (e *Engine) render(msg *models.IncomingMessage, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	return e.renderFor(msg.Platform, msg.EndUserNumber, blocks)
}

func (e *Engine) renderFor(platform models.PlatformType, to string, blocks []models.StoryBlock) (*models.ChannelPayload, error) {
	renderer, ok := e.renderers[platform]
	if !ok {
		return nil, fmt.Errorf("no renderer registered for platform %s", platform)
	}
	return renderer.Render(to, blocks)
}

func (e *Engine) fallback(msg *models.IncomingMessage) *models.ChannelPayload {
	return e.fallbackFor(msg.Platform, msg.EndUserNumber)
}

func (e *Engine) fallbackFor(platform models.PlatformType, to string) *models.ChannelPayload {
	if renderer, ok := e.renderers[platform]; ok {
		return renderer.RenderFallback(to)
	}
	return &models.ChannelPayload{To: to, ContentType: "text/plain", Body: []byte("Something went wrong. Please try again later.")}
}

// failTurn reports a fatal turn failure while still producing a well-formed
// degraded response for the channel. On push channels the fallback is
// delivered to the end user here; synchronous channels return it as the
// payload of the result instead.
func (e *Engine) failTurn(ctx context.Context, msg *models.IncomingMessage, err error) (*RunResult, error) {
	result := &RunResult{Payload: e.fallback(msg), Err: err}
	if sender, ok := e.senders[msg.Platform]; ok && result.Payload != nil {
		if serr := sender.SendPayload(ctx, result.Payload); serr != nil {
			slog.Error("Engine.failTurn: fallback delivery failed", "error", serr, "to", result.Payload.To, "platform", msg.Platform)
		} else {
			result.Delivered = true
		}
	}
	return result, err
}

// SendText delivers a one-off text message outside any story turn. Used by
// the operator send endpoint for reminders and announcements; the cursor is
// not consulted or advanced.
func (e *Engine) SendText(ctx context.Context, platform models.PlatformType, to, text string) error {
	if to == "" {
		return models.ErrEmptyRecipient
	}
	sender, ok := e.senders[platform]
	if !ok {
		return fmt.Errorf("no sender registered for platform %s", platform)
	}
	payload, err := e.renderFor(platform, to, []models.StoryBlock{{Type: models.BlockTypeTextMessage, Message: text}})
	if err != nil {
		return err
	}
	if err := sender.SendPayload(ctx, payload); err != nil {
		slog.Error("Engine.SendText: delivery failed", "error", err, "to", to, "platform", platform)
		return err
	}
	slog.Info("Engine.SendText: message delivered", "to", to, "platform", platform)
	return nil
}
