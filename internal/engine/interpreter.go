// Package engine implements the bot conversation engine: the block
// interpreter that advances an end user through a story graph, and the run
// loop that orchestrates one inbound-to-outbound turn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convstack/botengine/internal/models"
	"github.com/convstack/botengine/internal/story"
	"github.com/convstack/botengine/internal/util"
)

// maxAutoAdvance bounds how many emit-and-continue blocks a single turn may
// chain through, so a cyclic story graph cannot spin a turn forever.
const maxAutoAdvance = 20

// DefaultLaunchButtonText is the display text on generated micro-app buttons.
const DefaultLaunchButtonText = "Click to Start"

// Transition is the result of interpreting one block against one incoming
// message: the blocks to send out, the cursor to commit, and the deferred
// side effects the run loop must apply.
type Transition struct {
	OutboundBlocks []models.StoryBlock
	NextCursor     models.Cursor
	SideEffects    []models.SideEffect
}

// Interpreter is the state machine core. States are block types; the current
// state for an end user is the block their cursor points at.
type Interpreter struct {
	graph           story.Accessor
	ids             util.IDGenerator
	microAppBaseURL string
}

// NewInterpreter creates an Interpreter. The id generator is used for every
// entity the interpreter registers (micro-app statuses); injecting it keeps
// the generation strategy swappable in tests.
func NewInterpreter(graph story.Accessor, ids util.IDGenerator, microAppBaseURL string) *Interpreter {
	if ids == nil {
		ids = util.NewID
	}
	return &Interpreter{graph: graph, ids: ids, microAppBaseURL: microAppBaseURL}
}

// Interpret consumes (current block, cursor, incoming message) and produces
// the transition for this turn. Dispatch is an exhaustive switch over the
// closed block type set; an unknown type is a story integrity error.
func (it *Interpreter) Interpret(ctx context.Context, block *models.StoryBlock, cursor *models.Cursor, msg *models.IncomingMessage, endUser *models.EndUser) (*Transition, error) {
	slog.Debug("Interpreter.Interpret: dispatching block", "block_id", block.ID, "type", block.Type, "end_user_id", endUser.ID)
	next := cursor.Clone()

	switch block.Type {
	case models.BlockTypeQuestion:
		if msg.SelectedOption == nil {
			slog.Warn("Interpreter.Interpret: question block received non-interactive input", "block_id", block.ID)
			return nil, models.ErrProtocolViolation
		}
		conn, err := it.graph.GetConnectionByOption(ctx, cursor.OrgID, cursor.Position.StoryID, block.ID, msg.SelectedOption.OptionID)
		if err != nil {
			slog.Error("Interpreter.Interpret: no connection for selected option", "error", err, "block_id", block.ID, "option_id", msg.SelectedOption.OptionID)
			return nil, fmt.Errorf("question block %s has no connection for option %s: %w", block.ID, msg.SelectedOption.OptionID, models.ErrConnectionNotFound)
		}
		return it.landOn(ctx, next, conn.TargetID, endUser)

	case models.BlockTypeTextMessage, models.BlockTypeEvent,
		models.BlockTypeInteractiveURLButton, models.BlockTypeAudioMessage:
		conn, err := it.graph.GetConnectionBySource(ctx, cursor.OrgID, cursor.Position.StoryID, block.ID)
		if err != nil {
			slog.Error("Interpreter.Interpret: no outgoing connection", "error", err, "block_id", block.ID)
			return nil, err
		}
		return it.landOn(ctx, next, conn.TargetID, endUser)

	case models.BlockTypeMicroApp:
		return it.suspendForMicroApp(ctx, next, block, endUser)

	case models.BlockTypeEndStoryAnchor:
		// Terminal state: no outgoing connection is resolved and the cursor
		// stays where it is.
		return &Transition{NextCursor: next}, nil

	default:
		slog.Error("Interpreter.Interpret: unknown block type", "block_id", block.ID, "type", block.Type)
		return nil, fmt.Errorf("block %s: %w", block.ID, models.ErrUnknownBlockType)
	}
}

// Begin executes the block the cursor already points at, without consuming
// input. Used on first contact, after cursor initialization, and when
// resuming from a completed micro-app.
func (it *Interpreter) Begin(ctx context.Context, cursor *models.Cursor, endUser *models.EndUser) (*Transition, error) {
	next := cursor.Clone()
	return it.landOn(ctx, next, next.Position.BlockID, endUser)
}

// landOn executes blocks starting at targetID: emit-and-continue blocks are
// collected and chained through their single outgoing connection until the
// turn reaches a block that waits for input (question), suspends the story
// (micro-app), or terminates it (end-story anchor).
func (it *Interpreter) landOn(ctx context.Context, cursor models.Cursor, targetID string, endUser *models.EndUser) (*Transition, error) {
	tr := &Transition{}

	for depth := 0; depth < maxAutoAdvance; depth++ {
		target, err := it.graph.GetBlockByID(ctx, cursor.OrgID, cursor.Position.StoryID, targetID)
		if err != nil {
			slog.Error("Interpreter.landOn: target block missing", "error", err, "block_id", targetID, "story_id", cursor.Position.StoryID)
			return nil, err
		}
		cursor.Position.BlockID = target.ID

		switch target.Type {
		case models.BlockTypeQuestion:
			tr.OutboundBlocks = append(tr.OutboundBlocks, *target)
			tr.NextCursor = cursor
			return tr, nil

		case models.BlockTypeMicroApp:
			sub, err := it.suspendForMicroApp(ctx, cursor, target, endUser)
			if err != nil {
				return nil, err
			}
			tr.OutboundBlocks = append(tr.OutboundBlocks, sub.OutboundBlocks...)
			tr.NextCursor = sub.NextCursor
			tr.SideEffects = append(tr.SideEffects, sub.SideEffects...)
			return tr, nil

		case models.BlockTypeEndStoryAnchor:
			tr.NextCursor = cursor
			tr.SideEffects = append(tr.SideEffects, models.SideEffect{
				Kind:   models.SideEffectStatusChange,
				Status: models.ChatStatusCompleted,
			})
			return tr, nil

		case models.BlockTypeEvent:
			// Milestones are reporting-only; the block itself renders nothing.
			tr.SideEffects = append(tr.SideEffects, models.SideEffect{
				Kind:      models.SideEffectMilestone,
				Milestone: target.Milestone,
			})

		case models.BlockTypeTextMessage, models.BlockTypeInteractiveURLButton, models.BlockTypeAudioMessage:
			tr.OutboundBlocks = append(tr.OutboundBlocks, *target)

		default:
			slog.Error("Interpreter.landOn: unknown block type", "block_id", target.ID, "type", target.Type)
			return nil, fmt.Errorf("block %s: %w", target.ID, models.ErrUnknownBlockType)
		}

		conn, err := it.graph.GetConnectionBySource(ctx, cursor.OrgID, cursor.Position.StoryID, target.ID)
		if err != nil {
			if errors.Is(err, models.ErrConnectionNotFound) {
				slog.Error("Interpreter.landOn: emit block has no outgoing connection", "block_id", target.ID, "story_id", cursor.Position.StoryID)
			}
			return nil, err
		}
		targetID = conn.TargetID
	}

	return nil, fmt.Errorf("story %s: auto-advance depth exceeded at block %s (story graph cycle?)", cursor.Position.StoryID, targetID)
}

// suspendForMicroApp handles the one block type that suspends the main story
// instead of advancing it. It resolves the eventual resume target into the
// routed cursor, repoints the cursor at the micro-app's own addressable
// position, registers the delegation, and emits the launch button.
func (it *Interpreter) suspendForMicroApp(ctx context.Context, cursor models.Cursor, block *models.StoryBlock, endUser *models.EndUser) (*Transition, error) {
	currentStory := cursor.Position.StoryID

	conn, err := it.graph.GetConnectionBySource(ctx, cursor.OrgID, currentStory, block.ID)
	if err != nil {
		slog.Error("Interpreter.suspendForMicroApp: no resume connection", "error", err, "block_id", block.ID)
		return nil, err
	}

	cursor.RoutedCursor = &models.RoutedCursor{
		StoryID:      currentStory,
		BlockSuccess: conn.TargetID,
	}
	cursor.PushParent(cursor.Position)
	cursor.Position = models.Position{StoryID: block.AppID, BlockID: block.ID}

	status := models.MicroAppStatus{
		ID:     it.ids(),
		AppID:  block.AppID,
		Status: models.MicroAppInitialized,
		Config: models.MicroAppConfig{
			Type:  block.AppType,
			OrgID: cursor.OrgID,
			Pos:   cursor.Position,
		},
		EndUserID: endUser.ID,
	}

	launchLink := fmt.Sprintf("%s/start/%s", it.microAppBaseURL, status.ID)
	button := models.StoryBlock{
		ID:             block.ID,
		Type:           models.BlockTypeInteractiveURLButton,
		Message:        block.Message,
		URL:            launchLink,
		URLDisplayText: DefaultLaunchButtonText,
		FooterText:     block.Name,
	}

	slog.Info("Interpreter.suspendForMicroApp: story suspended for micro-app", "block_id", block.ID, "app_id", block.AppID, "status_id", status.ID, "end_user_id", endUser.ID)
	return &Transition{
		OutboundBlocks: []models.StoryBlock{button},
		NextCursor:     cursor,
		SideEffects: []models.SideEffect{
			{Kind: models.SideEffectMicroAppRegistration, MicroApp: &status},
			{Kind: models.SideEffectStatusChange, Status: models.ChatStatusMicroApp},
		},
	}, nil
}

// milestoneFor builds the reporting record for an event block side effect.
func milestoneFor(id string, cursor *models.Cursor, endUser *models.EndUser, name string) models.Milestone {
	return models.Milestone{
		ID:        id,
		OrgID:     cursor.OrgID,
		EndUserID: endUser.ID,
		StoryID:   cursor.Position.StoryID,
		BlockID:   cursor.Position.BlockID,
		Name:      name,
		ReachedAt: time.Now(),
	}
}
