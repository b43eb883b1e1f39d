// Package engine implements the micro-app resume path: the write-back
// contract invoked when a delegated sub-app starts and completes.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/convstack/botengine/internal/models"
)

// StartMicroApp marks a delegation as started when the end user opens the
// generated launch link. Idempotent for an already-started app.
func (e *Engine) StartMicroApp(ctx context.Context, statusID string) (*models.MicroAppStatus, error) {
	st, err := e.store.GetMicroAppStatus(ctx, statusID)
	if err != nil {
		slog.Error("Engine.StartMicroApp: status lookup failed", "error", err, "status_id", statusID)
		return nil, err
	}
	if st.Status == models.MicroAppInitialized {
		if err := e.store.UpdateMicroAppStatus(ctx, statusID, models.MicroAppStarted); err != nil {
			return nil, err
		}
		st.Status = models.MicroAppStarted
		slog.Info("Engine.StartMicroApp: micro-app started", "status_id", statusID, "app_id", st.AppID, "end_user_id", st.EndUserID)
	}
	return st, nil
}

// CompleteMicroApp finishes a delegation and resumes the parent story. The
// routed cursor recorded when the micro-app block executed names the resume
// target; the parent stack frame pushed at suspension time is popped, the
// resumed block is executed, and the resulting content is pushed to the end
// user over their channel.
func (e *Engine) CompleteMicroApp(ctx context.Context, statusID string) (*RunResult, error) {
	st, err := e.store.GetMicroAppStatus(ctx, statusID)
	if err != nil {
		slog.Error("Engine.CompleteMicroApp: status lookup failed", "error", err, "status_id", statusID)
		return nil, err
	}

	endUser, err := e.store.GetEndUser(ctx, st.EndUserID)
	if err != nil {
		return nil, err
	}
	if endUser == nil {
		return nil, fmt.Errorf("micro-app %s references unknown end user %s: %w", statusID, st.EndUserID, models.ErrEndUserNotFound)
	}

	token, err := e.store.AcquireLease(ctx, endUser.ID, st.Config.OrgID, e.leaseTTL)
	if err != nil {
		slog.Warn("Engine.CompleteMicroApp: turn lease not acquired", "error", err, "end_user_id", endUser.ID)
		return nil, err
	}
	defer func() {
		if rerr := e.store.ReleaseLease(ctx, endUser.ID, st.Config.OrgID, token); rerr != nil {
			slog.Error("Engine.CompleteMicroApp: lease release failed", "error", rerr, "end_user_id", endUser.ID)
		}
	}()

	cursor, err := e.store.GetCursor(ctx, endUser.ID, st.Config.OrgID)
	if err != nil {
		return nil, err
	}
	if cursor == nil || cursor.RoutedCursor == nil {
		return nil, fmt.Errorf("micro-app %s completed but cursor has no resume target for end user %s", statusID, endUser.ID)
	}

	resume := *cursor.RoutedCursor
	cursor.PopParent()
	cursor.Position = models.Position{StoryID: resume.StoryID, BlockID: resume.BlockSuccess}
	cursor.RoutedCursor = nil

	tr, err := e.interp.Begin(ctx, cursor, endUser)
	if err != nil {
		return nil, err
	}

	if err := e.store.UpdateMicroAppStatus(ctx, statusID, models.MicroAppCompleted); err != nil {
		return nil, err
	}

	// The app hand-back reactivates the user unless the resumed block chain
	// ended the story in the same turn.
	endUser.Status = models.ChatStatusActive
	if err := e.applySideEffects(ctx, &tr.NextCursor, endUser, tr.SideEffects); err != nil {
		return nil, err
	}
	if endUser.Status == models.ChatStatusActive {
		if err := e.store.SaveEndUser(ctx, endUser); err != nil {
			return nil, err
		}
	}

	// Commit point.
	if err := e.store.SaveCursor(ctx, &tr.NextCursor); err != nil {
		slog.Error("Engine.CompleteMicroApp: cursor commit failed", "error", err, "end_user_id", endUser.ID)
		return nil, err
	}

	payload, err := e.renderFor(endUser.Platform, endUser.PhoneNumber, tr.OutboundBlocks)
	if err != nil {
		slog.Error("Engine.CompleteMicroApp: rendering failed after commit", "error", err, "end_user_id", endUser.ID)
		return &RunResult{Payload: e.fallbackFor(endUser.Platform, endUser.PhoneNumber), Cursor: &tr.NextCursor, Err: err}, nil
	}

	result := &RunResult{Payload: payload, Cursor: &tr.NextCursor}
	if sender, ok := e.senders[endUser.Platform]; ok && payload != nil {
		if serr := sender.SendPayload(ctx, payload); serr != nil {
			slog.Error("Engine.CompleteMicroApp: resumed content delivery failed", "error", serr, "to", payload.To)
			result.Err = serr
		} else {
			result.Delivered = true
		}
	}

	slog.Info("Engine.CompleteMicroApp: story resumed", "status_id", statusID, "end_user_id", endUser.ID, "resume_block", resume.BlockSuccess)
	return result, nil
}
