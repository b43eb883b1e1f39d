package models

import "time"

// MicroAppStatusType enumerates the micro-app delegation lifecycle.
type MicroAppStatusType string

const (
	// MicroAppInitialized means the launch link was generated but not opened.
	MicroAppInitialized MicroAppStatusType = "initialized"
	// MicroAppStarted means the end user opened the app.
	MicroAppStarted MicroAppStatusType = "started"
	// MicroAppCompleted means the app finished and the story may resume.
	MicroAppCompleted MicroAppStatusType = "completed"
)

// MicroAppConfig captures the context a micro-app needs to run and to hand
// control back: which org, which channel, and the position it was launched from.
type MicroAppConfig struct {
	Type      string   `json:"type,omitempty"`
	ChannelID string   `json:"channel_id,omitempty"`
	OrgID     string   `json:"org_id"`
	Pos       Position `json:"pos"`
}

// MicroAppStatus tracks one delegation of control to an embedded sub-app.
// Created when a micro-app block executes; the app's own lifecycle moves it
// through Started to Completed, at which point the cursor's routed cursor is
// consulted to resume the parent story.
type MicroAppStatus struct {
	ID        string             `json:"id"`
	AppID     string             `json:"app_id"`
	Status    MicroAppStatusType `json:"status"`
	Config    MicroAppConfig     `json:"config"`
	EndUserID string             `json:"end_user_id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// SideEffectKind enumerates the side effects a block interpretation may request.
type SideEffectKind string

const (
	// SideEffectMilestone records a milestone-reached event for reporting.
	SideEffectMilestone SideEffectKind = "milestone"
	// SideEffectStatusChange updates the end user's chat status.
	SideEffectStatusChange SideEffectKind = "status-change"
	// SideEffectMicroAppRegistration persists a new micro-app status record.
	SideEffectMicroAppRegistration SideEffectKind = "micro-app-registration"
)

// SideEffect is a deferred action produced by the block interpreter. The run
// loop applies side effects before the cursor commit so a failed turn leaves
// no half-applied state behind the committed cursor.
type SideEffect struct {
	Kind      SideEffectKind  `json:"kind"`
	Milestone string          `json:"milestone,omitempty"`
	Status    ChatStatus      `json:"status,omitempty"`
	MicroApp  *MicroAppStatus `json:"micro_app,omitempty"`
}
