package models

import (
	"fmt"
	"time"
)

// ChatStatus tracks where an end user sits in the bot lifecycle.
type ChatStatus string

const (
	// ChatStatusActive means the user is progressing through a story.
	ChatStatusActive ChatStatus = "active"
	// ChatStatusMicroApp means control is delegated to an embedded micro-app.
	ChatStatusMicroApp ChatStatus = "micro-app"
	// ChatStatusCompleted means the user reached an end-story anchor.
	ChatStatusCompleted ChatStatus = "completed"
	// ChatStatusPaused means an operator suspended the bot for this user.
	ChatStatusPaused ChatStatus = "paused"
)

// EndUser is a course taker identified by (platform, handle). Created on
// first contact and retained forever; only Status and Name are mutated.
type EndUser struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id"`
	Platform    PlatformType `json:"platform"`
	PlatformID  string       `json:"platform_id"`
	PhoneNumber string       `json:"phone_number"`
	Name        string       `json:"name,omitempty"`
	Status      ChatStatus   `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// EndUserID derives the stable end user identity for a platform + handle
// pair. The same person calling in on IVR and texting on WhatsApp is two
// distinct end users.
func EndUserID(platform PlatformType, phoneNumber string) string {
	return fmt.Sprintf("%s_%s", platform, phoneNumber)
}
