package models

import "time"

// Milestone is a reporting record written when an end user reaches an event
// block. Milestones feed progress dashboards; the engine only appends them.
type Milestone struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	EndUserID string    `json:"end_user_id"`
	StoryID   string    `json:"story_id"`
	BlockID   string    `json:"block_id"`
	Name      string    `json:"name"`
	ReachedAt time.Time `json:"reached_at"`
}
