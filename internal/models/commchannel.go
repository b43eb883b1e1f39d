package models

// CommChannel is a registered communication channel: the binding between a
// platform identity (business phone number, Messenger page ID, IVR number)
// and the org plus default story it serves.
type CommChannel struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	Platform       PlatformType `json:"platform"`
	PlatformID     string       `json:"platform_id"`
	DefaultStoryID string       `json:"default_story_id"`
}
