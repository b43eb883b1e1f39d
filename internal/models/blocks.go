// Package models defines story graph structures: stories, blocks and the
// connections between them.
package models

// BlockType is the closed set of story block kinds the engine can interpret.
// Adding a kind means extending the interpreter's switch; the default branch
// treats anything else as an integrity error.
type BlockType string

const (
	// BlockTypeTextMessage sends a message and advances linearly.
	BlockTypeTextMessage BlockType = "text-message"
	// BlockTypeQuestion renders options and branches on the selected option.
	BlockTypeQuestion BlockType = "question"
	// BlockTypeMicroApp suspends the story and delegates to an embedded app.
	BlockTypeMicroApp BlockType = "micro-app"
	// BlockTypeEvent records a milestone and advances linearly.
	BlockTypeEvent BlockType = "event"
	// BlockTypeInteractiveURLButton sends a call-to-action URL button.
	BlockTypeInteractiveURLButton BlockType = "interactive-url-button"
	// BlockTypeEndStoryAnchor is the terminal block of a story.
	BlockTypeEndStoryAnchor BlockType = "end-story-anchor"
	// BlockTypeAudioMessage plays pre-rendered audio (IVR) and advances linearly.
	BlockTypeAudioMessage BlockType = "audio-message"
)

// IsValidBlockType checks if the given block type is part of the closed set.
func IsValidBlockType(bt BlockType) bool {
	switch bt {
	case BlockTypeTextMessage, BlockTypeQuestion, BlockTypeMicroApp, BlockTypeEvent,
		BlockTypeInteractiveURLButton, BlockTypeEndStoryAnchor, BlockTypeAudioMessage:
		return true
	default:
		return false
	}
}

// BlockOption is a selectable option on a question block. Options are
// positional: channel adapters that receive an index (IVR digits) resolve it
// against the block's option order.
type BlockOption struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// StoryBlock is an immutable node in a story graph. The engine reads blocks
// but never mutates them; type-specific fields are only populated for the
// matching block type.
type StoryBlock struct {
	ID      string        `json:"id"`
	Type    BlockType     `json:"type"`
	Name    string        `json:"name,omitempty"`
	Message string        `json:"message,omitempty"`
	Options []BlockOption `json:"options,omitempty"`

	// Micro-app fields.
	AppID   string `json:"app_id,omitempty"`
	AppType string `json:"app_type,omitempty"`

	// Interactive URL button fields.
	URL            string `json:"url,omitempty"`
	URLDisplayText string `json:"url_display_text,omitempty"`
	FooterText     string `json:"footer_text,omitempty"`

	// Event (milestone) fields.
	Milestone string `json:"milestone,omitempty"`

	// IVR playback. Empty means the delivery layer falls back to spoken text.
	AudioURL string `json:"audio_url,omitempty"`
}

// OptionByIndex resolves an option by position. An out-of-range or negative
// index falls back to the first option; this mirrors the IVR fallback policy
// where an unexpected digit selects option zero instead of failing the call.
func (b *StoryBlock) OptionByIndex(idx int) (BlockOption, bool) {
	if len(b.Options) == 0 {
		return BlockOption{}, false
	}
	if idx < 0 || idx >= len(b.Options) {
		return b.Options[0], true
	}
	return b.Options[idx], true
}

// Connection is a directed edge in a story graph. OptionID is set only for
// edges out of question blocks, keying the branch by the selected option.
type Connection struct {
	ID       string `json:"id"`
	OrgID    string `json:"org_id"`
	StoryID  string `json:"story_id"`
	SourceID string `json:"source_id"`
	OptionID string `json:"option_id,omitempty"`
	TargetID string `json:"target_id"`
}

// Story is an authored conversation flow owning a graph of blocks.
type Story struct {
	ID           string `json:"id"`
	OrgID        string `json:"org_id"`
	Name         string `json:"name,omitempty"`
	FirstBlockID string `json:"first_block_id"`
}
