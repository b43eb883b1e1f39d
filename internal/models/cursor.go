// Package models defines cursor state: the per-end-user pointer into a story
// graph, plus the resume stack used for micro-app delegation.
package models

import "time"

// Position addresses a single block within a story.
type Position struct {
	StoryID string `json:"story_id"`
	BlockID string `json:"block_id"`
}

// RoutedCursor records where the parent story resumes once a delegated
// sub-flow completes. BlockSuccess is the connection target resolved at the
// time the micro-app block executed.
type RoutedCursor struct {
	StoryID      string `json:"story_id"`
	BlockSuccess string `json:"block_success"`
	BlockFail    string `json:"block_fail,omitempty"`
}

// Cursor is the single active pointer for an end user within an org. It is a
// call stack encoded in persisted data: Position is the top frame, and
// ParentStack holds the positions to return to after sub-flows finish.
//
// Version implements optimistic concurrency: a save with a stale version is
// rejected, guaranteeing at most one cursor advance commits per turn.
type Cursor struct {
	EndUserID    string        `json:"end_user_id"`
	OrgID        string        `json:"org_id"`
	Position     Position      `json:"position"`
	ParentStack  []Position    `json:"parent_stack,omitempty"`
	RoutedCursor *RoutedCursor `json:"routed_cursor,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// PushParent records the current position as a resume frame before the cursor
// is repointed into a sub-flow.
func (c *Cursor) PushParent(p Position) {
	c.ParentStack = append([]Position{p}, c.ParentStack...)
}

// PopParent removes and returns the most recent resume frame.
func (c *Cursor) PopParent() (Position, bool) {
	if len(c.ParentStack) == 0 {
		return Position{}, false
	}
	top := c.ParentStack[0]
	c.ParentStack = c.ParentStack[1:]
	return top, true
}

// Clone returns a deep copy so the interpreter can build the next cursor
// without mutating the loaded one.
func (c *Cursor) Clone() Cursor {
	out := *c
	if c.ParentStack != nil {
		out.ParentStack = make([]Position, len(c.ParentStack))
		copy(out.ParentStack, c.ParentStack)
	}
	if c.RoutedCursor != nil {
		rc := *c.RoutedCursor
		out.RoutedCursor = &rc
	}
	return out
}
