package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/convstack/botengine/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeCursorFields serializes the cursor's structured columns.
func encodeCursorFields(c *models.Cursor) (position string, parentStack, routedCursor interface{}, err error) {
	posJSON, err := json.Marshal(c.Position)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encode cursor position: %w", err)
	}
	position = string(posJSON)

	if len(c.ParentStack) > 0 {
		stackJSON, merr := json.Marshal(c.ParentStack)
		if merr != nil {
			return "", nil, nil, fmt.Errorf("failed to encode parent stack: %w", merr)
		}
		parentStack = string(stackJSON)
	}
	if c.RoutedCursor != nil {
		routedJSON, merr := json.Marshal(c.RoutedCursor)
		if merr != nil {
			return "", nil, nil, fmt.Errorf("failed to encode routed cursor: %w", merr)
		}
		routedCursor = string(routedJSON)
	}
	return position, parentStack, routedCursor, nil
}

// decodeCursorFields populates a cursor from its serialized columns.
func decodeCursorFields(c *models.Cursor, position string, parentStack, routedCursor sql.NullString) error {
	if err := json.Unmarshal([]byte(position), &c.Position); err != nil {
		return fmt.Errorf("failed to decode cursor position: %w", err)
	}
	if parentStack.Valid && parentStack.String != "" {
		if err := json.Unmarshal([]byte(parentStack.String), &c.ParentStack); err != nil {
			return fmt.Errorf("failed to decode parent stack: %w", err)
		}
	}
	if routedCursor.Valid && routedCursor.String != "" {
		var rc models.RoutedCursor
		if err := json.Unmarshal([]byte(routedCursor.String), &rc); err != nil {
			return fmt.Errorf("failed to decode routed cursor: %w", err)
		}
		c.RoutedCursor = &rc
	}
	return nil
}
