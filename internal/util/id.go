// Package util provides utility functions shared across the bot engine.
package util

import "github.com/google/uuid"

// IDGenerator produces unique identifiers for newly persisted entities
// (micro-app statuses, end users, messages). Components that create records
// receive one by injection so the generation strategy stays swappable in tests.
type IDGenerator func() string

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// GenerateMessageID returns a unique ID for a canonical incoming message.
func GenerateMessageID() string {
	return "msg_" + uuid.NewString()
}
