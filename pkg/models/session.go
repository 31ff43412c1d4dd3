// Package models provides the domain types shared across the vidmind core:
// sessions, transcripts, jobs, cost accounting, and audit events.
package models

import (
	"time"
)

// MessageRole identifies who authored a session message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Message is a single turn in a session. Messages are append-only; once
// persisted they are never mutated or reordered.
type Message struct {
	// ID is a UUIDv4 assigned at save time.
	ID string `json:"id"`

	// Role is who produced the message.
	Role MessageRole `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Timestamp is when the message was persisted (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// Session is a stored conversation with the agent.
type Session struct {
	// ID is the session UUIDv4. Validated at every boundary.
	ID string `json:"session_id"`

	// Title is derived from the first user message, set exactly once.
	Title string `json:"title"`

	// CreatedAt is when the session file was first written (UTC).
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is touched on every append. Never decreases.
	UpdatedAt time.Time `json:"updated_at"`

	// Messages is the append-only turn history.
	Messages []Message `json:"messages"`
}

// SessionSummary is the listing view of a session, without messages.
type SessionSummary struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// MessageResponse is what a caller receives for one completed agent turn.
type MessageResponse struct {
	// Text is the assistant reply. Never empty: an empty upstream reply
	// is replaced with a fallback sentence before it reaches a caller.
	Text string `json:"text"`

	// Usage is the cumulative session cost after this turn.
	Usage CostSnapshot `json:"usage"`
}
