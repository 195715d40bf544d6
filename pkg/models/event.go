package models

import (
	"time"
)

// EventKind classifies unified events on the bus.
type EventKind string

const (
	EventStarted     EventKind = "started"
	EventStream      EventKind = "stream"
	EventToolRequest EventKind = "tool.request"
	EventToolResult  EventKind = "tool.result"
	EventError       EventKind = "error"
	EventCompleted   EventKind = "completed"
	EventUserInput   EventKind = "user_input"
)

// FileChange describes one file touched by an agent, reported via the
// worker CLI's side channel.
type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"` // create, modify, delete
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}

// EventPayload carries kind-specific event data. Only the fields relevant
// to the event's kind are populated.
type EventPayload struct {
	Text     string       `json:"text,omitempty"`
	Tool     string       `json:"tool,omitempty"`
	Input    string       `json:"input,omitempty"`
	Output   string       `json:"output,omitempty"`
	Files    []FileChange `json:"files,omitempty"`
	ExitCode *int         `json:"exit_code,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Event is one immutable entry in the unified event stream. Sequence is
// assigned by the bus at publish time and is strictly increasing bus-wide.
type Event struct {
	ID        string       `json:"id"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	SessionID string       `json:"session_id"`
	RunID     string       `json:"run_id"`
	Kind      EventKind    `json:"kind"`
	Payload   EventPayload `json:"payload"`
}
