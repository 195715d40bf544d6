// Package models defines the core domain types for the agentdeck backend.
package models

import (
	"time"
)

// ProcessKind identifies which external agent CLI a session runs.
type ProcessKind string

const (
	// KindOrchestrator is the interactive, user-facing agent CLI.
	KindOrchestrator ProcessKind = "orchestrator"
	// KindWorker is the background/bulk-execution agent CLI.
	KindWorker ProcessKind = "worker"
)

// ValidKind checks if a process kind is valid.
func ValidKind(k ProcessKind) bool {
	return k == KindOrchestrator || k == KindWorker
}

// Kinds lists all process kinds.
func Kinds() []ProcessKind {
	return []ProcessKind{KindOrchestrator, KindWorker}
}

// SessionState represents the current state of a session.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionRunning SessionState = "running"
	SessionPaused  SessionState = "paused"
	SessionFailed  SessionState = "failed"
	SessionDone    SessionState = "done"
)

// IsTerminal returns true if the state is final.
func (s SessionState) IsTerminal() bool {
	return s == SessionDone || s == SessionFailed
}

// CanTransition reports whether moving from s to next is a legal step.
// Transitions are monotonic: idle→running→{done|failed}; paused is reachable
// only from running and returns only to running or a terminal state.
func (s SessionState) CanTransition(next SessionState) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionIdle:
		return next == SessionRunning || next == SessionFailed
	case SessionRunning:
		return next == SessionPaused || next == SessionDone || next == SessionFailed
	case SessionPaused:
		return next == SessionRunning || next == SessionDone || next == SessionFailed
	default:
		return false
	}
}

// SessionRecord is the durable metadata for one logical conversation.
// It outlives the process handle that produced it.
type SessionRecord struct {
	SessionID   string       `json:"session_id"`
	Kind        ProcessKind  `json:"kind"`
	State       SessionState `json:"state"`
	PID         int          `json:"pid,omitempty"`
	ProjectRoot string       `json:"project_root"`
	Prompt      string       `json:"prompt,omitempty"`
	LogFile     string       `json:"log_file,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	RunIDs      []string     `json:"run_ids,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	c.RunIDs = append([]string(nil), r.RunIDs...)
	return &c
}

// ResourceStats holds live resource usage for a running session's process.
type ResourceStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// RunInfo describes one physical process invocation within a session.
type RunInfo struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
}

// RunState is the UI-facing aggregate grouping a session's runs into one
// displayed conversation. It is derived state: everything here can be
// reconstructed from the event history.
type RunState struct {
	SessionID     string       `json:"session_id"`
	Kind          ProcessKind  `json:"kind"`
	State         SessionState `json:"state"`
	ProjectRoot   string       `json:"project_root"`
	PromptPreview string       `json:"prompt_preview,omitempty"`
	Runs          []RunInfo    `json:"runs,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	ExitCode      *int         `json:"exit_code,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// SpawnRequest asks for a new agent session.
type SpawnRequest struct {
	Kind        ProcessKind `json:"kind"`
	ProjectRoot string      `json:"project_root"`
	Prompt      string      `json:"prompt"`
	ExtraArgs   []string    `json:"extra_args,omitempty"`
}

// InputRequest forwards text to a running session's stdin.
type InputRequest struct {
	Text string `json:"text"`
}

// StopMode selects how a session is terminated.
type StopMode string

const (
	// StopGraceful sends the interrupt signal first and escalates to a hard
	// kill only after the configured timeout.
	StopGraceful StopMode = "graceful"
	// StopForce kills the process immediately.
	StopForce StopMode = "force"
)

// StopRequest asks for session termination.
type StopRequest struct {
	Mode StopMode `json:"mode,omitempty"`
}

// KindStatus reports admission counters for one process kind.
type KindStatus struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
	Max     int `json:"max"`
}

// ConcurrencyStatus reports admission counters per kind and in aggregate.
type ConcurrencyStatus struct {
	Kinds     map[ProcessKind]KindStatus `json:"kinds"`
	Aggregate KindStatus                 `json:"aggregate"`
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// PromptPreviewOf condenses a prompt for list views.
func PromptPreviewOf(prompt string) string {
	return truncateString(prompt, 100)
}
