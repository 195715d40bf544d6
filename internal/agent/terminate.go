package agent

import (
	"fmt"
	"log"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Terminator coordinates graceful-then-forced shutdown of sessions.
// Stop returns only once the process is confirmed dead, so a caller can
// never observe "stopped" while the process is still alive.
type Terminator struct {
	registry        *Registry
	gracefulTimeout time.Duration
}

// NewTerminator creates a terminator using the given graceful-wait window.
func NewTerminator(registry *Registry, gracefulTimeout time.Duration) *Terminator {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 4 * time.Second
	}
	return &Terminator{
		registry:        registry,
		gracefulTimeout: gracefulTimeout,
	}
}

// Stop terminates a session. Graceful mode sends the interrupt signal,
// waits the configured interval and escalates to a hard kill if the
// process has not exited; the escalation itself is never surfaced as an
// error. Force mode kills immediately. An error is returned only when the
// kill syscall fails, and such failures are not retried.
func (t *Terminator) Stop(sessionID string, mode models.StopMode) error {
	handle, running := t.registry.Handle(sessionID)
	if !running {
		record, err := t.registry.Session(sessionID)
		if err != nil {
			return err
		}
		if record.State.IsTerminal() {
			return nil // already stopped
		}
		return ErrSessionNotRunning
	}

	if mode == models.StopForce {
		if err := handle.Kill(); err != nil {
			return fmt.Errorf("failed to kill session %s: %w", sessionID, err)
		}
		<-handle.Done()
		return nil
	}

	if err := handle.Interrupt(); err != nil {
		// Interrupt delivery failed; fall straight through to the kill.
		log.Printf("session_event=interrupt_failed session_id=%s error=%q", sessionID, err)
	}

	select {
	case <-handle.Done():
		return nil
	case <-time.After(t.gracefulTimeout):
	}

	log.Printf("session_event=graceful_timeout session_id=%s timeout=%s", sessionID, t.gracefulTimeout)
	if err := handle.Kill(); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", sessionID, err)
	}
	<-handle.Done()
	return nil
}
