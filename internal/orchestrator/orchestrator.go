// Package orchestrator wires admission control, the session registry, the
// output translator, the event bus and the history store into one service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/admission"
	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/bus"
	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/translate"
	"github.com/agentdeck/agentdeck/pkg/models"
)

// Config holds service configuration, consumed once at startup.
type Config struct {
	Agents          map[models.ProcessKind]agent.KindSpec
	KindMax         map[models.ProcessKind]int
	AggregateMax    int
	LogDir          string
	HistoryDir      string
	HistoryDebounce time.Duration
	GracefulTimeout time.Duration
	RingCapacity    int
}

// Service is the explicitly constructed root of the subsystem. All mutable
// state lives behind it; consumers get a handle injected rather than
// reaching for globals.
type Service struct {
	admission  *admission.Controller
	registry   *agent.Registry
	terminator *agent.Terminator
	bus        *bus.Bus
	history    *history.Store

	mu         sync.Mutex
	handshakes map[string]bool // session id -> orchestrator protocol handshake seen
}

// New creates the service. The registry's callbacks route every output
// line through the translator onto the bus and reconcile exits back into
// admission and history.
func New(cfg Config) (*Service, error) {
	store, err := history.NewStore(cfg.HistoryDir, cfg.HistoryDebounce)
	if err != nil {
		return nil, fmt.Errorf("failed to create history store: %w", err)
	}

	s := &Service{
		admission:  admission.New(cfg.KindMax, cfg.AggregateMax),
		bus:        bus.New(cfg.RingCapacity),
		history:    store,
		handshakes: make(map[string]bool),
	}

	s.registry = agent.NewRegistry(cfg.Agents, cfg.LogDir, agent.Callbacks{
		OnLine: s.onLine,
		OnExit: s.onExit,
	})
	s.terminator = agent.NewTerminator(s.registry, cfg.GracefulTimeout)

	return s, nil
}

// SpawnSession admits, spawns and announces a new agent session. When the
// concurrency caps are reached the call suspends in the admission queue;
// cancelling ctx while queued has no side effects.
func (s *Service) SpawnSession(ctx context.Context, req models.SpawnRequest) (*models.SessionRecord, error) {
	if !models.ValidKind(req.Kind) {
		return nil, fmt.Errorf("invalid kind: %q (valid: orchestrator, worker)", req.Kind)
	}
	projectRoot := req.ProjectRoot
	if projectRoot == "" {
		projectRoot = "."
	}

	if err := s.admission.Acquire(ctx, req.Kind); err != nil {
		return nil, err
	}

	record, err := s.registry.Spawn(req.Kind, projectRoot, req.Prompt, req.ExtraArgs)
	if err != nil {
		// The slot was never used; hand it to the next queued request.
		s.admission.Release(req.Kind)
		return nil, err
	}

	runID := ""
	if len(record.RunIDs) > 0 {
		runID = record.RunIDs[len(record.RunIDs)-1]
	}

	s.bus.Publish(models.Event{
		SessionID: record.SessionID,
		RunID:     runID,
		Kind:      models.EventStarted,
		Payload:   models.EventPayload{Text: models.PromptPreviewOf(req.Prompt)},
	})
	if req.Prompt != "" {
		s.bus.Publish(models.Event{
			SessionID: record.SessionID,
			RunID:     runID,
			Kind:      models.EventUserInput,
			Payload:   models.EventPayload{Text: req.Prompt},
		})
	}

	s.saveHistory(projectRoot)
	return record, nil
}

// onLine translates one raw output line and publishes the resulting
// events. Translator-produced started events only mark the protocol
// handshake; the authoritative started event was published at spawn.
func (s *Service) onLine(sessionID, runID string, kind models.ProcessKind, line string) {
	s.mu.Lock()
	handshaken := s.handshakes[sessionID]
	s.mu.Unlock()

	events := translate.Translate(kind, line, handshaken)
	if !handshaken && translate.IsHandshake(events) {
		s.mu.Lock()
		s.handshakes[sessionID] = true
		s.mu.Unlock()
	}

	for _, e := range events {
		if e.Kind == models.EventStarted {
			continue
		}
		e.SessionID = sessionID
		e.RunID = runID
		s.bus.Publish(e)
	}
}

// onExit runs after a process has died but before its handle is removed:
// final events are published, history is flushed and the admission slot is
// released, which admits the next queued request.
func (s *Service) onExit(record *models.SessionRecord) {
	runID := ""
	if len(record.RunIDs) > 0 {
		runID = record.RunIDs[len(record.RunIDs)-1]
	}

	if record.State == models.SessionFailed && record.LastError != "" {
		s.bus.Publish(models.Event{
			SessionID: record.SessionID,
			RunID:     runID,
			Kind:      models.EventError,
			Payload:   models.EventPayload{Text: record.LastError},
		})
	}
	s.bus.Publish(models.Event{
		SessionID: record.SessionID,
		RunID:     runID,
		Kind:      models.EventCompleted,
		Payload:   models.EventPayload{ExitCode: record.ExitCode, Reason: string(record.State)},
	})

	s.saveHistory(record.ProjectRoot)

	s.mu.Lock()
	delete(s.handshakes, record.SessionID)
	s.mu.Unlock()

	s.admission.Release(record.Kind)
}

// SendInput forwards text to a running session and mirrors it onto the
// event stream.
func (s *Service) SendInput(sessionID, text string) error {
	if err := s.registry.SendInput(sessionID, text); err != nil {
		return err
	}

	record, err := s.registry.Session(sessionID)
	if err != nil {
		return err
	}
	runID := ""
	if len(record.RunIDs) > 0 {
		runID = record.RunIDs[len(record.RunIDs)-1]
	}
	s.bus.Publish(models.Event{
		SessionID: sessionID,
		RunID:     runID,
		Kind:      models.EventUserInput,
		Payload:   models.EventPayload{Text: text},
	})
	return nil
}

// StopSession terminates a session through the termination coordinator.
// There is no other cancellation path for a running session.
func (s *Service) StopSession(sessionID string, mode models.StopMode) error {
	if mode == "" {
		mode = models.StopGraceful
	}
	log.Printf("session_event=stopping session_id=%s mode=%s", sessionID, mode)
	return s.terminator.Stop(sessionID, mode)
}

// PauseSession gates input forwarding for a running session.
func (s *Service) PauseSession(sessionID string) error {
	if err := s.registry.Pause(sessionID); err != nil {
		return err
	}
	if record, err := s.registry.Session(sessionID); err == nil {
		s.saveHistory(record.ProjectRoot)
	}
	return nil
}

// ResumeSession reopens input forwarding for a paused session.
func (s *Service) ResumeSession(sessionID string) error {
	if err := s.registry.Resume(sessionID); err != nil {
		return err
	}
	if record, err := s.registry.Session(sessionID); err == nil {
		s.saveHistory(record.ProjectRoot)
	}
	return nil
}

// ListSessions returns snapshots of all known sessions, newest first.
func (s *Service) ListSessions() []*models.SessionRecord {
	return s.registry.Sessions()
}

// SessionInfo returns one session's record.
func (s *Service) SessionInfo(sessionID string) (*models.SessionRecord, error) {
	return s.registry.Session(sessionID)
}

// SessionResources samples CPU/memory usage of a running session.
func (s *Service) SessionResources(sessionID string) (*models.ResourceStats, error) {
	return s.registry.ResourceStats(sessionID)
}

// ConcurrencyStatus reports admission counters for display.
func (s *Service) ConcurrencyStatus() models.ConcurrencyStatus {
	return s.admission.Status()
}

// Events returns the bus for subscription.
func (s *Service) Events() *bus.Bus {
	return s.bus
}

// Await blocks until a session's process has exited, or ctx is cancelled.
func (s *Service) Await(ctx context.Context, sessionID string) error {
	return s.registry.Await(ctx, sessionID)
}

// History returns the merged session history for a project root: live
// sessions are authoritative, stored-only sessions are appended.
func (s *Service) History(projectRoot string) ([]models.RunState, error) {
	stored, err := s.history.Load(projectRoot)
	if err != nil {
		return nil, err
	}
	return history.Merge(s.liveRunStates(projectRoot), stored), nil
}

// saveHistory queues a debounced history write for a project root. The
// stored file is merged in so sessions from earlier app runs survive.
func (s *Service) saveHistory(projectRoot string) {
	stored, err := s.history.Load(projectRoot)
	if err != nil {
		log.Printf("history_event=load_failed project_root=%q error=%q", projectRoot, err)
		stored = nil
	}
	s.history.Record(projectRoot, history.Merge(s.liveRunStates(projectRoot), stored))
}

func (s *Service) liveRunStates(projectRoot string) []models.RunState {
	var states []models.RunState
	for _, record := range s.registry.Sessions() {
		if record.ProjectRoot != projectRoot {
			continue
		}
		states = append(states, runStateOf(record))
	}
	return states
}

func runStateOf(record *models.SessionRecord) models.RunState {
	state := models.RunState{
		SessionID:     record.SessionID,
		Kind:          record.Kind,
		State:         record.State,
		ProjectRoot:   record.ProjectRoot,
		PromptPreview: models.PromptPreviewOf(record.Prompt),
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
		ExitCode:      record.ExitCode,
		LastError:     record.LastError,
	}
	for _, runID := range record.RunIDs {
		run := models.RunInfo{RunID: runID, StartedAt: record.CreatedAt}
		if record.State.IsTerminal() {
			finished := record.UpdatedAt
			run.FinishedAt = &finished
			run.ExitCode = record.ExitCode
		}
		state.Runs = append(state.Runs, run)
	}
	return state
}

// Shutdown stops all sessions, flushes history and closes the bus.
func (s *Service) Shutdown() error {
	s.registry.Shutdown(10 * time.Second)
	err := s.history.Close()
	s.bus.Close()
	return err
}

// IsNotFound reports whether err identifies an unknown session.
func IsNotFound(err error) bool {
	return errors.Is(err, agent.ErrSessionNotFound)
}

// IsNotRunning reports whether err means the session's process has exited.
func IsNotRunning(err error) bool {
	return errors.Is(err, agent.ErrSessionNotRunning)
}

// IsPaused reports whether err means input forwarding is gated.
func IsPaused(err error) bool {
	return errors.Is(err, agent.ErrSessionPaused)
}

// IsQueueCancelled reports whether err means a queued spawn was cancelled
// before admission.
func IsQueueCancelled(err error) bool {
	return errors.Is(err, admission.ErrCancelled)
}
