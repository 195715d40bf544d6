package agent

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// KindSpec describes how to launch one agent CLI kind.
type KindSpec struct {
	Binary string
	Args   []string
}

// Callbacks connect the registry to the event pipeline. OnLine receives
// every stdout line of a live process; OnExit runs after the process has
// exited but before the handle is forgotten, so final events and history
// are flushed while the session is still resolvable.
type Callbacks struct {
	OnLine func(sessionID, runID string, kind models.ProcessKind, line string)
	OnExit func(record *models.SessionRecord)
}

// Registry is the keyed collection of live process handles plus the
// session records that outlive them. All state is mutated through its
// methods under the registry lock; reverse lookups go through the registry
// instead of holding pointers into it.
type Registry struct {
	specs     map[models.ProcessKind]KindSpec
	logDir    string
	callbacks Callbacks

	mu      sync.RWMutex
	handles map[string]*Handle
	records map[string]*models.SessionRecord
}

// NewRegistry creates a registry. logDir receives one log file per session.
func NewRegistry(specs map[models.ProcessKind]KindSpec, logDir string, callbacks Callbacks) *Registry {
	if logDir != "" {
		if abs, err := filepath.Abs(logDir); err == nil {
			logDir = abs
		}
		os.MkdirAll(logDir, 0755)
	}
	return &Registry{
		specs:     specs,
		logDir:    logDir,
		callbacks: callbacks,
		handles:   make(map[string]*Handle),
		records:   make(map[string]*models.SessionRecord),
	}
}

// Spawn launches a new agent process and returns its session record.
// Spawn failures (missing binary, permissions) are fatal for the request
// and surface the raw OS error; there is no retry.
func (r *Registry) Spawn(kind models.ProcessKind, projectRoot, prompt string, extraArgs []string) (*models.SessionRecord, error) {
	spec, ok := r.specs[kind]
	if !ok {
		return nil, fmt.Errorf("agent: no launch spec for kind %q", kind)
	}

	sessionID := fmt.Sprintf("sess-%s", uuid.New().String()[:8])
	runID := fmt.Sprintf("run-%s", uuid.New().String()[:8])

	args := append(append([]string(nil), spec.Args...), extraArgs...)
	cmd := exec.Command(spec.Binary, args...)
	cmd.Dir = projectRoot
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var logFile *os.File
	logPath := ""
	if r.logDir != "" {
		logPath = filepath.Join(r.logDir, fmt.Sprintf("%s.log", sessionID))
		f, err := os.Create(logPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		logFile = f
	}

	now := time.Now()
	record := &models.SessionRecord{
		SessionID:   sessionID,
		Kind:        kind,
		State:       models.SessionIdle,
		ProjectRoot: projectRoot,
		Prompt:      prompt,
		LogFile:     logPath,
		CreatedAt:   now,
		UpdatedAt:   now,
		RunIDs:      []string{runID},
	}

	// Readers and the exit path hold until the session is registered, so
	// every published event refers to an existing record and an instant
	// exit cannot outrun registration.
	ready := make(chan struct{})
	onLine := func(line string) {
		<-ready
		if r.callbacks.OnLine != nil {
			r.callbacks.OnLine(sessionID, runID, kind, line)
		}
	}
	onExit := func(h *Handle) {
		<-ready
		r.handleExit(h)
	}

	handle, err := start(cmd, sessionID, runID, logFile, onLine, onExit)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		record.State = models.SessionFailed
		record.LastError = err.Error()
		record.UpdatedAt = time.Now()
		r.mu.Lock()
		r.records[sessionID] = record
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	record.State = models.SessionRunning
	record.PID = handle.PID()

	r.mu.Lock()
	r.handles[sessionID] = handle
	r.records[sessionID] = record
	snapshot := record.Clone()
	r.mu.Unlock()
	close(ready)

	if prompt != "" {
		handle.SendInput(prompt + "\n")
	}

	log.Printf(
		"session_event=started session_id=%s run_id=%s kind=%s pid=%d project_root=%q log_file=%q",
		sessionID, runID, kind, snapshot.PID, projectRoot, logPath,
	)

	return snapshot, nil
}

// handleExit finalizes the record, flushes downstream state via OnExit and
// only then forgets the handle. The record stays in the registry.
func (r *Registry) handleExit(h *Handle) {
	r.mu.Lock()
	record, ok := r.records[h.sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	code := h.ExitCode()
	record.ExitCode = &code
	next := models.SessionDone
	if h.ExitErr() != nil && !h.StopRequested() {
		next = models.SessionFailed
		record.LastError = h.ExitErr().Error()
	}
	r.transitionLocked(record, next)
	snapshot := record.Clone()
	r.mu.Unlock()

	log.Printf(
		"session_event=exited session_id=%s state=%s exit_code=%d error=%q",
		snapshot.SessionID, snapshot.State, code, snapshot.LastError,
	)

	if r.callbacks.OnExit != nil {
		r.callbacks.OnExit(snapshot)
	}

	r.mu.Lock()
	delete(r.handles, h.sessionID)
	r.mu.Unlock()
}

func (r *Registry) transitionLocked(record *models.SessionRecord, next models.SessionState) {
	if !record.State.CanTransition(next) {
		log.Printf(
			"session_event=invalid_transition session_id=%s from=%s to=%s",
			record.SessionID, record.State, next,
		)
		return
	}
	record.State = next
	record.UpdatedAt = time.Now()
}

// SendInput forwards text to a session's stdin.
func (r *Registry) SendInput(sessionID, text string) error {
	r.mu.RLock()
	handle, running := r.handles[sessionID]
	_, known := r.records[sessionID]
	r.mu.RUnlock()

	if !known {
		return ErrSessionNotFound
	}
	if !running {
		return ErrSessionNotRunning
	}
	return handle.SendInput(text)
}

// Pause gates input forwarding for a running session. The OS process keeps
// running; only stdin delivery is held.
func (r *Registry) Pause(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, known := r.records[sessionID]
	if !known {
		return ErrSessionNotFound
	}
	handle, running := r.handles[sessionID]
	if !running || record.State != models.SessionRunning {
		return ErrSessionNotRunning
	}

	handle.paused.Store(true)
	r.transitionLocked(record, models.SessionPaused)
	return nil
}

// Resume reopens input forwarding for a paused session.
func (r *Registry) Resume(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, known := r.records[sessionID]
	if !known {
		return ErrSessionNotFound
	}
	handle, running := r.handles[sessionID]
	if !running || record.State != models.SessionPaused {
		return ErrSessionNotRunning
	}

	handle.paused.Store(false)
	r.transitionLocked(record, models.SessionRunning)
	return nil
}

// Session returns a snapshot of one session record.
func (r *Registry) Session(sessionID string) (*models.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return record.Clone(), nil
}

// Sessions returns snapshots of all session records, newest first.
func (r *Registry) Sessions() []*models.SessionRecord {
	r.mu.RLock()
	result := make([]*models.SessionRecord, 0, len(r.records))
	for _, record := range r.records {
		result = append(result, record.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// Handle returns the live handle for a session, if its process is running.
func (r *Registry) Handle(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[sessionID]
	return handle, ok
}

// RunningCount returns the number of live process handles.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// ResourceStats samples CPU and memory usage of a running session.
func (r *Registry) ResourceStats(sessionID string) (*models.ResourceStats, error) {
	r.mu.RLock()
	handle, running := r.handles[sessionID]
	_, known := r.records[sessionID]
	r.mu.RUnlock()

	if !known {
		return nil, ErrSessionNotFound
	}
	if !running {
		return nil, ErrSessionNotRunning
	}

	proc, err := process.NewProcess(int32(handle.PID()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect pid %d: %w", handle.PID(), err)
	}

	stats := &models.ResourceStats{}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}

// Await blocks until the session's process has exited and its final events
// are flushed, or ctx is cancelled.
func (r *Registry) Await(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	handle, running := r.handles[sessionID]
	r.mu.RUnlock()

	if !running {
		return nil // already exited
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-handle.Done():
		return nil
	}
}

// Shutdown interrupts all running processes and waits for them to exit,
// killing any that outlive the timeout.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Interrupt()
	}

	deadline := time.Now().Add(timeout)
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(time.Until(deadline)):
			h.Kill()
			<-h.Done()
		}
	}
}
