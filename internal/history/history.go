// Package history provides durable per-project session history with
// idempotent merge on reload.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// Store writes one JSON history file per project root. Saves are debounced
// so a burst of event activity coalesces into a single write; a write
// failure is logged and retried on the next debounce tick, never blocking
// live operation.
type Store struct {
	dir      string
	debounce time.Duration

	mu      sync.Mutex
	pending map[string][]models.RunState // project root -> latest snapshot
	timer   *time.Timer
	closed  bool
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, debounce time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	return &Store{
		dir:      dir,
		debounce: debounce,
		pending:  make(map[string][]models.RunState),
	}, nil
}

// Load reads the stored history for a project root. A missing file yields
// an empty history.
func (s *Store) Load(projectRoot string) ([]models.RunState, error) {
	data, err := os.ReadFile(s.filePath(projectRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var states []models.RunState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("failed to parse history file: %w", err)
	}
	return states, nil
}

// Record queues a history snapshot for a project root. The actual write
// happens after the debounce interval; later snapshots for the same root
// replace queued ones.
func (s *Store) Record(projectRoot string, states []models.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.pending[projectRoot] = append([]models.RunState(nil), states...)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flushTick)
	}
}

func (s *Store) flushTick() {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string][]models.RunState)
	s.timer = nil
	s.mu.Unlock()

	failed := make(map[string][]models.RunState)
	for root, states := range batch {
		if err := s.write(root, states); err != nil {
			log.Printf("history_event=write_failed project_root=%q error=%q", root, err)
			failed[root] = states
		}
	}

	if len(failed) == 0 {
		return
	}

	// Re-queue failures for the next tick; fresher snapshots win.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for root, states := range failed {
		if _, replaced := s.pending[root]; !replaced {
			s.pending[root] = states
		}
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flushTick)
	}
}

// Flush writes all queued snapshots immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string][]models.RunState)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	var firstErr error
	for root, states := range batch {
		if err := s.write(root, states); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes pending writes and stops the store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}

func (s *Store) write(projectRoot string, states []models.RunState) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	path := s.filePath(projectRoot)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// filePath maps a project root to its history file. Roots are hashed so
// arbitrary paths become stable file names.
func (s *Store) filePath(projectRoot string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(projectRoot)))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".json")
}

// Merge reconciles live session state with a stored history. It is keyed
// by session id: the live copy is authoritative for sessions present in
// both; stored-only sessions are appended in their stored order. Applying
// Merge repeatedly never duplicates entries.
func Merge(live, stored []models.RunState) []models.RunState {
	seen := make(map[string]struct{}, len(live))
	result := make([]models.RunState, 0, len(live)+len(stored))

	for _, state := range live {
		if _, dup := seen[state.SessionID]; dup {
			continue
		}
		seen[state.SessionID] = struct{}{}
		result = append(result, state)
	}
	for _, state := range stored {
		if _, dup := seen[state.SessionID]; dup {
			continue
		}
		seen[state.SessionID] = struct{}{}
		result = append(result, state)
	}
	return result
}
