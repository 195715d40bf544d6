package history

import (
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

func runState(sessionID string, state models.SessionState) models.RunState {
	return models.RunState{
		SessionID:   sessionID,
		Kind:        models.KindWorker,
		State:       state,
		ProjectRoot: "/work/project",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func newTestStore(t *testing.T, debounce time.Duration) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), debounce)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoad(t *testing.T) {
	store := newTestStore(t, time.Hour) // rely on Flush, not the timer

	states := []models.RunState{
		runState("sess-1", models.SessionDone),
		runState("sess-2", models.SessionFailed),
	}
	store.Record("/work/project", states)
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	loaded, err := store.Load("/work/project")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 states, got %d", len(loaded))
	}
	if loaded[0].SessionID != "sess-1" || loaded[1].SessionID != "sess-2" {
		t.Errorf("Order not preserved: %+v", loaded)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := newTestStore(t, time.Hour)

	loaded, err := store.Load("/never/saved")
	if err != nil {
		t.Fatalf("Load of missing history failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty history, got %+v", loaded)
	}
}

func TestDebounceCoalesces(t *testing.T) {
	store := newTestStore(t, 50*time.Millisecond)

	// Rapid successive snapshots: only the last should land.
	store.Record("/p", []models.RunState{runState("sess-1", models.SessionRunning)})
	store.Record("/p", []models.RunState{runState("sess-1", models.SessionDone)})

	// Nothing on disk before the debounce interval elapses.
	if loaded, _ := store.Load("/p"); len(loaded) != 0 {
		t.Errorf("Expected no write before debounce, got %+v", loaded)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded, _ := store.Load("/p")
		if len(loaded) == 1 && loaded[0].State == models.SessionDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Debounced write did not land, got %+v", loaded)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoundTripIdempotent(t *testing.T) {
	store := newTestStore(t, time.Hour)
	root := "/work/project"

	live := []models.RunState{
		runState("sess-1", models.SessionRunning),
		runState("sess-2", models.SessionDone),
	}

	// First cycle: save, reload, merge.
	store.Record(root, live)
	store.Flush()
	stored, err := store.Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	merged := Merge(live, stored)
	if len(merged) != 2 {
		t.Fatalf("Expected 2 sessions after first merge, got %d", len(merged))
	}

	// Second cycle with the merged result must not duplicate anything.
	store.Record(root, merged)
	store.Flush()
	stored, _ = store.Load(root)
	merged = Merge(merged, stored)
	if len(merged) != 2 {
		t.Errorf("Expected 2 sessions after second merge, got %d", len(merged))
	}
}

func TestMergeLiveWins(t *testing.T) {
	live := []models.RunState{runState("sess-1", models.SessionRunning)}
	stored := []models.RunState{
		runState("sess-1", models.SessionDone), // stale copy of the live session
		runState("sess-0", models.SessionDone), // only in storage
	}

	merged := Merge(live, stored)
	if len(merged) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(merged))
	}
	if merged[0].SessionID != "sess-1" || merged[0].State != models.SessionRunning {
		t.Errorf("Live copy must be authoritative, got %+v", merged[0])
	}
	if merged[1].SessionID != "sess-0" {
		t.Errorf("Stored-only session must be appended, got %+v", merged[1])
	}
}

func TestSeparateProjectRoots(t *testing.T) {
	store := newTestStore(t, time.Hour)

	store.Record("/project/a", []models.RunState{runState("sess-a", models.SessionDone)})
	store.Record("/project/b", []models.RunState{runState("sess-b", models.SessionDone)})
	store.Flush()

	a, _ := store.Load("/project/a")
	b, _ := store.Load("/project/b")
	if len(a) != 1 || a[0].SessionID != "sess-a" {
		t.Errorf("Unexpected history for /project/a: %+v", a)
	}
	if len(b) != 1 || b[0].SessionID != "sess-b" {
		t.Errorf("Unexpected history for /project/b: %+v", b)
	}
}
