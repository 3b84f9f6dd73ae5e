package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:        id,
		Name:      "web",
		Kind:      RunKindLift,
		Status:    RunStatusRunning,
		StartedAt: startedAt,
		Metadata:  `{"phases":["install"]}`,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "phase_results", "action_results"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	createTestRun(t, store, "run-file-001", time.Now().UTC())
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-file-001"); err != nil {
		t.Errorf("run not persisted: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	startedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := createTestRun(t, store, "run-001", startedAt)

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.Name != "web" || retrieved.Kind != RunKindLift || retrieved.Status != RunStatusRunning {
		t.Errorf("unexpected run: %+v", retrieved)
	}
	if !retrieved.StartedAt.Equal(startedAt) {
		t.Errorf("expected started_at %v, got %v", startedAt, retrieved.StartedAt)
	}
	if retrieved.CompletedAt != nil || retrieved.Error != nil {
		t.Errorf("expected no completion yet, got %v / %v", retrieved.CompletedAt, retrieved.Error)
	}

	msg := "lift-abort-on-error failed"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &msg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != RunStatusFailed {
		t.Errorf("expected status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if updated.Error == nil || *updated.Error != msg {
		t.Errorf("expected error %q, got %v", msg, updated.Error)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRunDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{Name: "db", Kind: RunKindCreate, Status: RunStatusRunning}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.ID == "" || run.StartedAt.IsZero() || run.Metadata != "{}" {
		t.Errorf("defaults not applied: %+v", run)
	}
}

func TestRunInvalidKind(t *testing.T) {
	store := setupTestStore(t)

	run := &Run{ID: "run-bad", Name: "web", Kind: "deploy", Status: RunStatusRunning}
	if err := store.CreateRun(context.Background(), run); err == nil {
		t.Error("expected check constraint to reject kind")
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpdateRunStatus(ctx, "missing", RunStatusCompleted, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunStatus() error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		createTestRun(t, store, id, base.Add(time.Duration(i)*time.Hour))
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[2].ID != "run-a" {
		t.Errorf("expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("unexpected page: %v", page)
	}
}

func testRecords() []*PhaseRecord {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := `{"version":"1.24"}`
	errs := `[{"class":"domain","message":"disk full"}]`
	return []*PhaseRecord{
		{
			TargetID: "web-1", TargetName: "web one", Phase: "install", Outcome: "ok", Result: &result,
			Actions: []*ActionRecord{
				{Action: "update", Kind: "exec", Command: "apt-get update", ExitCode: 0, Status: "ok", StartedAt: started, DurationMS: 1200},
				{Action: "install", Kind: "exec", Command: "apt-get install -y nginx", Output: "done", ExitCode: 0, Status: "ok", StartedAt: started, DurationMS: 3400},
			},
		},
		{
			TargetID: "web-2", Phase: "install", Outcome: "domain_error", Errors: &errs,
			Actions: []*ActionRecord{
				{Action: "update", Kind: "exec", Command: "apt-get update", Stderr: "no space", ExitCode: 100, Status: "failed", StartedAt: started},
			},
		},
	}
}

func TestPhaseResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-phases", time.Now().UTC())

	if err := store.SavePhaseResults(ctx, run.ID, testRecords()); err != nil {
		t.Fatalf("failed to save phase results: %v", err)
	}
	fault := "connection reset"
	more := []*PhaseRecord{{TargetID: "web-1", Phase: "configure", Outcome: "fault", Fault: &fault}}
	if err := store.SavePhaseResults(ctx, run.ID, more); err != nil {
		t.Fatalf("failed to append phase results: %v", err)
	}

	records, err := store.ListPhaseResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list phase results: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	for i, rec := range records {
		if rec.Seq != i {
			t.Errorf("records[%d].Seq = %d", i, rec.Seq)
		}
	}

	first := records[0]
	if first.TargetName != "web one" || first.Result == nil || *first.Result != `{"version":"1.24"}` {
		t.Errorf("unexpected first record: %+v", first)
	}
	if len(first.Actions) != 2 || first.Actions[1].Command != "apt-get install -y nginx" || first.Actions[1].DurationMS != 3400 {
		t.Errorf("unexpected first record actions: %+v", first.Actions)
	}

	second := records[1]
	errs, err := second.DomainErrors()
	if err != nil {
		t.Fatalf("DomainErrors() error = %v", err)
	}
	if len(errs) != 1 || errs[0].Message != "disk full" {
		t.Errorf("unexpected domain errors: %v", errs)
	}
	if len(second.Actions) != 1 || second.Actions[0].ExitCode != 100 || second.Actions[0].Stderr != "no space" {
		t.Errorf("unexpected second record actions: %+v", second.Actions)
	}

	third := records[2]
	if third.Phase != "configure" || third.Fault == nil || *third.Fault != fault || len(third.Actions) != 0 {
		t.Errorf("unexpected third record: %+v", third)
	}
}

func TestSavePhaseResultsUnknownRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SavePhaseResults(ctx, "missing", testRecords()); err == nil {
		t.Fatal("expected foreign key violation")
	}
	records, err := store.ListPhaseResults(ctx, "missing")
	if err != nil {
		t.Fatalf("failed to list phase results: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected rollback, found %d records", len(records))
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, store, "run-cascade-001", time.Now().UTC())

	if err := store.SavePhaseResults(ctx, run.ID, testRecords()); err != nil {
		t.Fatalf("failed to save phase results: %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	for _, table := range []string{"phase_results", "action_results"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("failed to count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("expected %s to be empty after cascade delete, got %d rows", table, count)
		}
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	query := `
		INSERT INTO runs (id, name, kind, status, started_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "run-tx-001", "web", RunKindLift, RunStatusRunning, now, `{}`, now, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-tx-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected rolled back run to be missing, got %v", err)
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "run-tx-001", "web", RunKindLift, RunStatusRunning, now, `{}`, now, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in second transaction: %v", err)
	}
	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-tx-001"); err != nil {
		t.Errorf("failed to get committed run: %v", err)
	}
}
