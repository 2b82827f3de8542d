package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/storage"
)

// timeLayout matches the layout the SQLite store writes.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

type mockEnricher struct {
	mu    sync.Mutex
	calls []string
	getFn func(job storage.Job) enrich.Result
}

func (m *mockEnricher) Get(_ context.Context, job storage.Job, forceRefresh bool) enrich.Result {
	m.mu.Lock()
	m.calls = append(m.calls, job.ID)
	m.mu.Unlock()
	if forceRefresh {
		panic("background enrichment must not force a refresh")
	}
	return m.getFn(job)
}

func persisted(storage.Job) enrich.Result {
	return enrich.Result{State: enrich.StatePersisted, Record: &storage.Enrichment{ID: "r"}}
}

func failed(storage.Job) enrich.Result {
	return enrich.Result{State: enrich.StateComputeFailed, Outcome: enrich.Outcome{Kind: enrich.OutcomeTransportFailure}}
}

func openTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedJob(t *testing.T, s *storage.SQLiteStore, externalID string) storage.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), storage.Job{JobID: externalID, Title: "t"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func taskStatus(t *testing.T, s *storage.SQLiteStore) (status string, attempts int) {
	t.Helper()
	if err := s.DB().QueryRow(`SELECT status, attempts FROM tasks LIMIT 1`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query task: %v", err)
	}
	return status, attempts
}

// resetRunAfter makes a backed-off task immediately claimable.
func resetRunAfter(t *testing.T, s *storage.SQLiteStore) {
	t.Helper()
	now := time.Now().UTC().Add(-time.Second).Format(timeLayout)
	if _, err := s.DB().Exec(`UPDATE tasks SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesTask(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "ext-1")
	if err := EnqueueEnrichment(context.Background(), s, job.ID, 3); err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}

	m := &mockEnricher{getFn: persisted}
	w := NewWorker(s, m, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(m.calls) != 1 || m.calls[0] != job.ID {
		t.Errorf("enricher calls = %v, want [%s]", m.calls, job.ID)
	}
	if status, _ := taskStatus(t, s); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_EmptyQueue(t *testing.T) {
	s := openTestStore(t)
	w := NewWorker(s, &mockEnricher{getFn: persisted}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestWorker_RetryThenFail(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "ext-retry")
	if err := EnqueueEnrichment(context.Background(), s, job.ID, 2); err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}

	w := NewWorker(s, &mockEnricher{getFn: failed}, 0)
	ctx := context.Background()

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}
	if status, attempts := taskStatus(t, s); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Backoff keeps the task out of reach until run_after passes.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("task claimed before its backoff elapsed")
	}

	resetRunAfter(t, s)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}
	if status, attempts := taskStatus(t, s); status != "failed" || attempts != 2 {
		t.Errorf("after 2nd fail: status=%q attempts=%d, want failed/2", status, attempts)
	}
}

func TestWorker_DeletedJobCompletes(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "ext-gone")
	if err := EnqueueEnrichment(context.Background(), s, job.ID, 3); err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}
	if err := s.DeleteJob(context.Background(), job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	m := &mockEnricher{getFn: persisted}
	if _, err := NewWorker(s, m, 0).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(m.calls) != 0 {
		t.Errorf("enricher called for deleted job: %v", m.calls)
	}
	if status, _ := taskStatus(t, s); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_BadPayload(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueTask(context.Background(), storage.Task{Type: TaskEnrichJob, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	if _, err := NewWorker(s, &mockEnricher{getFn: persisted}, 0).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, _ := taskStatus(t, s); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestEnqueueEnrichment_Payload(t *testing.T) {
	s := openTestStore(t)
	if err := EnqueueEnrichment(context.Background(), s, "job-42", 0); err != nil {
		t.Fatalf("EnqueueEnrichment: %v", err)
	}

	task, err := s.ClaimNextTask(context.Background(), []string{TaskEnrichJob})
	if err != nil || task == nil {
		t.Fatalf("ClaimNextTask = %v, %v", task, err)
	}
	var p map[string]string
	if err := json.Unmarshal([]byte(task.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p["job_id"] != "job-42" {
		t.Errorf("payload = %v", p)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want default 3", task.MaxAttempts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s := openTestStore(t)
	w := NewWorker(s, &mockEnricher{getFn: persisted}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
