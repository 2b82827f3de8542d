package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// testRepository exercises behaviour every backend must share.
func testRepository(t *testing.T, open func(t *testing.T) Repository) {
	t.Run("CreateAndGetJob", func(t *testing.T) { testCreateAndGetJob(t, open(t)) })
	t.Run("DuplicateJob", func(t *testing.T) { testDuplicateJob(t, open(t)) })
	t.Run("GetJobNotFound", func(t *testing.T) { testGetJobNotFound(t, open(t)) })
	t.Run("CommentsOrdered", func(t *testing.T) { testCommentsOrdered(t, open(t)) })
	t.Run("EnrichmentInsertIfAbsent", func(t *testing.T) { testEnrichmentInsertIfAbsent(t, open(t)) })
	t.Run("EnrichmentConcurrentCreate", func(t *testing.T) { testEnrichmentConcurrentCreate(t, open(t)) })
	t.Run("EnrichmentNullLists", func(t *testing.T) { testEnrichmentNullLists(t, open(t)) })
	t.Run("DeleteJobCascades", func(t *testing.T) { testDeleteJobCascades(t, open(t)) })
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, open(t)) })
	t.Run("TaskSweep", func(t *testing.T) { testTaskSweep(t, open(t)) })
}

func seedJob(t *testing.T, r Repository, externalID string) Job {
	t.Helper()
	rating := 4.5
	job, err := r.CreateJob(context.Background(), Job{
		JobID:             externalID,
		Title:             "Build scraper",
		Description:       "Need a Go scraper for listings",
		Skills:            []string{"go", "scraping"},
		IsPaymentVerified: true,
		ClientLocation:    "Germany",
		PricingDetails:    json.RawMessage(`{"type":"fixed","amount":500}`),
		Rating:            &rating,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func testCreateAndGetJob(t *testing.T, r Repository) {
	ctx := context.Background()
	created := seedJob(t, r, "ext-1")
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := r.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.JobID != "ext-1" || got.Title != "Build scraper" {
		t.Errorf("GetJob = %+v", got)
	}
	if len(got.Skills) != 2 || got.Skills[0] != "go" {
		t.Errorf("Skills = %v, want [go scraping]", got.Skills)
	}
	if got.Rating == nil || *got.Rating != 4.5 {
		t.Errorf("Rating = %v, want 4.5", got.Rating)
	}
	var pricing map[string]any
	if err := json.Unmarshal(got.PricingDetails, &pricing); err != nil {
		t.Fatalf("PricingDetails not JSON: %v", err)
	}
	if pricing["type"] != "fixed" {
		t.Errorf("pricing type = %v, want fixed", pricing["type"])
	}

	byExt, err := r.GetJobByExternalID(ctx, "ext-1")
	if err != nil {
		t.Fatalf("GetJobByExternalID: %v", err)
	}
	if byExt.ID != created.ID {
		t.Errorf("GetJobByExternalID ID = %q, want %q", byExt.ID, created.ID)
	}
}

func testDuplicateJob(t *testing.T, r Repository) {
	seedJob(t, r, "dup")
	_, err := r.CreateJob(context.Background(), Job{JobID: "dup", Title: "again"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateJob err = %v, want ErrAlreadyExists", err)
	}
}

func testGetJobNotFound(t *testing.T, r Repository) {
	ctx := context.Background()
	if _, err := r.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetJobByExternalID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJobByExternalID err = %v, want ErrNotFound", err)
	}
	if _, err := r.FirstEnrichment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstEnrichment err = %v, want ErrNotFound", err)
	}
}

func testCommentsOrdered(t *testing.T, r Repository) {
	ctx := context.Background()
	job := seedJob(t, r, "with-comments")
	base := time.Now().UTC().Add(-time.Hour)

	for i, title := range []string{"first", "second", "third"} {
		_, err := r.CreateComment(ctx, Comment{
			JobID:     job.ID,
			JobTitle:  title,
			PostedOn:  "2024-01-0" + string(rune('1'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateComment %s: %v", title, err)
		}
	}

	comments, err := r.ListComments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 3 {
		t.Fatalf("len = %d, want 3", len(comments))
	}
	for i, want := range []string{"first", "second", "third"} {
		if comments[i].JobTitle != want {
			t.Errorf("comments[%d].JobTitle = %q, want %q", i, comments[i].JobTitle, want)
		}
	}
	if comments[0].BilledAmount != "0.0" {
		t.Errorf("BilledAmount default = %q, want 0.0", comments[0].BilledAmount)
	}
}

func testEnrichmentInsertIfAbsent(t *testing.T, r Repository) {
	ctx := context.Background()
	job := seedJob(t, r, "enrich-once")
	company := "Acme"

	first, created, err := r.CreateEnrichment(ctx, Enrichment{
		JobID:       job.ID,
		ClientNames: []string{"Alice"},
		Keywords:    []string{"go"},
		Company:     &company,
		OtherData:   map[string]any{"budget": "high"},
	})
	if err != nil {
		t.Fatalf("CreateEnrichment: %v", err)
	}
	if !created {
		t.Error("first CreateEnrichment should report created")
	}

	second, created, err := r.CreateEnrichment(ctx, Enrichment{JobID: job.ID, Keywords: []string{"other"}})
	if err != nil {
		t.Fatalf("second CreateEnrichment: %v", err)
	}
	if created {
		t.Error("second CreateEnrichment should not report created")
	}
	if second.ID != first.ID {
		t.Errorf("second returned ID %q, want existing %q", second.ID, first.ID)
	}
	if len(second.Keywords) != 1 || second.Keywords[0] != "go" {
		t.Errorf("stored Keywords = %v, want [go]", second.Keywords)
	}
	if second.OtherData["budget"] != "high" {
		t.Errorf("OtherData = %v", second.OtherData)
	}
	if second.Company == nil || *second.Company != "Acme" {
		t.Errorf("Company = %v, want Acme", second.Company)
	}

	n, err := r.CountEnrichments(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountEnrichments: %v", err)
	}
	if n != 1 {
		t.Errorf("CountEnrichments = %d, want 1", n)
	}
}

func testEnrichmentConcurrentCreate(t *testing.T, r Repository) {
	ctx := context.Background()
	job := seedJob(t, r, "enrich-race")

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok, err := r.CreateEnrichment(ctx, Enrichment{JobID: job.ID})
			if err != nil {
				t.Errorf("CreateEnrichment: %v", err)
				return
			}
			mu.Lock()
			ids[e.ID] = true
			if ok {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
	if len(ids) != 1 {
		t.Errorf("writers observed %d distinct records, want 1", len(ids))
	}
}

func testEnrichmentNullLists(t *testing.T, r Repository) {
	ctx := context.Background()
	job := seedJob(t, r, "enrich-null")

	if _, _, err := r.CreateEnrichment(ctx, Enrichment{JobID: job.ID}); err != nil {
		t.Fatalf("CreateEnrichment: %v", err)
	}
	got, err := r.FirstEnrichment(ctx, job.ID)
	if err != nil {
		t.Fatalf("FirstEnrichment: %v", err)
	}
	if got.ClientNames != nil || got.Keywords != nil {
		t.Errorf("lists = %v / %v, want nil", got.ClientNames, got.Keywords)
	}
	if got.Company != nil || got.ClientLocation != nil {
		t.Errorf("company/location = %v / %v, want nil", got.Company, got.ClientLocation)
	}
	if got.OtherData == nil || len(got.OtherData) != 0 {
		t.Errorf("OtherData = %v, want empty map", got.OtherData)
	}
}

func testDeleteJobCascades(t *testing.T, r Repository) {
	ctx := context.Background()
	job := seedJob(t, r, "to-delete")
	if _, err := r.CreateComment(ctx, Comment{JobID: job.ID, JobTitle: "c"}); err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if _, _, err := r.CreateEnrichment(ctx, Enrichment{JobID: job.ID}); err != nil {
		t.Fatalf("CreateEnrichment: %v", err)
	}

	if err := r.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := r.DeleteJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteJob err = %v, want ErrNotFound", err)
	}

	comments, err := r.ListComments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListComments: %v", err)
	}
	if len(comments) != 0 {
		t.Errorf("comments survived delete: %d", len(comments))
	}
	n, err := r.CountEnrichments(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountEnrichments: %v", err)
	}
	if n != 0 {
		t.Errorf("enrichments survived delete: %d", n)
	}
}

func testTaskLifecycle(t *testing.T, r Repository) {
	ctx := context.Background()

	if err := r.EnqueueTask(ctx, Task{ID: "t-1", Type: "enrich_job", PayloadJSON: `{"job_id":"x"}`}); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	got, err := r.ClaimNextTask(ctx, []string{"enrich_job"})
	if err != nil {
		t.Fatalf("ClaimNextTask: %v", err)
	}
	if got == nil || got.ID != "t-1" || got.Status != "running" {
		t.Fatalf("ClaimNextTask = %+v, want running t-1", got)
	}

	again, err := r.ClaimNextTask(ctx, []string{"enrich_job"})
	if err != nil {
		t.Fatalf("second ClaimNextTask: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running task twice: %+v", again)
	}

	if err := r.CompleteTask(ctx, "t-1"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := r.CompleteTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteTask(missing) err = %v, want ErrNotFound", err)
	}
}

func testTaskSweep(t *testing.T, r Repository) {
	ctx := context.Background()
	types := []string{"enrich_job"}

	for _, id := range []string{"t-stale", "t-done"} {
		if err := r.EnqueueTask(ctx, Task{ID: id, Type: "enrich_job", PayloadJSON: `{}`}); err != nil {
			t.Fatalf("EnqueueTask(%s): %v", id, err)
		}
		if _, err := r.ClaimNextTask(ctx, types); err != nil {
			t.Fatalf("ClaimNextTask: %v", err)
		}
	}
	if err := r.CompleteTask(ctx, "t-done"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	if n, err := r.RequeueStaleTasks(ctx, past); err != nil || n != 0 {
		t.Errorf("RequeueStaleTasks(past) = %d, %v; want 0", n, err)
	}
	if n, err := r.PurgeFinishedTasks(ctx, past); err != nil || n != 0 {
		t.Errorf("PurgeFinishedTasks(past) = %d, %v; want 0", n, err)
	}

	future := time.Now().Add(time.Hour)
	if n, err := r.RequeueStaleTasks(ctx, future); err != nil || n != 1 {
		t.Fatalf("RequeueStaleTasks = %d, %v; want 1", n, err)
	}
	if n, err := r.PurgeFinishedTasks(ctx, future); err != nil || n != 1 {
		t.Fatalf("PurgeFinishedTasks = %d, %v; want 1", n, err)
	}

	got, err := r.ClaimNextTask(ctx, types)
	if err != nil {
		t.Fatalf("ClaimNextTask after requeue: %v", err)
	}
	if got == nil || got.ID != "t-stale" {
		t.Fatalf("ClaimNextTask after requeue = %+v, want t-stale", got)
	}
	if err := r.CompleteTask(ctx, "t-done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged task still present: err = %v", err)
	}
}
