package enrich

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/jobintel/internal/storage"
)

// fakeCompleter implements llm.Completer for tests.
type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	delay    time.Duration
	calls    int
	prompts  []string
}

func (f *fakeCompleter) Complete(ctx context.Context, system string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, system)
	resp, err, delay := f.response, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createJob(t *testing.T, s storage.Repository, externalID string) storage.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), storage.Job{
		JobID:          externalID,
		Title:          "Landing page redesign",
		Description:    "Refresh our marketing site",
		Skills:         []string{"figma", "webflow"},
		ClientLocation: "Remote",
		PricingDetails: json.RawMessage(`{"type":"hourly","min":30,"max":60}`),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func countRecords(t *testing.T, s storage.Repository, jobID string) int {
	t.Helper()
	n, err := s.CountEnrichments(context.Background(), jobID)
	if err != nil {
		t.Fatalf("CountEnrichments: %v", err)
	}
	return n
}

// jsonEqual reports whether a and b encode the same JSON value.
func jsonEqual(t *testing.T, a, b string) bool {
	t.Helper()
	var av, bv any
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		t.Fatalf("invalid JSON %s: %v", a, err)
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		t.Fatalf("invalid JSON %s: %v", b, err)
	}
	return reflect.DeepEqual(av, bv)
}

const scenarioResponse = "```json\n{\"client_names\":[\"Jane\"],\"client_location\":\"Remote\",\"company\":\"Acme\",\"keywords\":[\"seo\"],\"work\":\"design\",\"crucial_info\":\"\"}\n```"
