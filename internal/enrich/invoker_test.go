package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/jobintel/internal/storage"
)

// panicReader fails the test on any lookup.
type panicReader struct{ t *testing.T }

func (p panicReader) GetJob(context.Context, string) (storage.Job, error) {
	p.t.Fatal("unexpected GetJob")
	return storage.Job{}, nil
}

func (p panicReader) GetJobByExternalID(context.Context, string) (storage.Job, error) {
	p.t.Fatal("unexpected GetJobByExternalID")
	return storage.Job{}, nil
}

func (p panicReader) ListComments(context.Context, string) ([]storage.Comment, error) {
	p.t.Fatal("unexpected ListComments")
	return nil, nil
}

func TestInvoke_NoSelector(t *testing.T) {
	fc := &fakeCompleter{}
	inv := NewInvoker(panicReader{t}, fc, time.Second)

	out := inv.Invoke(context.Background(), Selector{})
	if out.Kind != OutcomeNoSelector {
		t.Errorf("Kind = %s, want no_selector", out.Kind)
	}
	if fc.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", fc.Calls())
	}
}

func TestInvoke_SuccessByExternalID(t *testing.T) {
	s := newTestStore(t)
	job := createJob(t, s, "abc123")
	_, err := s.CreateComment(context.Background(), storage.Comment{
		JobID:              job.ID,
		JobTitle:           "Logo",
		FreelancerFeedback: "Jane from Acme was great",
		BilledAmount:       "99.0",
	})
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	fc := &fakeCompleter{response: scenarioResponse}
	out := NewInvoker(s, fc, time.Second).Invoke(context.Background(), Selector{JobID: "abc123"})

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, want success (err: %v)", out.Kind, out.Err)
	}
	if out.Fields["company"] != "Acme" {
		t.Errorf("company = %v, want Acme", out.Fields["company"])
	}
	if len(fc.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(fc.prompts))
	}
	prompt := fc.prompts[0]
	if !strings.HasPrefix(prompt, Instruction) {
		t.Error("prompt does not start with the instruction")
	}
	if !strings.Contains(prompt, "Jane from Acme was great") {
		t.Error("prompt is missing the freelancer feedback")
	}
	if strings.Contains(prompt, "99.0") {
		t.Error("prompt leaks the billed amount")
	}
}

func TestInvoke_ExternalIDTakesPrecedence(t *testing.T) {
	s := newTestStore(t)
	byExt := createJob(t, s, "ext-wins")
	other := createJob(t, s, "other")

	fc := &fakeCompleter{response: `{"work":"x"}`}
	out := NewInvoker(s, fc, time.Second).Invoke(context.Background(), Selector{JobID: byExt.JobID, ID: other.ID})
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, want success (err: %v)", out.Kind, out.Err)
	}

	// Resolution by internal id alone works too.
	out = NewInvoker(s, fc, time.Second).Invoke(context.Background(), Selector{ID: other.ID})
	if out.Kind != OutcomeSuccess {
		t.Fatalf("by id: Kind = %s, want success (err: %v)", out.Kind, out.Err)
	}
}

func TestInvoke_UnknownJob(t *testing.T) {
	s := newTestStore(t)
	fc := &fakeCompleter{response: `{}`}

	out := NewInvoker(s, fc, time.Second).Invoke(context.Background(), Selector{JobID: "missing"})
	if out.Kind != OutcomeResolutionFailure {
		t.Errorf("Kind = %s, want resolution_failure", out.Kind)
	}
	if !errors.Is(out.Err, storage.ErrNotFound) {
		t.Errorf("Err = %v, want ErrNotFound", out.Err)
	}
	if fc.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", fc.Calls())
	}
}

func TestInvokeJob_MalformedResponse(t *testing.T) {
	s := newTestStore(t)
	job := createJob(t, s, "bad")

	fc := &fakeCompleter{response: "```json {not valid json} ```"}
	out := NewInvoker(s, fc, time.Second).InvokeJob(context.Background(), job)

	if out.Kind != OutcomeMalformed || out.Err == nil {
		t.Errorf("outcome = %s (%v), want malformed with an error", out.Kind, out.Err)
	}
	if fc.Calls() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry)", fc.Calls())
	}
}

func TestInvokeJob_TransportFailure(t *testing.T) {
	s := newTestStore(t)
	job := createJob(t, s, "down")

	fc := &fakeCompleter{err: errors.New("connection refused")}
	out := NewInvoker(s, fc, time.Second).InvokeJob(context.Background(), job)

	if out.Kind != OutcomeTransportFailure {
		t.Errorf("Kind = %s, want transport_failure", out.Kind)
	}
	if fc.Calls() != 1 {
		t.Errorf("model calls = %d, want 1", fc.Calls())
	}
}

func TestInvokeJob_Timeout(t *testing.T) {
	s := newTestStore(t)
	job := createJob(t, s, "slow")

	fc := &fakeCompleter{response: `{}`, delay: time.Second}
	start := time.Now()
	out := NewInvoker(s, fc, 20*time.Millisecond).InvokeJob(context.Background(), job)

	if out.Kind != OutcomeTransportFailure {
		t.Errorf("Kind = %s, want transport_failure", out.Kind)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want DeadlineExceeded", out.Err)
	}
	if elapsed := time.Since(start); elapsed >= 500*time.Millisecond {
		t.Errorf("InvokeJob took %s, timeout not applied", elapsed)
	}
}

func TestNewInvoker_DefaultTimeout(t *testing.T) {
	inv := NewInvoker(panicReader{t}, &fakeCompleter{}, 0)
	if inv.timeout != DefaultTimeout {
		t.Errorf("timeout = %s, want %s", inv.timeout, DefaultTimeout)
	}
}
