package api

import (
	"context"
	"fmt"

	"github.com/kalambet/jobintel/internal/enrich"
	"github.com/kalambet/jobintel/internal/storage"
)

// ValidationError reports a request the caller must correct.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// DetailRequest selects a job by external JobID or internal ID. JobID wins
// when both are set.
type DetailRequest struct {
	JobID        string
	ID           string
	Refresh      bool
	NeedComments bool
}

// DetailResponse is the job detail document shared by HTTP and MCP.
type DetailResponse struct {
	Job         storage.Job       `json:"job"`
	LLMResponse enrich.Result     `json:"llm_response"`
	RefreshLLM  bool              `json:"refresh_llm"`
	Comments    []storage.Comment `json:"comments"`
	Message     string            `json:"message"`
	Success     bool              `json:"success"`
}

// LoadDetail resolves the job, runs enrichment and gathers comments. A
// request without a selector fails before any lookup.
func LoadDetail(ctx context.Context, deps Deps, req DetailRequest) (DetailResponse, error) {
	sel := enrich.Selector{JobID: req.JobID, ID: req.ID}
	if sel.Empty() {
		return DetailResponse{}, &ValidationError{Message: "Job ID or PK is required"}
	}

	var (
		job storage.Job
		err error
	)
	if sel.JobID != "" {
		job, err = deps.Store.GetJobByExternalID(ctx, sel.JobID)
	} else {
		job, err = deps.Store.GetJob(ctx, sel.ID)
	}
	if err != nil {
		return DetailResponse{}, err
	}

	result := deps.Enricher.Get(ctx, job, req.Refresh)
	if !result.Outcome.Succeeded() && result.Record == nil {
		deps.logger().Warn("enrichment unavailable",
			"job_id", job.JobID, "state", result.State.String(), "outcome", result.Outcome.Kind.String(), "error", result.Outcome.Err)
	}

	comments := []storage.Comment{}
	if req.NeedComments {
		list, err := deps.Store.ListComments(ctx, job.ID)
		if err != nil {
			return DetailResponse{}, fmt.Errorf("listing comments: %w", err)
		}
		if list != nil {
			comments = list
		}
	}

	return DetailResponse{
		Job:         job,
		LLMResponse: result,
		RefreshLLM:  req.Refresh,
		Comments:    comments,
		Message:     "Job and comments retrieved successfully",
		Success:     true,
	}, nil
}
