package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/jobintel/internal/storage"
	"github.com/kalambet/jobintel/internal/worker"
)

const maxTitleLength = 200

type jobInput struct {
	JobID             string          `json:"job_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Skills            []string        `json:"skills"`
	IsPaymentVerified bool            `json:"is_payment_verified"`
	ClientLocation    string          `json:"client_location"`
	JobURL            string          `json:"job_url"`
	PricingDetails    json.RawMessage `json:"pricing_details"`
	Rating            *float64        `json:"rating"`
}

type createJobRequest struct {
	Job *jobInput `json:"job"`
}

type commentInput struct {
	URL                string          `json:"url"`
	Rating             *float64        `json:"rating"`
	BilledAmount       json.RawMessage `json:"billed_amount"`
	JobTitle           string          `json:"job_title"`
	Description        string          `json:"description"`
	ClientFeedback     string          `json:"client_feedback"`
	FreelancerFeedback string          `json:"freelancer_feedback"`
	PostedOn           string          `json:"posted_on"`
}

type createCommentsRequest struct {
	JobID    string            `json:"job_id"`
	Comments []json.RawMessage `json:"comments"`
}

func handleCreateJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Job == nil {
			httpError(w, http.StatusBadRequest, "Job data is required")
			return
		}
		in := req.Job
		if strings.TrimSpace(in.JobID) == "" {
			httpError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		if in.Title == "" || len(in.Title) > maxTitleLength {
			httpError(w, http.StatusBadRequest, "Job data is invalid")
			return
		}
		if len(in.PricingDetails) > 0 && !isObjectOrNull(in.PricingDetails) {
			httpError(w, http.StatusBadRequest, "Job data is invalid")
			return
		}

		job, err := deps.Store.CreateJob(r.Context(), storage.Job{
			JobID:             in.JobID,
			Title:             in.Title,
			Description:       in.Description,
			Skills:            in.Skills,
			IsPaymentVerified: in.IsPaymentVerified,
			ClientLocation:    in.ClientLocation,
			JobURL:            in.JobURL,
			PricingDetails:    in.PricingDetails,
			Rating:            in.Rating,
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			httpError(w, http.StatusBadRequest, "Job already exists")
			return
		}
		if err != nil {
			deps.logger().Error("creating job failed", "job_id", in.JobID, "error", err)
			httpError(w, http.StatusInternalServerError, "An error occurred while creating the job: %v", err)
			return
		}

		writeMessage(w, http.StatusCreated, "Job '%s' created successfully", job.Title)
	}
}

func handleCreateComments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createCommentsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Comments) == 0 || req.JobID == "" {
			httpError(w, http.StatusBadRequest, "Comments and job_id are required")
			return
		}

		job, err := deps.Store.GetJobByExternalID(r.Context(), req.JobID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "An error occurred: %v", err)
			return
		}

		stored := 0
		for i, raw := range req.Comments {
			c, ok := decodeComment(raw)
			if !ok {
				deps.logger().Debug("skipping invalid comment", "job_id", req.JobID, "index", i)
				continue
			}
			c.JobID = job.ID
			if _, err := deps.Store.CreateComment(r.Context(), c); err != nil {
				deps.logger().Warn("storing comment failed", "job_id", req.JobID, "index", i, "error", err)
				continue
			}
			stored++
		}

		// The response never depends on enrichment.
		if err := worker.EnqueueEnrichment(r.Context(), deps.Store, job.ID, deps.MaxAttempts); err != nil {
			deps.logger().Warn("queueing enrichment failed", "job_id", req.JobID, "error", err)
		}

		deps.logger().Info("comments stored", "job_id", req.JobID, "stored", stored, "submitted", len(req.Comments))
		writeMessage(w, http.StatusCreated, "Comments added successfully, Job: %s", req.JobID)
	}
}

func handleJobDetail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := DetailRequest{
			JobID:        q.Get("job_id"),
			ID:           q.Get("id"),
			Refresh:      q.Get("refresh_llm") == "true",
			NeedComments: q.Get("need_comments") != "false",
		}

		resp, err := LoadDetail(r.Context(), deps, req)
		if err != nil {
			writeDetailError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeleteJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")

		job, err := deps.Store.GetJobByExternalID(r.Context(), jobID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "An error occurred: %v", err)
			return
		}
		if err := deps.Store.DeleteJob(r.Context(), job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "An error occurred: %v", err)
			return
		}

		deps.logger().Info("job deleted", "job_id", jobID)
		writeMessage(w, http.StatusOK, "Job with id `%s` has been deleted.", jobID)
	}
}

func writeDetailError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "%s", verr.Message)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "Job not found")
	default:
		httpError(w, http.StatusInternalServerError, "An error occurred: %v", err)
	}
}

// decodeComment converts one submitted entry. Entries that are not objects or
// carry mistyped fields are reported as invalid.
func decodeComment(raw json.RawMessage) (storage.Comment, bool) {
	var in commentInput
	if !isObject(raw) {
		return storage.Comment{}, false
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return storage.Comment{}, false
	}
	billed, ok := billedAmount(in.BilledAmount)
	if !ok || len(in.JobTitle) > maxTitleLength {
		return storage.Comment{}, false
	}
	return storage.Comment{
		URL:                in.URL,
		Rating:             in.Rating,
		BilledAmount:       billed,
		JobTitle:           in.JobTitle,
		Description:        in.Description,
		ClientFeedback:     in.ClientFeedback,
		FreelancerFeedback: in.FreelancerFeedback,
		PostedOn:           in.PostedOn,
	}, true
}

// billedAmount accepts a string or a bare number.
func billedAmount(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func isObjectOrNull(raw json.RawMessage) bool {
	return isObject(raw) || string(bytes.TrimSpace(raw)) == "null"
}
