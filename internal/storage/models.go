package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a job with the same external id is already stored.
	ErrAlreadyExists = errors.New("already exists")
)

// Job is a freelance posting. ID is the internal surrogate key, JobID the
// unique identifier assigned by the source marketplace.
type Job struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Skills            []string        `json:"skills"`
	IsPaymentVerified bool            `json:"is_payment_verified"`
	ClientLocation    string          `json:"client_location"`
	JobURL            string          `json:"job_url"`
	PricingDetails    json.RawMessage `json:"pricing_details"`
	Rating            *float64        `json:"rating"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Comment is a piece of historical client feedback attached to a Job.
type Comment struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"job"`
	URL                string    `json:"url"`
	Rating             *float64  `json:"rating"`
	BilledAmount       string    `json:"billed_amount"`
	JobTitle           string    `json:"job_title"`
	Description        string    `json:"description"`
	ClientFeedback     string    `json:"client_feedback"`
	FreelancerFeedback string    `json:"freelancer_feedback"`
	PostedOn           string    `json:"posted_on"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Enrichment is the cached result of one LLM enrichment pass for a Job.
// ClientLocation is what the model inferred and may differ from
// Job.ClientLocation. OtherData holds every non-promoted key the model returned.
type Enrichment struct {
	ID             string         `json:"id,omitempty"`
	JobID          string         `json:"job"`
	ClientNames    []string       `json:"client_names"`
	Keywords       []string       `json:"keywords"`
	Company        *string        `json:"company"`
	ClientLocation *string        `json:"client_location"`
	OtherData      map[string]any `json:"other_data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Task is a unit of background work in the durable queue.
type Task struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
