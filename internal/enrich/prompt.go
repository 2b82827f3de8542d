package enrich

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kalambet/jobintel/internal/storage"
)

// Instruction precedes the job data in every enrichment request.
const Instruction = `
Please analyze the provided job data and freelancer feedback to extract information about the client. Specifically, you should:

1. Collect all client names mentioned in the data, including multiple names if available.
2. Determine the client's location based on the information provided.
3. Identify the client's company name, if it is mentioned.
4. Generate a list of currently trending SEO keywords that can improve the client's visibility on LinkedIn, focusing on jobs that are less than two years old.
5. Describe the type of work the client performs based on the job descriptions and feedback.
6. Extract any other critical information about the client that could be useful for future reference.

Important Guidelines:
1. Use only the data provided; do not make any assumptions or add information that is not explicitly present.
2. Avoid hallucinations by strictly adhering to the given data.
3. If certain information is missing, leave the corresponding field empty in the JSON response.

Sample JSON Response Format:
{
  "client_names": [
    "List all client names or first names mentioned in the data."
  ],
  "client_location": "Client's location as mentioned in the data.",
  "company": "Client's company name, if provided.",
  "keywords": [
    "List of currently trending SEO keywords to improve the client's LinkedIn visibility."
  ],
  "work": "Description of the type of work the client does based on the job descriptions and feedback.",
  "crucial_info": "Any other critical information about the client from the data."
}

JSON Data:
`

const postedOnLayout = "2006-01-02"

type jobSnapshot struct {
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Skills            []string        `json:"skills"`
	IsPaymentVerified bool            `json:"is_payment_verified"`
	ClientLocation    string          `json:"client_location"`
	PricingDetails    json.RawMessage `json:"pricing_details"`
	Rating            *float64        `json:"rating"`
}

// commentSnapshot deliberately omits rating and billed_amount.
type commentSnapshot struct {
	JobTitle           string `json:"job_title"`
	Description        string `json:"description"`
	FreelancerFeedback string `json:"freelancer_feedback"`
	PostedOn           string `json:"posted_on"`
}

type payload struct {
	Job     jobSnapshot       `json:"job"`
	OldJobs []commentSnapshot `json:"old_jobs"`
}

// BuildPayload serialises the job and its comments into the data section
// of the prompt.
func BuildPayload(job storage.Job, comments []storage.Comment) (string, error) {
	p := payload{
		Job: jobSnapshot{
			Title:             job.Title,
			Description:       job.Description,
			Skills:            job.Skills,
			IsPaymentVerified: job.IsPaymentVerified,
			ClientLocation:    job.ClientLocation,
			PricingDetails:    job.PricingDetails,
			Rating:            job.Rating,
		},
		OldJobs: make([]commentSnapshot, 0, len(comments)),
	}
	if p.Job.Skills == nil {
		p.Job.Skills = []string{}
	}
	if len(p.Job.PricingDetails) == 0 {
		p.Job.PricingDetails = json.RawMessage(`{}`)
	}

	for _, c := range comments {
		postedOn := c.PostedOn
		if postedOn == "" && !c.CreatedAt.IsZero() {
			postedOn = c.CreatedAt.Format(postedOnLayout)
		}
		p.OldJobs = append(p.OldJobs, commentSnapshot{
			JobTitle:           c.JobTitle,
			Description:        c.Description,
			FreelancerFeedback: c.FreelancerFeedback,
			PostedOn:           postedOn,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encoding enrichment payload: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// BuildPrompt returns the full system message for one enrichment call.
func BuildPrompt(job storage.Job, comments []storage.Comment) (string, error) {
	data, err := BuildPayload(job, comments)
	if err != nil {
		return "", err
	}
	return Instruction + data, nil
}
