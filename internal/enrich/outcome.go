package enrich

import (
	"encoding/json"
	"maps"
)

// ErrorMessage is reported to callers for every failure that happened at or
// after the model call.
const ErrorMessage = "An error occurred while processing the request."

// OutcomeKind tags the result of one enrichment invocation.
type OutcomeKind int

const (
	// OutcomeNoSelector means neither an external nor an internal id was given.
	OutcomeNoSelector OutcomeKind = iota
	OutcomeSuccess
	// OutcomeMalformed means the model replied but the reply was not a JSON object.
	OutcomeMalformed
	// OutcomeTransportFailure means the call itself failed or timed out.
	OutcomeTransportFailure
	// OutcomeResolutionFailure means the job or its comments could not be loaded.
	OutcomeResolutionFailure
	// OutcomeStorageFailure means a successful result could not be persisted.
	OutcomeStorageFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoSelector:
		return "no_selector"
	case OutcomeSuccess:
		return "success"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeTransportFailure:
		return "transport_failure"
	case OutcomeResolutionFailure:
		return "resolution_failure"
	case OutcomeStorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of an invocation. Fields is set only on
// success; Err carries the cause of a failure for logging.
type Outcome struct {
	Kind   OutcomeKind
	Fields map[string]any
	Err    error
}

// Succeeded reports whether the outcome carries parsed fields.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// MarshalJSON renders the wire shape callers branch on: null for a missing
// selector, {"success":false} for resolution failures and an additional
// "error" key for failures at or after the model call.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OutcomeNoSelector:
		return []byte("null"), nil
	case OutcomeSuccess:
		out := make(map[string]any, len(o.Fields)+1)
		maps.Copy(out, o.Fields)
		out["success"] = true
		return json.Marshal(out)
	case OutcomeResolutionFailure:
		return json.Marshal(map[string]any{"success": false})
	default:
		return json.Marshal(map[string]any{"success": false, "error": ErrorMessage})
	}
}
