package enrich

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kalambet/jobintel/internal/storage"
)

// Promoted holds the fields stored in dedicated enrichment columns.
type Promoted struct {
	ClientNames    []string
	Keywords       []string
	Company        *string
	ClientLocation *string
}

const (
	keyClientNames    = "client_names"
	keyKeywords       = "keywords"
	keyCompany        = "company"
	keyClientLocation = "client_location"
	keySuccess        = "success"
)

// Shape splits parsed model output into promoted fields and the residual
// mapping of every other key except "success".
func Shape(fields map[string]any) (Promoted, map[string]any) {
	p := Promoted{
		ClientNames:    toStringList(fields[keyClientNames]),
		Keywords:       toStringList(fields[keyKeywords]),
		Company:        toOptionalString(fields[keyCompany]),
		ClientLocation: toOptionalString(fields[keyClientLocation]),
	}

	residual := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case keyClientNames, keyKeywords, keyCompany, keyClientLocation, keySuccess:
			continue
		}
		residual[k] = v
	}
	return p, residual
}

// NewRecord shapes fields into an unsaved enrichment for jobID.
func NewRecord(jobID string, fields map[string]any) storage.Enrichment {
	p, residual := Shape(fields)
	now := time.Now().UTC()
	return storage.Enrichment{
		JobID:          jobID,
		ClientNames:    p.ClientNames,
		Keywords:       p.Keywords,
		Company:        p.Company,
		ClientLocation: p.ClientLocation,
		OtherData:      residual,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// toStringList accepts a JSON array or a single scalar. Empty strings and
// nulls yield nil.
func toStringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			if el == nil {
				continue
			}
			out = append(out, stringify(el))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return []string{stringify(t)}
	}
}

func toOptionalString(v any) *string {
	if v == nil {
		return nil
	}
	s := stringify(v)
	if s == "" {
		return nil
	}
	return &s
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
