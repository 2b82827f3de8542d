package storage

import (
	"context"
	"os"
	"testing"
)

// Integration tests against a real server; set JOBINTEL_TEST_DATABASE_URL to run them.
func TestPostgresRepository(t *testing.T) {
	url := os.Getenv("JOBINTEL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("JOBINTEL_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	testRepository(t, func(t *testing.T) Repository {
		if err := s.TruncateAll(ctx); err != nil {
			t.Fatalf("TruncateAll: %v", err)
		}
		return s
	})
}

func TestOpenPostgresRequiresURL(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), ""); err == nil {
		t.Error("expected error for empty database URL")
	}
}
