package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllama_Complete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"{\"keywords\":[]}"}}`)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.1")
	out, err := c.Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"keywords":[]}` {
		t.Errorf("content = %q", out)
	}
	if got.Format != "json" || got.Stream {
		t.Errorf("request = %+v, want json format without streaming", got)
	}
}

func TestOllama_IsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	}))
	c := NewOllama(srv.URL, "")
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	srv.Close()
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true after close, want false")
	}
}

func TestOllama_EnsureReady_ModelPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pull" {
			t.Error("unexpected pull for present model")
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:latest"}]}`)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := NewOllama(srv.URL, "llama3.1").EnsureReady(context.Background(), &buf); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(buf.String(), "model llama3.1: ready") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestOllama_EnsureReady_Pulls(t *testing.T) {
	pulled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
		case "/api/pull":
			pulled = true
			fmt.Fprintln(w, `{"status":"downloading","total":100,"completed":50}`)
			fmt.Fprintln(w, `{"status":"success"}`)
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := NewOllama(srv.URL, "llama3.1").EnsureReady(context.Background(), &buf); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !pulled {
		t.Error("expected model pull")
	}
	if !strings.Contains(buf.String(), "downloading 50%") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestOllama_EnsureReady_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var buf bytes.Buffer
	if err := NewOllama(srv.URL, "llama3.1").EnsureReady(context.Background(), &buf); err == nil {
		t.Fatal("expected error when Ollama is down")
	}
}
