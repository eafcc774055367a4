package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebFetchGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client(), 5*time.Second)
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	if res.Output != "payload" {
		t.Fatalf("Output = %q, want payload", res.Output)
	}
	if res.Meta["status"] != http.StatusOK {
		t.Fatalf("Meta[status] = %v, want 200", res.Meta["status"])
	}
	if res.Meta["content_type"] != "text/plain" {
		t.Fatalf("Meta[content_type] = %v, want text/plain", res.Meta["content_type"])
	}
}

func TestWebFetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client(), 5*time.Second)
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL, "method": "post"})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
}

func TestWebFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client(), 5*time.Second)
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if res.Success {
		t.Fatal("Execute() succeeded, want failure on 404")
	}
	if res.Error != "HTTP 404" {
		t.Fatalf("Error = %q, want HTTP 404", res.Error)
	}
	if !strings.Contains(res.Output, "gone") {
		t.Fatalf("Output = %q, want error body preserved", res.Output)
	}
}

func TestWebFetchRejectsBadInput(t *testing.T) {
	tool := NewWebFetchTool(nil, time.Second)

	res := tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com"})
	if res.Success {
		t.Fatal("Execute() succeeded, want scheme rejection")
	}
	res = tool.Execute(context.Background(), map[string]any{"url": "http://example.com", "method": "DELETE"})
	if res.Success {
		t.Fatal("Execute() succeeded, want method rejection")
	}
}

func TestWebFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client(), 50*time.Millisecond)
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if res.Success {
		t.Fatal("Execute() succeeded, want timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("Error = %q, want timeout message", res.Error)
	}
}

func TestWebFetchTruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("z", maxFetchBytes+100)))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(srv.Client(), 5*time.Second)
	res := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	if !strings.Contains(res.Output, "truncated") {
		t.Fatal("large body not truncated")
	}
}
