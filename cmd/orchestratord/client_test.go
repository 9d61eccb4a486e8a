package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestRunSubmitReadsTaskFileAndPosts(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"queued":true}`))
	}))
	defer srv.Close()

	f, err := os.CreateTemp("", "task-*.json")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString(`{"id":"t1"}`)
	f.Close()

	if err := runSubmit(srv.URL, f.Name()); err != nil {
		t.Fatalf("runSubmit: %v", err)
	}
	if gotPath != "/v1/tasks" {
		t.Fatalf("expected POST to /v1/tasks, got %s", gotPath)
	}
	if gotBody != `{"id":"t1"}` {
		t.Fatalf("expected task file contents forwarded as body, got %s", gotBody)
	}
}

func TestRunSubmitMissingFileErrors(t *testing.T) {
	if err := runSubmit("http://unused", "/no/such/file.json"); err == nil {
		t.Fatalf("expected error opening a missing task file")
	}
}

func TestRunStatusRequiresTaskID(t *testing.T) {
	if err := runStatus("http://unused", ""); err == nil {
		t.Fatalf("expected error for missing task id")
	}
}

func TestRunStatusGetsTaskPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"state":"RUNNING"}`))
	}))
	defer srv.Close()

	if err := runStatus(srv.URL, "t1"); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	if gotPath != "/v1/tasks/t1" {
		t.Fatalf("expected GET to /v1/tasks/t1, got %s", gotPath)
	}
}

func TestRunPleadRequiresTaskIDAndApprover(t *testing.T) {
	if err := runPlead("http://unused", "", "a1", "approve", ""); err == nil {
		t.Fatalf("expected error for missing task id")
	}
	if err := runPlead("http://unused", "t1", "", "approve", ""); err == nil {
		t.Fatalf("expected error for missing approver id")
	}
}

func TestRunPleadPostsDecisionPayload(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	if err := runPlead(srv.URL, "t1", "reviewer-1", "approve", "looks good"); err != nil {
		t.Fatalf("runPlead: %v", err)
	}
	for _, want := range []string{`"taskId":"t1"`, `"approverId":"reviewer-1"`, `"decision":"approve"`, `"reasoning":"looks good"`} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("expected body to contain %q, got %s", want, gotBody)
		}
	}
}

func TestPrintResponsePropagatesServerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad task"))
	}))
	defer srv.Close()

	err := runStatus(srv.URL, "t1")
	if err == nil || !strings.Contains(err.Error(), "bad task") {
		t.Fatalf("expected error carrying the daemon's response body, got %v", err)
	}
}
