package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunRun_StreamsTargets(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Run"); got != "smoke" {
			http.Error(w, "missing header", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1},{"id":2},{"id":3}]`)
	}))
	defer ts.Close()

	configPath := writeConfig(t, fmt.Sprintf(`
max_connections: 4
max_connections_per_endpoint: 2
workers: 2
targets:
  - name: posts
    url: %s/manyposts
    requests: 10
    timeout: 5s
    headers:
      X-Run: smoke
`, ts.URL))

	output, err := executeCmd(t, "run", "-c", configPath)
	if err != nil {
		t.Fatalf("run command error = %v\nOutput: %s", err, output)
	}

	expectedPhrases := []string{
		"Run finished in",
		"ok=10 failed=0 elements=30",
		"Connections: created=",
	}
	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, output)
		}
	}
}

func TestRunRun_FailedRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	configPath := writeConfig(t, fmt.Sprintf(`
targets:
  - name: broken
    url: %s
    requests: 3
`, ts.URL))

	output, err := executeCmd(t, "run", "-c", configPath)
	if err == nil {
		t.Fatal("run command expected error for failing target, got nil")
	}
	if !strings.Contains(err.Error(), "3 of 3 requests failed") {
		t.Errorf("error = %v, want it to report 3 of 3 requests failed", err)
	}

	for _, phrase := range []string{"FAILED", "ok=0 failed=3", "unexpected status 500"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, output)
		}
	}
}

func TestRunRun_InvalidConfig(t *testing.T) {
	configPath := writeConfig(t, "targets: []\n")

	_, err := executeCmd(t, "run", "-c", configPath)
	if err == nil {
		t.Fatal("run command expected error for config without targets, got nil")
	}
	if !strings.Contains(err.Error(), "at least one target") {
		t.Errorf("error should mention 'at least one target', got: %v", err)
	}
}
