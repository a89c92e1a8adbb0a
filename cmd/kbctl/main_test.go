package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", ts.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCommand(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewEncoder(w).Encode(map[string]interface{}{
			"owner": "0xabc", "build_type": "incremental",
			"total_chunks": 3, "successful_chunks": 2, "failed_chunks": 1, "built_record_count": 13,
			"chunks": []map[string]interface{}{
				{"index": 1, "record_ids": []string{"a", "b"}, "success": false, "error": "builder error 503"},
			},
		})
	}))
	defer ts.Close()

	out, err := runCLI(t, ts, "build", "0xabc")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if gotPath != "POST /api/owners/0xabc/builds" {
		t.Errorf("request = %s", gotPath)
	}
	for _, want := range []string{"13 record(s) built", "2/3 chunk(s) succeeded", "builder error 503", "run build again"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFullCommandJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/owners/0xabc/builds/full" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"total_chunks":1,"successful_chunks":1,"built_record_count":4,"deleted_artifact_counts":{"facts":9}}`)
	}))
	defer ts.Close()

	out, err := runCLI(t, ts, "--json", "full", "0xabc")
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	var sum buildSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if sum.BuiltRecordCount != 4 || sum.Deleted == nil || sum.Deleted.Facts != 9 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid owner: \"bad owner\""}`)
	}))
	defer ts.Close()

	_, err := runCLI(t, ts, "status", "bad owner")
	if err == nil || !strings.Contains(err.Error(), "invalid owner") {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestAndDelete(t *testing.T) {
	var bodies []map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"rec-1","owner":"0xabc","text":"alice met bob"}`)
		case http.MethodDelete:
			fmt.Fprint(w, `{"deleted_count":2}`)
		}
	}))
	defer ts.Close()

	out, err := runCLI(t, ts, "ingest", "0xabc", "alice", "met", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "rec-1") || bodies[0]["text"] != "alice met bob" {
		t.Errorf("ingest out=%q body=%v", out, bodies[0])
	}

	out, err = runCLI(t, ts, "delete", "0xabc", "rec-1", "rec-2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Deleted 2") {
		t.Errorf("delete out = %q", out)
	}
	ids, _ := bodies[1]["ids"].([]interface{})
	if len(ids) != 2 {
		t.Errorf("delete body = %v", bodies[1])
	}
}

func TestHistoryCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		fmt.Fprint(w, `[{"build_type":"full","status":"failed","record_count":10,"error_message":"timeout","created_at":"2026-05-01T10:00:00Z"}]`)
	}))
	defer ts.Close()

	out, err := runCLI(t, ts, "history", "0xabc", "--limit", "5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "failed") || !strings.Contains(out, "timeout") {
		t.Errorf("history out = %q", out)
	}
}

func TestWatchCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: build\ndata: {\"build_type\":\"incremental\",\"total_chunks\":2,\"successful_chunks\":2,\"built_record_count\":7}\n\n")
	}))
	defer ts.Close()

	out, err := runCLI(t, ts, "watch", "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "incremental build: 7 record(s) built") {
		t.Errorf("watch out = %q", out)
	}
}
