package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// client talks to a nuka-kb server.
type client struct {
	base string
	http *http.Client
}

func newClient(server string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *client) ownerPath(owner, suffix string) string {
	return c.base + "/api/owners/" + url.PathEscape(owner) + suffix
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *client) do(ctx context.Context, method, u string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// runStats mirrors the build summary counters.
type runStats struct {
	TotalChunks      int `json:"total_chunks"`
	SuccessfulChunks int `json:"successful_chunks"`
	FailedChunks     int `json:"failed_chunks"`
	BuiltRecordCount int `json:"built_record_count"`
}

type counts struct {
	Constants  int `json:"constants"`
	Predicates int `json:"predicates"`
	Facts      int `json:"facts"`
}

type buildSummary struct {
	Owner     string `json:"owner"`
	BuildType string `json:"build_type"`
	runStats
	Deleted *counts `json:"deleted_artifact_counts,omitempty"`
	Chunks  []struct {
		Index     int      `json:"index"`
		RecordIDs []string `json:"record_ids"`
		Success   bool     `json:"success"`
		Error     string   `json:"error,omitempty"`
	} `json:"chunks,omitempty"`
}

type historyEntry struct {
	ID           string    `json:"id"`
	BuildType    string    `json:"build_type"`
	Status       string    `json:"status"`
	RecordCount  int       `json:"record_count"`
	TokenCount   int       `json:"token_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	NewFactIDs   []string  `json:"new_fact_ids"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type ownerStatus struct {
	Owner        string        `json:"owner"`
	State        string        `json:"state"`
	TotalRecords int           `json:"total_records"`
	Pending      int           `json:"pending_records"`
	Artifacts    counts        `json:"artifacts"`
	LastBuild    *historyEntry `json:"last_build,omitempty"`
}

type record struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *client) build(ctx context.Context, owner string, full bool) (*buildSummary, error) {
	suffix := "/builds"
	if full {
		suffix = "/builds/full"
	}
	var sum buildSummary
	if err := c.do(ctx, http.MethodPost, c.ownerPath(owner, suffix), nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

func (c *client) status(ctx context.Context, owner string) (*ownerStatus, error) {
	var st ownerStatus
	if err := c.do(ctx, http.MethodGet, c.ownerPath(owner, "/status"), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *client) history(ctx context.Context, owner string, limit int) ([]historyEntry, error) {
	var out []historyEntry
	u := c.ownerPath(owner, fmt.Sprintf("/builds/history?limit=%d", limit))
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) ingest(ctx context.Context, owner, text string) (*record, error) {
	var rec record
	if err := c.do(ctx, http.MethodPost, c.ownerPath(owner, "/records"), map[string]string{"text": text}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *client) deleteRecords(ctx context.Context, owner string, ids []string) (int, error) {
	var out struct {
		DeletedCount int `json:"deleted_count"`
	}
	if err := c.do(ctx, http.MethodDelete, c.ownerPath(owner, "/records"), map[string][]string{"ids": ids}, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

func (c *client) ledgerIDs(ctx context.Context, owner string) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodGet, c.ownerPath(owner, "/ledger"), nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// watch reads server-sent build events until ctx ends or the stream closes.
func (c *client) watch(ctx context.Context, owner string, fn func(*buildSummary)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ownerPath(owner, "/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams are long-lived; the per-request timeout does not apply.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev buildSummary
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(&ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}
