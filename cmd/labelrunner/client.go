package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"labelrunner/internal/messaging"
	"labelrunner/internal/queue"
)

// apiClient talks to a running labelrunner server.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: http.DefaultClient}
}

// do sends body as JSON and decodes the reply into out. Non-2xx replies are
// returned as errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("labelrunner server not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e messaging.Response
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// result decodes the Result field of a messaging.Response into out.
func (c *apiClient) result(ctx context.Context, method, path string, body, out any) error {
	var resp struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return err
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *apiClient) Summary(ctx context.Context) (queue.Summary, error) {
	var s queue.Summary
	err := c.result(ctx, http.MethodGet, "/api/queue", nil, &s)
	return s, err
}

func (c *apiClient) Jobs(ctx context.Context) ([]queue.Job, error) {
	var jobs []queue.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &jobs)
	return jobs, err
}

func (c *apiClient) Labels(ctx context.Context) ([]queue.Label, error) {
	var labels []queue.Label
	err := c.do(ctx, http.MethodGet, "/api/labels", nil, &labels)
	return labels, err
}

func (c *apiClient) Enqueue(ctx context.Context, req messaging.EnqueueJob) (queue.Job, error) {
	var job queue.Job
	err := c.result(ctx, http.MethodPost, "/api/jobs", req, &job)
	return job, err
}

func (c *apiClient) Print(ctx context.Context, out any) error {
	return c.result(ctx, http.MethodPost, "/api/print", nil, out)
}

func (c *apiClient) Process(ctx context.Context) error {
	return c.result(ctx, http.MethodPost, "/api/process", nil, nil)
}

func (c *apiClient) Requeue(ctx context.Context, id string) (queue.Job, error) {
	var job queue.Job
	err := c.result(ctx, http.MethodPost, "/api/jobs/"+id+"/requeue", nil, &job)
	return job, err
}

func (c *apiClient) Remove(ctx context.Context, id string) error {
	return c.result(ctx, http.MethodDelete, "/api/jobs/"+id, nil, nil)
}

func (c *apiClient) ClearFailed(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.result(ctx, http.MethodDelete, "/api/jobs/failed", nil, &out)
	return out.Removed, err
}

func (c *apiClient) Attach(ctx context.Context, target string) (string, error) {
	var out struct {
		Tab string `json:"tab"`
	}
	err := c.result(ctx, http.MethodPost, "/api/tabs/"+target+"/attach", nil, &out)
	return out.Tab, err
}
