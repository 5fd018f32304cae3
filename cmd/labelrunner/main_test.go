package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"labelrunner/internal/api"
	"labelrunner/internal/kv"
	"labelrunner/internal/messaging"
	"labelrunner/internal/queue"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startServer serves the real API over an in-memory queue and points the
// client commands at it.
func startServer(t *testing.T) *queue.Queue {
	t.Helper()
	gin.SetMode(gin.TestMode)

	q := queue.New(kv.New(kv.NewMemoryBackend(), zap.NewNop()), queue.DefaultPolicy(), zap.NewNop())
	r := messaging.NewRouter(zap.NewNop())
	r.Handle(messaging.TypeEnqueueJob, func(ctx context.Context, msg messaging.Message) (any, error) {
		p, err := messaging.Decode[messaging.EnqueueJob](msg)
		if err != nil {
			return nil, err
		}
		job, _ := q.Enqueue(ctx, queue.Job{ID: p.ID, Source: p.Source, OrderHint: p.OrderHint})
		return job, nil
	})
	r.Handle(messaging.TypeQueueSummary, func(ctx context.Context, _ messaging.Message) (any, error) {
		return q.Summary(ctx), nil
	})
	r.Handle(messaging.TypeProcessNow, func(context.Context, messaging.Message) (any, error) {
		return nil, nil
	})

	srv := httptest.NewServer(api.NewEngine(api.NewHandler(r, q, nil), zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		r.Wait()
	})

	logger = zap.NewNop()
	addr = srv.URL
	t.Cleanup(func() { addr = "" })
	return q
}

func run(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := c.RunE(cmd, args)
	return out.String(), err
}

func TestEnqueueAndStatus(t *testing.T) {
	q := startServer(t)
	enqueueID, enqueueHint = "j1", "DEMO-1"
	t.Cleanup(func() { enqueueID, enqueueHint = "", "" })

	out, err := run(t, enqueueCmd, "/accounts/1")
	require.NoError(t, err)
	assert.Equal(t, "queued j1 (pending)\n", out)

	job, ok := q.Job(context.Background(), "j1")
	require.True(t, ok)
	assert.Equal(t, "DEMO-1", job.OrderHint)

	out, err = run(t, statusCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued:     1 (pending 1, retry 0)")
}

func TestOperatorCommands(t *testing.T) {
	q := startServer(t)
	ctx := context.Background()
	q.Enqueue(ctx, queue.Job{ID: "a", Source: "/a"})
	for i := 0; i < 3; i++ {
		q.MarkRetryOrFailed(ctx, "a", errors.New("no label"))
	}

	out, err := run(t, jobsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "no label")

	out, err = run(t, requeueCmd, "a")
	require.NoError(t, err)
	assert.Equal(t, "requeued a\n", out)

	_, err = run(t, requeueCmd, "missing")
	assert.ErrorContains(t, err, "job not found")

	out, err = run(t, clearFailedCmd)
	require.NoError(t, err)
	assert.Equal(t, "removed 0 failed jobs\n", out)

	_, err = run(t, removeCmd, "a")
	require.NoError(t, err)
	assert.Empty(t, q.Jobs(ctx))
}

func TestAttach_NoBrowser(t *testing.T) {
	startServer(t)
	_, err := run(t, attachCmd, "T1")
	assert.ErrorContains(t, err, "browser not available")
}

func TestServerUnreachable(t *testing.T) {
	logger = zap.NewNop()
	addr = "http://127.0.0.1:1"
	t.Cleanup(func() { addr = "" })
	_, err := run(t, processCmd)
	assert.ErrorContains(t, err, "not reachable")
}

func TestNextIn(t *testing.T) {
	now := time.UnixMilli(10_000)
	assert.Equal(t, "-", nextIn(queue.Job{Status: queue.StatusPending}, now))
	assert.Equal(t, "now", nextIn(queue.Job{Status: queue.StatusRetry, NextAt: 9_000}, now))
	assert.Equal(t, "4s", nextIn(queue.Job{Status: queue.StatusRetry, NextAt: 14_000}, now))
}

type stubAPI struct {
	summary  queue.Summary
	jobs     []queue.Job
	requeued []string
}

func (s *stubAPI) Summary(context.Context) (queue.Summary, error) { return s.summary, nil }
func (s *stubAPI) Jobs(context.Context) ([]queue.Job, error)      { return s.jobs, nil }
func (s *stubAPI) Print(context.Context, any) error               { return errors.New("no labels queued") }
func (s *stubAPI) Process(context.Context) error                  { return nil }
func (s *stubAPI) Remove(context.Context, string) error           { return nil }
func (s *stubAPI) ClearFailed(context.Context) (int, error)       { return 0, nil }

func (s *stubAPI) Requeue(_ context.Context, id string) (queue.Job, error) {
	s.requeued = append(s.requeued, id)
	return queue.Job{ID: id}, nil
}

func TestWatchModel(t *testing.T) {
	stub := &stubAPI{
		summary: queue.Summary{Pending: 1, Failed: 1, Labels: 2},
		jobs: []queue.Job{
			{ID: "x", Status: queue.StatusFailed, Tries: 3, Source: "/x", LastError: "boom"},
		},
	}
	var m tea.Model = newWatchModel(stub, time.Second)

	msg := m.(watchModel).refresh()()
	m, _ = m.Update(msg)
	view := m.View()
	assert.Contains(t, view, "queued 1")
	assert.Contains(t, view, "failed 1")
	assert.Contains(t, view, "boom")

	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	assert.Equal(t, []string{"x"}, stub.requeued)
	assert.Contains(t, m.View(), "requeued x")

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m, _ = m.Update(cmd())
	assert.Contains(t, m.View(), "no labels queued")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
