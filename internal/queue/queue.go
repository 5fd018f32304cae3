package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labelrunner/internal/kv"
	"labelrunner/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store keys.
const (
	JobsKey   = "jobs"
	LabelsKey = "labels"
)

// Queue owns the persisted job and label collections.
type Queue struct {
	store  *kv.Store
	log    *zap.Logger
	policy Policy
	now    func() time.Time

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// New creates a Queue. A nil log uses the queue category logger.
func New(store *kv.Store, policy Policy, log *zap.Logger) *Queue {
	if log == nil {
		log = logging.Get(logging.CategoryQueue)
	}
	return &Queue{store: store, log: log, policy: policy, now: time.Now}
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// Policy returns the retry policy in use.
func (q *Queue) Policy() Policy { return q.policy }

// Jobs returns the job queue in order.
func (q *Queue) Jobs(ctx context.Context) []Job {
	jobs := []Job{}
	q.store.Get(ctx, JobsKey, &jobs)
	return jobs
}

// Job returns the job with id.
func (q *Queue) Job(ctx context.Context, id string) (Job, bool) {
	for _, j := range q.Jobs(ctx) {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

func (q *Queue) update(ctx context.Context, fn func(jobs []Job) ([]Job, bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, changed := fn(q.Jobs(ctx))
	if changed {
		q.store.Set(ctx, JobsKey, jobs)
	}
}

// Enqueue appends job as pending with no tries. An empty id is filled with a
// fresh uuid. Enqueueing an id already in the queue returns the existing job
// and false.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, bool) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusPending
	job.Tries = 0
	job.NextAt = 0
	job.StartedAt = 0
	job.LastError = ""
	if job.CreatedAt == 0 {
		job.CreatedAt = q.now().UnixMilli()
	}

	added := true
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for _, j := range jobs {
			if j.ID == job.ID {
				job, added = j, false
				return jobs, false
			}
		}
		return append(jobs, job), true
	})
	if added {
		q.log.Info("job enqueued", zap.String("job_id", job.ID), zap.String("source", job.Source))
	}
	return job, added
}

// Next returns the first eligible job at the current time.
func (q *Queue) Next(ctx context.Context) (Job, bool) {
	return SelectNextEligible(q.Jobs(ctx), q.now())
}

// MarkProcessing sets the job processing and stamps its start time.
func (q *Queue) MarkProcessing(ctx context.Context, id string) (Job, error) {
	var out Job
	err := ErrJobNotFound
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID == id {
				jobs[i].Status = StatusProcessing
				jobs[i].StartedAt = q.now().UnixMilli()
				out, err = jobs[i], nil
				return jobs, true
			}
		}
		return jobs, false
	})
	return out, err
}

// Remove deletes the job. Removing a missing job is a no-op that reports false.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	removed := false
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.ID == id {
				removed = true
				continue
			}
			kept = append(kept, j)
		}
		return kept, removed
	})
	return removed
}

// MarkRetryOrFailed records a failed attempt. The try count goes up; at
// MaxTries the job becomes failed, otherwise it is retried after backoff.
func (q *Queue) MarkRetryOrFailed(ctx context.Context, id string, cause error) (Job, error) {
	var out Job
	err := ErrJobNotFound
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID == id {
				q.fail(&jobs[i], cause)
				out, err = jobs[i], nil
				return jobs, true
			}
		}
		return jobs, false
	})
	if err == nil {
		q.log.Warn("job attempt failed",
			zap.String("job_id", out.ID),
			zap.String("status", string(out.Status)),
			zap.Int("tries", out.Tries),
			zap.Int64("next_at", out.NextAt),
			zap.Error(cause))
	}
	return out, err
}

func (q *Queue) fail(j *Job, cause error) {
	j.Tries++
	j.StartedAt = 0
	if cause != nil {
		j.LastError = cause.Error()
	}
	if j.Tries >= q.policy.MaxTries {
		j.Status = StatusFailed
		return
	}
	j.Status = StatusRetry
	j.NextAt = q.now().Add(q.policy.Backoff(j.Tries)).UnixMilli()
}

// Release returns a processing job to the eligible state it had before it was
// picked up, without consuming a try.
func (q *Queue) Release(ctx context.Context, id string) bool {
	released := false
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID == id && jobs[i].Status == StatusProcessing {
				jobs[i].Status = StatusPending
				if jobs[i].Tries > 0 {
					jobs[i].Status = StatusRetry
				}
				jobs[i].StartedAt = 0
				released = true
				return jobs, true
			}
		}
		return jobs, false
	})
	return released
}

// RecoverStuck treats every job processing for longer than StuckAfter as an
// interrupted attempt and routes it through the retry policy. Jobs with no
// start time are considered stuck.
func (q *Queue) RecoverStuck(ctx context.Context) []Job {
	if q.policy.StuckAfter <= 0 {
		return nil
	}
	var recovered []Job
	cutoff := q.now().Add(-q.policy.StuckAfter).UnixMilli()
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			j := &jobs[i]
			if j.Status != StatusProcessing || j.StartedAt > cutoff {
				continue
			}
			q.fail(j, fmt.Errorf("interrupted while processing"))
			recovered = append(recovered, *j)
		}
		return jobs, len(recovered) > 0
	})
	for _, j := range recovered {
		q.log.Warn("recovered stuck job",
			zap.String("job_id", j.ID),
			zap.String("status", string(j.Status)),
			zap.Int("tries", j.Tries))
	}
	return recovered
}

// Requeue resets a job to pending with no tries.
func (q *Queue) Requeue(ctx context.Context, id string) (Job, error) {
	var out Job
	err := ErrJobNotFound
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			if jobs[i].Status == StatusProcessing {
				err = ErrJobProcessing
				return jobs, false
			}
			jobs[i].Status = StatusPending
			jobs[i].Tries = 0
			jobs[i].NextAt = 0
			jobs[i].LastError = ""
			out, err = jobs[i], nil
			return jobs, true
		}
		return jobs, false
	})
	return out, err
}

// Discard removes a job on operator request. A job that is processing is
// left to the running drain.
func (q *Queue) Discard(ctx context.Context, id string) error {
	err := ErrJobNotFound
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			if jobs[i].Status == StatusProcessing {
				err = ErrJobProcessing
				return jobs, false
			}
			err = nil
			return append(jobs[:i], jobs[i+1:]...), true
		}
		return jobs, false
	})
	return err
}

// ClearFailed removes every failed job and returns how many were removed.
func (q *Queue) ClearFailed(ctx context.Context) int {
	n := 0
	q.update(ctx, func(jobs []Job) ([]Job, bool) {
		kept := jobs[:0]
		for _, j := range jobs {
			if j.Status == StatusFailed {
				n++
				continue
			}
			kept = append(kept, j)
		}
		return kept, n > 0
	})
	return n
}

// Labels returns the label queue in capture order.
func (q *Queue) Labels(ctx context.Context) []Label {
	labels := []Label{}
	q.store.Get(ctx, LabelsKey, &labels)
	return labels
}

// AppendLabel adds l unless a label with the same OrderID is already queued.
func (q *Queue) AppendLabel(ctx context.Context, l Label) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	labels := q.Labels(ctx)
	for _, existing := range labels {
		if existing.OrderID == l.OrderID {
			q.log.Debug("duplicate label dropped", zap.String("order_id", l.OrderID))
			return false
		}
	}
	if l.CapturedAt == 0 {
		l.CapturedAt = q.now().UnixMilli()
	}
	q.store.Set(ctx, LabelsKey, append(labels, l))
	q.log.Info("label captured", zap.String("order_id", l.OrderID), zap.String("url", l.URL))
	return true
}

// RemoveLabels drops the labels whose OrderID is in orderIDs, leaving labels
// captured since the caller's snapshot in place.
func (q *Queue) RemoveLabels(ctx context.Context, orderIDs []string) int {
	drop := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	labels := q.Labels(ctx)
	kept := labels[:0]
	for _, l := range labels {
		if _, ok := drop[l.OrderID]; !ok {
			kept = append(kept, l)
		}
	}
	n := len(labels) - len(kept)
	if n > 0 {
		q.store.Set(ctx, LabelsKey, kept)
	}
	return n
}

// ClearLabels empties the label queue.
func (q *Queue) ClearLabels(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.store.Set(ctx, LabelsKey, []Label{})
}

// Summary counts the current queue contents.
func (q *Queue) Summary(ctx context.Context) Summary {
	var s Summary
	for _, j := range q.Jobs(ctx) {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusRetry:
			s.Retry++
		case StatusProcessing:
			s.Processing++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Labels = len(q.Labels(ctx))
	return s
}
