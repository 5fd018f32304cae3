// Package queue holds the durable job and label collections.
//
// Both collections live in the kv store as whole documents. Every mutation
// re-reads the collection, changes it in memory and writes it back. Mutations
// are idempotent (removing a missing job is a no-op, appending a known label
// is dropped) so a rare double run from two processes stays harmless.
package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
)

var (
	// ErrJobNotFound is returned when a job id is not in the queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobProcessing is returned for operator actions on a running job.
	ErrJobProcessing = errors.New("job is processing")
)

// Job is one request to obtain a single label.
type Job struct {
	ID string `json:"id"`
	// Source is the account reference on the target site, absolute or
	// relative to the site base URL.
	Source string `json:"source"`
	// OrderHint is the human-visible order number, used only to find the row.
	OrderHint string `json:"orderHint,omitempty"`
	Status    Status `json:"status"`
	Tries     int    `json:"tries"`
	// NextAt, CreatedAt and StartedAt are unix milliseconds.
	NextAt    int64  `json:"nextAt"`
	CreatedAt int64  `json:"createdAt"`
	StartedAt int64  `json:"startedAt,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Eligible reports whether the job may be picked up at now.
func (j Job) Eligible(now time.Time) bool {
	return (j.Status == StatusPending || j.Status == StatusRetry) && j.NextAt <= now.UnixMilli()
}

// Label is a captured reference to a generated PDF.
type Label struct {
	// OrderID is the site's authoritative order identifier and the dedup key.
	OrderID    string `json:"orderId"`
	OrderHint  string `json:"orderHint,omitempty"`
	URL        string `json:"url"`
	JobID      string `json:"jobId,omitempty"`
	CapturedAt int64  `json:"capturedAt,omitempty"`
}

// Summary counts jobs by status plus the number of queued labels.
type Summary struct {
	Pending    int `json:"pending"`
	Retry      int `json:"retry"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Labels     int `json:"labels"`
}

// Queued is the number of jobs still waiting for an attempt.
func (s Summary) Queued() int { return s.Pending + s.Retry }

// SelectNextEligible returns the first job in queue order that is eligible at
// now.
func SelectNextEligible(jobs []Job, now time.Time) (Job, bool) {
	for _, j := range jobs {
		if j.Eligible(now) {
			return j, true
		}
	}
	return Job{}, false
}

// Policy is the retry and recovery policy applied to failed jobs.
type Policy struct {
	MaxTries    int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StuckAfter is how long a job may stay processing before it is treated
	// as interrupted. Zero disables recovery.
	StuckAfter time.Duration
}

// DefaultPolicy is three tries with 2s/4s/8s backoff capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxTries:    3,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
		StuckAfter:  2 * time.Minute,
	}
}

// Backoff is the delay before the next attempt once a job has failed tries
// times: min(cap, base * 2^tries).
func (p Policy) Backoff(tries int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < tries; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
