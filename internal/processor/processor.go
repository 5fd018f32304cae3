// Package processor drains the job queue one job at a time under the lock,
// driving a worker tab from open to captured label.
package processor

import (
	"context"
	"errors"
	"time"

	"labelrunner/internal/capture"
	"labelrunner/internal/lock"
	"labelrunner/internal/logging"
	"labelrunner/internal/queue"

	"go.uber.org/zap"
)

var errNotPersisted = errors.New("queue state change was not persisted")

// Config tunes a Processor.
type Config struct {
	// BaseURL resolves relative job sources.
	BaseURL string
	// LoadTimeout bounds the wait for a worker tab to finish loading.
	LoadTimeout time.Duration
	// Deadlines is the escalating capture attempt sequence.
	Deadlines []time.Duration
	// UnsolicitedTimeout bounds attempts armed by pages on their own.
	UnsolicitedTimeout time.Duration
}

// Processor is the job processor.
type Processor struct {
	queue    *queue.Queue
	lock     *lock.Manager
	coord    *capture.Coordinator
	driver   Driver
	notifier Notifier
	cfg      Config
	log      *zap.Logger

	kick chan struct{}
}

// New creates a Processor and routes unsolicited captures from coord into the
// label queue.
func New(q *queue.Queue, l *lock.Manager, coord *capture.Coordinator, driver Driver, cfg Config, log *zap.Logger) *Processor {
	if log == nil {
		log = logging.Get(logging.CategoryProcessor)
	}
	if cfg.UnsolicitedTimeout <= 0 {
		cfg.UnsolicitedTimeout = 15 * time.Second
	}
	p := &Processor{
		queue:    q,
		lock:     l,
		coord:    coord,
		driver:   driver,
		notifier: LogNotifier{Log: log},
		cfg:      cfg,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
	coord.OnCapture(p.unsolicited)
	return p
}

// SetNotifier replaces the completion notifier.
func (p *Processor) SetNotifier(n Notifier) { p.notifier = n }

// Enqueue adds a job and kicks the processor.
func (p *Processor) Enqueue(ctx context.Context, job queue.Job) (queue.Job, bool) {
	job, added := p.queue.Enqueue(ctx, job)
	p.Kick()
	return job, added
}

// Kick asks Serve to run a drain. It never blocks; kicks arriving while one
// is pending collapse into it.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Serve runs a drain for every kick until ctx is done.
func (p *Processor) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			p.Run(ctx)
		}
	}
}

// Run drains the queue under the lock and reports whether it got the lock.
func (p *Processor) Run(ctx context.Context) bool {
	return p.lock.WithLock(ctx, p.drain)
}

// RecoverStuck runs stuck-job recovery under the lock.
func (p *Processor) RecoverStuck(ctx context.Context) bool {
	return p.lock.WithLock(ctx, func(ctx context.Context) error {
		if len(p.queue.RecoverStuck(ctx)) > 0 {
			p.Kick()
		}
		return nil
	})
}

func (p *Processor) drain(ctx context.Context) error {
	p.queue.RecoverStuck(ctx)

	timer := logging.StartTimer(logging.CategoryProcessor, "drain")
	defer timer.StopWithThreshold(time.Minute)

	processed := 0
	for ctx.Err() == nil {
		job, ok := p.queue.Next(ctx)
		if !ok {
			break
		}
		if err := p.process(ctx, job); err != nil {
			return err
		}
		processed++
	}
	if processed > 0 {
		p.log.Info("drain finished", zap.Int("jobs", processed))
	}
	return nil
}

// process runs one job and applies the outcome to the queue. Job failures
// become queue transitions; only a queue that cannot be written stops the
// drain.
func (p *Processor) process(ctx context.Context, job queue.Job) error {
	if _, err := p.queue.MarkProcessing(ctx, job.ID); err != nil {
		return nil
	}
	if stored, ok := p.queue.Job(ctx, job.ID); !ok || stored.Status != queue.StatusProcessing {
		return errNotPersisted
	}

	p.log.Info("processing job",
		zap.String("job_id", job.ID),
		zap.String("source", job.Source),
		zap.Int("tries", job.Tries))

	label, err := p.execute(ctx, job)

	if ctx.Err() != nil {
		p.queue.Release(context.WithoutCancel(ctx), job.ID)
		p.log.Info("job released on shutdown", zap.String("job_id", job.ID))
		return nil
	}
	if err != nil {
		if _, qerr := p.queue.MarkRetryOrFailed(ctx, job.ID, err); qerr != nil {
			p.log.Warn("failed job vanished from queue", zap.String("job_id", job.ID), zap.Error(err))
		}
		return nil
	}

	p.queue.Remove(ctx, job.ID)
	p.notifier.JobCompleted(ctx, job, label)
	return nil
}

// Expect arms an unsolicited capture for tab.
func (p *Processor) Expect(ctx context.Context, tab, orderID string) bool {
	return p.coord.Expect(ctx, tab, orderID, p.cfg.UnsolicitedTimeout)
}

func (p *Processor) unsolicited(r capture.Result) {
	ctx := context.Background()
	l := queue.Label{OrderID: r.OrderID, URL: r.URL}
	if p.queue.AppendLabel(ctx, l) {
		p.notifier.JobCompleted(ctx, queue.Job{}, l)
	}
}

// Summary returns the queue summary.
func (p *Processor) Summary(ctx context.Context) queue.Summary {
	return p.queue.Summary(ctx)
}

// Queue exposes the underlying queue for operator actions.
func (p *Processor) Queue() *queue.Queue { return p.queue }
