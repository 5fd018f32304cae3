// Package printing turns the queued labels into one merged PDF and hands it
// to a renderer for printing.
package printing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelrunner/internal/logging"
	"labelrunner/internal/queue"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNothingToPrint is returned when the label queue is empty.
	ErrNothingToPrint = errors.New("no labels queued")
	// ErrNoDocuments is returned when no queued label could be fetched.
	ErrNoDocuments = errors.New("no label documents could be fetched")
)

// Fetcher downloads one label document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Merger joins documents into one, preserving order and pages.
type Merger interface {
	Merge(docs [][]byte) ([]byte, error)
}

// Renderer shows a document for printing. The returned func disposes of
// whatever was opened.
type Renderer interface {
	Render(ctx context.Context, pdf []byte) (func(ctx context.Context) error, error)
}

// Config tunes an Assembler.
type Config struct {
	// GraceDelay is how long the rendered document stays open before the
	// queue is cleared and the render is disposed.
	GraceDelay time.Duration
	// Concurrency bounds parallel fetches.
	Concurrency int
}

// FetchFailure records one label that could not be fetched.
type FetchFailure struct {
	Label queue.Label
	Err   error
}

// Outcome describes a print run.
type Outcome struct {
	Printed []queue.Label
	Failed  []FetchFailure
	Pages   int
	Bytes   int
}

// Assembler is the batch print assembler.
type Assembler struct {
	queue    *queue.Queue
	fetcher  Fetcher
	merger   Merger
	renderer Renderer
	cfg      Config
	log      *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewAssembler creates an Assembler.
func NewAssembler(q *queue.Queue, f Fetcher, m Merger, r Renderer, cfg Config, log *zap.Logger) *Assembler {
	if log == nil {
		log = logging.Get(logging.CategoryPrint)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Assembler{
		queue:    q,
		fetcher:  f,
		merger:   m,
		renderer: r,
		cfg:      cfg,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type fetched struct {
	data  []byte
	pages int
	err   error
}

// PrintAllMerged fetches every queued label, merges what could be fetched in
// queue order and renders it. Individual fetch failures are logged and
// skipped. The labels of this batch are cleared only once rendering started;
// when nothing could be fetched the queue is left as it was.
func (a *Assembler) PrintAllMerged(ctx context.Context) (Outcome, error) {
	timer := logging.StartTimer(logging.CategoryPrint, "print-merged")
	defer timer.Stop()

	labels := a.queue.Labels(ctx)
	if len(labels) == 0 {
		return Outcome{}, ErrNothingToPrint
	}

	results := make([]fetched, len(labels))
	g := new(errgroup.Group)
	g.SetLimit(a.cfg.Concurrency)
	for i, l := range labels {
		i, l := i, l
		g.Go(func() error {
			results[i] = a.fetch(ctx, l)
			return nil
		})
	}
	_ = g.Wait()

	var (
		out  Outcome
		docs [][]byte
	)
	for i, r := range results {
		if r.err != nil {
			a.log.Warn("label fetch failed",
				zap.String("order_id", labels[i].OrderID),
				zap.String("url", labels[i].URL),
				zap.Error(r.err))
			out.Failed = append(out.Failed, FetchFailure{Label: labels[i], Err: r.err})
			continue
		}
		docs = append(docs, r.data)
		out.Printed = append(out.Printed, labels[i])
		out.Pages += r.pages
	}
	if len(docs) == 0 {
		a.log.Error("nothing to print", zap.Int("labels", len(labels)))
		return out, ErrNoDocuments
	}

	merged, err := a.merger.Merge(docs)
	if err != nil {
		return out, fmt.Errorf("merge: %w", err)
	}
	out.Bytes = len(merged)

	dispose, err := a.renderer.Render(ctx, merged)
	if err != nil {
		return out, fmt.Errorf("render: %w", err)
	}
	a.log.Info("merged labels rendered",
		zap.Int("documents", len(docs)),
		zap.Int("pages", out.Pages),
		zap.Int("failed", len(out.Failed)))

	a.sleep(ctx, a.cfg.GraceDelay)

	cleanup := context.WithoutCancel(ctx)
	ids := make([]string, len(labels))
	for i, l := range labels {
		ids[i] = l.OrderID
	}
	a.queue.RemoveLabels(cleanup, ids)

	if dispose != nil {
		if err := dispose(cleanup); err != nil {
			a.log.Warn("failed to dispose print view", zap.Error(err))
		}
	}
	return out, nil
}

func (a *Assembler) fetch(ctx context.Context, l queue.Label) fetched {
	data, err := a.fetcher.Fetch(ctx, l.URL)
	if err != nil {
		return fetched{err: err}
	}
	pages, err := PageCount(data)
	if err != nil {
		return fetched{err: err}
	}
	return fetched{data: data, pages: pages}
}
