// Package app wires the components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"labelrunner/internal/api"
	"labelrunner/internal/browser"
	"labelrunner/internal/capture"
	"labelrunner/internal/config"
	"labelrunner/internal/kv"
	"labelrunner/internal/lock"
	"labelrunner/internal/logging"
	"labelrunner/internal/messaging"
	"labelrunner/internal/printing"
	"labelrunner/internal/processor"
	"labelrunner/internal/queue"
	"labelrunner/internal/scheduler"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App holds every wired component.
type App struct {
	Config      *config.Config
	Store       *kv.Store
	Queue       *queue.Queue
	Lock        *lock.Manager
	Coordinator *capture.Coordinator
	Router      *messaging.Router
	Browser     *browser.Manager
	Processor   *processor.Processor
	Printer     *printing.Assembler
	Scheduler   *scheduler.Scheduler

	log         *zap.Logger
	unsubscribe func()
}

// Option overrides a component, mainly for tests.
type Option func(*options)

type options struct {
	store    *kv.Store
	driver   processor.Driver
	fetcher  printing.Fetcher
	merger   printing.Merger
	renderer printing.Renderer
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store *kv.Store) Option {
	return func(o *options) { o.store = store }
}

// WithDriver replaces the browser as the processor's driver.
func WithDriver(d processor.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithPrinting replaces the print pipeline parts. Nil arguments keep the
// defaults.
func WithPrinting(f printing.Fetcher, m printing.Merger, r printing.Renderer) Option {
	return func(o *options) {
		o.fetcher, o.merger, o.renderer = f, m, r
	}
}

// New builds the application.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, log: logging.Get(logging.CategoryBoot)}

	a.Store = o.store
	if a.Store == nil {
		store, err := kv.Open(cfg.Store, nil)
		if err != nil {
			return nil, err
		}
		a.Store = store
	}

	a.Queue = queue.New(a.Store, queue.Policy{
		MaxTries:    cfg.Queue.MaxTries,
		BackoffBase: cfg.GetBackoffBase(),
		BackoffCap:  cfg.GetBackoffCap(),
		StuckAfter:  cfg.GetStuckAfter(),
	}, nil)
	a.Lock = lock.New(a.Store, nil,
		lock.WithStaleness(cfg.GetLockStaleness()),
		lock.WithHeartbeat(cfg.GetLockHeartbeat()))
	a.Coordinator = capture.NewCoordinator(nil)
	a.Router = messaging.NewRouter(nil)
	a.Browser = browser.NewManager(browser.ConfigFrom(cfg), a.Coordinator, a.Router, nil)

	driver := o.driver
	if driver == nil {
		driver = a.Browser
	}
	deadlines := cfg.GetCaptureDeadlines()
	if len(deadlines) == 0 {
		deadlines = capture.DefaultDeadlines
	}
	longest := deadlines[len(deadlines)-1]
	a.Processor = processor.New(a.Queue, a.Lock, a.Coordinator, driver, processor.Config{
		BaseURL:            cfg.Site.BaseURL,
		LoadTimeout:        cfg.GetLoadTimeout(),
		Deadlines:          deadlines,
		UnsolicitedTimeout: longest,
	}, nil)

	fetcher, merger, renderer := o.fetcher, o.merger, o.renderer
	if fetcher == nil {
		fetcher = a.Browser.Fetcher(cfg.GetFetchTimeout())
	}
	if merger == nil {
		merger = printing.NewPDFMerger()
	}
	if renderer == nil {
		renderer = a.Browser.Renderer("")
	}
	a.Printer = printing.NewAssembler(a.Queue, fetcher, merger, renderer, printing.Config{
		GraceDelay:  cfg.GetGraceDelay(),
		Concurrency: cfg.Print.FetchConcurrency,
	}, nil)

	a.Scheduler = scheduler.New(a.Processor, cfg.Scheduler.Interval, cfg.Scheduler.StuckSweep, nil)

	a.registerHandlers()
	a.unsubscribe = a.Store.Subscribe(func(c kv.Change) {
		if c.External && c.Key == queue.JobsKey {
			a.Processor.Kick()
		}
	})
	return a, nil
}

// PrintResult is the reply to a print-merged message.
type PrintResult struct {
	Printed int `json:"printed"`
	Failed  int `json:"failed"`
	Pages   int `json:"pages"`
}

func (a *App) registerHandlers() {
	a.Router.Handle(messaging.TypeEnqueueJob, func(ctx context.Context, msg messaging.Message) (any, error) {
		p, err := messaging.Decode[messaging.EnqueueJob](msg)
		if err != nil {
			return nil, err
		}
		job, _ := a.Processor.Enqueue(ctx, queue.Job{ID: p.ID, Source: p.Source, OrderHint: p.OrderHint})
		return job, nil
	})

	a.Router.Handle(messaging.TypePrintMerged, func(ctx context.Context, _ messaging.Message) (any, error) {
		out, err := a.Printer.PrintAllMerged(ctx)
		if err != nil {
			return nil, err
		}
		return PrintResult{Printed: len(out.Printed), Failed: len(out.Failed), Pages: out.Pages}, nil
	})

	a.Router.Handle(messaging.TypeProcessNow, func(context.Context, messaging.Message) (any, error) {
		a.Processor.Kick()
		return nil, nil
	})

	a.Router.Handle(messaging.TypeQueueSummary, func(ctx context.Context, _ messaging.Message) (any, error) {
		return a.Processor.Summary(ctx), nil
	})

	a.Router.Handle(messaging.TypeExpectCapture, func(ctx context.Context, msg messaging.Message) (any, error) {
		p, err := messaging.Decode[messaging.ExpectCapture](msg)
		if err != nil {
			return nil, err
		}
		if msg.Tab == "" {
			return nil, errors.New("expect-capture needs a sending tab")
		}
		return a.Processor.Expect(context.WithoutCancel(ctx), msg.Tab, p.OrderID), nil
	})

	a.Router.Handle(messaging.TypeCandidateURL, func(_ context.Context, msg messaging.Message) (any, error) {
		p, err := messaging.Decode[messaging.CandidateURL](msg)
		if err != nil {
			return nil, err
		}
		accepted := a.Coordinator.ReportCandidate(msg.Tab, p.URL)
		a.log.Debug("candidate url",
			zap.String("tab", msg.Tab),
			zap.String("origin", p.Origin),
			zap.Bool("accepted", accepted))
		return accepted, nil
	})
}

// Serve runs the processor, scheduler, store watcher and HTTP API until ctx
// is done.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Store.Watch(ctx); err != nil {
			a.log.Warn("store watch stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return a.Processor.Serve(ctx) })
	g.Go(func() error {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})

	engine := api.NewEngine(api.NewHandler(a.Router, a.Queue, a.Browser), nil)
	server := api.NewServer(a.Config.Server.Addr, engine, nil)
	g.Go(func() error { return server.Run(ctx) })

	return g.Wait()
}

// Close releases the browser and the store.
func (a *App) Close(ctx context.Context) error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.Router.Wait()
	var errs []error
	if err := a.Browser.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
