package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"labelrunner/internal/capture"
	"labelrunner/internal/queue"

	"go.uber.org/zap"
)

var (
	ErrMissingSource   = errors.New("job has no source reference")
	ErrOrderNotFound   = errors.New("order not found on page")
	ErrNoLabelCaptured = errors.New("no label URL captured")
	errLoadTimeout     = errors.New("tab did not finish loading")
)

// run is the state threaded through the steps of one job.
type run struct {
	job     queue.Job
	url     string
	tab     string
	orderID string
	capture capture.Result
	label   queue.Label
}

type step struct {
	name string
	fn   func(ctx context.Context, r *run) error
}

func (p *Processor) steps() []step {
	return []step{
		{"resolve-source", p.resolveSource},
		{"open-tab", p.openTab},
		{"wait-load", p.waitLoad},
		{"find-order", p.findOrder},
		{"capture", p.captureLabel},
		{"record-label", p.recordLabel},
	}
}

// execute runs the steps in order, stopping at the first failure. Worker and
// alias tabs are closed on every path.
func (p *Processor) execute(ctx context.Context, job queue.Job) (queue.Label, error) {
	r := &run{job: job}
	defer p.closeTabs(context.WithoutCancel(ctx), r)

	for _, s := range p.steps() {
		if err := s.fn(ctx, r); err != nil {
			return queue.Label{}, fmt.Errorf("%s: %w", s.name, err)
		}
		p.log.Debug("step done", zap.String("job_id", job.ID), zap.String("step", s.name))
	}
	return r.label, nil
}

func (p *Processor) resolveSource(_ context.Context, r *run) error {
	src := strings.TrimSpace(r.job.Source)
	if src == "" {
		return ErrMissingSource
	}
	ref, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("bad source %q: %w", src, err)
	}
	if ref.IsAbs() {
		r.url = ref.String()
		return nil
	}
	base, err := url.Parse(p.cfg.BaseURL)
	if err != nil || !base.IsAbs() {
		return fmt.Errorf("relative source %q needs an absolute site base url", src)
	}
	r.url = base.ResolveReference(ref).String()
	return nil
}

func (p *Processor) openTab(ctx context.Context, r *run) error {
	tab, err := p.driver.Open(ctx, r.url)
	if err != nil {
		return err
	}
	r.tab = tab
	return nil
}

func (p *Processor) waitLoad(ctx context.Context, r *run) error {
	if p.cfg.LoadTimeout <= 0 {
		return p.driver.WaitComplete(ctx, r.tab)
	}
	loadCtx, cancel := context.WithTimeout(ctx, p.cfg.LoadTimeout)
	defer cancel()
	err := p.driver.WaitComplete(loadCtx, r.tab)
	if err != nil && ctx.Err() == nil && errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w within %s", errLoadTimeout, p.cfg.LoadTimeout)
	}
	return err
}

func (p *Processor) findOrder(ctx context.Context, r *run) error {
	id, err := p.driver.FindOrderID(ctx, r.tab, r.job.OrderHint)
	if err != nil {
		return err
	}
	if id == "" {
		if r.job.OrderHint != "" {
			return fmt.Errorf("%w: hint %q", ErrOrderNotFound, r.job.OrderHint)
		}
		return ErrOrderNotFound
	}
	r.orderID = id
	return nil
}

func (p *Processor) captureLabel(ctx context.Context, r *run) error {
	r.capture = p.coord.RunSequence(ctx, p.driver, r.tab, r.orderID, r.job.OrderHint, p.cfg.Deadlines)
	if r.capture.Captured() {
		return nil
	}
	if r.capture.Err != nil {
		return fmt.Errorf("%w: %w", ErrNoLabelCaptured, r.capture.Err)
	}
	if r.capture.Navigated {
		return fmt.Errorf("%w: page navigated without producing a label", ErrNoLabelCaptured)
	}
	return ErrNoLabelCaptured
}

func (p *Processor) recordLabel(ctx context.Context, r *run) error {
	r.label = queue.Label{
		OrderID:   r.orderID,
		OrderHint: r.job.OrderHint,
		URL:       r.capture.URL,
		JobID:     r.job.ID,
	}
	if !p.queue.AppendLabel(ctx, r.label) {
		p.log.Info("label already queued", zap.String("order_id", r.orderID))
	}
	return nil
}

// closeTabs closes aliases before the worker tab; the driver closes whatever
// else the worker tab opened along with it.
func (p *Processor) closeTabs(ctx context.Context, r *run) {
	tabs := append([]string(nil), r.capture.Aliases...)
	if r.tab != "" {
		tabs = append(tabs, r.tab)
	}
	for _, tab := range tabs {
		if err := p.driver.Close(ctx, tab); err != nil {
			p.log.Warn("failed to close tab", zap.String("tab", tab), zap.Error(err))
		}
	}
}
