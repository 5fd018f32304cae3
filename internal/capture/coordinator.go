// Package capture decides which PDF URL, if any, one automation trigger
// produced.
//
// Three unreliable sources report URLs: the page itself (a candidate report),
// navigation of the worker tab, and tabs the site opens from the worker tab.
// An Attempt registers its tab, and any tab opened from it becomes an alias.
// The first matching signal resolves the attempt; the deadline resolves it
// empty. Resolution happens once and drops every registration of the attempt
// in the same step, so late signals find nothing.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"labelrunner/internal/logging"

	"go.uber.org/zap"
)

// ErrAutomationFailed wraps errors from the page automation call.
var ErrAutomationFailed = errors.New("automation call failed")

// Source names the signal that resolved an attempt.
type Source string

const (
	SourceReport     Source = "report"
	SourceNavigation Source = "navigation"
	SourceNewTab     Source = "new-tab"
	SourceTimeout    Source = "timeout"
	SourceAutomation Source = "automation"
	SourceCancelled  Source = "cancelled"
	SourceSuperseded Source = "superseded"
)

// Result is the outcome of one attempt.
type Result struct {
	URL     string
	OrderID string
	Source  Source
	// Navigated is set when the worker tab navigated during the attempt, or
	// when the automation call failed.
	Navigated bool
	// Aliases lists tabs opened from the worker tab during the attempt.
	Aliases []string
	Err     error
}

// Captured reports whether a URL was found.
func (r Result) Captured() bool { return r.URL != "" }

// Coordinator owns the registry of in-flight attempts keyed by tab id.
type Coordinator struct {
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	byTab map[string]*Attempt

	onCapture func(Result)
}

// NewCoordinator creates an empty registry.
func NewCoordinator(log *zap.Logger) *Coordinator {
	if log == nil {
		log = logging.Get(logging.CategoryCapture)
	}
	return &Coordinator{
		log:   log,
		now:   time.Now,
		byTab: make(map[string]*Attempt),
	}
}

// OnCapture sets the callback for attempts armed by Expect.
func (c *Coordinator) OnCapture(fn func(Result)) {
	c.mu.Lock()
	c.onCapture = fn
	c.mu.Unlock()
}

// Attempt is one timed race for a URL on a worker tab.
type Attempt struct {
	c        *Coordinator
	tab      string
	orderID  string
	deadline time.Time

	// Guarded by c.mu.
	navigated bool
	aliases   []string
	resolved  bool
	result    Result

	done chan struct{}
}

// Arm registers a new attempt for tab that expires after timeout. An attempt
// still registered for tab is resolved as superseded.
func (c *Coordinator) Arm(tab, orderID string, timeout time.Duration) *Attempt {
	a := &Attempt{
		c:        c,
		tab:      tab,
		orderID:  orderID,
		deadline: c.now().Add(timeout),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.byTab[tab]
	if prev != nil {
		c.resolveLocked(prev, Result{Source: SourceSuperseded})
	}
	c.byTab[tab] = a
	c.mu.Unlock()

	c.log.Debug("attempt armed",
		zap.String("tab", tab),
		zap.String("order_id", orderID),
		zap.Duration("timeout", timeout))
	return a
}

// Active reports whether an unresolved attempt is registered for tab, either
// directly or as an alias.
func (c *Coordinator) Active(tab string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byTab[tab]
	return ok
}

// Registered returns the number of tab registrations.
func (c *Coordinator) Registered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byTab)
}

// ReportCandidate handles a URL reported by the page running in tab.
func (c *Coordinator) ReportCandidate(tab, url string) bool {
	return c.signal(tab, url, SourceReport)
}

// Navigated handles a URL change of tab. A navigation of the worker tab is
// recorded even when the URL is not PDF-like.
func (c *Coordinator) Navigated(tab, url string) bool {
	c.mu.Lock()
	a := c.byTab[tab]
	if a != nil && a.tab == tab {
		a.navigated = true
	}
	c.mu.Unlock()

	src := SourceNavigation
	if a != nil && a.tab != tab {
		src = SourceNewTab
	}
	return c.signal(tab, url, src)
}

// TabOpened registers tab as an alias when opener has an attempt in flight and
// checks its initial URL.
func (c *Coordinator) TabOpened(opener, tab, url string) bool {
	c.mu.Lock()
	a := c.byTab[opener]
	if a == nil {
		c.mu.Unlock()
		return false
	}
	c.byTab[tab] = a
	a.aliases = append(a.aliases, tab)
	c.mu.Unlock()

	c.log.Debug("alias tab registered", zap.String("tab", tab), zap.String("opener", opener))
	return c.signal(tab, url, SourceNewTab)
}

func (c *Coordinator) signal(tab, url string, src Source) bool {
	if !IsPDFLike(url) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.byTab[tab]
	if a == nil {
		return false
	}
	return c.resolveLocked(a, Result{URL: url, Source: src})
}

// resolveLocked settles a exactly once and unregisters its tab and aliases.
func (c *Coordinator) resolveLocked(a *Attempt, r Result) bool {
	if a.resolved {
		return false
	}
	a.resolved = true

	r.OrderID = a.orderID
	r.Navigated = r.Navigated || a.navigated
	r.Aliases = append([]string(nil), a.aliases...)
	a.result = r

	if c.byTab[a.tab] == a {
		delete(c.byTab, a.tab)
	}
	for _, alias := range a.aliases {
		if c.byTab[alias] == a {
			delete(c.byTab, alias)
		}
	}
	close(a.done)
	return true
}

// Resolve settles the attempt with r unless it is already settled.
func (a *Attempt) Resolve(r Result) bool {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.c.resolveLocked(a, r)
}

// Fail settles the attempt after the automation call itself failed. The
// result counts as a navigation so the caller stops escalating.
func (a *Attempt) Fail(err error) bool {
	return a.Resolve(Result{
		Source:    SourceAutomation,
		Navigated: true,
		Err:       fmt.Errorf("%w: %v", ErrAutomationFailed, err),
	})
}

// Done is closed once the attempt is resolved.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt resolves, its deadline passes or ctx ends.
func (a *Attempt) Wait(ctx context.Context) Result {
	timer := time.NewTimer(a.deadline.Sub(a.c.now()))
	defer timer.Stop()

	select {
	case <-a.done:
	case <-timer.C:
		a.Resolve(Result{Source: SourceTimeout})
	case <-ctx.Done():
		a.Resolve(Result{Source: SourceCancelled, Err: ctx.Err()})
	}

	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.result
}

// Expect arms an attempt for a tab that announced a capture on its own. When
// it resolves with a URL the OnCapture callback receives the result. A tab
// that already has an attempt in flight keeps it.
func (c *Coordinator) Expect(ctx context.Context, tab, orderID string, timeout time.Duration) bool {
	if c.Active(tab) {
		return false
	}
	a := c.Arm(tab, orderID, timeout)
	go func() {
		r := a.Wait(ctx)
		c.mu.Lock()
		fn := c.onCapture
		c.mu.Unlock()
		if r.Captured() && fn != nil {
			fn(r)
		}
	}()
	return true
}
