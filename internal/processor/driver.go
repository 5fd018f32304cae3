package processor

import (
	"context"

	"labelrunner/internal/logging"
	"labelrunner/internal/queue"

	"go.uber.org/zap"
)

// Driver is the browser the processor works through. Tabs are opaque ids.
type Driver interface {
	// Open creates an inactive tab at url.
	Open(ctx context.Context, url string) (string, error)
	// WaitComplete blocks until the tab finished loading.
	WaitComplete(ctx context.Context, tab string) error
	// FindOrderID asks the page for the site's order id matching hint, or
	// the most recent outbound order when hint is empty. "" means not found.
	FindOrderID(ctx context.Context, tab, hint string) (string, error)
	// Automate asks the page to trigger label generation for orderID.
	Automate(ctx context.Context, tab, orderID, orderHint string) (bool, error)
	// Close closes tab and any tab the site opened from it that is still open.
	Close(ctx context.Context, tab string) error
}

// Notifier is told about every completed job.
type Notifier interface {
	JobCompleted(ctx context.Context, job queue.Job, label queue.Label)
}

// LogNotifier reports completions to the log.
type LogNotifier struct {
	Log *zap.Logger
}

// JobCompleted implements Notifier.
func (n LogNotifier) JobCompleted(_ context.Context, job queue.Job, label queue.Label) {
	log := n.Log
	if log == nil {
		log = logging.Get(logging.CategoryProcessor)
	}
	log.Info("label ready",
		zap.String("job_id", job.ID),
		zap.String("order_id", label.OrderID),
		zap.String("order_hint", label.OrderHint),
		zap.String("url", label.URL))
}
