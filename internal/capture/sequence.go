package capture

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultDeadlines is the escalating per-attempt wait used when none is
// configured.
var DefaultDeadlines = []time.Duration{
	1500 * time.Millisecond,
	3 * time.Second,
	6 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

// Automator asks the page in tab to run the site's label generation for
// orderID. false means the page could not trigger it.
type Automator interface {
	Automate(ctx context.Context, tab, orderID, orderHint string) (bool, error)
}

// RunSequence triggers automation once per deadline until a URL is captured.
// It stops early when an attempt saw a navigation without a URL, when the
// automation call fails, or when ctx ends. Aliases from every attempt are
// collected into the returned result.
func (c *Coordinator) RunSequence(ctx context.Context, auto Automator, tab, orderID, orderHint string, deadlines []time.Duration) Result {
	if len(deadlines) == 0 {
		deadlines = DefaultDeadlines
	}

	var (
		res     Result
		aliases []string
	)
	for i, d := range deadlines {
		a := c.Arm(tab, orderID, d)
		ok, err := auto.Automate(ctx, tab, orderID, orderHint)
		if err != nil {
			a.Fail(err)
		} else if !ok {
			c.log.Debug("automation declined", zap.String("tab", tab), zap.Int("attempt", i+1))
		}

		res = a.Wait(ctx)
		aliases = append(aliases, res.Aliases...)

		c.log.Debug("attempt resolved",
			zap.String("tab", tab),
			zap.Int("attempt", i+1),
			zap.String("source", string(res.Source)),
			zap.Bool("navigated", res.Navigated),
			zap.Bool("captured", res.Captured()))

		if res.Captured() || res.Navigated || ctx.Err() != nil {
			break
		}
	}
	res.Aliases = aliases
	return res
}
