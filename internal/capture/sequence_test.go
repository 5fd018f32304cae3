package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedAutomator runs one step per Automate call against the coordinator.
type scriptedAutomator struct {
	c     *Coordinator
	steps []func(tab string) (bool, error)
	calls int
}

func (s *scriptedAutomator) Automate(_ context.Context, tab, _, _ string) (bool, error) {
	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		return true, nil
	}
	return s.steps[i](tab)
}

var shortDeadlines = []time.Duration{
	5 * time.Millisecond,
	5 * time.Millisecond,
	5 * time.Millisecond,
}

func TestRunSequence_CapturesOnLaterAttempt(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	auto := &scriptedAutomator{c: c}
	auto.steps = []func(string) (bool, error){
		func(string) (bool, error) { return false, nil },
		func(tab string) (bool, error) {
			c.TabOpened(tab, "popup", "about:blank")
			go c.Navigated("popup", "https://x/label/5.pdf")
			return true, nil
		},
	}

	r := c.RunSequence(context.Background(), auto, "worker", "5", "#1005", []time.Duration{5 * time.Millisecond, time.Second})
	require.True(t, r.Captured())
	assert.Equal(t, "https://x/label/5.pdf", r.URL)
	assert.Equal(t, []string{"popup"}, r.Aliases)
	assert.Equal(t, 2, auto.calls)
	assert.Zero(t, c.Registered())
}

func TestRunSequence_ExhaustsDeadlines(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	auto := &scriptedAutomator{c: c}

	r := c.RunSequence(context.Background(), auto, "worker", "5", "", shortDeadlines)
	assert.False(t, r.Captured())
	assert.False(t, r.Navigated)
	assert.Equal(t, len(shortDeadlines), auto.calls)
}

func TestRunSequence_NavigationWithoutURLStops(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	auto := &scriptedAutomator{c: c}
	auto.steps = []func(string) (bool, error){
		func(tab string) (bool, error) {
			c.Navigated(tab, "https://x/orders/5/edit")
			return true, nil
		},
	}

	r := c.RunSequence(context.Background(), auto, "worker", "5", "", shortDeadlines)
	assert.True(t, r.Navigated)
	assert.False(t, r.Captured())
	assert.Equal(t, 1, auto.calls)
}

func TestRunSequence_AutomationErrorShortCircuits(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	auto := &scriptedAutomator{c: c}
	auto.steps = []func(string) (bool, error){
		func(string) (bool, error) { return false, errors.New("target closed") },
	}

	r := c.RunSequence(context.Background(), auto, "worker", "5", "", shortDeadlines)
	assert.ErrorIs(t, r.Err, ErrAutomationFailed)
	assert.Equal(t, 1, auto.calls)
	assert.Zero(t, c.Registered())
}

func TestRunSequence_StopsOnCancel(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	auto := &scriptedAutomator{c: c}
	auto.steps = []func(string) (bool, error){
		func(string) (bool, error) { cancel(); return true, nil },
	}

	r := c.RunSequence(ctx, auto, "worker", "5", "", []time.Duration{time.Hour, time.Hour})
	assert.Equal(t, SourceCancelled, r.Source)
	assert.Equal(t, 1, auto.calls)
}
