package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingTarget struct {
	kicks  atomic.Int32
	sweeps atomic.Int32
}

func (c *countingTarget) Kick() { c.kicks.Add(1) }

func (c *countingTarget) RecoverStuck(context.Context) bool {
	c.sweeps.Add(1)
	return true
}

func TestScheduler_StartupAndPeriodic(t *testing.T) {
	target := &countingTarget{}
	s := New(target, "@every 1s", "@every 1s", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, int32(1), target.kicks.Load(), "startup kick fires immediately")
	assert.Equal(t, 2, s.Entries())

	require.Eventually(t, func() bool {
		return target.kicks.Load() >= 2 && target.sweeps.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := New(&countingTarget{}, "every now and then", "", zap.NewNop())
	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "every now and then")
}

func TestScheduler_NoSweep(t *testing.T) {
	s := New(&countingTarget{}, "@every 15s", "", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, 1, s.Entries())
}
