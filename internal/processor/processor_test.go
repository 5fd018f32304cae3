package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"labelrunner/internal/capture"
	"labelrunner/internal/kv"
	"labelrunner/internal/lock"
	"labelrunner/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDriver struct {
	coord *capture.Coordinator

	mu        sync.Mutex
	opened    []string
	closed    []string
	next      int
	orderID   string
	findErr   error
	blockLoad bool
	automate  func(tab string) (bool, error)
}

func (d *fakeDriver) Open(_ context.Context, url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.opened = append(d.opened, url)
	return fmt.Sprintf("tab-%d", d.next), nil
}

func (d *fakeDriver) WaitComplete(ctx context.Context, _ string) error {
	d.mu.Lock()
	block := d.blockLoad
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (d *fakeDriver) FindOrderID(context.Context, string, string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.orderID, d.findErr
}

func (d *fakeDriver) Automate(_ context.Context, tab, _, _ string) (bool, error) {
	d.mu.Lock()
	fn := d.automate
	d.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(tab)
}

func (d *fakeDriver) Close(_ context.Context, tab string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, tab)
	return nil
}

func (d *fakeDriver) Closed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.closed...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	labels []queue.Label
}

func (n *recordingNotifier) JobCompleted(_ context.Context, _ queue.Job, l queue.Label) {
	n.mu.Lock()
	n.labels = append(n.labels, l)
	n.mu.Unlock()
}

type harness struct {
	p      *Processor
	q      *queue.Queue
	mem    *kv.MemoryBackend
	driver *fakeDriver
	notes  *recordingNotifier

	mu  sync.Mutex
	now time.Time
}

func (h *harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) Advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.UnixMilli(1_700_000_000_000), mem: kv.NewMemoryBackend()}
	store := kv.New(h.mem, zap.NewNop())

	h.q = queue.New(store, queue.DefaultPolicy(), zap.NewNop())
	h.q.SetClock(h.Now)
	l := lock.New(store, zap.NewNop(), lock.WithClock(h.Now))
	coord := capture.NewCoordinator(zap.NewNop())
	h.driver = &fakeDriver{coord: coord}

	h.p = New(h.q, l, coord, h.driver, Config{
		BaseURL:     "https://shop.example.com",
		LoadTimeout: time.Second,
		Deadlines:   []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}, zap.NewNop())
	h.notes = &recordingNotifier{}
	h.p.SetNotifier(h.notes)
	return h
}

func TestRun_CapturesLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.driver.orderID = "9001"
	h.driver.automate = func(tab string) (bool, error) {
		h.driver.coord.TabOpened(tab, "popup", "https://shop.example.com/labels/9001.pdf")
		return true, nil
	}

	h.q.Enqueue(ctx, queue.Job{ID: "j1", Source: "/account/1", OrderHint: "#1001"})
	require.True(t, h.p.Run(ctx))

	assert.Empty(t, h.q.Jobs(ctx), "successful jobs are removed")
	labels := h.q.Labels(ctx)
	require.Len(t, labels, 1)
	assert.Equal(t, queue.Label{
		OrderID:    "9001",
		OrderHint:  "#1001",
		URL:        "https://shop.example.com/labels/9001.pdf",
		JobID:      "j1",
		CapturedAt: h.Now().UnixMilli(),
	}, labels[0])

	assert.Equal(t, []string{"https://shop.example.com/account/1"}, h.driver.opened)
	assert.Equal(t, []string{"popup", "tab-1"}, h.driver.Closed())
	assert.Len(t, h.notes.labels, 1)
}

// A job whose order row never appears walks retry(2s) -> retry(4s) -> failed.
func TestRun_RetryThenFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.q.Enqueue(ctx, queue.Job{ID: "j1", Source: "/account/1"})

	start := h.Now()
	require.True(t, h.p.Run(ctx))
	j, _ := h.q.Job(ctx, "j1")
	assert.Equal(t, queue.StatusRetry, j.Status)
	assert.Equal(t, 1, j.Tries)
	assert.Equal(t, start.Add(2*time.Second).UnixMilli(), j.NextAt)
	assert.Contains(t, j.LastError, ErrOrderNotFound.Error())

	require.True(t, h.p.Run(ctx))
	j, _ = h.q.Job(ctx, "j1")
	assert.Equal(t, 1, j.Tries, "not eligible before backoff elapses")

	h.Advance(2 * time.Second)
	h.p.Run(ctx)
	j, _ = h.q.Job(ctx, "j1")
	assert.Equal(t, queue.StatusRetry, j.Status)
	assert.Equal(t, 2, j.Tries)
	assert.Equal(t, h.Now().Add(4*time.Second).UnixMilli(), j.NextAt)

	h.Advance(4 * time.Second)
	h.p.Run(ctx)
	j, _ = h.q.Job(ctx, "j1")
	assert.Equal(t, queue.StatusFailed, j.Status)
	assert.Equal(t, 3, j.Tries)

	h.Advance(time.Hour)
	h.p.Run(ctx)
	assert.Len(t, h.driver.opened, 3, "failed jobs are not attempted again")
	assert.Len(t, h.q.Jobs(ctx), 1, "failed jobs stay visible")
}

func TestRun_FailureDoesNotBlockLaterJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.driver.orderID = "1"
	h.driver.automate = func(tab string) (bool, error) {
		h.driver.coord.ReportCandidate(tab, "https://x/1.pdf")
		return true, nil
	}
	h.q.Enqueue(ctx, queue.Job{ID: "bad"})
	h.q.Enqueue(ctx, queue.Job{ID: "good", Source: "https://shop.example.com/account/2"})

	h.p.Run(ctx)

	jobs := h.q.Jobs(ctx)
	require.Len(t, jobs, 1)
	assert.Equal(t, "bad", jobs[0].ID)
	assert.Contains(t, jobs[0].LastError, ErrMissingSource.Error())
	assert.Len(t, h.q.Labels(ctx), 1)
}

func TestRun_NavigationWithoutLabelFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.driver.orderID = "1"
	calls := 0
	h.driver.automate = func(tab string) (bool, error) {
		calls++
		h.driver.coord.Navigated(tab, "https://shop.example.com/orders/1/edit")
		return true, nil
	}
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})

	h.p.Run(ctx)
	j, _ := h.q.Job(ctx, "j")
	assert.Equal(t, queue.StatusRetry, j.Status)
	assert.Contains(t, j.LastError, "navigated")
	assert.Equal(t, 1, calls)
}

func TestRun_AutomationErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.driver.orderID = "1"
	h.driver.automate = func(string) (bool, error) { return false, errors.New("target closed") }
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})

	h.p.Run(ctx)
	j, _ := h.q.Job(ctx, "j")
	assert.Equal(t, 1, j.Tries)
	assert.Contains(t, j.LastError, "target closed")
}

func TestRun_LoadTimeout(t *testing.T) {
	h := newHarness(t)
	h.p.cfg.LoadTimeout = 10 * time.Millisecond
	h.driver.blockLoad = true
	ctx := context.Background()
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})

	h.p.Run(ctx)
	j, _ := h.q.Job(ctx, "j")
	assert.Equal(t, queue.StatusRetry, j.Status)
	assert.Contains(t, j.LastError, "did not finish loading")
	assert.Equal(t, []string{"tab-1"}, h.driver.Closed())
}

func TestRun_ShutdownReleasesJob(t *testing.T) {
	h := newHarness(t)
	h.p.cfg.LoadTimeout = 0
	h.driver.blockLoad = true
	ctx, cancel := context.WithCancel(context.Background())
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.p.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		j, _ := h.q.Job(context.Background(), "j")
		return j.Status == queue.StatusProcessing
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	j, _ := h.q.Job(context.Background(), "j")
	assert.Equal(t, queue.StatusPending, j.Status)
	assert.Equal(t, 0, j.Tries)
}

func TestRun_RecoversStuckJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})
	h.q.MarkProcessing(ctx, "j")
	h.Advance(3 * time.Minute)

	h.p.Run(ctx)

	j, _ := h.q.Job(ctx, "j")
	assert.Equal(t, queue.StatusRetry, j.Status)
	assert.Equal(t, 1, j.Tries)
	assert.Contains(t, j.LastError, "interrupted")
}

func TestRun_StopsWhenQueueCannotBeWritten(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})
	h.mem.FailSaves(errors.New("read-only"))

	h.p.Run(ctx)
	assert.Empty(t, h.driver.opened)
}

func TestRun_SkipsWhileLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := kv.New(h.mem, zap.NewNop())
	store.Set(ctx, lock.DefaultKey, lock.Record{Locked: true, Timestamp: h.Now().UnixMilli()})
	h.q.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})

	assert.False(t, h.p.Run(ctx))
	assert.Empty(t, h.driver.opened)
}

func TestServe_ProcessesOnKick(t *testing.T) {
	h := newHarness(t)
	h.driver.orderID = "5"
	h.driver.automate = func(tab string) (bool, error) {
		h.driver.coord.ReportCandidate(tab, "https://x/5.pdf")
		return true, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- h.p.Serve(ctx) }()

	h.p.Enqueue(ctx, queue.Job{ID: "j", Source: "/a"})
	require.Eventually(t, func() bool {
		return len(h.q.Labels(context.Background())) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestExpect_AppendsUnsolicitedLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.p.Expect(ctx, "user-tab", "321"))
	h.driver.coord.ReportCandidate("user-tab", "https://x/321/label")

	require.Eventually(t, func() bool {
		return len(h.q.Labels(ctx)) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "321", h.q.Labels(ctx)[0].OrderID)
}

// lockRace holds every reader of the lock record until both processes have
// read it, so both see it unlocked and both enter the critical section.
type lockRace struct {
	*kv.MemoryBackend

	mu      sync.Mutex
	readers int
	both    chan struct{}
}

func (b *lockRace) Load(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := b.MemoryBackend.Load(ctx, key)
	if key != lock.DefaultKey {
		return data, ok, err
	}
	b.mu.Lock()
	b.readers++
	if b.readers == 2 {
		close(b.both)
	}
	b.mu.Unlock()

	select {
	case <-b.both:
	case <-time.After(time.Second):
	}
	return data, ok, err
}

func TestRun_TwoProcessesShareOneStore(t *testing.T) {
	ctx := context.Background()
	shared := &lockRace{MemoryBackend: kv.NewMemoryBackend(), both: make(chan struct{})}

	type process struct {
		p      *Processor
		q      *queue.Queue
		driver *fakeDriver
	}
	start := func() process {
		store := kv.New(shared, zap.NewNop())
		q := queue.New(store, queue.DefaultPolicy(), zap.NewNop())
		coord := capture.NewCoordinator(zap.NewNop())
		d := &fakeDriver{coord: coord, orderID: "9001"}
		d.automate = func(tab string) (bool, error) {
			coord.ReportCandidate(tab, "https://shop.example.com/labels/9001.pdf")
			return true, nil
		}
		p := New(q, lock.New(store, zap.NewNop()), coord, d, Config{
			BaseURL:   "https://shop.example.com",
			Deadlines: []time.Duration{50 * time.Millisecond},
		}, zap.NewNop())
		p.SetNotifier(&recordingNotifier{})
		return process{p: p, q: q, driver: d}
	}
	a, b := start(), start()

	a.q.Enqueue(ctx, queue.Job{ID: "j1", Source: "/account/1", OrderHint: "#1001"})

	var wg sync.WaitGroup
	ran := make([]bool, 2)
	for i, proc := range []process{a, b} {
		i, proc := i, proc
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran[i] = proc.p.Run(ctx)
		}()
	}
	wg.Wait()
	require.Equal(t, []bool{true, true}, ran, "both processes held the advisory lock")

	labels := a.q.Labels(ctx)
	require.Len(t, labels, 1)
	assert.Equal(t, "9001", labels[0].OrderID)
	assert.Empty(t, a.q.Jobs(ctx), "job is removed, not failed or left processing")
	assert.Equal(t, labels, b.q.Labels(ctx))

	// Late writes from the slower process change nothing.
	assert.False(t, b.q.Remove(ctx, "j1"))
	_, err := b.q.MarkRetryOrFailed(ctx, "j1", errors.New("late"))
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	assert.Empty(t, a.q.Jobs(ctx))
	assert.Len(t, a.q.Labels(ctx), 1)

	var lockRec lock.Record
	kv.New(shared, zap.NewNop()).Get(ctx, lock.DefaultKey, &lockRec)
	assert.False(t, lockRec.Locked)
}
