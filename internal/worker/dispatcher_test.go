package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batch-ingestion-service/internal/config"
	"batch-ingestion-service/internal/ingest"
	"batch-ingestion-service/internal/logging"
	"batch-ingestion-service/internal/models"
	"batch-ingestion-service/internal/queue"
	"batch-ingestion-service/internal/store"
)

type harness struct {
	store *store.MemoryStore
	queue *queue.MemoryQueue
	svc   *ingest.Service
	cfg   config.Config
}

func newHarness(interval time.Duration) *harness {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	return &harness{
		store: st,
		queue: q,
		svc:   ingest.NewService(st, q, 3, logging.Discard()),
		cfg: config.Config{
			BatchSize:         3,
			DispatchInterval:  interval,
			EmptyQueueBackoff: 2 * time.Millisecond,
			FailureBackoff:    2 * time.Millisecond,
		},
	}
}

func (h *harness) submit(t *testing.T, p models.Priority, ids ...int64) models.SubmissionView {
	t.Helper()
	id, err := h.svc.Submit(context.Background(), ids, p)
	require.NoError(t, err)
	view, err := h.svc.Status(context.Background(), id)
	require.NoError(t, err)
	return view
}

// start runs the dispatcher until the test ends and returns its exit error channel.
func (h *harness) start(t *testing.T, ds Downstream) (context.CancelFunc, <-chan error) {
	t.Helper()
	d := NewDispatcher(h.cfg, h.queue, h.store, ds, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errCh <- d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, errCh
}

type recorder struct {
	mu    sync.Mutex
	units []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, id)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.units...)
}

func (h *harness) waitStatus(t *testing.T, id string, want models.SubmissionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := h.svc.Status(context.Background(), id)
		return err == nil && v.Status == want
	}, 5*time.Second, 2*time.Millisecond)
}

func TestDispatcherDrainsHighBeforeLow(t *testing.T) {
	h := newHarness(5 * time.Millisecond)
	low := h.submit(t, models.PriorityLow, 100)
	high := h.submit(t, models.PriorityHigh, 1, 2, 3, 4, 5, 6)
	require.Len(t, high.Batches, 2)

	rec := &recorder{}
	_, _ = h.start(t, DownstreamFunc(func(ctx context.Context, u models.WorkUnit) (Response, error) {
		if u.SubmissionID == low.ID {
			v, err := h.svc.Status(ctx, high.ID)
			if err != nil || v.Status != models.StatusCompleted {
				return Response{}, errors.New("low unit dispatched before high submission completed")
			}
		}
		rec.add(u.ID)
		return processedResponse(u), nil
	}))

	h.waitStatus(t, low.ID, models.StatusCompleted)
	require.Equal(t, []string{high.Batches[0].ID, high.Batches[1].ID, low.Batches[0].ID}, rec.seen())

	v, err := h.svc.Status(context.Background(), high.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, v.Status)
}

func TestDispatcherTierOrderWithFIFO(t *testing.T) {
	h := newHarness(time.Millisecond)
	var want []string
	med1 := h.submit(t, models.PriorityMedium, 1)
	low1 := h.submit(t, models.PriorityLow, 2)
	high1 := h.submit(t, models.PriorityHigh, 3)
	med2 := h.submit(t, models.PriorityMedium, 4)
	high2 := h.submit(t, models.PriorityHigh, 5)
	low2 := h.submit(t, models.PriorityLow, 6)
	for _, v := range []models.SubmissionView{high1, high2, med1, med2, low1, low2} {
		want = append(want, v.Batches[0].ID)
	}

	rec := &recorder{}
	_, _ = h.start(t, DownstreamFunc(func(_ context.Context, u models.WorkUnit) (Response, error) {
		rec.add(u.ID)
		return processedResponse(u), nil
	}))

	h.waitStatus(t, low2.ID, models.StatusCompleted)
	require.Equal(t, want, rec.seen())
}

func TestDispatcherRespectsInterval(t *testing.T) {
	const interval = 40 * time.Millisecond
	h := newHarness(interval)
	sub := h.submit(t, models.PriorityMedium, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

	_, _ = h.start(t, SimulatedDownstream{})
	h.waitStatus(t, sub.ID, models.StatusCompleted)

	got, err := h.store.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, got.Units, 4)
	for i := 1; i < len(got.Units); i++ {
		prev, cur := got.Units[i-1].DispatchedAt, got.Units[i].DispatchedAt
		require.NotNil(t, prev)
		require.NotNil(t, cur)
		require.GreaterOrEqual(t, cur.Sub(*prev), interval, "dispatch %d started too early", i)
	}
}

func TestDispatcherIdleDoesNotConsumeSlots(t *testing.T) {
	h := newHarness(time.Hour)
	_, _ = h.start(t, SimulatedDownstream{})

	// Let the loop spin on an empty queue; the first unit must still go out
	// immediately because idle polling never claims the slot.
	time.Sleep(20 * time.Millisecond)
	sub := h.submit(t, models.PriorityLow, 1)
	h.waitStatus(t, sub.ID, models.StatusCompleted)
}

func TestDispatcherSurvivesDownstreamFailure(t *testing.T) {
	h := newHarness(time.Millisecond)
	first := h.submit(t, models.PriorityHigh, 1)
	second := h.submit(t, models.PriorityHigh, 2)

	_, _ = h.start(t, DownstreamFunc(func(_ context.Context, u models.WorkUnit) (Response, error) {
		if u.SubmissionID == first.ID {
			return Response{}, errors.New("downstream 503")
		}
		return processedResponse(u), nil
	}))

	h.waitStatus(t, second.ID, models.StatusCompleted)

	unit, err := h.store.GetUnit(context.Background(), first.Batches[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDispatched, unit.State, "failed unit is left dispatched")
	require.NotNil(t, unit.LastError)
	require.Contains(t, *unit.LastError, "downstream 503")

	v, err := h.svc.Status(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusTriggered, v.Status)
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	h := newHarness(time.Millisecond)
	first := h.submit(t, models.PriorityHigh, 1)
	second := h.submit(t, models.PriorityHigh, 2)

	_, _ = h.start(t, DownstreamFunc(func(_ context.Context, u models.WorkUnit) (Response, error) {
		if u.SubmissionID == first.ID {
			panic("nil map")
		}
		return processedResponse(u), nil
	}))

	h.waitStatus(t, second.ID, models.StatusCompleted)
	unit, err := h.store.GetUnit(context.Background(), first.Batches[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.StateDispatched, unit.State)
}

func TestDispatcherStopsOnCorruptedState(t *testing.T) {
	h := newHarness(time.Millisecond)
	require.NoError(t, h.queue.Enqueue(context.Background(), queue.Entry{
		UnitID:       "ghost",
		SubmissionID: "nobody",
		Priority:     models.PriorityHigh,
		CreatedAt:    time.Now(),
	}))

	_, errCh := h.start(t, SimulatedDownstream{})
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStateCorrupted)
		require.ErrorIs(t, err, store.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running with a unit missing from the store")
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	h := newHarness(time.Millisecond)
	cancel, errCh := h.start(t, SimulatedDownstream{})
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherArchivesResults(t *testing.T) {
	h := newHarness(time.Millisecond)
	dir := t.TempDir()
	sub := h.submit(t, models.PriorityHigh, 4, 5)

	d := NewDispatcher(h.cfg, h.queue, h.store, SimulatedDownstream{}, logging.Discard())
	d.SetResultSink(NewLocalSink(dir))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	path := filepath.Join(dir, sub.ID, sub.Batches[0].ID+".json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 2*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"data": "processed"`)
}

// flakyStore fails the first MarkDispatched with a transport-style error.
type flakyStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	failed bool
}

func (f *flakyStore) MarkDispatched(ctx context.Context, unitID string, at time.Time) (models.WorkUnit, error) {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return models.WorkUnit{}, errors.New("conn reset by peer")
	}
	f.mu.Unlock()
	return f.MemoryStore.MarkDispatched(ctx, unitID, at)
}

func TestDispatcherRequeuesOnTransientStoreError(t *testing.T) {
	h := newHarness(time.Millisecond)
	sub := h.submit(t, models.PriorityMedium, 1, 2, 3)

	st := &flakyStore{MemoryStore: h.store}
	d := NewDispatcher(h.cfg, h.queue, st, SimulatedDownstream{}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	h.waitStatus(t, sub.ID, models.StatusCompleted)

	st.mu.Lock()
	require.True(t, st.failed, "first dispatch attempt hit the store error")
	st.mu.Unlock()
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
