package ingest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"batch-ingestion-service/internal/logging"
	"batch-ingestion-service/internal/models"
	"batch-ingestion-service/internal/queue"
	"batch-ingestion-service/internal/store"
)

func newService(batchSize int) (*Service, *store.MemoryStore, *queue.MemoryQueue) {
	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	return NewService(st, q, batchSize, logging.Discard()), st, q
}

func TestSubmitSplitsIntoBatches(t *testing.T) {
	svc, _, q := newService(3)
	ctx := context.Background()

	id, err := svc.Submit(ctx, []int64{1, 2, 3, 4, 5, 6, 7}, models.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	view, err := svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, view.ID)
	require.Equal(t, models.StatusYetToStart, view.Status)
	require.Len(t, view.Batches, 3)
	require.Equal(t, []int64{1, 2, 3}, view.Batches[0].IDs)
	require.Equal(t, []int64{4, 5, 6}, view.Batches[1].IDs)
	require.Equal(t, []int64{7}, view.Batches[2].IDs)
	for _, b := range view.Batches {
		require.Equal(t, models.StatePending, b.State)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	for _, want := range view.Batches {
		e, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want.ID, e.UnitID, "units queue in submission order")
		require.Equal(t, id, e.SubmissionID)
	}
}

func TestSubmitRejectsClientFaults(t *testing.T) {
	cases := []struct {
		name     string
		ids      []int64
		priority models.Priority
	}{
		{"empty", nil, models.PriorityHigh},
		{"above range", []int64{1, 1_000_000_008}, models.PriorityLow},
		{"zero", []int64{0}, models.PriorityLow},
		{"negative", []int64{-5}, models.PriorityMedium},
		{"unknown priority", []int64{1}, models.Priority("URGENT")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, q := newService(3)
			id, err := svc.Submit(context.Background(), tc.ids, tc.priority)
			require.ErrorIs(t, err, ErrInvalidInput)
			require.Empty(t, id)

			n, err := q.Len(context.Background())
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}
}

func TestSubmitAcceptsRangeBounds(t *testing.T) {
	svc, _, _ := newService(3)
	_, err := svc.Submit(context.Background(), []int64{models.MinIdentifier, models.MaxIdentifier}, models.PriorityLow)
	require.NoError(t, err)
}

func TestStatusUnknownID(t *testing.T) {
	svc, _, _ := newService(3)
	_, err := svc.Status(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusIsIdempotent(t *testing.T) {
	svc, _, _ := newService(2)
	ctx := context.Background()
	id, err := svc.Submit(ctx, []int64{9, 8, 7}, models.PriorityMedium)
	require.NoError(t, err)

	first, err := svc.Status(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := svc.Status(ctx, id)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestStatusTracksUnitStates(t *testing.T) {
	svc, st, _ := newService(1)
	ctx := context.Background()
	id, err := svc.Submit(ctx, []int64{1, 2}, models.PriorityHigh)
	require.NoError(t, err)
	view, err := svc.Status(ctx, id)
	require.NoError(t, err)

	_, err = st.MarkDispatched(ctx, view.Batches[0].ID, time.Now())
	require.NoError(t, err)
	view, err = svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusTriggered, view.Status)

	for _, b := range view.Batches {
		if b.State == models.StatePending {
			_, err = st.MarkDispatched(ctx, b.ID, time.Now())
			require.NoError(t, err)
		}
		_, err = st.MarkCompleted(ctx, b.ID, time.Now())
		require.NoError(t, err)
	}
	view, err = svc.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, view.Status)
}

func TestPartitionPreservesSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(40)
		size := 1 + rng.Intn(6)
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = 1 + rng.Int63n(models.MaxIdentifier)
		}

		chunks := Partition(ids, size)
		require.Len(t, chunks, (n+size-1)/size)

		var joined []int64
		for i, c := range chunks {
			require.NotEmpty(t, c)
			require.LessOrEqual(t, len(c), size)
			if i < len(chunks)-1 {
				require.Len(t, c, size, "only the last chunk may be short")
			}
			joined = append(joined, c...)
		}
		require.Equal(t, ids, joined)
	}
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, ...queue.Entry) error {
	return errors.New("redis unavailable")
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, failingQueue{queue.NewMemoryQueue()}, 3, logging.Discard())
	ids := []string{"sub-1", "unit-1"}
	svc.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	_, err := svc.Submit(context.Background(), []int64{1, 2}, models.PriorityHigh)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidInput)

	_, err = st.GetSubmission(context.Background(), "sub-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentSubmitAndStatus(t *testing.T) {
	svc, _, q := newService(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	idsCh := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := models.Priorities[i%len(models.Priorities)]
			id, err := svc.Submit(ctx, []int64{1, 2, 3, 4}, p)
			require.NoError(t, err)
			_, err = svc.Status(ctx, id)
			require.NoError(t, err)
			idsCh <- id
		}(i)
	}
	wg.Wait()
	close(idsCh)

	seen := map[string]bool{}
	for id := range idsCh {
		require.False(t, seen[id], "submission ids are unique")
		seen[id] = true
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 32*2, n)
}
