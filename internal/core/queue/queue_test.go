package queue

import (
	"context"
	"testing"
	"time"

	"listingengine/internal/platform/redis"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(redis.NewFromClient(client)), mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		pos, err := q.Enqueue(ctx, Job{PreviewID: id, URL: "https://example.com/" + id})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), pos)
	}

	for _, want := range []string{"a", "b", "c"} {
		job, ok, err := q.DequeueNext(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, job.PreviewID)
	}

	_, ok, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLeaseCountTracksInFlightJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{PreviewID: "a", URL: "https://example.com/a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Job{PreviewID: "b", URL: "https://example.com/b"})
	require.NoError(t, err)

	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	n, err := q.LeaseCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, q.Complete(ctx, "a", true))
	n, err = q.LeaseCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLeaseExpiryFreesSlot(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{PreviewID: "a", URL: "https://example.com/a"})
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	n, err := q.LeaseCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mr.FastForward(LeaseTTL + time.Second)

	n, err = q.LeaseCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{PreviewID: "a", URL: "https://example.com/a"})
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "a", true))
	require.NoError(t, q.Complete(ctx, "a", true))
	require.NoError(t, q.Complete(ctx, "a", false))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Succeeded)
	require.Equal(t, int64(0), stats.Failed)
}

func TestCompleteAfterLeaseExpiryDoesNotCount(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{PreviewID: "a", URL: "https://example.com/a"})
	require.NoError(t, err)
	_, _, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	mr.FastForward(LeaseTTL + time.Second)
	require.NoError(t, q.Complete(ctx, "a", true))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Succeeded)
}

func TestDepth(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	d, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), d)

	_, err = q.Enqueue(ctx, Job{PreviewID: "a", URL: "https://example.com/a"})
	require.NoError(t, err)
	d, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), d)
}
