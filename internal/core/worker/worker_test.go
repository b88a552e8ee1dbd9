package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingengine/internal/core/extract"
	"listingengine/internal/core/queue"
	"listingengine/internal/core/scrape"
	"listingengine/internal/platform/records"
	redisplatform "listingengine/internal/platform/redis"
)

const listingHTML = `<html><head><title>12 Harbor Rd</title></head><body>
<main>
  <h1>12 Harbor Rd, Portsmouth</h1>
  <p>4 beds, 2.5 baths, $1,250,000, 2,340 sqft of waterfront living.</p>
  <img src="https://ext.example.com/photos/front.jpg" width="1200" height="800"/>
</main>
</body></html>`

type stubScraper struct {
	calls  int64
	result *scrape.Result
	err    error
}

func (s *stubScraper) Scrape(_ context.Context, _ string) (*scrape.Result, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type countingContinuation struct{ calls int64 }

func (c *countingContinuation) ScheduleNextCycle() { atomic.AddInt64(&c.calls, 1) }

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(redisplatform.NewFromClient(client))
}

func seedJob(t *testing.T, q *queue.Service, store records.Store, id string) {
	t.Helper()
	url := "https://portal.example.com/listing/" + id
	require.NoError(t, store.Create(context.Background(), &records.Preview{
		ID: id, SourceURL: url, Status: records.StatusPending,
	}))
	_, err := q.Enqueue(context.Background(), queue.Job{PreviewID: id, URL: url})
	require.NoError(t, err)
}

func TestRunCycleProcessesJob(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	seedJob(t, q, store, "p1")
	cont := &countingContinuation{}
	scraper := &stubScraper{result: &scrape.Result{
		HTML:           listingHTML,
		Provider:       scrape.ProviderPlaywright,
		ActualProvider: scrape.ProviderPlaywright,
	}}

	svc := NewService(q, scraper, store, nil, nil, nil, cont, 2, 3)
	processed, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	p, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, records.StatusPending, p.Status)
	assert.Contains(t, p.Markdown, "Harbor Rd")
	assert.Contains(t, p.GalleryImages, "https://ext.example.com/photos/front.jpg")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), atomic.LoadInt64(&cont.calls))

	// Lease released, slot free again
	leases, err := q.LeaseCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, leases)
}

func TestRunCycleRespectsConcurrencyGate(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	for i := 0; i < 3; i++ {
		seedJob(t, q, store, fmt.Sprintf("p%d", i))
	}

	// Two jobs claimed elsewhere and still in flight
	_, ok, err := q.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = q.DequeueNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	scraper := &stubScraper{result: &scrape.Result{HTML: listingHTML}}
	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)

	processed, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, int64(0), atomic.LoadInt64(&scraper.calls))

	// A slot frees up, the gate opens
	require.NoError(t, q.Complete(context.Background(), "p0", true))
	processed, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int64(1), atomic.LoadInt64(&scraper.calls))
}

func TestRunCycleEmptyQueueIsNoop(t *testing.T) {
	q := newTestQueue(t)
	svc := NewService(q, &stubScraper{}, records.NewMemoryStore(), nil, nil, nil, nil, 2, 3)
	processed, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestScrapeFailureMarksRecordError(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	seedJob(t, q, store, "p1")
	scraper := &stubScraper{err: fmt.Errorf("challenge page: %w", scrape.ErrBlocked)}

	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)
	processed, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	p, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, records.StatusError, p.Status)
	assert.Contains(t, p.ErrorMessage, "blocked:")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestEmptyScrapeResultFails(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	seedJob(t, q, store, "p1")
	scraper := &stubScraper{result: &scrape.Result{HTML: "<html><body></body></html>"}}

	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	p, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, records.StatusError, p.Status)
	assert.Contains(t, p.ErrorMessage, "empty_content")
}

func TestStructuredResultPassesThrough(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	seedJob(t, q, store, "p1")
	payload := `{"price": 1250000, "bedrooms": 4, "photos": ["https://ext.example.com/photos/1.jpg"]}`
	scraper := &stubScraper{result: &scrape.Result{
		JSON:           payload,
		Provider:       scrape.ProviderStructured,
		ActualProvider: scrape.ProviderStructured,
		GalleryImages:  []string{"https://ext.example.com/photos/1.jpg"},
	}}

	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)
	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	p, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, records.StatusPending, p.Status)
	assert.Equal(t, payload, p.RawContent)
	assert.Empty(t, p.Markdown)
	assert.Equal(t, []string{"https://ext.example.com/photos/1.jpg"}, p.GalleryImages)
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{scrape.ErrTimeout, "timeout"},
		{fmt.Errorf("wrapped: %w", scrape.ErrBlocked), "blocked"},
		{scrape.ErrRobotsDisallowed, "robots_disallowed"},
		{scrape.ErrMissingCredential, "missing_credential"},
		{extract.ErrEmptyContent, "empty_content"},
		{fmt.Errorf("connection reset"), "scrape_failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errorCode(tc.err), tc.err.Error())
	}
}

func TestQueueDrainsAllJobs(t *testing.T) {
	q := newTestQueue(t)
	store := records.NewMemoryStore()
	ids := []string{"p0", "p1", "p2", "p3", "p4"}
	for _, id := range ids {
		seedJob(t, q, store, id)
	}
	scraper := &stubScraper{result: &scrape.Result{HTML: listingHTML}}
	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)

	for i := 0; i < 10; i++ {
		processed, err := svc.RunCycle(context.Background())
		require.NoError(t, err)
		leases, err := q.LeaseCount(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, leases, 2)
		if !processed {
			break
		}
	}

	for _, id := range ids {
		p, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, records.StatusPending, p.Status, id)
	}
	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Succeeded)
}

func TestLeaseExpiryReopensGate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(redisplatform.NewFromClient(client))
	store := records.NewMemoryStore()
	seedJob(t, q, store, "p0")
	seedJob(t, q, store, "p1")
	seedJob(t, q, store, "p2")

	// Saturate the gate with two stuck jobs
	for i := 0; i < 2; i++ {
		_, ok, err := q.DequeueNext(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	}

	scraper := &stubScraper{result: &scrape.Result{HTML: listingHTML}}
	svc := NewService(q, scraper, store, nil, nil, nil, nil, 2, 3)
	processed, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, processed)

	// Stuck leases expire and the gate opens without intervention
	mr.FastForward(queue.LeaseTTL + time.Second)
	processed, err = svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
}
