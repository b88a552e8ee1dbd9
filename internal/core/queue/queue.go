package queue

import (
	"context"
	"fmt"
	"time"

	"listingengine/internal/logger"
	"listingengine/internal/platform/redis"
)

const (
	pendingKey  = "scrapequeue:pending"
	leasePrefix = "scrapequeue:lease:"
	statsPrefix = "scrapequeue:stats:"

	// LeaseTTL bounds how long a crashed worker can hold a scrape slot.
	LeaseTTL = 5 * time.Minute

	statsExpiry = 48 * time.Hour
)

// Job is one queued scrape request.
type Job struct {
	PreviewID  string    `json:"preview_id"`
	URL        string    `json:"url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Service is a FIFO scrape queue over a redis list. One lease key per
// in-flight job implements the concurrency gate; lease expiry frees slots
// held by dead workers without any reaper process.
type Service struct {
	log   *logger.Logger
	redis *redis.Service
}

func New(r *redis.Service) *Service {
	return &Service{log: logger.New("ScrapeQueue"), redis: r}
}

// Enqueue appends a job and returns its 1-based queue position. The queue
// never rejects work; depth is only reported.
func (s *Service) Enqueue(ctx context.Context, job Job) (int64, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	pos, err := s.redis.ListPush(ctx, pendingKey, job)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job %s: %w", job.PreviewID, err)
	}
	s.log.LogInfof("Enqueued %s at position %d", job.PreviewID, pos)
	return pos, nil
}

// DequeueNext pops the oldest pending job and takes a lease on it. Returns
// ok=false when the queue is empty.
func (s *Service) DequeueNext(ctx context.Context) (Job, bool, error) {
	var job Job
	ok, err := s.redis.ListPop(ctx, pendingKey, &job)
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if !ok {
		return Job{}, false, nil
	}
	if err := s.redis.SetLease(ctx, leasePrefix+job.PreviewID, LeaseTTL); err != nil {
		return Job{}, false, fmt.Errorf("failed to lease job %s: %w", job.PreviewID, err)
	}
	return job, true, nil
}

// Complete releases the job's lease and bumps the daily counter. Calling it
// for a job whose lease already expired (or was completed before) is a no-op,
// so retried completions never double-count.
func (s *Service) Complete(ctx context.Context, previewID string, success bool) error {
	held, err := s.redis.ReleaseLease(ctx, leasePrefix+previewID)
	if err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", previewID, err)
	}
	if !held {
		s.log.LogDebugf("Complete called for %s with no active lease", previewID)
		return nil
	}
	outcome := "ok"
	if !success {
		outcome = "fail"
	}
	day := time.Now().UTC().Format("20060102")
	if err := s.redis.IncrCounter(ctx, statsPrefix+day+":"+outcome, statsExpiry); err != nil {
		s.log.LogWarnf("Failed to bump %s counter: %v", outcome, err)
	}
	return nil
}

// LeaseCount reports how many scrape slots are currently held.
func (s *Service) LeaseCount(ctx context.Context) (int, error) {
	return s.redis.CountKeys(ctx, leasePrefix+"*")
}

// Depth reports how many jobs are waiting.
func (s *Service) Depth(ctx context.Context) (int64, error) {
	return s.redis.ListLen(ctx, pendingKey)
}

// Stats are today's completion counters.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	day := time.Now().UTC().Format("20060102")
	ok, err := s.redis.GetCounter(ctx, statsPrefix+day+":ok")
	if err != nil {
		return Stats{}, err
	}
	fail, err := s.redis.GetCounter(ctx, statsPrefix+day+":fail")
	if err != nil {
		return Stats{}, err
	}
	return Stats{Succeeded: ok, Failed: fail}, nil
}
