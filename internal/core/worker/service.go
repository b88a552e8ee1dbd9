// Package worker drains the scrape queue: one cycle claims a job, scrapes
// it, runs site processing and extraction, persists the artifact, and hands
// the preview to the AI pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"listingengine/internal/core/extract"
	"listingengine/internal/core/pipeline"
	"listingengine/internal/core/queue"
	"listingengine/internal/core/scrape"
	"listingengine/internal/core/sites"
	"listingengine/internal/logger"
	"listingengine/internal/platform/records"
	"listingengine/internal/platform/tasks"
	"listingengine/internal/utils/markdown"
)

// Scraper is the scrape surface the worker needs. Satisfied by
// scrape.Service; tests substitute stubs.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*scrape.Result, error)
}

// TaskEnqueuer pushes asynq tasks. Satisfied by tasks.Client.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

// Continuation triggers the next worker cycle after a job finishes, so a
// busy queue drains without a poller.
type Continuation interface {
	ScheduleNextCycle()
}

// HTTPContinuation kicks the next cycle with a fire-and-forget call to our
// own worker endpoint.
type HTTPContinuation struct {
	log        *logger.Logger
	runURL     string
	httpClient *http.Client
}

func NewHTTPContinuation(baseURL string) *HTTPContinuation {
	return &HTTPContinuation{
		log:        logger.New("Continuation"),
		runURL:     baseURL + "/v1/worker/run",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPContinuation) ScheduleNextCycle() {
	go func() {
		resp, err := h.httpClient.Post(h.runURL, "application/json", nil)
		if err != nil {
			h.log.LogWarnf("Continuation call failed: %v", err)
			return
		}
		resp.Body.Close()
	}()
}

// Service runs worker cycles.
type Service struct {
	log            *logger.Logger
	queue          *queue.Service
	scraper        Scraper
	store          records.Store
	rules          []sites.Rule
	tasks          TaskEnqueuer
	pipeline       *pipeline.Service
	continuation   Continuation
	maxConcurrent  int
	taskMaxRetries int
}

func NewService(q *queue.Service, scraper Scraper, store records.Store, rules []sites.Rule, taskClient TaskEnqueuer, pipe *pipeline.Service, cont Continuation, maxConcurrent, taskMaxRetries int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Service{
		log:            logger.New("Worker"),
		queue:          q,
		scraper:        scraper,
		store:          store,
		rules:          rules,
		tasks:          taskClient,
		pipeline:       pipe,
		continuation:   cont,
		maxConcurrent:  maxConcurrent,
		taskMaxRetries: taskMaxRetries,
	}
}

// RunCycle claims and processes at most one job. It reports whether a job
// was processed. A saturated concurrency gate or an empty queue are both
// normal no-ops.
func (s *Service) RunCycle(ctx context.Context) (bool, error) {
	inFlight, err := s.queue.LeaseCount(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count leases: %w", err)
	}
	if inFlight >= s.maxConcurrent {
		s.log.LogDebugf("Concurrency gate full (%d/%d), skipping cycle", inFlight, s.maxConcurrent)
		return false, nil
	}

	job, ok, err := s.queue.DequeueNext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}

	s.process(ctx, job)

	// A job just finished or failed, so a slot is free for the next one.
	if s.continuation != nil {
		s.continuation.ScheduleNextCycle()
	}
	return true, nil
}

func (s *Service) process(ctx context.Context, job queue.Job) {
	s.log.LogInfof("Processing %s (%s)", job.PreviewID, job.URL)

	if err := s.store.Update(ctx, job.PreviewID, map[string]interface{}{
		"status": records.StatusScraping,
	}); err != nil {
		s.log.LogWarnf("Failed to mark %s scraping: %v", job.PreviewID, err)
	}

	res, err := s.scraper.Scrape(ctx, job.URL)
	if err != nil {
		s.fail(ctx, job.PreviewID, err)
		return
	}

	rule, _ := sites.RuleFor(s.rules, job.URL)
	artifact := s.buildArtifact(res, job.URL, rule)

	if err := extract.CheckSufficiency(artifact, rule.MainSelectors); err != nil {
		s.fail(ctx, job.PreviewID, err)
		return
	}

	if err := s.store.Update(ctx, job.PreviewID, map[string]interface{}{
		"status":         records.StatusPending,
		"raw_content":    artifact.RawContent,
		"markdown":       artifact.Markdown,
		"gallery_images": artifact.GalleryImages,
	}); err != nil {
		s.fail(ctx, job.PreviewID, fmt.Errorf("failed to persist artifact: %w", err))
		return
	}

	if err := s.queue.Complete(ctx, job.PreviewID, true); err != nil {
		s.log.LogWarnf("Failed to release lease for %s: %v", job.PreviewID, err)
	}

	s.enqueuePipeline(ctx, job.PreviewID)
	s.log.LogSuccessf("Scraped %s via %s in %v", job.PreviewID, res.ActualProvider, res.Duration)
}

// buildArtifact turns a raw scrape result into the extraction artifact.
// Structured payloads pass through as-is; HTML goes through site trimming,
// conservative cleaning and markdown conversion.
func (s *Service) buildArtifact(res *scrape.Result, url string, rule sites.Rule) extract.Artifact {
	if res.JSON != "" {
		return extract.Artifact{
			RawContent:    res.JSON,
			JSON:          res.JSON,
			GalleryImages: res.GalleryImages,
		}
	}

	trimmed := sites.Trim(res.HTML, rule)
	cleaned := extract.CleanHTML(trimmed)

	gallerySource := res.GalleryHTML
	if gallerySource == "" {
		gallerySource = res.HTML
	}
	gallery := mergeURLs(res.GalleryImages, sites.ExtractGalleryImages(gallerySource, url, rule))

	return extract.Artifact{
		RawContent:    cleaned,
		Markdown:      markdown.Convert(cleaned, rule.MainSelectors),
		GalleryImages: gallery,
	}
}

func (s *Service) fail(ctx context.Context, previewID string, cause error) {
	s.log.LogErrorf("Job %s failed: %v", previewID, cause)
	if err := s.store.Update(ctx, previewID, map[string]interface{}{
		"status":        records.StatusError,
		"error_message": fmt.Sprintf("%s: %v", errorCode(cause), cause),
	}); err != nil {
		s.log.LogWarnf("Failed to mark %s failed: %v", previewID, err)
	}
	if err := s.queue.Complete(ctx, previewID, false); err != nil {
		s.log.LogWarnf("Failed to release lease for %s: %v", previewID, err)
	}
}

// errorCode folds failures into the short codes stored on the record.
func errorCode(err error) string {
	switch {
	case errors.Is(err, scrape.ErrTimeout):
		return "timeout"
	case errors.Is(err, scrape.ErrBlocked):
		return "blocked"
	case errors.Is(err, scrape.ErrRobotsDisallowed):
		return "robots_disallowed"
	case errors.Is(err, scrape.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, extract.ErrEmptyContent):
		return "empty_content"
	default:
		return "scrape_failed"
	}
}

func (s *Service) enqueuePipeline(ctx context.Context, previewID string) {
	if s.tasks == nil {
		// No task backend wired (tests); run inline when a pipeline exists.
		if s.pipeline != nil {
			if err := s.pipeline.Run(ctx, previewID); err != nil {
				s.log.LogErrorf("Inline pipeline failed for %s: %v", previewID, err)
			}
		}
		return
	}

	task, err := tasks.NewPipelineTask(previewID)
	if err != nil {
		s.log.LogErrorf("Failed to build pipeline task for %s: %v", previewID, err)
		return
	}
	if err := s.tasks.Enqueue(task, "default", s.taskMaxRetries); err != nil {
		s.log.LogErrorf("Failed to enqueue pipeline task for %s: %v", previewID, err)
	}
}

// HandlePipelineTask is the asynq handler for queued pipeline runs.
func (s *Service) HandlePipelineTask(ctx context.Context, task *asynq.Task) error {
	var payload tasks.PipelinePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid pipeline payload: %w", err)
	}
	if s.pipeline == nil {
		return fmt.Errorf("pipeline not configured")
	}
	return s.pipeline.Run(ctx, payload.PreviewID)
}

func mergeURLs(groups ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, group := range groups {
		for _, u := range group {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
