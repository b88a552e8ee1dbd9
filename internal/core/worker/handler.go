package worker

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"listingengine/internal/core/queue"
	"listingengine/internal/logger"
	"listingengine/internal/platform/records"
	"listingengine/internal/utils/parser"
)

// Handler handles HTTP requests for listing previews and worker control
type Handler struct {
	service *Service
	queue   *queue.Service
	store   records.Store
	log     *logger.Logger
}

func NewHandler(service *Service, q *queue.Service, store records.Store) *Handler {
	return &Handler{
		service: service,
		queue:   q,
		store:   store,
		log:     logger.New("WorkerHandler"),
	}
}

type createListingRequest struct {
	URL string `json:"url"`
	ID  string `json:"id,omitempty"`
}

// HandleCreateListing handles POST /v1/listings requests
func (h *Handler) HandleCreateListing(c *fiber.Ctx) error {
	var req createListingRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid request body",
		})
	}

	url := strings.TrimSpace(req.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "url must be an absolute http(s) URL",
		})
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	ctx := c.UserContext()
	if err := h.store.Create(ctx, &records.Preview{
		ID:        id,
		SourceURL: url,
		Status:    records.StatusScraping,
	}); err != nil {
		h.log.LogErrorf("Failed to create preview record: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to create preview",
		})
	}

	position, err := h.queue.Enqueue(ctx, queue.Job{PreviewID: id, URL: url})
	if err != nil {
		h.log.LogErrorf("Failed to enqueue %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to enqueue",
		})
	}

	if h.service.continuation != nil {
		h.service.continuation.ScheduleNextCycle()
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":        true,
		"id":             id,
		"status":         records.StatusScraping,
		"queue_position": position,
	})
}

type getListingQuery struct {
	IncludeRaw bool `form:"include_raw"`
}

// HandleGetListing handles GET /v1/listings/:id requests. Raw scrape output
// is large and omitted unless include_raw=true.
func (h *Handler) HandleGetListing(c *fiber.Ctx) error {
	var q getListingQuery
	if err := parser.ParseQuery(c, &q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid query parameters",
		})
	}

	id := c.Params("id")
	preview, err := h.store.Get(c.UserContext(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Preview not found",
		})
	}
	if !q.IncludeRaw {
		preview.RawContent = ""
	}
	return c.JSON(fiber.Map{
		"success": true,
		"preview": preview,
	})
}

// HandleRunWorker handles POST /v1/worker/run requests. This is also the
// continuation endpoint the worker calls on itself.
func (h *Handler) HandleRunWorker(c *fiber.Ctx) error {
	processed, err := h.service.RunCycle(c.UserContext())
	if err != nil {
		h.log.LogErrorf("Worker cycle failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Worker cycle failed",
		})
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"processed": processed,
	})
}

// HandleQueueStats handles GET /v1/worker/stats requests
func (h *Handler) HandleQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to read queue",
		})
	}
	leases, err := h.queue.LeaseCount(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to read leases",
		})
	}
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to read stats",
		})
	}
	return c.JSON(fiber.Map{
		"success":         true,
		"depth":           depth,
		"in_flight":       leases,
		"succeeded_today": stats.Succeeded,
		"failed_today":    stats.Failed,
	})
}
