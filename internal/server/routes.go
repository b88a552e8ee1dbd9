package server

import (
	"listingengine/internal/core/queue"
	"listingengine/internal/core/worker"
	"listingengine/internal/health"
	"listingengine/internal/platform/records"
	"listingengine/internal/platform/redis"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Worker *worker.Service
	Queue  *queue.Service
	Store  records.Store
	Redis  *redis.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Redis)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	workerHandler := worker.NewHandler(d.Worker, d.Queue, d.Store)
	api.Post("/listings", workerHandler.HandleCreateListing)
	api.Get("/listings/:id", workerHandler.HandleGetListing)
	api.Post("/worker/run", workerHandler.HandleRunWorker)
	api.Get("/worker/stats", workerHandler.HandleQueueStats)

	return healthHandler
}
