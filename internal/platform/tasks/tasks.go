package tasks

import (
	"encoding/json"
	"listingengine/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypePipeline runs the AI normalization pipeline for a scraped
	// listing. It is processed outside the scrape concurrency gate.
	TaskTypePipeline = "pipeline:task"
)

// PipelinePayload identifies the preview record to normalize.
type PipelinePayload struct {
	PreviewID string `json:"preview_id"`
}

func NewPipelineTask(previewID string) (*asynq.Task, error) {
	payload, err := json.Marshal(PipelinePayload{PreviewID: previewID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePipeline, payload), nil
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}
