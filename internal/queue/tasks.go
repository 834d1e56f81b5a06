package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelproxy/internal/domain"
)

const TypeRender = "image:render"

type RenderPayload struct {
	JobID       string           `json:"job_id"`
	UserID      string           `json:"user_id,omitempty"`
	SourceType  string           `json:"source_type"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	ObjectKey   string           `json:"object_key"`
	AcceptWebP  bool             `json:"accept_webp,omitempty"`
	Variants    []domain.Variant `json:"variants"`
	RequestedAt time.Time        `json:"requested_at"`
}

// PayloadForJob builds the task payload that renders job.
func PayloadForJob(job domain.Job, now time.Time) RenderPayload {
	return RenderPayload{
		JobID:       job.ID,
		UserID:      job.UserID,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		ObjectKey:   job.ObjectKey,
		AcceptWebP:  job.AcceptWebP,
		Variants:    job.Variants,
		RequestedAt: now.UTC(),
	}
}

func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRender, body), nil
}

func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	if payload.JobID == "" {
		return RenderPayload{}, fmt.Errorf("render payload missing job_id")
	}
	return payload, nil
}
