package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/models"
	"github.com/BTreeMap/CollectPipe/internal/store"
)

// JobKindInboundMessage is the job kind of queued inbound messages.
const JobKindInboundMessage = "inbound_message"

// Notifier wakes a job runner.
type Notifier interface {
	Notify()
}

// IngestionQueue turns inbound webhook messages into durable jobs.
type IngestionQueue struct {
	jobs     store.JobRepo
	dedup    store.DedupRepo
	notifier Notifier
	now      func() time.Time
}

// NewIngestionQueue creates a queue. notifier may be nil.
func NewIngestionQueue(jobs store.JobRepo, dedup store.DedupRepo, notifier Notifier) *IngestionQueue {
	return &IngestionQueue{jobs: jobs, dedup: dedup, notifier: notifier, now: time.Now}
}

// Enqueue normalizes the sender, stores the task as a job partitioned by the
// debtor key and returns the job ID. Replays of the same provider message ID
// return the pending job.
func (q *IngestionQueue) Enqueue(ctx context.Context, task models.InboundTask) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	phone, err := messaging.NormalizePhone(task.Phone)
	if err != nil {
		return "", err
	}
	task.Phone = phone
	if task.ReceivedAt.IsZero() {
		task.ReceivedAt = q.now().UTC()
	}
	key := models.DebtorKey(task.OwnerID, phone)

	dedupeKey := ""
	if task.MessageID != "" {
		dedupeKey = "inbound:" + task.MessageID
		if q.dedup != nil {
			fresh, err := q.dedup.RecordInbound(task.MessageID, key)
			if err != nil {
				return "", fmt.Errorf("record inbound: %w", err)
			}
			if !fresh {
				slog.Debug("IngestionQueue.Enqueue: replayed message", "messageID", task.MessageID)
			}
		}
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal inbound task: %w", err)
	}
	id, err := q.jobs.EnqueueJob(JobKindInboundMessage, task.ReceivedAt, string(payload), dedupeKey, key)
	if err != nil {
		return "", fmt.Errorf("enqueue inbound task: %w", err)
	}
	if q.notifier != nil {
		q.notifier.Notify()
	}
	slog.Debug("IngestionQueue.Enqueue: task queued", "taskID", id, "debtorKey", key)
	return id, nil
}

// RegisterJobHandlers registers the inbound message handler with runner.
func RegisterJobHandlers(runner *store.JobRunner, pipeline *Pipeline) {
	runner.RegisterHandler(JobKindInboundMessage, makeInboundHandler(pipeline))
}

func makeInboundHandler(pipeline *Pipeline) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var task models.InboundTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			slog.Error("JobHandler.inbound_message: invalid payload, dropping", "error", err)
			return nil
		}
		if _, err := pipeline.HandleInbound(ctx, task); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				slog.Warn("JobHandler.inbound_message: invalid task, dropping", "phone", task.Phone, "error", err)
				return nil
			}
			return err
		}
		return nil
	}
}
