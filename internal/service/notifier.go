package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusworks/enroll-api/internal/models"
	"github.com/campusworks/enroll-api/pkg/jobs"
)

// NotificationEvent describes an enrollment request lifecycle event.
type NotificationEvent struct {
	Type        models.NotificationType
	RecipientID string
	Request     *models.EnrollmentRequest
}

// Notifier delivers lifecycle events. Delivery is best effort: callers log
// returned errors and never fail the triggering operation on them.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent) error
}

// NotifierFunc allows using plain functions as notifiers.
type NotifierFunc func(ctx context.Context, event NotificationEvent) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event NotificationEvent) error {
	return f(ctx, event)
}

type notificationStore interface {
	Create(ctx context.Context, notification *models.Notification) error
}

// QueueNotifier hands events to a background worker queue which persists
// them as notification rows. Enqueueing is the only synchronous step.
type QueueNotifier struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewQueueNotifier builds the notifier and its backing queue.
func NewQueueNotifier(store notificationStore, logger *zap.Logger, cfg jobs.QueueConfig) *QueueNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := func(ctx context.Context, job jobs.Job) error {
		event, ok := job.Payload.(NotificationEvent)
		if !ok {
			return fmt.Errorf("unexpected notification payload type %T", job.Payload)
		}
		payload, err := json.Marshal(event.Request)
		if err != nil {
			return fmt.Errorf("marshal notification payload: %w", err)
		}
		return store.Create(ctx, &models.Notification{
			RecipientID: event.RecipientID,
			Type:        event.Type,
			Payload:     payload,
			CreatedAt:   time.Now().UTC(),
		})
	}
	cfg.Logger = logger
	return &QueueNotifier{
		queue:  jobs.NewQueue("notifications", handler, cfg),
		logger: logger,
	}
}

// Start launches the delivery workers.
func (n *QueueNotifier) Start(ctx context.Context) {
	n.queue.Start(ctx)
}

// Stop drains the workers.
func (n *QueueNotifier) Stop() {
	n.queue.Stop()
}

// Notify enqueues the event for asynchronous delivery.
func (n *QueueNotifier) Notify(ctx context.Context, event NotificationEvent) error {
	job := jobs.Job{
		Type:    string(event.Type),
		Payload: event,
	}
	if event.Request != nil {
		job.ID = event.Request.ID
	}
	return n.queue.Enqueue(job)
}
