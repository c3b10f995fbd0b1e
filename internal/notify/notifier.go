package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
)

const (
	// EventStreamName is the JetStream stream holding task lifecycle events
	EventStreamName = "TASK_EVENTS"

	// EventSubject is the subject task completion events are published on
	EventSubject = "task.events"

	eventStreamMaxAge = 24 * time.Hour

	// webhookRetries bounds callback delivery attempts. After the last
	// attempt the event is dropped and logged; delivery never alters the
	// task's terminal status.
	webhookRetries    = 3
	webhookRetryDelay = 500 * time.Millisecond
	webhookTimeout    = 5 * time.Second
)

// Event is the task completion notification sent to the event bus and to
// the task's callback URL when one was supplied.
type Event struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Agent     string    `json:"agent"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes task completion events. Both sinks are best-effort:
// a failed publish or callback is logged and dropped.
type Notifier struct {
	logger *zap.Logger
	client *http.Client

	// nil when no event bus is configured
	js nats.JetStreamContext

	retryDelay time.Duration
}

// NewNotifier creates a notifier. js may be nil to disable the event bus.
func NewNotifier(js nats.JetStreamContext, logger *zap.Logger) (*Notifier, error) {
	n := &Notifier{
		logger:     logger.Named("notifier"),
		client:     &http.Client{Timeout: webhookTimeout},
		js:         js,
		retryDelay: webhookRetryDelay,
	}

	if js != nil {
		if err := n.setupStream(); err != nil {
			return nil, fmt.Errorf("failed to setup event stream: %w", err)
		}
	}

	return n, nil
}

func (n *Notifier) setupStream() error {
	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:     EventStreamName,
		Subjects: []string{EventSubject},
		Storage:  nats.FileStorage,
		MaxAge:   eventStreamMaxAge,
	})
	if err != nil {
		// If stream already exists, that's okay
		if err == nats.ErrStreamNameAlreadyInUse {
			n.logger.Info("Stream already exists", zap.String("stream", EventStreamName))
			return nil
		}
		return err
	}

	n.logger.Info("Stream created successfully", zap.String("stream", EventStreamName))
	return nil
}

// TaskFinished publishes the completion event for a terminal task record
func (n *Notifier) TaskFinished(ctx context.Context, rec model.TaskRecord) {
	event := Event{
		TaskID:    rec.TaskID,
		Status:    string(rec.Status),
		Agent:     rec.Agent,
		Result:    rec.Result,
		Error:     rec.ErrorMessage,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal event",
			zap.String("task_id", rec.TaskID),
			zap.Error(err))
		return
	}

	n.publishBus(event, data)

	if rec.Request.CallbackURL != "" {
		n.deliverWebhook(ctx, rec.Request.CallbackURL, event, data)
	}
}

func (n *Notifier) publishBus(event Event, data []byte) {
	if n.js == nil {
		return
	}

	if _, err := n.js.Publish(EventSubject, data); err != nil {
		n.logger.Error("Failed to publish event",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return
	}

	n.logger.Debug("Event published",
		zap.String("task_id", event.TaskID),
		zap.String("status", event.Status))
}

// deliverWebhook POSTs the event to the callback URL with bounded retries
func (n *Notifier) deliverWebhook(ctx context.Context, url string, event Event, data []byte) {
	var lastErr error

	for attempt := 1; attempt <= webhookRetries; attempt++ {
		lastErr = n.postOnce(ctx, url, data)
		if lastErr == nil {
			n.logger.Debug("Callback delivered",
				zap.String("task_id", event.TaskID),
				zap.String("url", url),
				zap.Int("attempt", attempt))
			return
		}

		if attempt < webhookRetries {
			select {
			case <-time.After(n.retryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = webhookRetries
			}
		}
	}

	n.logger.Warn("Callback dropped after retries",
		zap.String("task_id", event.TaskID),
		zap.String("url", url),
		zap.Int("attempts", webhookRetries),
		zap.Error(lastErr))
}

func (n *Notifier) postOnce(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
