package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/testutil"
)

func finishedRecord(callbackURL string) model.TaskRecord {
	return model.TaskRecord{
		TaskID: "task-1",
		Request: model.TaskRequest{
			Pattern:     "upload_pdf",
			Priority:    model.PriorityDefault,
			CallbackURL: callbackURL,
		},
		Agent:  "content-ingestion",
		Status: model.TaskStatusCompleted,
		Result: map[string]any{"pages": float64(3)},
	}
}

func TestWebhookDelivery(t *testing.T) {
	var received atomic.Int32
	var body Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewNotifier(nil, zap.NewNop())
	require.NoError(t, err)

	n.TaskFinished(context.Background(), finishedRecord(srv.URL))

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, "task-1", body.TaskID)
	assert.Equal(t, "completed", body.Status)
	assert.Equal(t, "content-ingestion", body.Agent)
	assert.Equal(t, map[string]any{"pages": float64(3)}, body.Result)
}

func TestWebhookRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewNotifier(nil, zap.NewNop())
	require.NoError(t, err)
	n.retryDelay = time.Millisecond

	n.TaskFinished(context.Background(), finishedRecord(srv.URL))

	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookDroppedAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewNotifier(nil, zap.NewNop())
	require.NoError(t, err)
	n.retryDelay = time.Millisecond

	// Drop is silent; the task outcome is unaffected.
	n.TaskFinished(context.Background(), finishedRecord(srv.URL))

	assert.Equal(t, int32(webhookRetries), calls.Load())
}

func TestNoCallbackConfigured(t *testing.T) {
	n, err := NewNotifier(nil, zap.NewNop())
	require.NoError(t, err)

	// No bus, no callback: nothing to do, nothing to fail.
	n.TaskFinished(context.Background(), finishedRecord(""))
}

func TestEventBusPublish(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	n, err := NewNotifier(js, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, testutil.WaitForStream(t, js, EventStreamName, 5*time.Second))

	rec := finishedRecord("")
	rec.Status = model.TaskStatusFailed
	rec.ErrorMessage = "downstream returned 500"
	rec.Result = nil
	n.TaskFinished(context.Background(), rec)

	sub, err := js.PullSubscribe(EventSubject, "notify-test")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var event Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, "failed", event.Status)
	assert.Equal(t, "downstream returned 500", event.Error)
}
