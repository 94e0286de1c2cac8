package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldNotify(t *testing.T) {
	threshold := 0.8

	tests := []struct {
		name  string
		cfg   Config
		event Event
		want  bool
	}{
		{
			name:  "failure notified by default",
			cfg:   NewConfig(),
			event: Event{Status: "completed", Failed: 1},
			want:  true,
		},
		{
			name:  "success silent by default",
			cfg:   NewConfig(),
			event: Event{Status: "completed", Failed: 0, AvgScore: 1},
			want:  false,
		},
		{
			name: "success notified when opted in",
			cfg: Config{
				NotifyOnSuccess: true,
				NotifyOnFailure: true,
			},
			event: Event{Status: "completed"},
			want:  true,
		},
		{
			name: "low average score counts as failure",
			cfg: Config{
				NotifyOnFailure: true,
				ScoreThreshold:  &threshold,
			},
			event: Event{Status: "completed", Failed: 0, AvgScore: 0.5},
			want:  true,
		},
		{
			name: "failure suppressed when notifyOnFailure is off",
			cfg:  Config{NotifyOnFailure: false},
			event: Event{
				Status: "completed",
				Failed: 3,
			},
			want: false,
		},
		{
			name:  "cancelled run counts as failure",
			cfg:   NewConfig(),
			event: Event{Status: "cancelled"},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldNotify(tt.cfg, tt.event))
		})
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := NewConfig()
	cfg.WebhookURL = server.URL
	cfg.SlackWebhookURL = server.URL

	n := NewWebhookNotifier()
	n.RunCompleted(context.Background(), cfg, Event{
		RunID:  "run-1",
		Status: "completed",
		Total:  3,
		Passed: 2,
		Failed: 1,
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2, "both webhooks receive the event")

	var generic Event
	require.NoError(t, json.Unmarshal(bodies[0], &generic))
	assert.Equal(t, "run-1", generic.RunID)
	assert.Equal(t, 1, generic.Failed)
	assert.False(t, generic.Success)

	var slack map[string]any
	require.NoError(t, json.Unmarshal(bodies[1], &slack))
	assert.Contains(t, slack["text"], "run-1")
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	cfg := NewConfig()
	cfg.WebhookURL = "http://127.0.0.1:1/unreachable"

	n := NewWebhookNotifier()
	// Must not panic or return anything; failure is logged only.
	n.RunCompleted(context.Background(), cfg, Event{RunID: "run-1", Status: "completed", Failed: 1})
}

func TestNoWebhooksConfigured(t *testing.T) {
	n := NewWebhookNotifier()
	n.RunCompleted(context.Background(), NewConfig(), Event{Status: "completed", Failed: 5})
}

func TestSuppressedEventNotDelivered(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := NewConfig() // NotifyOnSuccess false
	cfg.WebhookURL = server.URL

	n := NewWebhookNotifier()
	n.RunCompleted(context.Background(), cfg, Event{Status: "completed", Failed: 0, AvgScore: 1})
	assert.False(t, called)
}
