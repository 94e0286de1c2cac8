// Package notify delivers best-effort run-completion notifications to
// Slack-compatible and generic webhooks. Delivery failures are logged and
// never propagated to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config controls when and where a run-completion notification is sent.
// It is read-only, consumed once when the run reaches its terminal status.
type Config struct {
	SlackWebhookURL string `json:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
	WebhookURL      string `json:"webhook_url,omitempty" mapstructure:"webhook_url"`

	NotifyOnSuccess bool `json:"notify_on_success" mapstructure:"notify_on_success"`

	// NotifyOnFailure defaults to true; use NewConfig to get the default.
	NotifyOnFailure bool `json:"notify_on_failure" mapstructure:"notify_on_failure"`

	// ScoreThreshold, when set, marks the run as a failure for notification
	// purposes if the summary average score falls below it.
	ScoreThreshold *float64 `json:"score_threshold,omitempty" mapstructure:"score_threshold"`
}

// NewConfig returns a Config with defaults applied.
func NewConfig() Config {
	return Config{NotifyOnFailure: true}
}

// Event is the run-completion payload delivered to webhooks.
type Event struct {
	RunID    string  `json:"run_id"`
	Status   string  `json:"status"`
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	AvgScore float64 `json:"avg_score"`
	Success  bool    `json:"success"`
}

// Notifier sends run-completion events.
type Notifier interface {
	// RunCompleted delivers a notification if the config asks for one.
	// Best-effort: delivery failure is logged, never returned.
	RunCompleted(ctx context.Context, cfg Config, event Event)
}

// WebhookNotifier posts JSON to the configured webhooks over HTTP.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NotifierOption configures a WebhookNotifier.
type NotifierOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) NotifierOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithNotifyLogger sets the logger for delivery failures.
func WithNotifyLogger(logger *slog.Logger) NotifierOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewWebhookNotifier creates a notifier with a 10 second delivery timeout.
func NewWebhookNotifier(opts ...NotifierOption) *WebhookNotifier {
	n := &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ShouldNotify decides whether the event warrants a notification under the
// config. A run counts as a failure when any case failed or the average
// score falls below the configured score threshold.
func ShouldNotify(cfg Config, event Event) bool {
	failure := event.Failed > 0 || event.Status != "completed"
	if cfg.ScoreThreshold != nil && event.AvgScore < *cfg.ScoreThreshold {
		failure = true
	}

	if failure {
		return cfg.NotifyOnFailure
	}
	return cfg.NotifyOnSuccess
}

// RunCompleted delivers the event to every configured webhook.
func (n *WebhookNotifier) RunCompleted(ctx context.Context, cfg Config, event Event) {
	if cfg.SlackWebhookURL == "" && cfg.WebhookURL == "" {
		return
	}
	if !ShouldNotify(cfg, event) {
		return
	}

	event.Success = event.Failed == 0 && event.Status == "completed"

	if cfg.WebhookURL != "" {
		n.post(ctx, cfg.WebhookURL, event)
	}
	if cfg.SlackWebhookURL != "" {
		n.post(ctx, cfg.SlackWebhookURL, slackMessage(event))
	}
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Warn("failed to encode notification", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("failed to build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected", "url", url, "status", resp.StatusCode)
	}
}

// slackMessage renders the event as a Slack incoming-webhook payload.
func slackMessage(event Event) map[string]any {
	icon := ":white_check_mark:"
	if !event.Success {
		icon = ":x:"
	}
	return map[string]any{
		"text": fmt.Sprintf("%s Eval run %s %s: %d/%d passed, avg score %.3f",
			icon, event.RunID, event.Status, event.Passed, event.Total, event.AvgScore),
	}
}

var _ Notifier = (*WebhookNotifier)(nil)
