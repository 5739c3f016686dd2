package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/security"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body when the
// run supplied a secret.
const SignatureHeader = "X-Formfuzz-Signature"

// WebhookPayload is posted to a run's webhook when it finishes.
type WebhookPayload struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	ResultURL  string    `json:"result_url"`
	FinishedAt int64     `json:"finished_at"`
}

// Notifier delivers completion webhooks.
type Notifier struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewNotifier creates a notifier. baseURL prefixes the result URL sent to
// receivers.
func NewNotifier(client *http.Client, baseURL string, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, baseURL: baseURL, logger: logger.Named("webhook")}
}

// Notify posts the run outcome. Delivery failures are logged, not returned
// to the run.
func (n *Notifier) Notify(ctx context.Context, run *Run) {
	if err := n.send(ctx, run); err != nil {
		n.logger.Warn("Webhook delivery failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (n *Notifier) send(ctx context.Context, run *Run) error {
	notify := run.Request.Notify
	if notify == nil || notify.WebhookURL == "" {
		return nil
	}

	data, err := json.Marshal(WebhookPayload{
		RunID:      run.ID,
		Status:     run.Status,
		Error:      run.Error,
		ResultURL:  fmt.Sprintf("%s/formfuzz/runs/%s/result", n.baseURL, run.ID),
		FinishedAt: run.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notify.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Formfuzz-Event", "run."+string(run.Status))
	if notify.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, security.GenerateWebhookSignature(data, notify.WebhookSecret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("Webhook delivered", zap.String("run_id", run.ID), zap.Int("status", resp.StatusCode))
	return nil
}
