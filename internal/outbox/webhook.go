package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

// WebhookSender POSTs the task payload as JSON to the task target. Outbound
// requests are throttled across all targets.
type WebhookSender struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSender allows rps requests per second with a burst of the same
// size (at least 1). A non-positive rps disables throttling.
func NewWebhookSender(client *http.Client, rps float64) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &WebhookSender{client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (w *WebhookSender) Send(ctx context.Context, task *store.OutboundTask) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.Target, bytes.NewReader(task.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("invalid webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "funnel-goat-webhook/1")
	req.Header.Set("X-FunnelGoat-Event", task.Kind)
	req.Header.Set("X-FunnelGoat-Delivery", task.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return Permanent(fmt.Errorf("webhook rejected with %d", resp.StatusCode))
	}
}
