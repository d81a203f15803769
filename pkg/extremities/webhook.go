package extremities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alphonse-agent/nerve/pkg/models"
)

const webhookMaxRetries = 3

// Webhook POSTs each outbound message as JSON to a configured URL. It is
// the hook for external notification bridges (phone push relays, home
// dashboards); transient failures are retried with bounded backoff inside
// the delivery window.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates the webhook adapter for url. client may be nil.
func NewWebhook(url string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		client: client,
		logger: logger.With("component", "extremities", "adapter", "webhook"),
	}
}

func (w *Webhook) Key() string    { return "webhook" }
func (w *Webhook) External() bool { return true }

func (w *Webhook) Deliver(ctx context.Context, msg models.OutboundMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The endpoint rejected the payload; retrying will not help.
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err = backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(bo, webhookMaxRetries), ctx))
	if err != nil {
		return fmt.Errorf("failed to deliver to webhook: %w", err)
	}
	return nil
}
