// Package notify delivers order status notifications to an external webhook.
// Delivery is fire-and-forget: enqueueing never blocks the caller and
// failures are retried in the background, then dropped.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"escrowd/native/settlement"
)

const (
	headerSignature  = "X-Escrowd-Signature"
	headerDeliveryID = "X-Escrowd-Delivery"

	defaultQueueCapacity = 256
	maxAttempts          = 3
)

type payload struct {
	DeliveryID string `json:"deliveryId"`
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	OccurredAt string `json:"occurredAt"`
}

// Webhook posts HMAC-signed JSON notifications to a single endpoint.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
	queue  chan payload
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewWebhook builds a notifier for the endpoint. An empty URL yields a
// notifier that drops everything, which keeps wiring unconditional.
func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan payload, defaultQueueCapacity),
		logger: logger,
		nowFn:  time.Now,
	}
}

// Notify enqueues a delivery. It never blocks: when the queue is full the
// notification is dropped and logged.
func (w *Webhook) Notify(_ context.Context, orderID string, status settlement.Status) {
	if w == nil || w.url == "" {
		return
	}
	p := payload{
		DeliveryID: uuid.NewString(),
		OrderID:    orderID,
		Status:     status.String(),
		OccurredAt: w.nowFn().UTC().Format(time.RFC3339),
	}
	select {
	case w.queue <- p:
	default:
		w.logger.Warn("webhook queue full, dropping notification", "orderId", orderID, "status", p.Status)
	}
}

// Start runs the delivery worker until the context is cancelled.
func (w *Webhook) Start(ctx context.Context) {
	if w == nil || w.url == "" {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			w.deliver(ctx, p)
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		w.logger.Warn("webhook payload marshal failed", "orderId", p.OrderID, "error", err)
		return
	}
	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := w.post(ctx, p.DeliveryID, body); err == nil {
			return
		} else if attempt == maxAttempts {
			w.logger.Warn("webhook delivery abandoned", "orderId", p.OrderID, "attempts", attempt, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (w *Webhook) post(ctx context.Context, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeliveryID, deliveryID)
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set(headerSignature, hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return http.StatusText(e.code) }
