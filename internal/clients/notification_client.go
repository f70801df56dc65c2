package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coopledger/internal/notify"
)

// NotificationClient posts notification events to the notification service,
// which owns templates and email delivery. It implements notify.Sender.
type NotificationClient struct {
	baseURL string
	http    *http.Client
}

func NewNotificationClient(baseURL string) *NotificationClient {
	return &NotificationClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

// Send delivers msg. Client errors are permanent; server and transport
// errors may be retried.
func (c *NotificationClient) Send(ctx context.Context, msg notify.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %v: %w", err, notify.ErrPermanent)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %v: %w", err, notify.ErrPermanent)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("notification service: status %d", resp.StatusCode)
	default:
		return fmt.Errorf("notification service: status %d: %w", resp.StatusCode, notify.ErrPermanent)
	}
}
