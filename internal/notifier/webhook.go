package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xeostudio/project_downloader/internal/ledger"
)

// Notifier delivers a terminal DownloadEvent to an external listener.
// Delivery is best effort; the engine never blocks an outcome on it.
type Notifier interface {
	Notify(ctx context.Context, event ledger.Event) error
}

// WebhookNotifier posts events as JSON to a configured endpoint.
type WebhookNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (n *WebhookNotifier) Notify(ctx context.Context, event ledger.Event) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}
