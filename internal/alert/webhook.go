package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel posts alarms to a Slack-compatible incoming webhook.
type WebhookChannel struct {
	webhookURL string
	client     *http.Client
}

func NewWebhookChannel(webhookURL string) *WebhookChannel {
	return &WebhookChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert Payload) error {
	if w.webhookURL == "" {
		return nil
	}

	var fields []map[string]interface{}
	for k, v := range alert.Details {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   "#ff0000",
				"pretext": fmt.Sprintf("[ALARM] %s", alert.Component),
				"text":    alert.Reason,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "HyperTrader",
			},
		},
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.webhookURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
