package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// POSTs the alert event as JSON to the action's target URL, throttled across all targets.
type WebhookNotifier struct {
	Client  *http.Client
	Limiter *rate.Limiter
	// used when an action has no target
	DefaultURL string
}

type webhookBody struct {
	Event
	Text string `json:"text"`
}

func NewWebhookNotifier(client *http.Client, perSecond float64) *WebhookNotifier {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &WebhookNotifier{
		Client:  client,
		Limiter: lim,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, target string, msg Message) error {
	if target == "" {
		target = n.DefaultURL
	}
	if target == "" {
		return fmt.Errorf("webhook notifier: no target URL")
	}
	if msg.Alert == nil {
		return fmt.Errorf("webhook notifier: message without alert")
	}
	if n.Limiter != nil {
		if err := n.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	b, err := json.Marshal(webhookBody{Event: *msg.Alert, Text: msg.Body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "modgate-alerting")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("alert webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alert webhook: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
