package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/hashicorp/go-cleanhttp"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields,omitempty"`
	Fallback string       `json:"fallback"`
	Ts       int64        `json:"ts"`
}

type slackWebhookBody struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

var levelColors = map[Level]string{
	LevelInfo:     "#439FE0",
	LevelWarning:  "warning",
	LevelCritical: "danger",
}

// Sends alerts to a Slack "incoming webhook" as an attachment with a level-colored sidebar. The action target, when set, overrides the webhook's default channel.
//
// The incoming webhook must be already configured in the Slack workspace.
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Client:     cleanhttp.DefaultPooledClient(),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, target string, msg Message) error {
	if msg.Alert == nil {
		return fmt.Errorf("slack notifier: message without alert")
	}
	evt := msg.Alert

	names := make([]string, 0, len(evt.Values))
	for k := range evt.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]slackField, 0, len(names))
	for _, k := range names {
		fields = append(fields, slackField{Title: k, Value: fmt.Sprintf("%g", evt.Values[k]), Short: true})
	}

	color, ok := levelColors[evt.Level]
	if !ok {
		color = "#cccccc"
	}
	body, err := json.Marshal(slackWebhookBody{
		Channel: target,
		Attachments: []slackAttachment{{
			Color:    color,
			Title:    msg.Subject,
			Text:     msg.Body,
			Fields:   fields,
			Fallback: msg.Subject,
			Ts:       evt.TriggeredAt.Unix(),
		}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
