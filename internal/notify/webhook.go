package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Embed colours by severity.
var severityColors = map[Severity]int{
	SeverityInfo:     456521,
	SeverityWarning:  16098851,
	SeverityCritical: 15599624,
}

// Webhook posts events as Discord-compatible embed messages.
type Webhook struct {
	URL      string
	Username string
	client   *http.Client
}

// NewWebhook creates a webhook notifier. A nil client uses a client with a
// 10 second timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{URL: url, Username: "querygate", client: client}
}

type webhookPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []webhookEmbed `json:"embeds"`
}

type webhookEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []webhookField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func (w *Webhook) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(payloadFor(w.Username, e))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func payloadFor(username string, e Event) webhookPayload {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	embed := webhookEmbed{
		Title:       e.Title,
		Description: e.Message,
		Color:       severityColors[e.Severity],
	}
	for _, k := range keys {
		embed.Fields = append(embed.Fields, webhookField{Name: k, Value: e.Fields[k], Inline: true})
	}
	if !e.At.IsZero() {
		embed.Timestamp = e.At.UTC().Format(time.RFC3339)
	}

	return webhookPayload{
		Username: username,
		Content:  fmt.Sprintf("[%s] %s", e.Severity, e.Kind),
		Embeds:   []webhookEmbed{embed},
	}
}
