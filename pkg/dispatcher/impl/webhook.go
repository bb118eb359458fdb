package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	logger "github.com/rs/zerolog/log"
)

// webhookContentTemplate mirrors the teacher's per-event Discord-content
// template, generalized from a per-chain-explorer Tableland receipt to a
// per-block ingestion summary.
const webhookContentTemplate = `
{{ if .Reorg }}
**Chain reorg handled:**

New tip block number: {{ .BlockNumber }}

{{ else }}
**Block indexed:**

Block number: {{ .BlockNumber }}
Matched events: {{ .MatchedCount }}

{{ end }}
`

// WebhookNotification is the content rendered and posted after DispatchAccept
// or DispatchReorg.
type WebhookNotification struct {
	BlockNumber  uint64
	MatchedCount int
	Reorg        bool
}

// WebhookSink posts a WebhookNotification to an operator-configured URL.
// Mirrors the teacher's Webhook interface (pkg/eventprocessor/impl/webhook.go)
// so multiple backends (Discord, generic JSON) can implement it.
type WebhookSink interface {
	Send(ctx context.Context, n WebhookNotification) error
}

func renderWebhookContent(n WebhookNotification) (string, error) {
	var buf bytes.Buffer
	tmpl, err := template.New("webhook").Parse(webhookContentTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing webhook template: %w", err)
	}
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", fmt.Errorf("executing webhook template: %w", err)
	}
	return buf.String(), nil
}

func postWebhookRequest(ctx context.Context, webhookURL string, body interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling webhook JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing webhook request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.With().Str("component", "webhook").Logger().Error().Err(err).Msg("closing response body")
		}
	}()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook request failed with status code: %d", resp.StatusCode)
	}
	return nil
}

// DiscordWebhookSink posts a notification to a Discord incoming-webhook URL,
// wrapping content in Discord's {"content": "..."} envelope.
type DiscordWebhookSink struct {
	URL string
}

func (s *DiscordWebhookSink) Send(ctx context.Context, n WebhookNotification) error {
	content, err := renderWebhookContent(n)
	if err != nil {
		return fmt.Errorf("rendering webhook content: %w", err)
	}
	body := struct {
		Content string `json:"content"`
	}{Content: content}
	return postWebhookRequest(ctx, s.URL, body)
}

// GenericWebhookSink posts the raw WebhookNotification as a JSON body, for
// operators who consume it with their own endpoint rather than Discord's.
type GenericWebhookSink struct {
	URL string
}

func (s *GenericWebhookSink) Send(ctx context.Context, n WebhookNotification) error {
	return postWebhookRequest(ctx, s.URL, n)
}

// NewWebhookSink selects DiscordWebhookSink or GenericWebhookSink based on
// urlStr's host, mirroring the teacher's NewWebhook constructor.
func NewWebhookSink(urlStr string) (WebhookSink, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if parsed.Hostname() == "discord.com" {
		return &DiscordWebhookSink{URL: parsed.String()}, nil
	}
	return &GenericWebhookSink{URL: parsed.String()}, nil
}
