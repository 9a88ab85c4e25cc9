package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// postJSON posts data as JSON and fails on non-2xx answers. The URL is
// redacted in errors because webhook URLs carry their token.
func postJSON(ctx context.Context, url string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", redact(url), redactErr(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", redact(url), resp.StatusCode)
	}
	return nil
}

// redactErr drops the *url.Error wrapper, whose message repeats the URL.
func redactErr(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}

// --- Slack ---
type Slack struct {
	WebhookURL string
}

func (s *Slack) Name() string { return "Slack" }
func (s *Slack) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{"text": fmt.Sprintf("*%s*\n%s", title, message)}
	return postJSON(ctx, s.WebhookURL, payload)
}

// --- Discord ---
type Discord struct {
	WebhookURL string
}

// Embed colours.
const (
	discordBlue = 3447003
	discordRed  = 15158332
)

func (d *Discord) Name() string { return "Discord" }
func (d *Discord) Send(ctx context.Context, title, message string) error {
	color := discordBlue
	if isFailureTitle(title) {
		color = discordRed
	}
	payload := map[string]interface{}{
		"username": "deployctl",
		"embeds":   []map[string]interface{}{{"title": title, "description": message, "color": color, "timestamp": time.Now().UTC().Format(time.RFC3339)}},
	}
	return postJSON(ctx, d.WebhookURL, payload)
}

// --- Generic Webhook ---
type Generic struct{ WebhookURL string }

func (g *Generic) Name() string { return "GenericWebhook" }
func (g *Generic) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{"title": title, "message": message, "agent": "deployctl"}
	return postJSON(ctx, g.WebhookURL, payload)
}

// redact strips credentials, paths and queries from webhook URLs, which
// usually embed the secret token.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<webhook>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
