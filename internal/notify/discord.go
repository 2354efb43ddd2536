package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordLimit is the maximum length of a webhook message's content.
const discordLimit = 2000

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "stakeledger",
		client:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Send posts the alert with the title in bold. Content over Discord's limit
// is truncated.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}
	payload := map[string]string{
		"username": d.username,
		"content":  content,
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string {
	return "discord"
}
