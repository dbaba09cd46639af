package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Embed colours keyed by title prefix.
const (
	colorDefault = 0x3498db
	colorFailure = 0xe74c3c
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a sender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "riskpilot",
		client:     &http.Client{Timeout: defaultSendTimeout},
		now:        time.Now,
	}
}

// Send posts the alert. Failure alerts are rendered red.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorDefault
	if strings.HasPrefix(title, failedTitlePrefix) {
		color = colorFailure
	}
	msg := discordMessage{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       title,
			Description: message,
			Color:       color,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, msg, nil); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string {
	return "discord"
}
