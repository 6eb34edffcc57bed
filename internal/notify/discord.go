package notify

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Discord embed limits.
const (
	discordMaxTitle       = 256
	discordMaxDescription = 4096
)

// Embed colours keyed on the leading emoji FormatAction and FormatHealth use.
var discordColours = map[string]int{
	"🟢": 0x2ecc71,
	"🔔": 0x3498db,
	"⚠️": 0xe67e22,
	"✅": 0x2ecc71,
}

// DiscordSender posts embeds to a channel webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a sender for one webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     newHTTPClient(),
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type discordWebhook struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send flattens the HTML message into one embed.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	embed := discordEmbed{
		Title:       truncate(title, discordMaxTitle),
		Description: truncate(PlainText(message), discordMaxDescription),
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	for prefix, colour := range discordColours {
		if strings.HasPrefix(title, prefix) {
			embed.Color = colour
			break
		}
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, discordWebhook{Embeds: []discordEmbed{embed}})
}

func (d *DiscordSender) Name() string { return "discord" }
