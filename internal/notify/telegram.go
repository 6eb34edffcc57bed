package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
)

const (
	telegramAPI = "https://api.telegram.org"
	// telegramMaxText is the sendMessage limit after entity parsing; the raw
	// HTML is cut shorter so closing tags survive.
	telegramMaxText = 3800
)

// TelegramSender posts HTML messages through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a sender for one bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send renders title in bold above message. Overlong messages are sent as
// plain text so a cut never leaves an unclosed tag.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), message),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if len([]rune(msg.Text)) > telegramMaxText {
		msg.Text = truncate(title+"\n"+PlainText(message), telegramMaxText)
		msg.ParseMode = ""
	}
	return postJSON(ctx, t.client, "telegram", fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token), msg)
}

func (t *TelegramSender) Name() string { return "telegram" }
