package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"

	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/permanent"
)

// Payload carries one rendered notification through a channel sender.
// Params: alert snapshot, escalation level, recipients, and message text.
// Returns: transport-neutral delivery unit.
type Payload struct {
	Alert      domain.Alert
	Level      int
	Recipients []string
	Message    string
}

// FormatMessage renders the plain-text notification body for one alert.
// Params: alert snapshot and escalation level.
// Returns: single-line summary shared by all channels.
func FormatMessage(alert domain.Alert, level int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: value=%g", strings.ToUpper(string(alert.Severity)), alert.RuleName, alert.LastValue)
	if level > 0 {
		fmt.Fprintf(&b, " (escalation level %d)", level)
	}
	fmt.Fprintf(&b, " triggered=%s", alert.TriggeredAt.UTC().Format(time.RFC3339))
	return b.String()
}

// ChannelSender delivers one notification payload over one transport.
// Params: delivery payload per call.
// Returns: nil on delivery; permanent-marked errors must not be retried.
type ChannelSender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

// TelegramSender delivers notifications through the Telegram bot API.
// Params: bot client and default chat target.
// Returns: sender for the telegram channel.
type TelegramSender struct {
	bot    *tgbot.Bot
	chatID string
}

// NewTelegramSender creates the telegram channel sender.
// Params: telegram channel config.
// Returns: initialized sender or bot construction error.
func NewTelegramSender(cfg config.TelegramChannel) (*TelegramSender, error) {
	b, err := tgbot.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSender{bot: b, chatID: cfg.ChatID}, nil
}

// Name returns the channel identifier.
// Params: none.
// Returns: "telegram".
func (s *TelegramSender) Name() string { return config.ChannelTelegram }

// Send delivers the payload to each recipient chat.
// Params: delivery payload; recipients are chat IDs, falling back to the
// configured default chat.
// Returns: first delivery error.
func (s *TelegramSender) Send(ctx context.Context, payload Payload) error {
	targets := payload.Recipients
	if len(targets) == 0 {
		targets = []string{s.chatID}
	}
	for _, chat := range targets {
		if strings.TrimSpace(chat) == "" {
			continue
		}
		_, err := s.bot.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: chat,
			Text:   payload.Message,
		})
		if err != nil {
			return fmt.Errorf("telegram send to %s: %w", chat, err)
		}
	}
	return nil
}

// WebhookSender delivers notifications as JSON POSTs to one HTTP endpoint.
// Params: destination URL and static headers.
// Returns: sender for the webhook channel.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// webhookBody is the wire shape of one webhook notification.
// Params: alert identity, state, and rendered message.
// Returns: JSON document posted to the endpoint.
type webhookBody struct {
	AlertID    string   `json:"alert_id"`
	Rule       string   `json:"rule"`
	Severity   string   `json:"severity"`
	Status     string   `json:"status"`
	Level      int      `json:"level"`
	Value      float64  `json:"value"`
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message"`
}

// NewWebhookSender creates the webhook channel sender.
// Params: webhook channel config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookChannel) *WebhookSender {
	return &WebhookSender{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the channel identifier.
// Params: none.
// Returns: "webhook".
func (s *WebhookSender) Name() string { return config.ChannelWebhook }

// Send posts the payload as JSON.
// Params: delivery payload.
// Returns: delivery error; non-retryable HTTP statuses come back permanent.
func (s *WebhookSender) Send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(webhookBody{
		AlertID:    payload.Alert.ID,
		Rule:       payload.Alert.RuleName,
		Severity:   string(payload.Alert.Severity),
		Status:     string(payload.Alert.Status),
		Level:      payload.Level,
		Value:      payload.Alert.LastValue,
		Recipients: payload.Recipients,
		Message:    payload.Message,
	})
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode webhook body: %w", err))
	}
	return postJSON(ctx, s.client, s.url, s.headers, body)
}

// ChatWebhookSender delivers notifications to a chat incoming-webhook endpoint.
// Params: webhook URL and optional channel override.
// Returns: sender for the chatwebhook channel.
type ChatWebhookSender struct {
	url     string
	channel string
	client  *http.Client
}

// NewChatWebhookSender creates the chat-webhook channel sender.
// Params: chat-webhook channel config.
// Returns: initialized sender.
func NewChatWebhookSender(cfg config.ChatWebhookChannel) *ChatWebhookSender {
	return &ChatWebhookSender{
		url:     cfg.URL,
		channel: cfg.Channel,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Name returns the channel identifier.
// Params: none.
// Returns: "chatwebhook".
func (s *ChatWebhookSender) Name() string { return config.ChannelChatWebhook }

// Send posts the message in incoming-webhook format.
// Params: delivery payload; recipients become @-mentions in the text.
// Returns: delivery error.
func (s *ChatWebhookSender) Send(ctx context.Context, payload Payload) error {
	text := payload.Message
	if len(payload.Recipients) > 0 {
		text = "@" + strings.Join(payload.Recipients, " @") + " " + text
	}
	doc := map[string]string{"text": text}
	if s.channel != "" {
		doc["channel"] = s.channel
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode chat webhook body: %w", err))
	}
	return postJSON(ctx, s.client, s.url, nil, body)
}

// postJSON performs one JSON POST and classifies the response status.
// Params: client, URL, extra headers, and encoded body.
// Returns: nil on 2xx; 4xx except 408/429 come back permanent, everything
// else stays retryable.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return nil
	case response.StatusCode == http.StatusRequestTimeout, response.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("post %s: status %d", url, response.StatusCode)
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return permanent.Mark(fmt.Errorf("post %s: status %d", url, response.StatusCode))
	default:
		return fmt.Errorf("post %s: status %d", url, response.StatusCode)
	}
}
