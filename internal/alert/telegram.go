package alert

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// TelegramNotifier posts alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	client   *resty.Client
}

type TelegramOptions struct {
	Enabled  bool
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

func NewTelegramNotifier(opts TelegramOptions) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &TelegramNotifier{
		enabled:  opts.Enabled,
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		client:   client,
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	var parsed telegramSendMessageResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("token", t.botToken).
		SetBody(telegramSendMessageRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return errors.Wrap(err, "telegram send")
	}
	if resp.IsError() {
		return errors.Errorf("telegram status=%d body=%s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(resp.Body()) > 0 && !parsed.OK {
		return errors.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
