package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramChannel delivers alerts via the Telegram bot API.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramChannel builds a TelegramChannel. An empty botToken or chatID
// makes Send a no-op.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{botToken: botToken, chatID: chatID, client: &http.Client{Timeout: 5 * time.Second}}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, alert Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "info"
	switch alert.Level {
	case Warning:
		icon = "warning"
	case Error:
		icon = "error"
	case Critical:
		icon = "critical"
	}

	text := fmt.Sprintf("[%s][%s] %s\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	for k, v := range alert.Fields {
		text += fmt.Sprintf("\n- %s: %s", k, v)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload := map[string]interface{}{"chat_id": t.chatID, "text": text}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned status %d", resp.StatusCode)
	}
	return nil
}
