package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers signal messages to users through the
// Telegram Bot API. The user ID doubles as the private chat ID.
type TelegramSender struct {
	botToken string
	baseURL  string
	client   *http.Client
}

// NewTelegramSender creates a Telegram sender.
// botToken: Bot API token from @BotFather
func NewTelegramSender(botToken string) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		baseURL:  telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts one sendMessage call. A 403 response means the user has
// blocked the bot and maps to ErrUserBlocked.
func (t *TelegramSender) Send(ctx context.Context, userID int64, message string) (time.Duration, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":    strconv.FormatInt(userID, 10),
		"text":       escapeMarkdown(message),
		"parse_mode": "MarkdownV2",
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return elapsed, nil
	case http.StatusForbidden:
		return elapsed, ErrUserBlocked
	default:
		return elapsed, fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
