// Package alert defines the alert transport capability set (§6.3) and two
// implementations: a Telegram bot transport and a no-op.
package alert

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"

	"whitelight/internal/logger"
)

// Severity is the urgency of an alert. CRITICAL alerts accompany session
// failures (§7); WARN accompanies skipped orders; INFO is routine.
type Severity string

const (
	Info     Severity = "INFO"
	Warn     Severity = "WARN"
	Critical Severity = "CRITICAL"
)

// Transport is the capability every alert sink implements. Delivery
// failures are logged but must never abort the session that raised them.
type Transport interface {
	Send(severity Severity, title, body string)
}

// FormatNotional renders a notional amount the way alert bodies present
// dollar figures, e.g. "$12,345".
func FormatNotional(dollars float64) string {
	return "$" + humanize.CommafWithDigits(dollars, 2)
}

// TelegramTransport posts HTML-formatted messages to a Telegram bot chat,
// gated by an enabled flag exactly the way the pack's notifier is gated —
// when disabled, Send is a logged no-op rather than a silent drop.
type TelegramTransport struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramTransport builds a transport for the given bot token and chat
// id. enabled controls whether Send actually calls the Telegram API.
func NewTelegramTransport(botToken, chatID string, enabled bool) *TelegramTransport {
	return &TelegramTransport{
		botToken: botToken,
		chatID:   chatID,
		enabled:  enabled,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramTransport) Send(severity Severity, title, body string) {
	if !t.enabled {
		logger.Info("ALERT", "telegram transport disabled, dropping: "+title)
		return
	}

	message := fmt.Sprintf("<b>[%s] %s</b>\n\n%s", severity, title, body)
	if err := t.sendMessage(message); err != nil {
		logger.Warn("ALERT", fmt.Sprintf("telegram send failed: %v", err))
	}
}

func (t *TelegramTransport) sendMessage(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", message)
	data.Set("parse_mode", "HTML")
	data.Set("disable_web_page_preview", "true")

	resp, err := t.client.PostForm(apiURL, data)
	if err != nil {
		return fmt.Errorf("telegram API error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error (%d): %s", resp.StatusCode, body)
	}
	logger.Success("ALERT", "telegram message sent")
	return nil
}

// NoopTransport discards every alert. Used when no transport is
// configured.
type NoopTransport struct{}

func (NoopTransport) Send(severity Severity, title, body string) {}
