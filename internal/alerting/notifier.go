package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/events"
)

// Notification 封装告警上下文。
type Notification struct {
	Event         events.Event
	Reason        string
	Environment   string
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("action", string(note.Event.Action)).
		Str("phase", string(note.Event.Phase)).
		Str("record_id", note.Event.RecordID).
		Str("reason", note.Reason).
		Msg("alert sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	ev := note.Event
	builder := strings.Builder{}
	builder.WriteString("[Exchange Risk Alert]\n")
	if note.Environment != "" {
		builder.WriteString(fmt.Sprintf("Environment: %s\n", note.Environment))
	}
	builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	builder.WriteString(fmt.Sprintf("Action: %s (%s)\n", ev.Action, ev.Phase))
	if ev.RecordName != "" {
		builder.WriteString(fmt.Sprintf("Exchange: %s\n", ev.RecordName))
	}
	if ev.RecordID != "" {
		builder.WriteString(fmt.Sprintf("Record: %s\n", ev.RecordID))
	}
	if ev.RiskScore > 0 {
		builder.WriteString(fmt.Sprintf("Risk: %d/10\n", ev.RiskScore))
	}
	if ev.Liquidity > 0 {
		builder.WriteString(fmt.Sprintf("Liquidity: %sM\n", decimal.NewFromFloat(ev.Liquidity).StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Message: %s\n", ev.Message))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", ev.At.UTC().Format(time.RFC3339)))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
