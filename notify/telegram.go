package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier Telegram 机器人通知
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier 创建 Telegram 通知器
func NewTelegramNotifier(botToken, chatID string) (*TelegramNotifier, error) {
	if botToken == "" || chatID == "" {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}
	return &TelegramNotifier{
		baseURL:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 3 * time.Second},
	}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 发送通知
func (tn *TelegramNotifier) Send(evt *Event) error {
	payload := map[string]interface{}{
		"chat_id": tn.chatID,
		"text":    formatMessage(evt),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", tn.baseURL, tn.botToken)
	if err := postJSON(tn.client, 3*time.Second, url, jsonData); err != nil {
		return fmt.Errorf("Telegram API: %w", err)
	}
	return nil
}

// formatMessage 纯文本消息
func formatMessage(evt *Event) string {
	var emoji, title string
	switch evt.Type {
	case EventOrderPlaced:
		emoji, title = "📝", "订单已下单"
	case EventOrderSkipped:
		emoji, title = "⚠️", "下单被跳过"
	case EventPositionClosed:
		emoji, title = "💰", "仓位已平仓"
	case EventCycleError:
		emoji, title = "❌", "周期失败"
	case EventSystemStart:
		emoji, title = "🚀", "系统启动"
	case EventSystemStop:
		emoji, title = "🛑", "系统停止"
	default:
		emoji, title = "ℹ️", "系统通知"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", emoji, title)
	if evt.Symbol != "" {
		fmt.Fprintf(&b, " [%s]", evt.Symbol)
	}
	b.WriteString("\n")
	if evt.Message != "" {
		b.WriteString(evt.Message)
		b.WriteString("\n")
	}
	keys := make([]string, 0, len(evt.Data))
	for k := range evt.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Data[k])
	}
	fmt.Fprintf(&b, "时间: %s", evt.Timestamp.Format("2006-01-02 15:04:05"))
	return b.String()
}
