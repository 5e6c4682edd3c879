package notify

import (
	"sync"
	"time"

	"dcabot/logger"
)

// EventType 通知事件类型
type EventType string

const (
	EventOrderPlaced    EventType = "order_placed"
	EventOrderSkipped   EventType = "order_skipped" // 保证金不足或超过上限
	EventPositionClosed EventType = "position_closed"
	EventCycleError     EventType = "cycle_error"
	EventSystemStart    EventType = "system_start"
	EventSystemStop     EventType = "system_stop"
)

// Event 通知内容
type Event struct {
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier 通知渠道
type Notifier interface {
	Send(evt *Event) error
	Name() string
}

// Rules 各类事件是否通知
type Rules struct {
	OrderPlaced    bool `yaml:"order_placed"`
	OrderSkipped   bool `yaml:"order_skipped"`
	PositionClosed bool `yaml:"position_closed"`
	Error          bool `yaml:"error"`
}

// NotificationService 把事件分发到所有启用的渠道
type NotificationService struct {
	notifiers []Notifier
	rules     Rules
	wg        sync.WaitGroup
}

// NewNotificationService 创建通知服务，没有渠道时 Send 为空操作
func NewNotificationService(rules Rules, notifiers ...Notifier) *NotificationService {
	ns := &NotificationService{rules: rules}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		ns.notifiers = append(ns.notifiers, n)
		logger.Info("✅ %s 通知已启用", n.Name())
	}
	return ns
}

// Enabled 是否有可用渠道
func (ns *NotificationService) Enabled() bool {
	return ns != nil && len(ns.notifiers) > 0
}

func (ns *NotificationService) shouldNotify(t EventType) bool {
	switch t {
	case EventOrderPlaced:
		return ns.rules.OrderPlaced
	case EventOrderSkipped:
		return ns.rules.OrderSkipped
	case EventPositionClosed:
		return ns.rules.PositionClosed
	case EventCycleError:
		return ns.rules.Error
	default:
		return true
	}
}

// Send 异步发送，不阻塞调用方
func (ns *NotificationService) Send(evt *Event) {
	if !ns.Enabled() || evt == nil || !ns.shouldNotify(evt.Type) {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	for _, n := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			if err := n.Send(evt); err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(n)
	}
}

// Wait 等待已发出的通知完成（退出前调用）
func (ns *NotificationService) Wait() {
	if ns == nil {
		return
	}
	ns.wg.Wait()
}
