// Package bus 进程内消息总线：按 agent 名直投，或按事件类型订阅扇出。
package bus

import (
	"sync"
	"time"

	"agentcore/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInboxSize 收件箱默认容量
const DefaultInboxSize = 64

// Message 总线消息
type Message struct {
	ID        string
	Type      string // 事件类型，话题寻址用
	Sender    string
	Payload   map[string]any
	CreatedAt time.Time
}

// NewMessage 构造一条消息
func NewMessage(msgType, sender string, payload map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Sender:    sender,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Bus 进程级消息代理。每个注册 agent 持有一个有界 FIFO 收件箱；
// 同一收件箱内按发布顺序投递，跨收件箱不保证顺序。
type Bus struct {
	mu        sync.Mutex
	inboxSize int
	inboxes   map[string]chan Message
	subs      map[string]map[string]struct{} // 事件类型 -> 订阅者集合
	logger    *zap.Logger
}

// New 创建总线
func New(inboxSize int) *Bus {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Bus{
		inboxSize: inboxSize,
		inboxes:   make(map[string]chan Message),
		subs:      make(map[string]map[string]struct{}),
		logger:    logger.Named("bus"),
	}
}

// Register 注册 agent 并分配收件箱，幂等
func (b *Bus) Register(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agent]; ok {
		return
	}
	b.inboxes[agent] = make(chan Message, b.inboxSize)
}

// Unregister 注销 agent。收件箱不关闭，防止与在途 Publish 竞争。
func (b *Bus) Unregister(agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, agent)
	for _, subscribers := range b.subs {
		delete(subscribers, agent)
	}
}

// Subscribe 订阅事件类型，幂等。agent 未注册时丢弃并告警。
func (b *Bus) Subscribe(eventType, agent string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agent]; !ok {
		b.logger.Warn("订阅失败: agent 未注册",
			zap.String("agent", agent),
			zap.String("event_type", eventType),
		)
		return
	}
	if _, ok := b.subs[eventType]; !ok {
		b.subs[eventType] = make(map[string]struct{})
	}
	b.subs[eventType][agent] = struct{}{}
}

// Publish 发布消息。target 非空走直投；否则按 msg.Type 扇出给订阅者。
// 未知目标、无人订阅、收件箱满都按 fire-and-forget 丢弃并记日志。
func (b *Bus) Publish(msg Message, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target != "" {
		inbox, ok := b.inboxes[target]
		if !ok {
			b.logger.Warn("投递失败: 未知目标",
				zap.String("target", target),
				zap.String("message_id", msg.ID),
			)
			return
		}
		b.deliver(inbox, target, msg)
		return
	}

	subscribers, ok := b.subs[msg.Type]
	if !ok || len(subscribers) == 0 {
		b.logger.Error("投递失败: 事件类型无人订阅",
			zap.String("event_type", msg.Type),
			zap.String("message_id", msg.ID),
		)
		return
	}
	for agent := range subscribers {
		if inbox, ok := b.inboxes[agent]; ok {
			b.deliver(inbox, agent, msg)
		}
	}
}

// deliver 非阻塞投递；收件箱满即拒绝（背压）
func (b *Bus) deliver(inbox chan Message, agent string, msg Message) {
	select {
	case inbox <- msg:
	default:
		b.logger.Warn("投递失败: 收件箱已满",
			zap.String("agent", agent),
			zap.String("message_id", msg.ID),
		)
	}
}

// Poll 从 agent 收件箱取一条消息，最多阻塞 timeout。
// 返回 false 表示超时或 agent 未注册。
func (b *Bus) Poll(agent string, timeout time.Duration) (Message, bool) {
	b.mu.Lock()
	inbox, ok := b.inboxes[agent]
	b.mu.Unlock()
	if !ok {
		return Message{}, false
	}

	if timeout <= 0 {
		select {
		case msg := <-inbox:
			return msg, true
		default:
			return Message{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-inbox:
		return msg, true
	case <-timer.C:
		return Message{}, false
	}
}

// InboxLen 当前积压消息数
func (b *Bus) InboxLen(agent string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inbox, ok := b.inboxes[agent]; ok {
		return len(inbox)
	}
	return 0
}
