package realtime

import (
	log "log/slog"
	"sync"
	"time"
)

// TypingBroker 输入状态路由。
// 状态以 (sender, receiver) 为键，latest-wins，不排队不留痕；
// 过期定时器由服务端持有，发送方断线也能保证接收方最终看到
// 合成的 isTyping=false。
type TypingBroker struct {
	registry *Registry
	ttl      time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

type typingKey struct {
	sender   uint64
	receiver uint64
}

func NewTypingBroker(registry *Registry, ttl time.Duration) *TypingBroker {
	return &TypingBroker{
		registry: registry,
		ttl:      ttl,
		timers:   make(map[typingKey]*time.Timer),
	}
}

// Signal 处理一次输入状态信号。
// isTyping=true 立即转发并启动/刷新过期定时器；
// isTyping=false 取消定时器并立即转发。
func (b *TypingBroker) Signal(senderID, receiverID uint64, isTyping bool) {
	key := typingKey{sender: senderID, receiver: receiverID}

	b.mu.Lock()
	if t, ok := b.timers[key]; ok {
		t.Stop()
		delete(b.timers, key)
	}
	if isTyping {
		b.timers[key] = time.AfterFunc(b.ttl, func() {
			b.expire(key)
		})
	}
	b.mu.Unlock()

	b.deliver(senderID, receiverID, isTyping)
}

// expire 超时后合成一条停止输入信号
func (b *TypingBroker) expire(key typingKey) {
	b.mu.Lock()
	delete(b.timers, key)
	b.mu.Unlock()

	b.deliver(key.sender, key.receiver, false)
}

// deliver 接收方没有活跃连接时静默丢弃
func (b *TypingBroker) deliver(senderID, receiverID uint64, isTyping bool) {
	conns := b.registry.ConnectionsFor(receiverID)
	if len(conns) == 0 {
		return
	}

	data, err := EncodeEvent(EventTypeTyping, TypingEventPayload{Sender: senderID, IsTyping: isTyping})
	if err != nil {
		log.Error("输入状态事件序列化失败", "sender", senderID, "err", err)
		return
	}

	for _, c := range conns {
		if !c.Enqueue(data) {
			b.registry.Unregister(c)
		}
	}
}

// Stop 取消全部待触发的过期定时器
func (b *TypingBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, t := range b.timers {
		t.Stop()
		delete(b.timers, key)
	}
}
