package realtime

import (
	"Parley/internal/pkg/mongo"
	log "log/slog"
	"sync"
)

const dispatchStripes = 64

// Dispatcher 消息分发器。
// Publish 只接受已被持久层定序的消息；同一会话的投递由
// 条带锁串行化，保证每条连接观察到的顺序与 Seq 一致，
// 不同会话之间则完全并行。
type Dispatcher struct {
	registry *Registry
	locks    [dispatchStripes]sync.Mutex
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Publish 将持久化消息扇出到发送方与接收方的所有活跃连接。
// 发送方的其他连接收到的是回显，多设备会话据此保持一致。
func (d *Dispatcher) Publish(msg *mongo.Message) {
	mu := &d.locks[msg.ConversationID%dispatchStripes]
	mu.Lock()
	defer mu.Unlock()

	data, err := EncodeEvent(EventTypeMessage, msg)
	if err != nil {
		log.Error("消息事件序列化失败", "conversationID", msg.ConversationID, "seq", msg.Seq, "err", err)
		return
	}

	targets := d.registry.ConnectionsFor(msg.ReceiverID)
	if msg.SenderID != msg.ReceiverID {
		targets = append(targets, d.registry.ConnectionsFor(msg.SenderID)...)
	}

	for _, c := range targets {
		if c.Enqueue(data) {
			continue
		}
		// 投递失败只影响这一条连接，不重试；客户端重连后走补拉
		log.Warn("消息投递失败，摘除连接",
			"userID", c.UserID(), "connID", c.ID(),
			"conversationID", msg.ConversationID, "seq", msg.Seq)
		d.registry.Unregister(c)
	}
}
