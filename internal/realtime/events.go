package realtime

import (
	"github.com/goccy/go-json"
)

// 实时通道事件信封：{type, payload}
// type 的取值集合是封闭的，未知类型一律丢弃。
const (
	EventTypeMessage  = "message"
	EventTypeTyping   = "typing"
	EventTypePresence = "presence"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageSendPayload 客户端→服务端的消息发送请求。
// 服务端只信任 receiver 与 content，发送者身份取自连接本身。
type MessageSendPayload struct {
	Receiver uint64 `json:"receiver"`
	Content  string `json:"content"`
}

// TypingSignalPayload 客户端→服务端的输入状态信号
type TypingSignalPayload struct {
	Receiver uint64 `json:"receiver"`
	IsTyping bool   `json:"isTyping"`
}

// TypingEventPayload 服务端→客户端的输入状态推送
type TypingEventPayload struct {
	Sender   uint64 `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceEventPayload 服务端→客户端的在线状态推送
type PresenceEventPayload struct {
	User   uint64 `json:"user"`
	Status string `json:"status"`
}

// EncodeEvent 序列化出站事件信封
func EncodeEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}
