package mongo

import (
	"time"
)

// Message MongoDB 消息明细模型
// 消息一经写入即不可变，read_at 是唯一允许的后置更新且只能设置一次。
type Message struct {
	ID             string     `bson:"_id,omitempty" json:"id"`               // MongoDB 自动生成的 ObjectID
	ConversationID uint64     `bson:"conversation_id" json:"conversation_id"` // 关联 MySQL 的会话 ID
	SenderID       uint64     `bson:"sender_id" json:"sender_id"`            // 发送者 UID
	ReceiverID     uint64     `bson:"receiver_id" json:"receiver_id"`        // 接收者 UID
	Content        string     `bson:"content" json:"content"`                // 文本内容
	Seq            uint64     `bson:"seq" json:"seq"`                        // 该消息在会话中的唯一绝对序号 (来自 MySQL)
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"read_at"`      // 已读时间，未读为 null
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`          // 消息发送时间
}
