package realtime

import (
	log "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client 一条已认证的实时连接。
// 连接只持有归属用户的 ID，不反向持有注册表；出站推送全部经过
// 有界的 send 队列，由独立的 WritePump 串行落到底层连接上，
// 发布方永远不会被慢消费者阻塞。
type Client struct {
	id     string
	userID uint64
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewClient(userID uint64, conn *websocket.Conn, queueSize int) *Client {
	return &Client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() uint64 { return c.userID }

// Enqueue 非阻塞入队。返回 false 表示连接已关闭或队列已满，
// 调用方应将该连接视为投递失败并从注册表摘除。
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		// 队列溢出：不做无界缓冲，客户端以持久化日志为准
		return false
	}
}

// Close 幂等关闭，丢弃所有未投递的出站数据
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// WritePump 独占底层连接的写端，排空出站队列并维持心跳
func (c *Client) WritePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Info("WS 写失败，连接退出", "userID", c.userID, "connID", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
