package handler

import (
	"Parley/internal/api/config"
	"Parley/internal/api/dto"
	"Parley/internal/pkg/consts"
	"Parley/internal/pkg/redis"
	"Parley/internal/pkg/response"
	"Parley/internal/pkg/security"
	"Parley/internal/realtime"
	"Parley/internal/service"
	"context"
	log "log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const maxInboundFrameSize = 4096

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WsHandler struct {
	registry    *realtime.Registry
	typing      *realtime.TypingBroker
	chatService service.ChatService
}

func NewWsHandler(registry *realtime.Registry, typing *realtime.TypingBroker, chatService service.ChatService) *WsHandler {
	return &WsHandler{
		registry:    registry,
		typing:      typing,
		chatService: chatService,
	}
}

// Connect 实时通道握手。
// 鉴权失败的连接在进入注册表之前就被拒绝。
func (s *WsHandler) Connect(c *gin.Context) {
	// 鉴权
	token := c.Query("token")
	if token == "" {
		response.Error(c, service.UnauthorizedError)
		return
	}
	signature, err := security.ExtractSignature(token)
	if err != nil {
		response.Error(c, service.UnauthorizedError)
		return
	}
	revoked, err := redis.GetValue(c.Request.Context(), consts.TokenBlacklistKey+signature)
	if err != nil || revoked != "" {
		response.Error(c, service.UnauthorizedError)
		return
	}
	claims, err := security.ValidateToken(token)
	if err != nil {
		log.Warn("WS 鉴权失败", "err", err)
		response.Error(c, service.UnauthorizedError)
		return
	}
	userID := claims.UserID

	// 升级 Websocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WS 协议升级失败", "err", err)
		return
	}

	wsCfg := config.Cfg.WS
	pongWait := time.Duration(wsCfg.PongWait) * time.Second

	client := realtime.NewClient(userID, conn, wsCfg.SendQueueSize)
	s.registry.Register(client)
	go client.WritePump(time.Duration(wsCfg.PingPeriod) * time.Second)

	log.Info("用户 WS 连接已建立", "userID", userID, "connID", client.ID())

	conn.SetReadLimit(maxInboundFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// 读循环：入站事件路由 + 断开监听
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleEnvelope(userID, raw)
	}

	s.registry.Unregister(client)
	log.Info("用户 WS 连接已断开", "userID", userID, "connID", client.ID())
}

// handleEnvelope 路由一条入站事件。
// 负载非法只拒绝该条事件并记录日志，不关闭连接。
func (s *WsHandler) handleEnvelope(userID uint64, raw []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn("WS 事件信封解析失败", "userID", userID, "err", err)
		return
	}

	switch env.Type {
	case realtime.EventTypeMessage:
		var payload realtime.MessageSendPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Warn("WS 消息负载解析失败", "userID", userID, "err", err)
			return
		}
		req := &dto.SendMessageReq{ReceiverID: payload.Receiver, Content: payload.Content}
		if _, err := s.chatService.SendMessage(context.Background(), userID, req); err != nil {
			log.Warn("WS 消息发送失败", "userID", userID, "receiver", payload.Receiver, "err", err)
		}

	case realtime.EventTypeTyping:
		var payload realtime.TypingSignalPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Warn("WS 输入状态负载解析失败", "userID", userID, "err", err)
			return
		}
		s.typing.Signal(userID, payload.Receiver, payload.IsTyping)

	default:
		log.Warn("WS 未知事件类型", "userID", userID, "type", env.Type)
	}
}
