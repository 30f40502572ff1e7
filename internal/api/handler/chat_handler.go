package handler

import (
	"Parley/internal/api/dto"
	"Parley/internal/pkg/response"
	"Parley/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService service.ChatService
}

func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// SendMessage 发送消息接口（持久化写路径）
func (s *ChatHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	// 从 Context 中获取中间件解析出的当前用户 ID
	senderID := c.GetUint64("user_id")

	res, err := s.chatService.SendMessage(c, senderID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// MarkAsRead 标记已读接口
func (s *ChatHandler) MarkAsRead(c *gin.Context) {
	messageID := c.Param("message_id")
	readerID := c.GetUint64("user_id")

	if err := s.chatService.MarkAsRead(c, readerID, messageID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// GetConversationList 获取会话列表
func (s *ChatHandler) GetConversationList(c *gin.Context) {
	userID := c.GetUint64("user_id")

	res, err := s.chatService.GetConversationList(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetHistory 获取历史消息，按序号升序分页
func (s *ChatHandler) GetHistory(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Param("conversation_id"), 10, 64)
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	userID := c.GetUint64("user_id")

	res, err := s.chatService.GetHistory(c, userID, convID, limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// SyncMessages 断线重连后按最后已知序号增量补拉
func (s *ChatHandler) SyncMessages(c *gin.Context) {
	convID, err := strconv.ParseUint(c.Query("conversation_id"), 10, 64)
	if err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}
	lastSeq, _ := strconv.ParseUint(c.Query("last_seq"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	userID := c.GetUint64("user_id")

	res, err := s.chatService.SyncMessages(c, userID, convID, lastSeq, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
