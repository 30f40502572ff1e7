package service

import (
	"Parley/internal/api/dto"
	"Parley/internal/model"
	"Parley/internal/pkg/mongo"
	"Parley/internal/repository"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

const sendStripes = 64

// MessagePublisher 已定序消息的实时扇出入口
type MessagePublisher interface {
	Publish(msg *mongo.Message)
}

// ChatService 即时通讯服务接口定义
type ChatService interface {
	SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*mongo.Message, error)
	MarkAsRead(ctx context.Context, readerID uint64, messageID string) error
	GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error)
	GetHistory(ctx context.Context, userID uint64, convID uint64, limit, offset int) ([]*mongo.Message, error)
	SyncMessages(ctx context.Context, userID uint64, convID uint64, lastSeq uint64, limit int) ([]*mongo.Message, error)
	Close()
}

type chatServiceImpl struct {
	convRepo    repository.ConversationRepo
	messageRepo mongo.MessageRepo
	userRepo    repository.UserRepo
	publisher   MessagePublisher

	// 同一会话的定序与扇出必须整体串行，否则两次并发发送
	// 可能以与 Seq 相反的顺序调用 Publish
	sendLocks [sendStripes]sync.Mutex

	retryChan chan *mongo.Message
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// NewChatService 构造函数：初始化服务并启动异步校准工作池
func NewChatService(
	convRepo repository.ConversationRepo,
	messageRepo mongo.MessageRepo,
	userRepo repository.UserRepo,
	publisher MessagePublisher,
) ChatService {
	s := &chatServiceImpl{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		userRepo:    userRepo,
		publisher:   publisher,
		retryChan:   make(chan *mongo.Message, 2048),
		stopChan:    make(chan struct{}),
	}

	workerCount := 5
	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go s.calibrationWorker()
	}

	return s
}

// SendMessage 发送消息。
// 消息只有在 MySQL 定序成功后才会扇出；定序失败直接返回错误，
// 此时没有任何连接会看到这条消息。
func (s *chatServiceImpl) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*mongo.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrMessageEmpty
	}
	if req.ReceiverID == senderID || req.ReceiverID == 0 {
		return nil, ErrTargetUserInvalid
	}

	receiver, err := s.userRepo.GetUserByID(ctx, req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, ErrUserNotFound
	}

	convID, err := s.getOrCreateConversation(ctx, senderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	mu := &s.sendLocks[convID%sendStripes]
	mu.Lock()
	defer mu.Unlock()

	// MySQL 原子定序
	newSeq, err := s.convRepo.IncrMaxSeq(ctx, convID, req.Content, senderID)
	if err != nil {
		return nil, err
	}

	msgModel := &mongo.Message{
		ConversationID: convID,
		SenderID:       senderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Seq:            newSeq,
		CreatedAt:      time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.messageRepo.SaveMessage(writeCtx, msgModel); err != nil {
		select {
		case s.retryChan <- msgModel:
		default:
		}
	}

	s.publisher.Publish(msgModel)

	return msgModel, nil
}

// MarkAsRead 标记已读。
// read_at 只在首次回执时落盘；读者的未读数通过把已读进度推到
// 会话当前最大序号清零。非接收方的回执不产生任何副作用。
func (s *chatServiceImpl) MarkAsRead(ctx context.Context, readerID uint64, messageID string) error {
	msg, err := s.messageRepo.GetMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, mongodrv.ErrNoDocuments) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.ReceiverID != readerID {
		return ErrNotReceiver
	}

	if msg.ReadAt == nil {
		if err := s.messageRepo.MarkRead(ctx, msg.ID, time.Now()); err != nil {
			return err
		}
	}

	conv, err := s.convRepo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	return s.convRepo.UpdateReadSeq(ctx, msg.ConversationID, readerID, conv.MaxMsgSeq)
}

// GetConversationList 获取会话列表
func (s *chatServiceImpl) GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error) {
	members, err := s.convRepo.GetUserConversationMemList(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := make([]*dto.ConversationDTO, 0, len(members))
	for _, m := range members {
		peerID, err := parsePeerID(m.Conversation.PeerKey, userID)
		if err != nil {
			return nil, ErrConversation
		}
		res = append(res, &dto.ConversationDTO{
			ConversationID: m.ConversationID,
			PeerID:         peerID,
			LastMsgContent: m.Conversation.LastMsgContent,
			LastSenderID:   m.Conversation.LastSenderID,
			LastMessageAt:  m.Conversation.LastMessageAt,
			UnreadCount:    m.UnreadCount,
		})
	}
	return res, nil
}

// GetHistory 按序号升序分页拉取会话消息
func (s *chatServiceImpl) GetHistory(ctx context.Context, userID uint64, convID uint64, limit, offset int) ([]*mongo.Message, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return nil, UnauthorizedError
	}

	return s.messageRepo.GetHistory(ctx, convID, normalizeLimit(limit), offset)
}

// SyncMessages 断线重连后的增量补拉
func (s *chatServiceImpl) SyncMessages(ctx context.Context, userID uint64, convID uint64, lastSeq uint64, limit int) ([]*mongo.Message, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return nil, UnauthorizedError
	}

	return s.messageRepo.SyncMessages(ctx, convID, lastSeq, normalizeLimit(limit))
}

func (s *chatServiceImpl) Close() {
	close(s.stopChan)
	s.wg.Wait()
	log.Info("ChatService shut down gracefully")
}

// getOrCreateConversation 针对单聊：获取或创建会话
func (s *chatServiceImpl) getOrCreateConversation(ctx context.Context, userID, targetUserID uint64) (uint64, error) {
	peerKey := peerKeyFor(userID, targetUserID)

	conv, err := s.convRepo.GetConversationByPeerKey(ctx, peerKey)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	newConv := &model.Conversation{
		PeerKey:       peerKey,
		LastMessageAt: time.Now(),
	}
	members := []*model.ConversationMember{
		{UserID: userID, JoinedAt: time.Now()},
		{UserID: targetUserID, JoinedAt: time.Now()},
	}

	if err := s.convRepo.CreateConversation(ctx, newConv, members); err != nil {
		// 两个方向的首条消息并发创建时会撞 peer_key 唯一索引，
		// 以落库成功的那条为准
		if isDuplicateError(err) {
			conv, err := s.convRepo.GetConversationByPeerKey(ctx, peerKey)
			if err != nil {
				return 0, err
			}
			return conv.ID, nil
		}
		return 0, err
	}
	return newConv.ID, nil
}

func isDuplicateError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return false
}

func (s *chatServiceImpl) calibrationWorker() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.retryChan:
			backoff := time.Second
			for i := 0; i < 3; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := s.messageRepo.SaveMessage(ctx, msg)
				cancel()
				if err == nil {
					break
				}
				time.Sleep(backoff)
				backoff *= 2
			}
		case <-s.stopChan:
			return
		}
	}
}

// peerKeyFor 生成单聊唯一的 PeerKey，(A,B) 与 (B,A) 归一
func peerKeyFor(a, b uint64) string {
	if a < b {
		return fmt.Sprintf("%d_%d", a, b)
	}
	return fmt.Sprintf("%d_%d", b, a)
}

func parsePeerID(peerKey string, currentUserID uint64) (uint64, error) {
	var u1, u2 uint64
	_, err := fmt.Sscanf(peerKey, "%d_%d", &u1, &u2)
	if err != nil {
		return 0, err
	}
	if u1 == currentUserID {
		return u2, nil
	}
	return u1, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
