package service

import (
	"Parley/internal/api/dto"
	"Parley/internal/model"
	"Parley/internal/pkg/mongo"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

type stubUserRepo struct {
	users map[uint64]*model.User
}

func (s *stubUserRepo) CreateUser(_ context.Context, _ *model.User) error { return nil }
func (s *stubUserRepo) GetUserByID(_ context.Context, id uint64) (*model.User, error) {
	return s.users[id], nil
}
func (s *stubUserRepo) GetUserByEmail(_ context.Context, _ string) (*model.User, error) {
	return nil, nil
}
func (s *stubUserRepo) GetUserByUsername(_ context.Context, _ string) (*model.User, error) {
	return nil, nil
}
func (s *stubUserRepo) GetUsersByIDs(_ context.Context, _ []uint64) ([]*model.User, error) {
	return nil, nil
}
func (s *stubUserRepo) SearchUsers(_ context.Context, _ string) ([]*model.User, error) {
	return nil, nil
}
func (s *stubUserRepo) UpdateLastSeen(_ context.Context, _ uint64, _ time.Time) error { return nil }

type memberKey struct {
	convID uint64
	userID uint64
}

type stubConvRepo struct {
	mu sync.Mutex

	nextID   uint64
	byKey    map[string]*model.Conversation
	byID     map[uint64]*model.Conversation
	members  map[uint64][]uint64
	readSeqs map[memberKey]uint64

	incrErr error

	readSeqConv uint64
	readSeqUser uint64
	readSeqVal  uint64
}

func newStubConvRepo() *stubConvRepo {
	return &stubConvRepo{
		byKey:    make(map[string]*model.Conversation),
		byID:     make(map[uint64]*model.Conversation),
		members:  make(map[uint64][]uint64),
		readSeqs: make(map[memberKey]uint64),
	}
}

func (s *stubConvRepo) CreateConversation(_ context.Context, conv *model.Conversation, members []*model.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	conv.ID = s.nextID
	s.byKey[conv.PeerKey] = conv
	s.byID[conv.ID] = conv
	for _, m := range members {
		s.members[conv.ID] = append(s.members[conv.ID], m.UserID)
	}
	return nil
}

func (s *stubConvRepo) GetConversation(_ context.Context, convID uint64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[convID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return conv, nil
}

func (s *stubConvRepo) GetConversationByPeerKey(_ context.Context, peerKey string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byKey[peerKey]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return conv, nil
}

func (s *stubConvRepo) IsMember(_ context.Context, convID uint64, userID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.members[convID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// UpdateReadSeq 与真实实现一致：已读进度只允许前进
func (s *stubConvRepo) UpdateReadSeq(_ context.Context, convID, userID, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{convID: convID, userID: userID}
	if s.readSeqs[key] >= seq {
		return nil
	}
	s.readSeqs[key] = seq
	s.readSeqConv = convID
	s.readSeqUser = userID
	s.readSeqVal = seq
	return nil
}

// IncrMaxSeq 与真实实现一致：发送方的已读进度在同一事务内跟进
func (s *stubConvRepo) IncrMaxSeq(_ context.Context, convID uint64, lastMsg string, senderID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrErr != nil {
		return 0, s.incrErr
	}
	conv, ok := s.byID[convID]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	conv.MaxMsgSeq++
	conv.LastMsgContent = lastMsg
	conv.LastSenderID = senderID
	conv.LastMessageAt = time.Now()
	key := memberKey{convID: convID, userID: senderID}
	if s.readSeqs[key] < conv.MaxMsgSeq {
		s.readSeqs[key] = conv.MaxMsgSeq
	}
	return conv.MaxMsgSeq, nil
}

func (s *stubConvRepo) UpdatePreview(_ context.Context, _ uint64, _ string, _ uint64, _ time.Time) error {
	return nil
}

func (s *stubConvRepo) GetUserConversationMemList(_ context.Context, userID uint64) ([]*model.ConversationMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*model.ConversationMember
	for convID, userIDs := range s.members {
		for _, id := range userIDs {
			if id != userID {
				continue
			}
			conv := s.byID[convID]
			readSeq := s.readSeqs[memberKey{convID: convID, userID: userID}]
			res = append(res, &model.ConversationMember{
				ConversationID: convID,
				UserID:         userID,
				ReadMsgSeq:     readSeq,
				Conversation:   *conv,
				UnreadCount:    conv.MaxMsgSeq - readSeq,
			})
		}
	}
	return res, nil
}

func (s *stubConvRepo) ListConversationIDs(_ context.Context) ([]uint64, error) { return nil, nil }

type stubMessageRepo struct {
	mu sync.Mutex

	nextID    int
	byID      map[string]*mongo.Message
	saveFails int
	saveCalls chan struct{}

	markedID string
}

func newStubMessageRepo() *stubMessageRepo {
	return &stubMessageRepo{
		byID:      make(map[string]*mongo.Message),
		saveCalls: make(chan struct{}, 16),
	}
}

func (s *stubMessageRepo) SaveMessage(_ context.Context, msg *mongo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.saveCalls <- struct{}{}:
	default:
	}
	if s.saveFails > 0 {
		s.saveFails--
		return errors.New("mongo unavailable")
	}
	s.nextID++
	msg.ID = fmt.Sprintf("msg-%d", s.nextID)
	s.byID[msg.ID] = msg
	return nil
}

func (s *stubMessageRepo) GetHistory(_ context.Context, _ uint64, _ int, _ int) ([]*mongo.Message, error) {
	return nil, nil
}

func (s *stubMessageRepo) SyncMessages(_ context.Context, _ uint64, _ uint64, _ int) ([]*mongo.Message, error) {
	return nil, nil
}

func (s *stubMessageRepo) GetMessageByID(_ context.Context, id string) (*mongo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, mongodrv.ErrNoDocuments
	}
	return msg, nil
}

func (s *stubMessageRepo) MarkRead(_ context.Context, id string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedID = id
	if msg, ok := s.byID[id]; ok && msg.ReadAt == nil {
		msg.ReadAt = &readAt
	}
	return nil
}

func (s *stubMessageRepo) GetLatest(_ context.Context, _ uint64) (*mongo.Message, error) {
	return nil, mongodrv.ErrNoDocuments
}

type stubPublisher struct {
	mu   sync.Mutex
	msgs []*mongo.Message
}

func (p *stubPublisher) Publish(msg *mongo.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *stubPublisher) published() []*mongo.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*mongo.Message(nil), p.msgs...)
}

func newChatFixture() (*stubConvRepo, *stubMessageRepo, *stubUserRepo, *stubPublisher, ChatService) {
	convRepo := newStubConvRepo()
	messageRepo := newStubMessageRepo()
	userRepo := &stubUserRepo{users: map[uint64]*model.User{
		1: {ID: 1, Username: "alice"},
		2: {ID: 2, Username: "bob"},
	}}
	pub := &stubPublisher{}
	svc := NewChatService(convRepo, messageRepo, userRepo, pub)
	return convRepo, messageRepo, userRepo, pub, svc
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	_, _, _, pub, svc := newChatFixture()
	defer svc.Close()

	_, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "   "})
	if !errors.Is(err, ErrMessageEmpty) {
		t.Fatalf("expected ErrMessageEmpty, got %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatal("nothing must be published")
	}
}

func TestSendMessageRejectsInvalidTarget(t *testing.T) {
	_, _, _, _, svc := newChatFixture()
	defer svc.Close()

	if _, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 1, Content: "hi"}); !errors.Is(err, ErrTargetUserInvalid) {
		t.Fatalf("self-send: expected ErrTargetUserInvalid, got %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 0, Content: "hi"}); !errors.Is(err, ErrTargetUserInvalid) {
		t.Fatalf("zero receiver: expected ErrTargetUserInvalid, got %v", err)
	}
}

func TestSendMessageRejectsUnknownReceiver(t *testing.T) {
	_, _, _, _, svc := newChatFixture()
	defer svc.Close()

	_, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 99, Content: "hi"})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

// 定序失败时不得有任何连接看到这条消息
func TestSendMessageSequencerFailureSuppressesFanout(t *testing.T) {
	convRepo, _, _, pub, svc := newChatFixture()
	defer svc.Close()

	convRepo.incrErr = errors.New("db down")

	_, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "hi"})
	if err == nil {
		t.Fatal("expected error from sequencer")
	}
	if len(pub.published()) != 0 {
		t.Fatal("fan-out must not happen after sequencing failure")
	}
}

func TestSendMessageAssignsMonotonicSeqAndPublishes(t *testing.T) {
	convRepo, _, _, pub, svc := newChatFixture()
	defer svc.Close()

	m1, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "first"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// 反方向发送复用同一个会话
	m2, err := svc.SendMessage(context.Background(), 2, &dto.SendMessageReq{ReceiverID: 1, Content: "second"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if m1.Seq != 1 || m2.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", m1.Seq, m2.Seq)
	}
	if m1.ConversationID != m2.ConversationID {
		t.Fatalf("both directions must share one conversation, got %d and %d", m1.ConversationID, m2.ConversationID)
	}
	if len(convRepo.byKey) != 1 {
		t.Fatalf("expected single conversation, got %d", len(convRepo.byKey))
	}

	msgs := pub.published()
	if len(msgs) != 2 || msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("unexpected publish order: %+v", msgs)
	}
}

func unreadFor(t *testing.T, svc ChatService, userID uint64) uint64 {
	t.Helper()
	list, err := svc.GetConversationList(context.Background(), userID)
	if err != nil {
		t.Fatalf("conversation list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}
	return list[0].UnreadCount
}

// 未读数只面向接收方：发出的消息不能计入发送方自己的未读
func TestSendMessageDoesNotInflateSenderUnread(t *testing.T) {
	_, _, _, _, svc := newChatFixture()
	defer svc.Close()

	if _, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "one"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "two"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := unreadFor(t, svc, 1); got != 0 {
		t.Fatalf("sender unread must stay 0, got %d", got)
	}
	if got := unreadFor(t, svc, 2); got != 2 {
		t.Fatalf("receiver unread must be 2, got %d", got)
	}

	if err := svc.MarkAsRead(context.Background(), 2, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := unreadFor(t, svc, 2); got != 0 {
		t.Fatalf("receiver unread must clear to 0, got %d", got)
	}
}

// 迟到的旧回执不能把已读进度拉回去
func TestReadProgressNeverRegresses(t *testing.T) {
	convRepo, _, _, _, svc := newChatFixture()
	defer svc.Close()

	if _, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "one"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "two"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := svc.MarkAsRead(context.Background(), 2, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := unreadFor(t, svc, 2); got != 0 {
		t.Fatalf("unread must be 0 after receipt, got %d", got)
	}

	// 基于旧 MaxMsgSeq 的回执在新回执之后才落库
	if err := convRepo.UpdateReadSeq(context.Background(), msg.ConversationID, 2, 1); err != nil {
		t.Fatalf("stale receipt: %v", err)
	}
	if got := unreadFor(t, svc, 2); got != 0 {
		t.Fatalf("stale receipt must not resurrect unread, got %d", got)
	}
}

// Mongo 落盘失败不阻断实时投递，由后台工作池补偿
func TestSendMessageMongoFailureStillPublishes(t *testing.T) {
	_, messageRepo, _, pub, svc := newChatFixture()
	defer svc.Close()

	messageRepo.saveFails = 1

	m, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "hi"})
	if err != nil {
		t.Fatalf("send must succeed despite mongo failure: %v", err)
	}
	if m.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", m.Seq)
	}
	if len(pub.published()) != 1 {
		t.Fatal("message must still fan out")
	}

	// 等待重试工作池的第二次落盘
	deadline := time.After(3 * time.Second)
	for calls := 0; calls < 2; {
		select {
		case <-messageRepo.saveCalls:
			calls++
		case <-deadline:
			t.Fatal("retry worker did not re-attempt save")
		}
	}
}

func markReadFixture(t *testing.T) (*stubConvRepo, *stubMessageRepo, ChatService, *mongo.Message) {
	t.Helper()
	convRepo, messageRepo, _, _, svc := newChatFixture()

	msg, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return convRepo, messageRepo, svc, msg
}

func TestMarkAsReadUnknownMessage(t *testing.T) {
	_, _, _, _, svc := newChatFixture()
	defer svc.Close()

	if err := svc.MarkAsRead(context.Background(), 2, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

// 只有接收方能确认已读
func TestMarkAsReadRejectsNonReceiver(t *testing.T) {
	convRepo, messageRepo, svc, msg := markReadFixture(t)
	defer svc.Close()

	if err := svc.MarkAsRead(context.Background(), 1, msg.ID); !errors.Is(err, ErrNotReceiver) {
		t.Fatalf("expected ErrNotReceiver, got %v", err)
	}
	if messageRepo.markedID != "" {
		t.Fatal("read_at must not be touched by non-receiver")
	}
	if convRepo.readSeqVal != 0 {
		t.Fatal("read progress must not advance for non-receiver")
	}
}

func TestMarkAsReadAdvancesProgressAndStampsOnce(t *testing.T) {
	convRepo, messageRepo, svc, msg := markReadFixture(t)
	defer svc.Close()

	if err := svc.MarkAsRead(context.Background(), 2, msg.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if messageRepo.markedID != msg.ID {
		t.Fatalf("expected read_at set on %s, got %q", msg.ID, messageRepo.markedID)
	}
	if convRepo.readSeqConv != msg.ConversationID || convRepo.readSeqUser != 2 || convRepo.readSeqVal != 1 {
		t.Fatalf("read progress not advanced to max seq: conv=%d user=%d seq=%d",
			convRepo.readSeqConv, convRepo.readSeqUser, convRepo.readSeqVal)
	}

	firstReadAt := *messageRepo.byID[msg.ID].ReadAt

	// 重复回执幂等：首次已读时间不被改写，进度仍推到最新
	if _, err := svc.SendMessage(context.Background(), 1, &dto.SendMessageReq{ReceiverID: 2, Content: "again"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.MarkAsRead(context.Background(), 2, msg.ID); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !messageRepo.byID[msg.ID].ReadAt.Equal(firstReadAt) {
		t.Fatal("first read_at must be preserved")
	}
	if convRepo.readSeqVal != 2 {
		t.Fatalf("read progress must follow current max seq, got %d", convRepo.readSeqVal)
	}
}

func TestHistoryAndSyncRequireMembership(t *testing.T) {
	_, _, svc, msg := markReadFixture(t)
	defer svc.Close()

	if _, err := svc.GetHistory(context.Background(), 99, msg.ConversationID, 10, 0); !errors.Is(err, UnauthorizedError) {
		t.Fatalf("history: expected UnauthorizedError, got %v", err)
	}
	if _, err := svc.SyncMessages(context.Background(), 99, msg.ConversationID, 0, 10); !errors.Is(err, UnauthorizedError) {
		t.Fatalf("sync: expected UnauthorizedError, got %v", err)
	}

	if _, err := svc.GetHistory(context.Background(), 1, msg.ConversationID, 10, 0); err != nil {
		t.Fatalf("member history: %v", err)
	}
	if _, err := svc.SyncMessages(context.Background(), 2, msg.ConversationID, 0, 10); err != nil {
		t.Fatalf("member sync: %v", err)
	}
}

func TestPeerKeyNormalization(t *testing.T) {
	if peerKeyFor(7, 3) != "3_7" || peerKeyFor(3, 7) != "3_7" {
		t.Fatal("peer key must be order-independent")
	}

	peer, err := parsePeerID("3_7", 7)
	if err != nil || peer != 3 {
		t.Fatalf("expected peer 3, got %d (%v)", peer, err)
	}
	peer, err = parsePeerID("3_7", 3)
	if err != nil || peer != 7 {
		t.Fatalf("expected peer 7, got %d (%v)", peer, err)
	}
}

func TestNormalizeLimit(t *testing.T) {
	if normalizeLimit(0) != 50 || normalizeLimit(-5) != 50 {
		t.Fatal("non-positive limit must default to 50")
	}
	if normalizeLimit(500) != 200 {
		t.Fatal("limit must cap at 200")
	}
	if normalizeLimit(20) != 20 {
		t.Fatal("in-range limit must pass through")
	}
}
