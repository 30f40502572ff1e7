package realtime

import (
	"Parley/internal/pkg/mongo"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func testMessage(convID uint64, sender, receiver uint64, seq uint64, content string) *mongo.Message {
	return &mongo.Message{
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
		Seq:            seq,
		CreatedAt:      time.Now(),
	}
}

func recvMessage(t *testing.T, c *Client) *mongo.Message {
	t.Helper()
	env := recvEvent(t, c)
	if env.Type != EventTypeMessage {
		t.Fatalf("expected message event, got %q", env.Type)
	}
	var msg mongo.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("decode message payload: %v", err)
	}
	return &msg
}

// 消息同时扇出给接收方与发送方的全部连接（发送方收到回显）
func TestDispatcherFansOutToBothParties(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)

	senderTab1 := newTestClient(1, 8)
	senderTab2 := newTestClient(1, 8)
	receiverTab := newTestClient(2, 8)
	r.Register(senderTab1)
	r.Register(senderTab2)
	r.Register(receiverTab)

	d.Publish(testMessage(100, 1, 2, 1, "hello"))

	for _, c := range []*Client{senderTab1, senderTab2, receiverTab} {
		msg := recvMessage(t, c)
		if msg.Seq != 1 || msg.Content != "hello" || msg.SenderID != 1 {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}
}

func TestDispatcherPreservesSeqOrder(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)

	receiver := newTestClient(2, 16)
	r.Register(receiver)

	for seq := uint64(1); seq <= 5; seq++ {
		d.Publish(testMessage(100, 1, 2, seq, "m"))
	}

	for seq := uint64(1); seq <= 5; seq++ {
		msg := recvMessage(t, receiver)
		if msg.Seq != seq {
			t.Fatalf("expected seq %d, got %d", seq, msg.Seq)
		}
	}
}

// 队列溢出只摘除慢连接，同用户的其他连接不受波及
func TestDispatcherOverflowEvictsOnlySlowConnection(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)

	slow := newTestClient(2, 1)
	healthy := newTestClient(2, 16)
	r.Register(slow)
	r.Register(healthy)

	d.Publish(testMessage(100, 1, 2, 1, "a"))
	d.Publish(testMessage(100, 1, 2, 2, "b")) // slow 的队列已满

	if r.IsOnline(2) != true {
		t.Fatal("healthy connection must keep the user online")
	}
	conns := r.ConnectionsFor(2)
	if len(conns) != 1 || conns[0] != healthy {
		t.Fatalf("expected only the healthy connection to remain, got %d", len(conns))
	}

	if msg := recvMessage(t, healthy); msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}
	if msg := recvMessage(t, healthy); msg.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", msg.Seq)
	}
}

func TestDispatcherOfflineReceiverIsNoOp(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)

	sender := newTestClient(1, 8)
	r.Register(sender)

	d.Publish(testMessage(100, 1, 2, 1, "hi"))

	// 发送方回显仍然送达
	if msg := recvMessage(t, sender); msg.Seq != 1 {
		t.Fatalf("expected echo with seq 1, got %d", msg.Seq)
	}
}

// 自发消息不重复投递
func TestDispatcherSelfMessageDeliveredOnce(t *testing.T) {
	r := NewRegistry()
	d := NewDispatcher(r)

	c := newTestClient(1, 8)
	r.Register(c)

	d.Publish(testMessage(100, 1, 1, 1, "note"))

	recvMessage(t, c)
	expectNoEvent(t, c)
}
