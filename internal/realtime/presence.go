package realtime

import (
	"context"
	log "log/slog"
	"sync"
	"time"
)

// LastSeenRecorder 离线时间回写的落地方，尽力而为
type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, userID uint64, at time.Time) error
}

// PresenceTracker 在线状态追踪器。
// 纯粹是注册表 0↔非0 切换事件之上的视图，自身只保留
// 最近一次已广播的状态，用于抑制重复通知。
type PresenceTracker struct {
	registry *Registry
	recorder LastSeenRecorder

	mu      sync.Mutex
	online  map[uint64]bool
	lastSeq map[uint64]uint64
}

func NewPresenceTracker(registry *Registry, recorder LastSeenRecorder) *PresenceTracker {
	t := &PresenceTracker{
		registry: registry,
		recorder: recorder,
		online:   make(map[uint64]bool),
		lastSeq:  make(map[uint64]uint64),
	}
	registry.SetTransitionFunc(t.handleTransition)
	return t
}

// StatusOf 派生状态：有至少一条活跃连接即在线
func (t *PresenceTracker) StatusOf(userID uint64) string {
	if t.registry.IsOnline(userID) {
		return StatusOnline
	}
	return StatusOffline
}

// OnlineUserIDs 当前在线用户集合，直接取自注册表
func (t *PresenceTracker) OnlineUserIDs() []uint64 {
	return t.registry.OnlineUserIDs()
}

func (t *PresenceTracker) handleTransition(userID uint64, online bool, seq uint64) {
	t.mu.Lock()
	// 注册表在锁外触发回调，并发上下线时到达顺序可能与
	// 分配顺序相反；过期序号直接丢弃，新序号无条件记账，
	// 否则去重表会卡在旧状态上吞掉后续真实切换
	if seq <= t.lastSeq[userID] {
		t.mu.Unlock()
		return
	}
	t.lastSeq[userID] = seq
	if t.online[userID] == online {
		t.mu.Unlock()
		return
	}
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()

	status := StatusOffline
	if online {
		status = StatusOnline
	}

	data, err := EncodeEvent(EventTypePresence, PresenceEventPayload{User: userID, Status: status})
	if err != nil {
		log.Error("在线状态事件序列化失败", "userID", userID, "err", err)
		return
	}
	t.broadcast(data)

	if !online && t.recorder != nil {
		go t.stampLastSeen(userID)
	}
}

// broadcast 将在线状态变更推送给所有活跃连接
func (t *PresenceTracker) broadcast(data []byte) {
	for _, c := range t.registry.AllClients() {
		if !c.Enqueue(data) {
			t.registry.Unregister(c)
		}
	}
}

func (t *PresenceTracker) stampLastSeen(userID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := t.recorder.RecordLastSeen(ctx, userID, time.Now()); err != nil {
		log.Warn("last_seen 回写失败", "userID", userID, "err", err)
	}
}
