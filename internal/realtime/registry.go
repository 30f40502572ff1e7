package realtime

import (
	"sync"
)

const shardCount = 32

// TransitionFunc 用户连接数在 0↔非0 之间切换时的回调，
// 每次切换恰好触发一次，与该用户打开的连接数无关。
// seq 在分片锁内分配、同一用户严格递增；回调在锁外触发，
// 到达顺序可能与分配顺序交错，接收方必须丢弃 seq 过期的事件。
type TransitionFunc func(userID uint64, online bool, seq uint64)

// Registry 连接注册表。
// 按用户 ID 分片加锁，互不相关的用户不会竞争同一把锁；
// 同一用户允许多条并存连接（多标签页/多设备），表项为集合。
type Registry struct {
	shards       [shardCount]registryShard
	onTransition TransitionFunc
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[uint64]map[*Client]struct{}

	// 每用户的切换序号。表项在用户离线后保留，
	// 迟到的回调才能被识别为过期。
	epochs map[uint64]uint64
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[uint64]map[*Client]struct{})
		r.shards[i].epochs = make(map[uint64]uint64)
	}
	return r
}

// SetTransitionFunc 必须在注册表开始接收连接前设置
func (r *Registry) SetTransitionFunc(fn TransitionFunc) {
	r.onTransition = fn
}

func (r *Registry) shardFor(userID uint64) *registryShard {
	return &r.shards[userID%shardCount]
}

// Register 将连接登记到归属用户名下，对同一连接幂等
func (r *Registry) Register(c *Client) {
	s := r.shardFor(c.userID)

	s.mu.Lock()
	set, ok := s.conns[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		s.conns[c.userID] = set
	}
	if _, dup := set[c]; dup {
		s.mu.Unlock()
		return
	}
	wasOffline := len(set) == 0
	set[c] = struct{}{}
	var seq uint64
	if wasOffline {
		s.epochs[c.userID]++
		seq = s.epochs[c.userID]
	}
	s.mu.Unlock()

	if wasOffline && r.onTransition != nil {
		r.onTransition(c.userID, true, seq)
	}
}

// Unregister 摘除并关闭连接，重复调用为空操作
func (r *Registry) Unregister(c *Client) {
	s := r.shardFor(c.userID)

	s.mu.Lock()
	set, ok := s.conns[c.userID]
	if !ok {
		s.mu.Unlock()
		c.Close()
		return
	}
	if _, in := set[c]; !in {
		s.mu.Unlock()
		c.Close()
		return
	}
	delete(set, c)
	nowOffline := len(set) == 0
	var seq uint64
	if nowOffline {
		delete(s.conns, c.userID)
		s.epochs[c.userID]++
		seq = s.epochs[c.userID]
	}
	s.mu.Unlock()

	c.Close()

	if nowOffline && r.onTransition != nil {
		r.onTransition(c.userID, false, seq)
	}
}

// ConnectionsFor 返回调用时刻的连接快照。
// 快照可能与并发的注册/注销交错，向刚关闭的连接投递
// 按投递失败处理，不构成正确性问题。
func (r *Registry) ConnectionsFor(userID uint64) []*Client {
	s := r.shardFor(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.conns[userID]
	if len(set) == 0 {
		return nil
	}
	snapshot := make([]*Client, 0, len(set))
	for c := range set {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

func (r *Registry) IsOnline(userID uint64) bool {
	s := r.shardFor(userID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[userID]) > 0
}

// AllClients 全量连接快照，用于在线状态广播
func (r *Registry) AllClients() []*Client {
	var snapshot []*Client
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, set := range s.conns {
			for c := range set {
				snapshot = append(snapshot, c)
			}
		}
		s.mu.RUnlock()
	}
	return snapshot
}

// OnlineUserIDs 当前至少持有一条活跃连接的用户
func (r *Registry) OnlineUserIDs() []uint64 {
	var ids []uint64
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for userID := range s.conns {
			ids = append(ids, userID)
		}
		s.mu.RUnlock()
	}
	return ids
}
