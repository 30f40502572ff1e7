package service

import (
	"Parley/internal/pkg/consts"
	"Parley/internal/pkg/redis"
	"Parley/internal/realtime"
	"Parley/internal/repository"
	"context"
	"strconv"
	"time"
)

// lastSeenRecorder 离线时间的持久化落地：MySQL 为准，Redis 作快速读缓存
type lastSeenRecorder struct {
	userRepo repository.UserRepo
}

func NewLastSeenRecorder(userRepo repository.UserRepo) realtime.LastSeenRecorder {
	return &lastSeenRecorder{userRepo: userRepo}
}

func (r *lastSeenRecorder) RecordLastSeen(ctx context.Context, userID uint64, at time.Time) error {
	// 缓存失败不影响落库
	_ = redis.SetValue(ctx, consts.UserLastSeenKey+strconv.FormatUint(userID, 10), at.Format(time.RFC3339))

	return r.userRepo.UpdateLastSeen(ctx, userID, at)
}
