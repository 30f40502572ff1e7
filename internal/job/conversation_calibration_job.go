package job

import (
	"Parley/internal/pkg/mongo"
	"Parley/internal/repository"
	"context"
	"errors"
	log "log/slog"
	"time"

	mongodrv "go.mongodb.org/mongo-driver/mongo"
)

// ConversationCalibrationJob 会话预览校准任务。
// 消息写入 MongoDB 失败会走异步重试，会话表中的预览信息
// 可能与消息日志短暂漂移；本任务以消息日志为准修复预览，
// 并对日志空洞（定序成功但消息最终未落盘）告警。
type ConversationCalibrationJob struct {
	convRepo    repository.ConversationRepo
	messageRepo mongo.MessageRepo
}

func NewConversationCalibrationJob(convRepo repository.ConversationRepo, messageRepo mongo.MessageRepo) *ConversationCalibrationJob {
	return &ConversationCalibrationJob{
		convRepo:    convRepo,
		messageRepo: messageRepo,
	}
}

func (j *ConversationCalibrationJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	ids, err := j.convRepo.ListConversationIDs(ctx)
	if err != nil {
		log.Error("校准任务获取会话列表失败", "err", err)
		return
	}

	var repaired int
	for _, convID := range ids {
		latest, err := j.messageRepo.GetLatest(ctx, convID)
		if err != nil {
			if errors.Is(err, mongodrv.ErrNoDocuments) {
				continue
			}
			log.Error("校准任务读取消息日志失败", "conversationID", convID, "err", err)
			continue
		}

		conv, err := j.convRepo.GetConversation(ctx, convID)
		if err != nil {
			log.Error("校准任务读取会话失败", "conversationID", convID, "err", err)
			continue
		}

		if latest.Seq < conv.MaxMsgSeq {
			log.Warn("消息日志存在空洞",
				"conversationID", convID,
				"maxMsgSeq", conv.MaxMsgSeq,
				"latestLoggedSeq", latest.Seq)
			continue
		}

		if conv.LastMsgContent != latest.Content || !conv.LastMessageAt.Equal(latest.CreatedAt) {
			if err := j.convRepo.UpdatePreview(ctx, convID, latest.Content, latest.SenderID, latest.CreatedAt); err != nil {
				log.Error("校准任务修复预览失败", "conversationID", convID, "err", err)
				continue
			}
			repaired++
		}
	}

	log.Info("会话预览校准完成", "total", len(ids), "repaired", repaired)
}
