package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// PassEntry 写入流的对账记录
type PassEntry struct {
	RoomID     string                     `json:"roomId"`
	Trigger    string                     `json:"trigger"`
	Kinds      []models.InconsistencyKind `json:"kinds"`
	OldVersion int64                      `json:"oldVersion"`
	NewVersion int64                      `json:"newVersion"`
	At         int64                      `json:"at"`
}

// Journal 对账事件日志
// 每次产生变更的对账写一条记录到 Redis Streams，供运维侧消费
// 不是第二事实来源：写失败只记日志，从不影响对账流程
type Journal struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewJournal 创建对账日志（client 为 nil 时所有写入为空操作）
func NewJournal(client *redis.Client, stream string, logger *zap.Logger) *Journal {
	return &Journal{client: client, stream: stream, logger: logger}
}

// RecordPass 写入一条对账记录
// 条目在调用方线程上构造，落盘放到后台：慢 Redis 不会拖住房间循环
func (j *Journal) RecordPass(ctx context.Context, res *reconcile.PassResult) {
	if j.client == nil || res == nil {
		return
	}

	entry := PassEntry{
		RoomID:     res.State.RoomID,
		Trigger:    res.Trigger,
		OldVersion: res.OldVersion,
		NewVersion: res.NewVersion,
		At:         time.Now().Unix(),
	}
	for _, inc := range res.Inconsistencies {
		entry.Kinds = append(entry.Kinds, inc.Kind)
	}

	go j.publish(ctx, entry)
}

func (j *Journal) publish(ctx context.Context, entry PassEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		j.logger.Warn("failed to marshal journal entry", zap.Error(err))
		return
	}

	if err := j.client.XAdd(ctx, &redis.XAddArgs{
		Stream: j.stream,
		Values: map[string]interface{}{
			"data":      string(data),
			"timestamp": fmt.Sprintf("%d", entry.At),
		},
	}).Err(); err != nil {
		j.logger.Warn("failed to publish journal entry",
			zap.String("room_id", entry.RoomID), zap.Error(err))
	}
}
