package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*redis.Client, *Journal) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	j := NewJournal(client, "room:reconcile:events", zap.NewNop())
	return client, j
}

func TestRecordPass_PublishesEntry(t *testing.T) {
	client, j := setupTestRedis(t)
	ctx := context.Background()

	res := &reconcile.PassResult{
		State:      &models.CanonicalState{RoomID: "r1", HostID: "A", Version: 6},
		OldVersion: 5,
		NewVersion: 6,
		Trigger:    "toggle-ready",
		Inconsistencies: []models.Inconsistency{
			models.NewInconsistency(models.ReadyMismatch, "r1", "A", false, true),
		},
	}

	j.RecordPass(ctx, res)

	// 落盘在后台进行，调用方不等待
	var msgs []redis.XMessage
	require.Eventually(t, func() bool {
		var err error
		msgs, err = client.XRange(ctx, "room:reconcile:events", "-", "+").Result()
		return err == nil && len(msgs) == 1
	}, time.Second, 5*time.Millisecond)

	var entry PassEntry
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &entry))
	assert.Equal(t, "r1", entry.RoomID)
	assert.Equal(t, "toggle-ready", entry.Trigger)
	assert.Equal(t, int64(5), entry.OldVersion)
	assert.Equal(t, int64(6), entry.NewVersion)
	assert.Equal(t, []models.InconsistencyKind{models.ReadyMismatch}, entry.Kinds)
}

func TestRecordPass_NilClientIsNoop(t *testing.T) {
	j := NewJournal(nil, "room:reconcile:events", zap.NewNop())
	j.RecordPass(context.Background(), &reconcile.PassResult{
		State: &models.CanonicalState{RoomID: "r1"},
	})
	// 不 panic 即可：禁用日志时所有写入为空操作
}
