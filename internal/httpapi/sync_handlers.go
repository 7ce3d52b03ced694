package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"
	"github.com/atifkhan161/contract-crown-sub006/internal/reliability"
	"github.com/atifkhan161/contract-crown-sub006/internal/repository"

	"go.uber.org/zap"
)

// SyncCoordinator 处理器依赖的协调器能力
type SyncCoordinator interface {
	CurrentState(ctx context.Context, roomID string) (*models.CanonicalState, error)
	ApplyFallbackAction(ctx context.Context, eventType string, payload map[string]interface{}) error
	CompleteRoom(ctx context.Context, roomID string) error
	ReconcileStats() reconcile.StatsSnapshot
	DeliveryStats() map[string]reliability.DeliveryStats
}

// SyncHandler 同步服务 HTTP 处理器
type SyncHandler struct {
	coord  SyncCoordinator
	logger *zap.Logger
}

func NewSyncHandler(coord SyncCoordinator, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{coord: coord, logger: logger}
}

// GetRoomState GET /sync/api/v1/rooms/{roomID}/state
// 权威状态的只读快照（调试与客户端全量重取）
func (h *SyncHandler) GetRoomState(w http.ResponseWriter, r *http.Request, roomID string) {
	state, err := h.coord.CurrentState(r.Context(), roomID)
	if errors.Is(err, repository.ErrRoomNotFound) {
		writeJSON(w, http.StatusNotFound, Fail("room not found"))
		return
	}
	if err != nil {
		h.logger.Error("failed to load room state",
			zap.String("room_id", roomID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to load room state"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(state))
}

// ApplyFallback POST /sync/api/v1/fallback/{eventType}
// 推送通道耗尽后的兜底写入口：请求体是原始事件载荷
func (h *SyncHandler) ApplyFallback(w http.ResponseWriter, r *http.Request, eventType string) {
	var payload map[string]interface{}
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.coord.ApplyFallbackAction(r.Context(), eventType, payload); err != nil {
		h.logger.Warn("fallback action rejected",
			zap.String("event_type", eventType), zap.Error(err))
		writeJSON(w, http.StatusUnprocessableEntity, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"applied": eventType}))
}

// CompleteRoom POST /sync/api/v1/rooms/{roomID}/complete
// 游戏服务通知房间结束，同步侧拆除两侧表示
func (h *SyncHandler) CompleteRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	if err := h.coord.CompleteRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("room not found"))
			return
		}
		h.logger.Error("failed to complete room",
			zap.String("room_id", roomID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to complete room"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"roomId": roomID, "completed": true}))
}

// ReconcileStats GET /sync/api/v1/stats/reconcile
func (h *SyncHandler) ReconcileStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.coord.ReconcileStats()))
}

// DeliveryStats GET /sync/api/v1/stats/delivery
func (h *SyncHandler) DeliveryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.coord.DeliveryStats()))
}

// Health GET /health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
