package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/repository"
	"github.com/atifkhan161/contract-crown-sub006/internal/transport"

	"go.uber.org/zap"
)

// ErrReconcileConflict 对账写回连续两次输掉版本竞争（可恢复，调用方稍后重试）
var ErrReconcileConflict = errors.New("reconciliation lost version race twice")

// PassResult 一次产生了变更的对账结果
type PassResult struct {
	State           *models.CanonicalState
	Inconsistencies []models.Inconsistency
	OldVersion      int64
	NewVersion      int64
	Trigger         string
}

// Engine 状态对账引擎
// 检出传输层镜像与存储层之间的字段级分歧，按字段归属策略合并：
// host/status/ready/team 以存储层为准，连接状态以传输层为准，
// 成员关系以存储层为准（传输层独有的幽灵玩家超龄后丢弃）
type Engine struct {
	repo     repository.RoomRepository
	registry *transport.Registry
	logger   *zap.Logger

	// 幽灵玩家保留时长（默认一个对账间隔）
	ghostTTL time.Duration

	stats *Stats

	mu       sync.Mutex
	periodic map[string]context.CancelFunc
}

// NewEngine 创建对账引擎
func NewEngine(repo repository.RoomRepository, registry *transport.Registry, ghostTTL time.Duration, historyLimit int, logger *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		registry: registry,
		logger:   logger,
		ghostTTL: ghostTTL,
		stats:    NewStats(historyLimit),
		periodic: make(map[string]context.CancelFunc),
	}
}

// Detect 字段级分歧检测
// 比较 host、status、成员集合，以及两侧都有的玩家的 ready/team/连接状态
// 无任何分歧时返回空列表
func (e *Engine) Detect(stored *models.StoredRoom, snap *transport.RoomSnapshot) []models.Inconsistency {
	roomID := stored.Room.ID
	var incs []models.Inconsistency

	if snap.HostID != "" && snap.HostID != stored.Room.HostID {
		incs = append(incs, models.NewInconsistency(models.HostMismatch, roomID, "", snap.HostID, stored.Room.HostID))
	}
	if snap.Status != "" && snap.Status != stored.Room.Status {
		incs = append(incs, models.NewInconsistency(models.StatusMismatch, roomID, "", snap.Status, stored.Room.Status))
	}

	for i := range stored.Players {
		sp := &stored.Players[i]
		tp, ok := snap.Players[sp.PlayerID]
		if !ok {
			incs = append(incs, models.NewInconsistency(models.MissingPlayer, roomID, sp.PlayerID, nil, sp.PlayerID))
			continue
		}
		if tp.Ready != sp.Ready {
			incs = append(incs, models.NewInconsistency(models.ReadyMismatch, roomID, sp.PlayerID, tp.Ready, sp.Ready))
		}
		if tp.Team != sp.Team {
			incs = append(incs, models.NewInconsistency(models.TeamMismatch, roomID, sp.PlayerID, tp.Team, sp.Team))
		}
		// 存储层没有连接概念：当前连接状态和最近一次广播呈现的不一致时
		// 上报一次（断开和重连对称），权威状态广播后即视为已收敛
		if tp.Connected == tp.DisconnectReported {
			incs = append(incs, models.NewInconsistency(models.ConnectionMismatch, roomID, sp.PlayerID, tp.Connected, nil))
		}
	}

	for _, id := range sortedPlayerIDs(snap) {
		if stored.FindPlayer(id) == nil {
			tp := snap.Players[id]
			incs = append(incs, models.NewInconsistency(models.ExtraPlayer, roomID, id, tp.PlayerID, nil))
		}
	}

	return incs
}

// Resolve 按字段归属策略合并出权威状态
// 成员以存储层为准；传输层独有但尚未超龄的玩家暂保留（join 提交可能在途）
func (e *Engine) Resolve(incs []models.Inconsistency, stored *models.StoredRoom, snap *transport.RoomSnapshot) (*models.CanonicalState, error) {
	if stored.Room.ID == "" || stored.Room.HostID == "" {
		return nil, fmt.Errorf("store row for room is incomplete, refusing to merge")
	}

	state := &models.CanonicalState{
		RoomID: stored.Room.ID,
		HostID: stored.Room.HostID,
		Status: stored.Room.Status,
	}

	for i := range stored.Players {
		sp := &stored.Players[i]
		cp := models.CanonicalPlayer{
			PlayerID:    sp.PlayerID,
			DisplayName: sp.DisplayName,
			Ready:       sp.Ready,
			Team:        sp.Team,
		}
		if tp, ok := snap.Players[sp.PlayerID]; ok {
			cp.Connected = tp.Connected
			if cp.DisplayName == "" {
				cp.DisplayName = tp.DisplayName
			}
		}
		state.Players = append(state.Players, cp)
	}

	now := time.Now()
	for _, id := range sortedPlayerIDs(snap) {
		if stored.FindPlayer(id) != nil {
			continue
		}
		tp := snap.Players[id]
		if !tp.MissingSince.IsZero() && now.Sub(tp.MissingSince) >= e.ghostTTL {
			// 超龄幽灵：存储层的成员关系反映已提交的进出，直接丢弃
			e.logger.Info("dropping stale transport-only player",
				zap.String("room_id", stored.Room.ID),
				zap.String("player_id", id),
				zap.Duration("missing_for", now.Sub(tp.MissingSince)),
			)
			continue
		}
		state.Players = append(state.Players, models.CanonicalPlayer{
			PlayerID:    tp.PlayerID,
			DisplayName: tp.DisplayName,
			Ready:       tp.Ready,
			Team:        tp.Team,
			Connected:   tp.Connected,
		})
	}

	return state, nil
}

// Reconcile 对账入口：读存储行、取镜像快照、检测、合并、乐观写回
// 无分歧时返回 (nil, nil)：不提版本、不广播
// 写回遇到版本冲突时整个流程自动重试一次，再次冲突返回 ErrReconcileConflict
func (e *Engine) Reconcile(ctx context.Context, roomID, trigger string) (*PassResult, error) {
	res, err := e.reconcileOnce(ctx, roomID, trigger)
	if errors.Is(err, repository.ErrVersionConflict) {
		e.logger.Warn("write-back lost version race, retrying pass",
			zap.String("room_id", roomID), zap.String("trigger", trigger))
		res, err = e.reconcileOnce(ctx, roomID, trigger)
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, ErrReconcileConflict
		}
	}
	return res, err
}

func (e *Engine) reconcileOnce(ctx context.Context, roomID, trigger string) (*PassResult, error) {
	mirror := e.registry.Get(roomID)
	if mirror == nil {
		return nil, nil
	}

	stored, err := e.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load store row for reconciliation: %w", err)
	}

	// 幽灵计龄：先标记存储层缺失的镜像玩家，再取快照
	now := time.Now()
	pre := mirror.Snapshot()
	for id := range pre.Players {
		if stored.FindPlayer(id) == nil {
			mirror.MarkMissingFromStore(id, now)
		} else {
			mirror.ClearMissing(id)
		}
	}
	snap := mirror.Snapshot()

	incs := e.Detect(stored, snap)
	if len(incs) == 0 {
		e.stats.RecordPass(roomID, trigger, nil)
		return nil, nil
	}

	state, err := e.Resolve(incs, stored, snap)
	if err != nil {
		// 本轮没有安全的合并结果：记录后放弃，房间保持原状
		e.logger.Error("resolve failed, skipping pass",
			zap.String("room_id", roomID), zap.Error(err))
		return nil, nil
	}

	newVersion, err := e.repo.ApplyCanonical(ctx, state, stored.Room.Version)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to write back canonical state: %w", err)
	}

	state.Version = newVersion
	state.Timestamp = now
	mirror.ApplyCanonical(state)

	e.stats.RecordPass(roomID, trigger, incs)
	e.logger.Info("reconciliation pass applied",
		zap.String("room_id", roomID),
		zap.String("trigger", trigger),
		zap.Int("inconsistencies", len(incs)),
		zap.Int64("version", newVersion),
	)

	return &PassResult{
		State:           state,
		Inconsistencies: incs,
		OldVersion:      stored.Room.Version,
		NewVersion:      newVersion,
		Trigger:         trigger,
	}, nil
}

// SchedulePeriodic 安装周期性对账（长时间 waiting 的房间防静默漂移）
// onPass 在产生变更的周期对账后调用（协调器用它广播权威状态）
// 同一房间重复安装会先注销旧的
func (e *Engine) SchedulePeriodic(roomID string, interval time.Duration, onPass func(*PassResult)) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	if old, ok := e.periodic[roomID]; ok {
		old()
	}
	e.periodic[roomID] = cancel
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := e.Reconcile(ctx, roomID, "periodic")
				if err != nil {
					e.logger.Warn("periodic reconciliation failed",
						zap.String("room_id", roomID), zap.Error(err))
					continue
				}
				if res != nil && onPass != nil {
					onPass(res)
				}
			}
		}
	}()
}

// CancelPeriodic 注销房间的周期性对账（房间结束或回收时调用）
func (e *Engine) CancelPeriodic(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.periodic[roomID]; ok {
		cancel()
		delete(e.periodic, roomID)
	}
}

// Shutdown 注销所有周期性对账
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for roomID, cancel := range e.periodic {
		cancel()
		delete(e.periodic, roomID)
	}
}

// GetStatistics 对账统计快照
func (e *Engine) GetStatistics() StatsSnapshot {
	return e.stats.Snapshot()
}

func sortedPlayerIDs(snap *transport.RoomSnapshot) []string {
	ids := make([]string, 0, len(snap.Players))
	for id := range snap.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
