package clientstate

import (
	"fmt"
	"sync"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"

	"go.uber.org/zap"
)

// ResyncFunc 全量状态重取回调（版本缺口过大或重连时触发）
type ResyncFunc func(roomID string)

// 乐观更新支持的本地动作（封闭集合：只允许玩家改自己的状态）
const (
	ActionToggleReady = "toggle-ready"
	ActionAssignTeam  = "assign-team"
)

// Manager 客户端状态管理器
// 缓存最近的权威房间状态，按版本号排序应用服务端推送，
// 本地动作先做乐观更新、等下一个权威推送覆盖
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger

	roomID   string
	playerID string

	state   *models.CanonicalState
	version int64

	// 乐观覆盖层：从不带版本、从不上行，只会被权威推送取代
	optimistic *models.CanonicalState

	// 版本缺口超过该阈值时发起全量重取
	gapThreshold int64
	resync       ResyncFunc
}

// NewManager 创建状态管理器
func NewManager(gapThreshold int64, resync ResyncFunc, logger *zap.Logger) *Manager {
	if gapThreshold <= 0 {
		gapThreshold = 3
	}
	return &Manager{
		logger:       logger,
		gapThreshold: gapThreshold,
		resync:       resync,
	}
}

// Initialize 绑定房间和本地玩家，清空旧缓存
func (m *Manager) Initialize(roomID, playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomID = roomID
	m.playerID = playerID
	m.state = nil
	m.version = 0
	m.optimistic = nil
}

// ApplyPush 应用一条服务端推送
// 低于已应用最高版本的推送直接丢弃（告警日志，不算错误）：
// 重试或 HTTP 兜底可能造成重复、乱序到达，这里是排序保证的客户端半边
// 返回是否被采纳
func (m *Manager) ApplyPush(update *models.CanonicalState) bool {
	if update == nil {
		return false
	}

	m.mu.Lock()

	if update.Version < m.version {
		m.mu.Unlock()
		m.logger.Warn("discarding stale push",
			zap.String("room_id", update.RoomID),
			zap.Int64("push_version", update.Version),
			zap.Int64("cache_version", m.version))
		return false
	}

	// 版本缺口仍然应用（按版本字段级后写胜出，不要求严格连续），
	// 但缺口过大时补一次全量重取，避免永久错过字段级变更
	needResync := m.version > 0 && update.Version > m.version+m.gapThreshold
	roomID := m.roomID

	m.state = update.Clone()
	m.version = update.Version
	// 等于或高于基线版本的权威推送无条件取代乐观状态
	m.optimistic = nil

	m.mu.Unlock()

	if needResync && m.resync != nil {
		m.logger.Warn("version gap exceeds threshold, requesting full state",
			zap.String("room_id", roomID), zap.Int64("version", update.Version))
		m.resync(roomID)
	}
	return true
}

// ApplyOptimistic 本地动作的乐观预演（浅拷贝覆盖层）
// 只允许玩家修改自己的字段；服务端确认推送到达后整体被覆盖
func (m *Manager) ApplyOptimistic(actionType string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return fmt.Errorf("no cached state to apply optimistic update to")
	}

	base := m.optimistic
	if base == nil {
		base = m.state
	}
	next := base.Clone()

	self := next.FindPlayer(m.playerID)
	if self == nil {
		return fmt.Errorf("local player %s not in cached state", m.playerID)
	}

	switch actionType {
	case ActionToggleReady:
		self.Ready = !self.Ready
	case ActionAssignTeam:
		team, ok := data["team"].(models.Team)
		if !ok {
			return fmt.Errorf("assign-team requires a team value")
		}
		self.Team = team
	default:
		return fmt.Errorf("unsupported optimistic action: %q", actionType)
	}

	m.optimistic = next
	return nil
}

// GetState 当前状态（有乐观覆盖层时返回覆盖层）
func (m *Manager) GetState() *models.CanonicalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.optimistic != nil {
		return m.optimistic.Clone()
	}
	return m.state.Clone()
}

// Version 已应用的最高版本号
func (m *Manager) Version() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// OnReconnect 传输层重连后必须重取权威状态，断线期间错过的推送数量未知
func (m *Manager) OnReconnect() {
	m.mu.Lock()
	m.optimistic = nil
	roomID := m.roomID
	m.mu.Unlock()

	if m.resync != nil {
		m.resync(roomID)
	}
}
