package transport

import (
	"sync"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
)

// MirrorPlayer 传输层镜像中的玩家
// 与存储层行的区别：带连接状态，且 ready/team 可能因消息丢失而过期
type MirrorPlayer struct {
	PlayerID    string
	DisplayName string
	Ready       bool
	Team        models.Team
	Connected   bool
	JoinedAt    time.Time
	// MissingSince 该玩家首次被发现不在存储层的时刻（零值表示存储层存在）
	// 超过幽灵保留时长后在对账中被整体丢弃
	MissingSince time.Time
	// DisconnectReported 最近一次权威广播对外呈现的连接状态是否为离线
	// 与 Connected 一致时无需上报；不一致时（刚断开或刚重连）本轮对账
	// 产出一次 connection_mismatch，广播后由权威写回翻转
	DisconnectReported bool
}

// RoomMirror 单个房间的进程内传输层镜像
// 入站客户端消息先直接修改这里，随后由对账引擎与存储层合并
type RoomMirror struct {
	mu sync.RWMutex

	roomID       string
	hostID       string
	status       models.RoomStatus
	players      map[string]*MirrorPlayer
	lastActivity time.Time
}

// RoomSnapshot 镜像的一致性快照，供对账引擎读取
type RoomSnapshot struct {
	RoomID  string
	HostID  string
	Status  models.RoomStatus
	Players map[string]MirrorPlayer
}

func newRoomMirror(roomID, hostID string) *RoomMirror {
	return &RoomMirror{
		roomID:       roomID,
		hostID:       hostID,
		status:       models.StatusWaiting,
		players:      make(map[string]*MirrorPlayer),
		lastActivity: time.Now(),
	}
}

// UpsertPlayer 加入或重连时写入镜像玩家
func (m *RoomMirror) UpsertPlayer(playerID, displayName string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.Connected = connected
		if displayName != "" {
			p.DisplayName = displayName
		}
	} else {
		m.players[playerID] = &MirrorPlayer{
			PlayerID:    playerID,
			DisplayName: displayName,
			Connected:   connected,
			JoinedAt:    time.Now(),
		}
	}
	m.lastActivity = time.Now()
}

// RemovePlayer 离开房间时移除镜像玩家
func (m *RoomMirror) RemovePlayer(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, playerID)
	m.lastActivity = time.Now()
}

// SetConnected 更新连接标记（连接建立/断开时由 hub 调用）
// DisconnectReported 不在这里动：重连要和断开一样走一轮对账广播，
// 上报标记由 ApplyCanonical 在广播后翻转
func (m *RoomMirror) SetConnected(playerID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.Connected = connected
	}
	m.lastActivity = time.Now()
}

// SetReady 更新准备标记
func (m *RoomMirror) SetReady(playerID string, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.Ready = ready
	}
	m.lastActivity = time.Now()
}

// SetTeam 更新队伍分配
func (m *RoomMirror) SetTeam(playerID string, team models.Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.Team = team
	}
	m.lastActivity = time.Now()
}

// SetStatus 更新房间状态
func (m *RoomMirror) SetStatus(status models.RoomStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.lastActivity = time.Now()
}

// MarkMissingFromStore 对账引擎标记存储层缺失的玩家，返回首次缺失时刻
// 已标记过的保持原时刻不变
func (m *RoomMirror) MarkMissingFromStore(playerID string, now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerID]
	if !ok {
		return now
	}
	if p.MissingSince.IsZero() {
		p.MissingSince = now
	}
	return p.MissingSince
}

// ClearMissing 玩家重新出现在存储层时清除缺失标记
func (m *RoomMirror) ClearMissing(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.MissingSince = time.Time{}
	}
}

// Snapshot 取镜像的值拷贝快照
func (m *RoomMirror) Snapshot() *RoomSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &RoomSnapshot{
		RoomID:  m.roomID,
		HostID:  m.hostID,
		Status:  m.status,
		Players: make(map[string]MirrorPlayer, len(m.players)),
	}
	for id, p := range m.players {
		snap.Players[id] = *p
	}
	return snap
}

// ApplyCanonical 对账完成后把权威状态回写进镜像，使两侧收敛
// 权威成员集之外的镜像玩家被移除（幽灵清理）
func (m *RoomMirror) ApplyCanonical(state *models.CanonicalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostID = state.HostID
	m.status = state.Status

	keep := make(map[string]bool, len(state.Players))
	for i := range state.Players {
		cp := &state.Players[i]
		keep[cp.PlayerID] = true
		p, ok := m.players[cp.PlayerID]
		if !ok {
			p = &MirrorPlayer{PlayerID: cp.PlayerID, JoinedAt: time.Now()}
			m.players[cp.PlayerID] = p
		}
		p.DisplayName = cp.DisplayName
		p.Ready = cp.Ready
		p.Team = cp.Team
		p.Connected = cp.Connected
		// 连接状态已随本次权威广播对外可见：断开记为已上报，重连清除标记
		p.DisconnectReported = !cp.Connected
	}
	for id := range m.players {
		if !keep[id] {
			delete(m.players, id)
		}
	}
}

// ConnectedCount 当前有连接的玩家数（闲置回收判断用）
func (m *RoomMirror) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.players {
		if p.Connected {
			n++
		}
	}
	return n
}

// LastActivity 最近一次镜像变更时刻
func (m *RoomMirror) LastActivity() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// Registry 房间镜像注册表
// 显式传入各组件，公开接口只有生命周期操作，不暴露内部 map
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*RoomMirror
}

// NewRegistry 创建镜像注册表
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*RoomMirror)}
}

// Create 创建房间镜像（已存在则返回现有镜像）
func (r *Registry) Create(roomID, hostID string) *RoomMirror {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rooms[roomID]; ok {
		return m
	}
	m := newRoomMirror(roomID, hostID)
	r.rooms[roomID] = m
	return m
}

// Get 取房间镜像，不存在返回 nil
func (r *Registry) Get(roomID string) *RoomMirror {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Evict 移除房间镜像（房间结束或闲置回收）
func (r *Registry) Evict(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}

// RoomIDs 当前所有镜像的房间 ID（闲置扫描用）
func (r *Registry) RoomIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
