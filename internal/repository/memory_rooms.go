package repository

import (
	"context"
	"sync"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
)

// MemoryRoomRepository 内存版房间仓库
// 开发/测试环境使用，语义与 Postgres 实现一致（含版本号与乐观并发检查）
type MemoryRoomRepository struct {
	mu    sync.Mutex
	rooms map[string]*models.StoredRoom
}

// NewMemoryRoomRepository 创建内存仓库
func NewMemoryRoomRepository() *MemoryRoomRepository {
	return &MemoryRoomRepository{rooms: make(map[string]*models.StoredRoom)}
}

var _ RoomRepository = (*MemoryRoomRepository)(nil)

func (r *MemoryRoomRepository) CreateRoom(ctx context.Context, roomID, hostID, displayName string) (*models.StoredRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := &models.StoredRoom{
		Room: models.Room{
			ID:        roomID,
			HostID:    hostID,
			Status:    models.StatusWaiting,
			Version:   1,
			CreatedAt: time.Now(),
		},
		Players: []models.RoomPlayer{{
			RoomID:      roomID,
			PlayerID:    hostID,
			DisplayName: displayName,
			Team:        models.TeamNone,
			JoinedAt:    time.Now(),
		}},
	}
	r.rooms[roomID] = stored
	return cloneStored(stored), nil
}

func (r *MemoryRoomRepository) GetRoom(ctx context.Context, roomID string) (*models.StoredRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return cloneStored(stored), nil
}

func (r *MemoryRoomRepository) AddPlayer(ctx context.Context, roomID, playerID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if stored.FindPlayer(playerID) != nil {
		return ErrPlayerExists
	}
	stored.Players = append(stored.Players, models.RoomPlayer{
		RoomID:      roomID,
		PlayerID:    playerID,
		DisplayName: displayName,
		Team:        models.TeamNone,
		JoinedAt:    time.Now(),
	})
	stored.Room.Version++
	return nil
}

func (r *MemoryRoomRepository) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i := range stored.Players {
		if stored.Players[i].PlayerID == playerID {
			stored.Players = append(stored.Players[:i], stored.Players[i+1:]...)
			stored.Room.Version++
			return nil
		}
	}
	return ErrPlayerNotFound
}

func (r *MemoryRoomRepository) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	return r.updatePlayer(roomID, playerID, func(p *models.RoomPlayer) { p.Ready = ready })
}

func (r *MemoryRoomRepository) SetTeam(ctx context.Context, roomID, playerID string, team models.Team) error {
	return r.updatePlayer(roomID, playerID, func(p *models.RoomPlayer) { p.Team = team })
}

func (r *MemoryRoomRepository) updatePlayer(roomID, playerID string, apply func(*models.RoomPlayer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	p := stored.FindPlayer(playerID)
	if p == nil {
		return ErrPlayerNotFound
	}
	apply(p)
	stored.Room.Version++
	return nil
}

func (r *MemoryRoomRepository) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	stored.Room.Status = status
	stored.Room.Version++
	return nil
}

func (r *MemoryRoomRepository) ApplyCanonical(ctx context.Context, state *models.CanonicalState, expectVersion int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.rooms[state.RoomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	if stored.Room.Version != expectVersion {
		return 0, ErrVersionConflict
	}
	stored.Room.HostID = state.HostID
	stored.Room.Status = state.Status
	stored.Room.Version++
	for i := range state.Players {
		cp := &state.Players[i]
		// 只回写字段，不改成员关系（与 Postgres 实现一致）
		if p := stored.FindPlayer(cp.PlayerID); p != nil {
			p.Ready = cp.Ready
			p.Team = cp.Team
		}
	}
	return stored.Room.Version, nil
}

func (r *MemoryRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
	return nil
}

func cloneStored(s *models.StoredRoom) *models.StoredRoom {
	cp := &models.StoredRoom{Room: s.Room}
	cp.Players = make([]models.RoomPlayer, len(s.Players))
	copy(cp.Players, s.Players)
	return cp
}
