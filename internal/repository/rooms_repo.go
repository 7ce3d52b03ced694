package repository

import (
	"context"
	"errors"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
)

var (
	// ErrRoomNotFound 房间不存在
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotFound 玩家不在房间内
	ErrPlayerNotFound = errors.New("player not found in room")
	// ErrPlayerExists 玩家已在房间内
	ErrPlayerExists = errors.New("player already in room")
	// ErrVersionConflict 乐观并发写冲突：期望版本已被其它写入者推进
	ErrVersionConflict = errors.New("room version conflict")
)

// RoomRepository 房间持久化仓库
// 存储层是唯一事实来源：成员关系、host、status、ready、team 以它为准
// 每个修改操作都在单事务内将 rooms.version 加一
type RoomRepository interface {
	CreateRoom(ctx context.Context, roomID, hostID, displayName string) (*models.StoredRoom, error)
	GetRoom(ctx context.Context, roomID string) (*models.StoredRoom, error)
	AddPlayer(ctx context.Context, roomID, playerID, displayName string) error
	RemovePlayer(ctx context.Context, roomID, playerID string) error
	SetReady(ctx context.Context, roomID, playerID string, ready bool) error
	SetTeam(ctx context.Context, roomID, playerID string, team models.Team) error
	SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error

	// ApplyCanonical 将对账结果原子写回存储层
	// 以 expectVersion 做乐观并发检查，版本已变化时返回 ErrVersionConflict
	// 成功时返回写回后的新版本号（expectVersion + 1）
	ApplyCanonical(ctx context.Context, state *models.CanonicalState, expectVersion int64) (int64, error)

	DeleteRoom(ctx context.Context, roomID string) error
}
