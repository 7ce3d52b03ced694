package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"

	"go.uber.org/zap"
)

// PostgresRoomRepository 房间Repository的PostgreSQL实现
type PostgresRoomRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRoomRepository 创建房间Repository
func NewPostgresRoomRepository(db *sql.DB, logger *zap.Logger) *PostgresRoomRepository {
	return &PostgresRoomRepository{db: db, logger: logger}
}

// 确保实现了接口
var _ RoomRepository = (*PostgresRoomRepository)(nil)

// CreateRoom 创建房间并写入房主的成员行（单事务）
func (r *PostgresRoomRepository) CreateRoom(ctx context.Context, roomID, hostID, displayName string) (*models.StoredRoom, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, host_id, status, version, created_at)
		VALUES ($1, $2, $3, 1, NOW())
	`, roomID, hostID, models.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_players (room_id, player_id, display_name, ready, team, joined_at)
		VALUES ($1, $2, $3, FALSE, 0, NOW())
	`, roomID, hostID, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to insert host player: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return r.GetRoom(ctx, roomID)
}

// GetRoom 读取完整房间状态（房间行 + 成员行）
func (r *PostgresRoomRepository) GetRoom(ctx context.Context, roomID string) (*models.StoredRoom, error) {
	var stored models.StoredRoom

	err := r.db.QueryRowContext(ctx, `
		SELECT id, host_id, status, version, created_at
		FROM rooms
		WHERE id = $1
	`, roomID).Scan(
		&stored.Room.ID,
		&stored.Room.HostID,
		&stored.Room.Status,
		&stored.Room.Version,
		&stored.Room.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT room_id, player_id, display_name, ready, team, joined_at
		FROM room_players
		WHERE room_id = $1
		ORDER BY joined_at
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.RoomPlayer
		if err := rows.Scan(&p.RoomID, &p.PlayerID, &p.DisplayName, &p.Ready, &p.Team, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room player: %w", err)
		}
		stored.Players = append(stored.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate room players: %w", err)
	}

	return &stored, nil
}

// AddPlayer 加入房间（成员行插入 + 版本加一，单事务）
func (r *PostgresRoomRepository) AddPlayer(ctx context.Context, roomID, playerID, displayName string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO room_players (room_id, player_id, display_name, ready, team, joined_at)
		VALUES ($1, $2, $3, FALSE, 0, NOW())
		ON CONFLICT (room_id, player_id) DO NOTHING
	`, roomID, playerID, displayName)
	if err != nil {
		return fmt.Errorf("failed to insert room player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPlayerExists
	}

	if err := bumpVersion(ctx, tx, roomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RemovePlayer 离开房间（成员行删除 + 版本加一，单事务）
func (r *PostgresRoomRepository) RemovePlayer(ctx context.Context, roomID, playerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM room_players WHERE room_id = $1 AND player_id = $2
	`, roomID, playerID)
	if err != nil {
		return fmt.Errorf("failed to delete room player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPlayerNotFound
	}

	if err := bumpVersion(ctx, tx, roomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SetReady 更新准备标记
func (r *PostgresRoomRepository) SetReady(ctx context.Context, roomID, playerID string, ready bool) error {
	return r.updatePlayerField(ctx, roomID, playerID, `
		UPDATE room_players SET ready = $3 WHERE room_id = $1 AND player_id = $2
	`, ready)
}

// SetTeam 更新队伍分配
func (r *PostgresRoomRepository) SetTeam(ctx context.Context, roomID, playerID string, team models.Team) error {
	return r.updatePlayerField(ctx, roomID, playerID, `
		UPDATE room_players SET team = $3 WHERE room_id = $1 AND player_id = $2
	`, int(team))
}

// updatePlayerField 单字段成员更新 + 版本加一（单事务）
func (r *PostgresRoomRepository) updatePlayerField(ctx context.Context, roomID, playerID, query string, value interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, roomID, playerID, value)
	if err != nil {
		return fmt.Errorf("failed to update room player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPlayerNotFound
	}

	if err := bumpVersion(ctx, tx, roomID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SetStatus 更新房间状态 + 版本加一
func (r *PostgresRoomRepository) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rooms SET status = $2, version = version + 1 WHERE id = $1
	`, roomID, status)
	if err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ApplyCanonical 对账结果写回：host/status 写 rooms 行，ready/team 写成员行
// rooms 行带 version 条件做乐观并发检查，冲突时整个事务回滚
func (r *PostgresRoomRepository) ApplyCanonical(ctx context.Context, state *models.CanonicalState, expectVersion int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE rooms SET host_id = $2, status = $3, version = version + 1
		WHERE id = $1 AND version = $4
	`, state.RoomID, state.HostID, state.Status, expectVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionConflict
	}

	for i := range state.Players {
		p := &state.Players[i]
		// 成员关系以存储层为准：这里只回写字段，不插入、不删除成员行
		// 传输层新出现、尚未提交到存储层的玩家在这里自然落空，属预期
		_, err := tx.ExecContext(ctx, `
			UPDATE room_players SET ready = $3, team = $4
			WHERE room_id = $1 AND player_id = $2
		`, state.RoomID, p.PlayerID, p.Ready, int(p.Team))
		if err != nil {
			return 0, fmt.Errorf("failed to write back player %s: %w", p.PlayerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	r.logger.Debug("canonical state written back",
		zap.String("room_id", state.RoomID),
		zap.Int64("old_version", expectVersion),
		zap.Int64("new_version", expectVersion+1),
	)
	return expectVersion + 1, nil
}

// DeleteRoom 删除房间及其成员行（房间结束或闲置回收时调用）
func (r *PostgresRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM room_players WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room players: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// bumpVersion 在当前事务内将房间版本加一
func bumpVersion(ctx context.Context, tx *sql.Tx, roomID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE rooms SET version = version + 1 WHERE id = $1
	`, roomID)
	if err != nil {
		return fmt.Errorf("failed to bump room version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}
