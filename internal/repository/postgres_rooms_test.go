package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRoomRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresRoomRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestGetRoom_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	roomRows := sqlmock.NewRows([]string{"id", "host_id", "status", "version", "created_at"}).
		AddRow("room-1", "player-a", "waiting", int64(3), now)
	mock.ExpectQuery(`SELECT id, host_id, status, version, created_at`).
		WithArgs("room-1").
		WillReturnRows(roomRows)

	playerRows := sqlmock.NewRows([]string{"room_id", "player_id", "display_name", "ready", "team", "joined_at"}).
		AddRow("room-1", "player-a", "Alice", true, 1, now).
		AddRow("room-1", "player-b", "Bob", false, 0, now)
	mock.ExpectQuery(`SELECT room_id, player_id, display_name, ready, team, joined_at`).
		WithArgs("room-1").
		WillReturnRows(playerRows)

	stored, err := repo.GetRoom(context.Background(), "room-1")

	require.NoError(t, err)
	assert.Equal(t, "player-a", stored.Room.HostID)
	assert.Equal(t, models.StatusWaiting, stored.Room.Status)
	assert.Equal(t, int64(3), stored.Room.Version)
	require.Len(t, stored.Players, 2)
	assert.True(t, stored.Players[0].Ready)
	assert.Equal(t, models.Team1, stored.Players[0].Team)
	assert.Equal(t, models.TeamNone, stored.Players[1].Team)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRoom_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, host_id, status, version, created_at`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	stored, err := repo.GetRoom(context.Background(), "missing")

	assert.Nil(t, stored)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPlayer_BumpsVersion(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO room_players`).
		WithArgs("room-1", "player-c", "Carol").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE rooms SET version = version \+ 1`).
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AddPlayer(context.Background(), "room-1", "player-c", "Carol")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddPlayer_AlreadyInRoom(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO room_players`).
		WithArgs("room-1", "player-a", "Alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.AddPlayer(context.Background(), "room-1", "player-a", "Alice")

	assert.ErrorIs(t, err, ErrPlayerExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCanonical_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	state := &models.CanonicalState{
		RoomID: "room-1",
		HostID: "player-a",
		Status: models.StatusWaiting,
		Players: []models.CanonicalPlayer{
			{PlayerID: "player-a", Ready: true, Team: models.Team1, Connected: true},
			{PlayerID: "player-b", Ready: true, Team: models.Team2, Connected: false},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE rooms SET host_id`).
		WithArgs("room-1", "player-a", "waiting", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE room_players SET ready`).
		WithArgs("room-1", "player-a", true, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE room_players SET ready`).
		WithArgs("room-1", "player-b", true, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	newVersion, err := repo.ApplyCanonical(context.Background(), state, 5)

	require.NoError(t, err)
	assert.Equal(t, int64(6), newVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCanonical_VersionConflict(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	state := &models.CanonicalState{RoomID: "room-1", HostID: "player-a", Status: models.StatusWaiting}

	// 并发写入者已把版本推进到 6，期望版本 5 的条件更新落空
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE rooms SET host_id`).
		WithArgs("room-1", "player-a", "waiting", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.ApplyCanonical(context.Background(), state, 5)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemovePlayer_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM room_players`).
		WithArgs("room-1", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.RemovePlayer(context.Background(), "room-1", "ghost")

	assert.ErrorIs(t, err, ErrPlayerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetReady_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE room_players SET ready`).
		WithArgs("room-1", "player-b", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE rooms SET version = version \+ 1`).
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SetReady(context.Background(), "room-1", "player-b", true)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
