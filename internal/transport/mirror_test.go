package transport

import (
	"testing"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirror_UpsertAndSnapshot(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("A", "Alice", true)
	m.UpsertPlayer("B", "Bob", false)

	snap := m.Snapshot()
	assert.Equal(t, "r1", snap.RoomID)
	assert.Equal(t, "A", snap.HostID)
	require.Len(t, snap.Players, 2)
	assert.True(t, snap.Players["A"].Connected)
	assert.False(t, snap.Players["B"].Connected)

	// 快照是值拷贝：改镜像不影响已取的快照
	m.SetReady("A", true)
	assert.False(t, snap.Players["A"].Ready)
}

func TestMirror_UpsertKeepsNameWhenOmitted(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("A", "Alice", true)
	m.UpsertPlayer("A", "", true)
	assert.Equal(t, "Alice", m.Snapshot().Players["A"].DisplayName)
}

func TestMirror_CanonicalWriteBackOwnsDisconnectReported(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("A", "Alice", true)

	m.SetConnected("A", false)
	m.ApplyCanonical(&models.CanonicalState{
		RoomID: "r1", HostID: "A", Status: models.StatusWaiting,
		Players: []models.CanonicalPlayer{{PlayerID: "A", DisplayName: "Alice", Connected: false}},
	})
	assert.True(t, m.Snapshot().Players["A"].DisconnectReported)

	// 重连本身不清标记：连接状态和上次广播不一致，等下一轮对账上报
	m.SetConnected("A", true)
	p := m.Snapshot().Players["A"]
	assert.True(t, p.Connected)
	assert.True(t, p.DisconnectReported)

	// 广播重连后的权威状态才翻转标记
	m.ApplyCanonical(&models.CanonicalState{
		RoomID: "r1", HostID: "A", Status: models.StatusWaiting,
		Players: []models.CanonicalPlayer{{PlayerID: "A", DisplayName: "Alice", Connected: true}},
	})
	p = m.Snapshot().Players["A"]
	assert.True(t, p.Connected)
	assert.False(t, p.DisconnectReported, "a new disconnection must be reportable again")
}

func TestMirror_MarkMissingIsSticky(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("D", "Dave", true)

	first := time.Now().Add(-time.Minute)
	got := m.MarkMissingFromStore("D", first)
	assert.Equal(t, first, got)

	// 再次标记保留首次时刻
	got = m.MarkMissingFromStore("D", time.Now())
	assert.Equal(t, first, got)

	m.ClearMissing("D")
	assert.True(t, m.Snapshot().Players["D"].MissingSince.IsZero())
}

func TestMirror_ApplyCanonicalDropsGhosts(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("A", "Alice", true)
	m.UpsertPlayer("D", "Dave", true)

	m.ApplyCanonical(&models.CanonicalState{
		RoomID: "r1", HostID: "B", Status: models.StatusInProgress,
		Players: []models.CanonicalPlayer{
			{PlayerID: "A", DisplayName: "Alice", Ready: true, Team: models.Team1, Connected: true},
			{PlayerID: "B", DisplayName: "Bob", Team: models.Team2, Connected: true},
		},
	})

	snap := m.Snapshot()
	assert.Equal(t, "B", snap.HostID)
	assert.Equal(t, models.StatusInProgress, snap.Status)
	require.Len(t, snap.Players, 2)
	assert.Nil(t, func() *MirrorPlayer {
		if p, ok := snap.Players["D"]; ok {
			return &p
		}
		return nil
	}(), "players outside the canonical roster are removed")
	assert.True(t, snap.Players["A"].Ready)
	assert.Equal(t, models.Team1, snap.Players["A"].Team)
}

func TestMirror_ConnectedCount(t *testing.T) {
	m := newRoomMirror("r1", "A")
	m.UpsertPlayer("A", "Alice", true)
	m.UpsertPlayer("B", "Bob", true)
	assert.Equal(t, 2, m.ConnectedCount())

	m.SetConnected("B", false)
	assert.Equal(t, 1, m.ConnectedCount())
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	r := NewRegistry()
	m1 := r.Create("r1", "A")
	m1.UpsertPlayer("A", "Alice", true)

	m2 := r.Create("r1", "B")
	assert.Same(t, m1, m2)
	assert.Equal(t, "A", m2.Snapshot().HostID)

	r.Evict("r1")
	assert.Nil(t, r.Get("r1"))
}
