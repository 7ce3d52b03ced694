package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/journal"
	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"
	"github.com/atifkhan161/contract-crown-sub006/internal/reliability"
	"github.com/atifkhan161/contract-crown-sub006/internal/repository"
	"github.com/atifkhan161/contract-crown-sub006/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingPusher 记录所有出站帧；autoAck 为真时对关键事件自动回执
type recordingPusher struct {
	mu      sync.Mutex
	frames  []pushedFrame
	autoAck bool
	confirm func(eventID string)
}

type pushedFrame struct {
	Target string
	Type   string
	Raw    map[string]interface{}
}

func (p *recordingPusher) Push(target string, payload []byte) error {
	var raw map[string]interface{}
	_ = json.Unmarshal(payload, &raw)

	p.mu.Lock()
	typ, _ := raw["type"].(string)
	p.frames = append(p.frames, pushedFrame{Target: target, Type: typ, Raw: raw})
	ack := p.autoAck
	p.mu.Unlock()

	if ack {
		if eventID, ok := raw["eventId"].(string); ok && p.confirm != nil {
			go p.confirm(eventID)
		}
	}
	return nil
}

func (p *recordingPusher) framesOfType(eventType string) []pushedFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushedFrame
	for _, f := range p.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	repo   *repository.MemoryRoomRepository
	pusher *recordingPusher
	coord  *Coordinator
}

func newFixture(t *testing.T, critical []string, autoAck bool) *fixture {
	t.Helper()
	repo := repository.NewMemoryRoomRepository()
	registry := transport.NewRegistry()
	engine := reconcile.NewEngine(repo, registry, time.Second, 50, zap.NewNop())
	pusher := &recordingPusher{autoAck: autoAck}
	dispatcher := reliability.NewDispatcher(pusher, reliability.Config{
		MaxRetries: 2,
		AckTimeout: 20 * time.Millisecond,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	}, critical, zap.NewNop())
	pusher.confirm = func(eventID string) { dispatcher.ConfirmDelivery(eventID) }

	coord := NewCoordinator(repo, registry, engine, dispatcher, transport.NewHub(zap.NewNop()),
		journal.NewJournal(nil, "", zap.NewNop()),
		Config{MaxPlayers: 4, ReconcileInterval: time.Minute, IdleEvictAfter: time.Hour},
		zap.NewNop())
	t.Cleanup(coord.Shutdown)

	return &fixture{repo: repo, pusher: pusher, coord: coord}
}

func (f *fixture) join(roomID, playerID, name string) {
	f.coord.HandleEvent("conn-"+playerID, &transport.InboundEvent{
		Kind: transport.EventJoinRoom, RoomID: roomID, PlayerID: playerID, DisplayName: name,
	})
}

func (f *fixture) waitForMember(t *testing.T, roomID, playerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		stored, err := f.repo.GetRoom(context.Background(), roomID)
		return err == nil && stored.FindPlayer(playerID) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJoin_CreatesRoomWithJoinerAsHost(t *testing.T) {
	f := newFixture(t, nil, false)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")

	stored, err := f.repo.GetRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Room.HostID)
	assert.Equal(t, models.StatusWaiting, stored.Room.Status)
}

func TestJoin_SecondPlayerAnnounced(t *testing.T) {
	f := newFixture(t, nil, false)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")
	f.join("r1", "B", "Bob")
	f.waitForMember(t, "r1", "B")

	require.Eventually(t, func() bool {
		return len(f.pusher.framesOfType("player-joined")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	frame := f.pusher.framesOfType("player-joined")[0]
	assert.Equal(t, "r1", frame.Target)
	assert.Equal(t, "B", frame.Raw["playerId"])
}

func TestJoin_RoomFull(t *testing.T) {
	f := newFixture(t, nil, false)

	for _, p := range []string{"A", "B", "C", "D"} {
		f.join("r1", p, p)
		f.waitForMember(t, "r1", p)
	}

	f.join("r1", "E", "Eve")
	time.Sleep(50 * time.Millisecond)

	stored, err := f.repo.GetRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, stored.Players, 4)
	assert.Nil(t, stored.FindPlayer("E"))
}

func TestToggleReady_EmitsCriticalEventAndPersists(t *testing.T) {
	f := newFixture(t, []string{"player-ready-changed"}, true)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")

	f.coord.HandleEvent("conn-A", &transport.InboundEvent{
		Kind: transport.EventToggleReady, RoomID: "r1", PlayerID: "A",
	})

	require.Eventually(t, func() bool {
		stored, err := f.repo.GetRoom(context.Background(), "r1")
		return err == nil && stored.FindPlayer("A").Ready
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.pusher.framesOfType("player-ready-changed")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	frame := f.pusher.framesOfType("player-ready-changed")[0]
	assert.Equal(t, true, frame.Raw["ready"])
	assert.NotEmpty(t, frame.Raw["eventId"], "critical events carry a delivery tracking id")
}

func TestAssignTeam_RejectsFullTeam(t *testing.T) {
	f := newFixture(t, nil, false)

	for _, p := range []string{"A", "B", "C"} {
		f.join("r1", p, p)
		f.waitForMember(t, "r1", p)
	}
	assign := func(playerID string, team models.Team) {
		f.coord.HandleEvent("conn-"+playerID, &transport.InboundEvent{
			Kind: transport.EventAssignTeam, RoomID: "r1", PlayerID: playerID, Team: team,
		})
	}

	assign("A", models.Team1)
	assign("B", models.Team1)
	require.Eventually(t, func() bool {
		stored, _ := f.repo.GetRoom(context.Background(), "r1")
		return stored.FindPlayer("B").Team == models.Team1
	}, 2*time.Second, 5*time.Millisecond)

	// 4 人房的队伍上限是 2：第三个进队请求被拒
	assign("C", models.Team1)
	time.Sleep(50 * time.Millisecond)
	stored, _ := f.repo.GetRoom(context.Background(), "r1")
	assert.Equal(t, models.TeamNone, stored.FindPlayer("C").Team)
}

func TestAssignTeam_TeamsFormedAnnounced(t *testing.T) {
	f := newFixture(t, nil, false)

	for _, p := range []string{"A", "B", "C", "D"} {
		f.join("r1", p, p)
		f.waitForMember(t, "r1", p)
	}
	teams := map[string]models.Team{"A": models.Team1, "B": models.Team1, "C": models.Team2, "D": models.Team2}
	for p, team := range teams {
		f.coord.HandleEvent("conn-"+p, &transport.InboundEvent{
			Kind: transport.EventAssignTeam, RoomID: "r1", PlayerID: p, Team: team,
		})
	}

	require.Eventually(t, func() bool {
		return len(f.pusher.framesOfType("teams-formed")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	frame := f.pusher.framesOfType("teams-formed")[0]
	teamsPayload := frame.Raw["teams"].(map[string]interface{})
	assert.Len(t, teamsPayload["team1"], 2)
	assert.Len(t, teamsPayload["team2"], 2)
}

func setupStartableRoom(t *testing.T, f *fixture) {
	t.Helper()
	for _, p := range []string{"A", "B", "C", "D"} {
		f.join("r1", p, p)
		f.waitForMember(t, "r1", p)
	}
	teams := map[string]models.Team{"A": models.Team1, "B": models.Team1, "C": models.Team2, "D": models.Team2}
	for p, team := range teams {
		f.coord.HandleEvent("conn-"+p, &transport.InboundEvent{
			Kind: transport.EventAssignTeam, RoomID: "r1", PlayerID: p, Team: team,
		})
	}
	for _, p := range []string{"A", "B", "C", "D"} {
		f.coord.HandleEvent("conn-"+p, &transport.InboundEvent{
			Kind: transport.EventToggleReady, RoomID: "r1", PlayerID: p,
		})
	}
	require.Eventually(t, func() bool {
		stored, _ := f.repo.GetRoom(context.Background(), "r1")
		return teamsFormed(stored, 4) && allReady(stored)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartGame_ConfirmedStartsGame(t *testing.T) {
	f := newFixture(t, []string{"game-starting"}, true)
	setupStartableRoom(t, f)

	f.coord.HandleEvent("conn-A", &transport.InboundEvent{
		Kind: transport.EventStartGame, RoomID: "r1", PlayerID: "A",
	})

	require.Eventually(t, func() bool {
		stored, _ := f.repo.GetRoom(context.Background(), "r1")
		return stored.Room.Status == models.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, f.pusher.framesOfType("game-starting"))
}

func TestStartGame_UnconfirmedRosterBlocksStart(t *testing.T) {
	// 关键事件无人回执且没有兜底：开局必须回退，而不是带着未确认的名单开局
	f := newFixture(t, []string{"game-starting"}, false)
	setupStartableRoom(t, f)

	f.coord.HandleEvent("conn-A", &transport.InboundEvent{
		Kind: transport.EventStartGame, RoomID: "r1", PlayerID: "A",
	})

	require.Eventually(t, func() bool {
		stored, _ := f.repo.GetRoom(context.Background(), "r1")
		return stored.Room.Status == models.StatusWaiting &&
			len(f.pusher.framesOfType("game-starting")) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartGame_NonHostRejected(t *testing.T) {
	f := newFixture(t, nil, false)
	setupStartableRoom(t, f)

	f.coord.HandleEvent("conn-B", &transport.InboundEvent{
		Kind: transport.EventStartGame, RoomID: "r1", PlayerID: "B",
	})
	time.Sleep(50 * time.Millisecond)

	stored, _ := f.repo.GetRoom(context.Background(), "r1")
	assert.Equal(t, models.StatusWaiting, stored.Room.Status)
}

func TestDisconnect_TriggersStateSynchronizedBroadcast(t *testing.T) {
	f := newFixture(t, nil, false)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")
	f.join("r1", "B", "Bob")
	f.waitForMember(t, "r1", "B")

	f.coord.HandleDisconnect("conn-B", "r1", "B")

	require.Eventually(t, func() bool {
		for _, frame := range f.pusher.framesOfType("state-synchronized") {
			if frame.Raw["trigger"] == "disconnect" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestApplyFallbackAction_GameStarting(t *testing.T) {
	f := newFixture(t, nil, false)
	setupStartableRoom(t, f)

	err := f.coord.ApplyFallbackAction(context.Background(), "game-starting",
		map[string]interface{}{"roomId": "r1"})

	require.NoError(t, err)
	stored, _ := f.repo.GetRoom(context.Background(), "r1")
	assert.Equal(t, models.StatusInProgress, stored.Room.Status)
}

func TestApplyFallbackAction_UnknownType(t *testing.T) {
	f := newFixture(t, nil, false)
	err := f.coord.ApplyFallbackAction(context.Background(), "confetti",
		map[string]interface{}{"roomId": "r1"})
	assert.Error(t, err)
}

func TestCompleteRoom_TearsDownBothRepresentations(t *testing.T) {
	f := newFixture(t, nil, false)
	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")

	require.NoError(t, f.coord.CompleteRoom(context.Background(), "r1"))

	_, err := f.repo.GetRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestCurrentState_WithoutMirrorTreatsPlayersOffline(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.repo.CreateRoom(context.Background(), "r2", "A", "Alice")
	require.NoError(t, err)

	state, err := f.coord.CurrentState(context.Background(), "r2")

	require.NoError(t, err)
	require.NotNil(t, state.FindPlayer("A"))
	assert.False(t, state.FindPlayer("A").Connected)
	assert.Equal(t, int64(1), state.Version)
}

func TestRoomLoop_TeardownRaceIsSafe(t *testing.T) {
	// 房间循环拆除和并发投递互相竞争时不允许向已关闭通道发送
	f := newFixture(t, nil, false)
	for i := 0; i < 200; i++ {
		roomID := fmt.Sprintf("race-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.coord.submit(roomID, func() {})
			}
		}()
		go func() {
			defer wg.Done()
			f.coord.stopLoop(roomID)
		}()
		wg.Wait()
	}
}

func TestJoin_CreatorSnapshotIsNotReconnection(t *testing.T) {
	f := newFixture(t, nil, false)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")

	require.Eventually(t, func() bool {
		return len(f.pusher.framesOfType("state-restored")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	frame := f.pusher.framesOfType("state-restored")[0]
	assert.Equal(t, "conn-A", frame.Target)
	assert.Equal(t, false, frame.Raw["isReconnection"], "a brand-new room's creator is joining, not reconnecting")
}

func TestRejoin_BroadcastsReconnectionToPeers(t *testing.T) {
	f := newFixture(t, nil, false)

	f.join("r1", "A", "Alice")
	f.waitForMember(t, "r1", "A")
	f.join("r1", "B", "Bob")
	f.waitForMember(t, "r1", "B")

	f.coord.HandleDisconnect("conn-B", "r1", "B")
	require.Eventually(t, func() bool {
		for _, frame := range f.pusher.framesOfType("state-synchronized") {
			if frame.Raw["trigger"] == "disconnect" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// B 重新加入：其他人要通过一轮对账广播看到 B 回来了
	f.join("r1", "B", "Bob")
	require.Eventually(t, func() bool {
		for _, frame := range f.pusher.framesOfType("state-synchronized") {
			if frame.Raw["trigger"] == "reconnect" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// 重连方自己收到的是带重连标记的全量快照
	restored := f.pusher.framesOfType("state-restored")
	require.NotEmpty(t, restored)
	last := restored[len(restored)-1]
	assert.Equal(t, "conn-B", last.Target)
	assert.Equal(t, true, last.Raw["isReconnection"])
}
