package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/journal"
	"github.com/atifkhan161/contract-crown-sub006/internal/models"
	"github.com/atifkhan161/contract-crown-sub006/internal/reconcile"
	"github.com/atifkhan161/contract-crown-sub006/internal/reliability"
	"github.com/atifkhan161/contract-crown-sub006/internal/repository"
	"github.com/atifkhan161/contract-crown-sub006/internal/transport"

	"go.uber.org/zap"
)

// Config 协调器配置
type Config struct {
	MaxPlayers        int
	ReconcileInterval time.Duration
	IdleEvictAfter    time.Duration
}

// handlerFunc 入站事件处理函数（房间循环内串行执行）
type handlerFunc func(ctx context.Context, connID string, ev *transport.InboundEvent)

// Coordinator 房间协调器
// 每个房间一条命令队列 + 一个处理协程：同一房间的客户端消息被事件循环
// 串行化，镜像访问不需要额外加锁；跨房间操作互不阻塞
// 每个修改类请求走固定管线：校验 → 写存储与镜像 → 对账 → 广播权威状态
type Coordinator struct {
	repo       repository.RoomRepository
	registry   *transport.Registry
	engine     *reconcile.Engine
	dispatcher *reliability.Dispatcher
	hub        *transport.Hub
	journal    *journal.Journal
	logger     *zap.Logger
	cfg        Config

	// 构造期建好的处理函数表（封闭集合，不做开放式字符串分发）
	handlers map[transport.ClientEventKind]handlerFunc

	mu     sync.Mutex
	loops  map[string]chan func()
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

const loopQueueSize = 128

// NewCoordinator 创建协调器并与 hub 接线
func NewCoordinator(
	repo repository.RoomRepository,
	registry *transport.Registry,
	engine *reconcile.Engine,
	dispatcher *reliability.Dispatcher,
	hub *transport.Hub,
	jrnl *journal.Journal,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		repo:       repo,
		registry:   registry,
		engine:     engine,
		dispatcher: dispatcher,
		hub:        hub,
		journal:    jrnl,
		logger:     logger,
		cfg:        cfg,
		loops:      make(map[string]chan func()),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.handlers = map[transport.ClientEventKind]handlerFunc{
		transport.EventJoinRoom:     c.handleJoin,
		transport.EventLeaveRoom:    c.handleLeave,
		transport.EventToggleReady:  c.handleToggleReady,
		transport.EventAssignTeam:   c.handleAssignTeam,
		transport.EventStartGame:    c.handleStartGame,
		transport.EventRequestState: c.handleRequestState,
	}

	if hub != nil {
		hub.SetHandler(c.HandleEvent)
		hub.SetDisconnectFunc(c.HandleDisconnect)
	}
	return c
}

// Start 启动闲置房间回收扫描
func (c *Coordinator) Start() {
	go c.idleSweep()
}

// Shutdown 停止所有房间循环与在途投递
func (c *Coordinator) Shutdown() {
	c.cancel()

	c.mu.Lock()
	c.closed = true
	for roomID, ch := range c.loops {
		close(ch)
		delete(c.loops, roomID)
	}
	c.mu.Unlock()

	c.engine.Shutdown()
	c.dispatcher.Shutdown()
}

// HandleEvent hub 的入站事件入口
// ack 直接喂给投递层；其余事件进入所属房间的串行循环
func (c *Coordinator) HandleEvent(connID string, ev *transport.InboundEvent) {
	if ev.Kind == transport.EventAck {
		if !c.dispatcher.ConfirmDelivery(ev.EventID) {
			c.logger.Debug("ack for unknown event", zap.String("event_id", ev.EventID))
		}
		return
	}

	handler, ok := c.handlers[ev.Kind]
	if !ok {
		c.logger.Warn("no handler for inbound event", zap.String("kind", string(ev.Kind)))
		return
	}
	c.submit(ev.RoomID, func() { handler(c.ctx, connID, ev) })
}

// HandleDisconnect 连接断开：镜像记为离线并触发一轮对账
// 成员关系不动——断线不等于离开，存储层照常把该玩家算作成员
func (c *Coordinator) HandleDisconnect(connID, roomID, playerID string) {
	c.submit(roomID, func() {
		if mirror := c.registry.Get(roomID); mirror != nil && playerID != "" {
			mirror.SetConnected(playerID, false)
		}
		c.reconcileAndBroadcast(c.ctx, roomID, "disconnect")
	})
}

// submit 把任务投进房间的串行循环（按需创建循环）
// 入队和 stopLoop 的 close 都在 c.mu 之内：循环关闭后不可能再有人向
// 已关闭的通道发送。入队是非阻塞的，锁内发送不会卡住其他房间
func (c *Coordinator) submit(roomID string, task func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ch, ok := c.loops[roomID]
	if !ok {
		ch = make(chan func(), loopQueueSize)
		c.loops[roomID] = ch
		go func() {
			for task := range ch {
				task()
			}
		}()
	}

	select {
	case ch <- task:
	default:
		c.logger.Error("room loop queue full, dropping task", zap.String("room_id", roomID))
	}
}

// stopLoop 关闭房间循环（拆除/回收时调用）
func (c *Coordinator) stopLoop(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.loops[roomID]; ok {
		close(ch)
		delete(c.loops, roomID)
	}
}

// ---- 入站事件处理 ----

// handleJoin 加入房间
// 房间不存在时由第一个加入者创建并成为房主；已是成员的连接视为重连，
// 单发全量快照而不是重新入房
func (c *Coordinator) handleJoin(ctx context.Context, connID string, ev *transport.InboundEvent) {
	created := false
	stored, err := c.repo.GetRoom(ctx, ev.RoomID)
	if err == repository.ErrRoomNotFound {
		stored, err = c.repo.CreateRoom(ctx, ev.RoomID, ev.PlayerID, ev.DisplayName)
		if err != nil {
			c.logger.Error("failed to create room", zap.String("room_id", ev.RoomID), zap.Error(err))
			c.failAction(connID, ev, "room creation failed")
			return
		}
		created = true
		c.registry.Create(ev.RoomID, ev.PlayerID)
		c.engine.SchedulePeriodic(ev.RoomID, c.cfg.ReconcileInterval, func(res *reconcile.PassResult) {
			c.broadcastPass(c.ctx, res)
		})
		c.logger.Info("room created",
			zap.String("room_id", ev.RoomID), zap.String("host_id", ev.PlayerID))
	} else if err != nil {
		c.logger.Error("failed to load room", zap.String("room_id", ev.RoomID), zap.Error(err))
		c.failAction(connID, ev, "room unavailable")
		return
	}

	mirror := c.registry.Create(ev.RoomID, stored.Room.HostID)

	if stored.FindPlayer(ev.PlayerID) != nil {
		mirror.UpsertPlayer(ev.PlayerID, ev.DisplayName, true)
		c.hub.Associate(connID, ev.RoomID, ev.PlayerID)
		if created {
			// 建房者：CreateRoom 已把房主写进成员表，这是首次加入不是重连
			c.sendStateRestored(ctx, connID, ev.RoomID, false)
			return
		}
		// 重连：单发权威快照，再对账广播让其他人看到该玩家回来了
		c.sendStateRestored(ctx, connID, ev.RoomID, true)
		c.reconcileAndBroadcast(ctx, ev.RoomID, "reconnect")
		return
	}

	if len(stored.Players) >= c.cfg.MaxPlayers {
		c.failAction(connID, ev, "room is full")
		return
	}

	if err := c.repo.AddPlayer(ctx, ev.RoomID, ev.PlayerID, ev.DisplayName); err != nil {
		c.logger.Error("failed to add player",
			zap.String("room_id", ev.RoomID), zap.String("player_id", ev.PlayerID), zap.Error(err))
		c.failAction(connID, ev, "join failed")
		return
	}
	mirror.UpsertPlayer(ev.PlayerID, ev.DisplayName, true)
	c.hub.Associate(connID, ev.RoomID, ev.PlayerID)

	c.emitAsync(ctx, ev.RoomID, string(transport.EventPlayerJoined), map[string]interface{}{
		"roomId":      ev.RoomID,
		"playerId":    ev.PlayerID,
		"displayName": ev.DisplayName,
	})
	c.reconcileAndBroadcast(ctx, ev.RoomID, "join-room")
}

// handleLeave 离开房间
func (c *Coordinator) handleLeave(ctx context.Context, connID string, ev *transport.InboundEvent) {
	if err := c.repo.RemovePlayer(ctx, ev.RoomID, ev.PlayerID); err != nil {
		c.logger.Warn("failed to remove player",
			zap.String("room_id", ev.RoomID), zap.String("player_id", ev.PlayerID), zap.Error(err))
	}
	if mirror := c.registry.Get(ev.RoomID); mirror != nil {
		mirror.RemovePlayer(ev.PlayerID)
	}
	c.emitAsync(ctx, ev.RoomID, string(transport.EventPlayerLeft), map[string]interface{}{
		"roomId":   ev.RoomID,
		"playerId": ev.PlayerID,
	})
	c.reconcileAndBroadcast(ctx, ev.RoomID, "leave-room")
}

// handleToggleReady 翻转准备标记
func (c *Coordinator) handleToggleReady(ctx context.Context, connID string, ev *transport.InboundEvent) {
	stored, err := c.repo.GetRoom(ctx, ev.RoomID)
	if err != nil {
		c.failAction(connID, ev, "room unavailable")
		return
	}
	p := stored.FindPlayer(ev.PlayerID)
	if p == nil {
		c.failAction(connID, ev, "not a member of this room")
		return
	}

	ready := !p.Ready
	if err := c.repo.SetReady(ctx, ev.RoomID, ev.PlayerID, ready); err != nil {
		c.logger.Error("failed to set ready",
			zap.String("room_id", ev.RoomID), zap.String("player_id", ev.PlayerID), zap.Error(err))
		c.failAction(connID, ev, "ready toggle failed")
		return
	}
	if mirror := c.registry.Get(ev.RoomID); mirror != nil {
		mirror.SetReady(ev.PlayerID, ready)
	}

	c.emitAsync(ctx, ev.RoomID, string(transport.EventPlayerReadyChanged), map[string]interface{}{
		"roomId":   ev.RoomID,
		"playerId": ev.PlayerID,
		"ready":    ready,
	})
	c.reconcileAndBroadcast(ctx, ev.RoomID, "toggle-ready")
}

// handleAssignTeam 分配队伍
// 队伍人数上限 = 房间上限的一半；补满两队时发 teams-formed 关键事件
func (c *Coordinator) handleAssignTeam(ctx context.Context, connID string, ev *transport.InboundEvent) {
	stored, err := c.repo.GetRoom(ctx, ev.RoomID)
	if err != nil {
		c.failAction(connID, ev, "room unavailable")
		return
	}
	if stored.FindPlayer(ev.PlayerID) == nil {
		c.failAction(connID, ev, "not a member of this room")
		return
	}

	if ev.Team != models.TeamNone {
		teamSize := 0
		for i := range stored.Players {
			if stored.Players[i].Team == ev.Team && stored.Players[i].PlayerID != ev.PlayerID {
				teamSize++
			}
		}
		if teamSize >= c.cfg.MaxPlayers/2 {
			c.failAction(connID, ev, fmt.Sprintf("team %d is full", ev.Team))
			return
		}
	}

	if err := c.repo.SetTeam(ctx, ev.RoomID, ev.PlayerID, ev.Team); err != nil {
		c.logger.Error("failed to set team",
			zap.String("room_id", ev.RoomID), zap.String("player_id", ev.PlayerID), zap.Error(err))
		c.failAction(connID, ev, "team assignment failed")
		return
	}
	if mirror := c.registry.Get(ev.RoomID); mirror != nil {
		mirror.SetTeam(ev.PlayerID, ev.Team)
	}

	if after, err := c.repo.GetRoom(ctx, ev.RoomID); err == nil && teamsFormed(after, c.cfg.MaxPlayers) {
		c.emitAsync(ctx, ev.RoomID, string(transport.EventTeamsFormed), map[string]interface{}{
			"roomId": ev.RoomID,
			"teams": map[string][]string{
				"team1": teamIDs(after, models.Team1),
				"team2": teamIDs(after, models.Team2),
			},
		})
	}
	c.reconcileAndBroadcast(ctx, ev.RoomID, "assign-team")
}

// handleStartGame 开始游戏
// game-starting 是关键事件：投递失败时回退到 waiting 并告知请求方，
// 绝不在名单未确认的情况下把房间留在 in_progress
func (c *Coordinator) handleStartGame(ctx context.Context, connID string, ev *transport.InboundEvent) {
	stored, err := c.repo.GetRoom(ctx, ev.RoomID)
	if err != nil {
		c.failAction(connID, ev, "room unavailable")
		return
	}
	if ev.PlayerID != stored.Room.HostID {
		c.failAction(connID, ev, "only the host can start the game")
		return
	}
	if stored.Room.Status != models.StatusWaiting {
		c.failAction(connID, ev, "game already started")
		return
	}
	if !teamsFormed(stored, c.cfg.MaxPlayers) || !allReady(stored) {
		c.failAction(connID, ev, "players are not ready")
		return
	}

	if err := c.repo.SetStatus(ctx, ev.RoomID, models.StatusInProgress); err != nil {
		c.logger.Error("failed to set room status",
			zap.String("room_id", ev.RoomID), zap.Error(err))
		c.failAction(connID, ev, "start failed")
		return
	}
	if mirror := c.registry.Get(ev.RoomID); mirror != nil {
		mirror.SetStatus(models.StatusInProgress)
	}
	c.reconcileAndBroadcast(ctx, ev.RoomID, "start-game")

	// 等待关键事件确认：这步收在房间循环里，开局请求天然被串行化
	delivered := <-c.dispatcher.EmitWithRetry(ctx, ev.RoomID, string(transport.EventGameStarting), map[string]interface{}{
		"roomId": ev.RoomID,
	})
	if !delivered {
		c.logger.Error("game-starting delivery exhausted, reverting",
			zap.String("room_id", ev.RoomID))
		if err := c.repo.SetStatus(ctx, ev.RoomID, models.StatusWaiting); err != nil {
			c.logger.Error("failed to revert room status", zap.String("room_id", ev.RoomID), zap.Error(err))
		}
		if mirror := c.registry.Get(ev.RoomID); mirror != nil {
			mirror.SetStatus(models.StatusWaiting)
		}
		c.reconcileAndBroadcast(ctx, ev.RoomID, "start-game-reverted")
		c.failAction(connID, ev, "could not confirm game start with all players, please retry")
	}
}

// handleRequestState 客户端主动重取全量状态（重连或版本缺口过大）
func (c *Coordinator) handleRequestState(ctx context.Context, connID string, ev *transport.InboundEvent) {
	if ev.PlayerID != "" {
		if mirror := c.registry.Get(ev.RoomID); mirror != nil {
			mirror.SetConnected(ev.PlayerID, true)
		}
		c.hub.Associate(connID, ev.RoomID, ev.PlayerID)
	}
	c.sendStateRestored(ctx, connID, ev.RoomID, true)
}

// ---- 公开操作（HTTP 层使用） ----

// CurrentState 当前权威状态（读操作，不触发写回）
func (c *Coordinator) CurrentState(ctx context.Context, roomID string) (*models.CanonicalState, error) {
	stored, err := c.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	mirror := c.registry.Get(roomID)
	if mirror == nil {
		// 没有镜像（例如进程重启后）：全部按离线处理
		mirror = c.registry.Create(roomID, stored.Room.HostID)
	}
	state, err := c.engine.Resolve(nil, stored, mirror.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to build current state: %w", err)
	}
	state.Version = stored.Room.Version
	state.Timestamp = time.Now()
	return state, nil
}

// ApplyFallbackAction HTTP 兜底写入口
// 推送通道耗尽时，同一逻辑操作直接落到存储层；客户端靠后续对账广播
// 或全量重取收敛。按事件类型幂等应用
func (c *Coordinator) ApplyFallbackAction(ctx context.Context, eventType string, payload map[string]interface{}) error {
	roomID, _ := payload["roomId"].(string)
	if roomID == "" {
		return fmt.Errorf("fallback payload missing roomId")
	}

	switch transport.BroadcastKind(eventType) {
	case transport.EventGameStarting:
		if err := c.repo.SetStatus(ctx, roomID, models.StatusInProgress); err != nil {
			return fmt.Errorf("fallback start failed: %w", err)
		}
	case transport.EventPlayerReadyChanged:
		playerID, _ := payload["playerId"].(string)
		ready, _ := payload["ready"].(bool)
		if err := c.repo.SetReady(ctx, roomID, playerID, ready); err != nil {
			return fmt.Errorf("fallback ready change failed: %w", err)
		}
	case transport.EventTeamsFormed, transport.EventStateSynchronized:
		// 状态本身已提交，兜底仅确认送达：无需额外写
	default:
		return fmt.Errorf("no fallback handler for event type %q", eventType)
	}

	c.submit(roomID, func() { c.reconcileAndBroadcast(c.ctx, roomID, "http-fallback") })
	return nil
}

// CompleteRoom 房间结束：取消周期对账、广播终态、拆除两侧表示
func (c *Coordinator) CompleteRoom(ctx context.Context, roomID string) error {
	if err := c.repo.SetStatus(ctx, roomID, models.StatusCompleted); err != nil {
		return fmt.Errorf("failed to complete room: %w", err)
	}
	if mirror := c.registry.Get(roomID); mirror != nil {
		mirror.SetStatus(models.StatusCompleted)
	}
	c.reconcileAndBroadcast(ctx, roomID, "complete")

	c.engine.CancelPeriodic(roomID)
	c.dispatcher.AbortTarget(roomID)
	c.registry.Evict(roomID)
	c.stopLoop(roomID)
	if err := c.repo.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("failed to delete completed room: %w", err)
	}
	c.logger.Info("room completed and torn down", zap.String("room_id", roomID))
	return nil
}

// ReconcileStats 对账统计（运维接口用）
func (c *Coordinator) ReconcileStats() reconcile.StatsSnapshot {
	return c.engine.GetStatistics()
}

// DeliveryStats 投递统计（运维接口用）
func (c *Coordinator) DeliveryStats() map[string]reliability.DeliveryStats {
	return c.dispatcher.GetStatistics()
}

// ---- 内部 ----

// reconcileAndBroadcast 对账，有变更时广播权威状态
func (c *Coordinator) reconcileAndBroadcast(ctx context.Context, roomID, trigger string) {
	res, err := c.engine.Reconcile(ctx, roomID, trigger)
	if err != nil {
		// 可恢复失败：记录后降级，房间保持当前状态，等下一个触发点
		c.logger.Error("reconciliation failed",
			zap.String("room_id", roomID), zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if res == nil {
		return
	}
	c.broadcastPass(ctx, res)
}

// broadcastPass 写对账日志并广播 state-synchronized
func (c *Coordinator) broadcastPass(ctx context.Context, res *reconcile.PassResult) {
	c.journal.RecordPass(ctx, res)

	state := res.State
	c.emitAsync(ctx, state.RoomID, string(transport.EventStateSynchronized), map[string]interface{}{
		"roomId":  state.RoomID,
		"trigger": res.Trigger,
		"players": state.Players,
		"teams": map[string][]string{
			"team1": state.TeamMembers(models.Team1),
			"team2": state.TeamMembers(models.Team2),
		},
		"hostId":    state.HostID,
		"status":    state.Status,
		"version":   state.Version,
		"timestamp": state.Timestamp.UnixMilli(),
	})
}

// sendStateRestored 给单个连接发全量快照
// reconnection 标记该快照是否因重连而发（建房者首次加入时为 false）
func (c *Coordinator) sendStateRestored(ctx context.Context, connID, roomID string, reconnection bool) {
	state, err := c.CurrentState(ctx, roomID)
	if err != nil {
		c.logger.Warn("failed to build state snapshot",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}
	c.emitAsync(ctx, connID, string(transport.EventStateRestored), map[string]interface{}{
		"roomId":         roomID,
		"canonicalState": state,
		"isReconnection": reconnection,
	})
}

// emitAsync 发出事件并在后台记录最终投递结果
func (c *Coordinator) emitAsync(ctx context.Context, target, eventType string, payload map[string]interface{}) {
	result := c.dispatcher.EmitWithRetry(ctx, target, eventType, payload)
	go func() {
		if ok := <-result; !ok {
			c.logger.Warn("event delivery failed",
				zap.String("event_type", eventType), zap.String("target", target))
		}
	}()
}

// failAction 把失败结果回给动作发起方的连接
func (c *Coordinator) failAction(connID string, ev *transport.InboundEvent, reason string) {
	frame, err := json.Marshal(map[string]interface{}{
		"type":   string(transport.EventActionFailed),
		"action": string(ev.Kind),
		"roomId": ev.RoomID,
		"reason": reason,
	})
	if err != nil {
		return
	}
	if err := c.hub.Push(connID, frame); err != nil {
		c.logger.Debug("failed to notify action failure",
			zap.String("conn_id", connID), zap.Error(err))
	}
}

// idleSweep 闲置房间回收：无连接玩家且镜像长时间无活动的房间拆除两侧表示
func (c *Coordinator) idleSweep() {
	interval := c.cfg.IdleEvictAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, roomID := range c.registry.RoomIDs() {
				mirror := c.registry.Get(roomID)
				if mirror == nil {
					continue
				}
				if mirror.ConnectedCount() == 0 && time.Since(mirror.LastActivity()) >= c.cfg.IdleEvictAfter {
					// 只回收进程内表示；存储行保留，玩家回来时照常 join
					c.logger.Info("evicting idle room", zap.String("room_id", roomID))
					c.engine.CancelPeriodic(roomID)
					c.dispatcher.AbortTarget(roomID)
					c.registry.Evict(roomID)
					c.stopLoop(roomID)
				}
			}
		}
	}
}

func teamsFormed(stored *models.StoredRoom, maxPlayers int) bool {
	if len(stored.Players) < maxPlayers {
		return false
	}
	half := maxPlayers / 2
	t1, t2 := 0, 0
	for i := range stored.Players {
		switch stored.Players[i].Team {
		case models.Team1:
			t1++
		case models.Team2:
			t2++
		default:
			return false
		}
	}
	return t1 == half && t2 == half
}

func allReady(stored *models.StoredRoom) bool {
	for i := range stored.Players {
		if !stored.Players[i].Ready {
			return false
		}
	}
	return true
}

func teamIDs(stored *models.StoredRoom, team models.Team) []string {
	ids := []string{}
	for i := range stored.Players {
		if stored.Players[i].Team == team {
			ids = append(ids, stored.Players[i].PlayerID)
		}
	}
	return ids
}
