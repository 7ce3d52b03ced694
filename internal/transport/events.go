package transport

import (
	"encoding/json"
	"fmt"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
)

// ClientEventKind 入站客户端事件类型（封闭集合）
type ClientEventKind string

const (
	EventJoinRoom     ClientEventKind = "join-room"
	EventLeaveRoom    ClientEventKind = "leave-room"
	EventToggleReady  ClientEventKind = "toggle-ready"
	EventAssignTeam   ClientEventKind = "assign-team"
	EventStartGame    ClientEventKind = "start-game"
	EventRequestState ClientEventKind = "request-state"
	EventAck          ClientEventKind = "ack"
)

// BroadcastKind 出站广播事件类型（封闭集合）
type BroadcastKind string

const (
	EventStateSynchronized BroadcastKind = "state-synchronized"
	EventStateRestored     BroadcastKind = "state-restored"
	EventPlayerJoined      BroadcastKind = "player-joined"
	EventPlayerLeft        BroadcastKind = "player-left"
	EventPlayerReadyChanged BroadcastKind = "player-ready-changed"
	EventTeamsFormed       BroadcastKind = "teams-formed"
	EventGameStarting      BroadcastKind = "game-starting"
	EventActionFailed      BroadcastKind = "action-failed"
)

// InboundEvent 解析后的入站事件
// 按 Kind 取用对应字段，未用到的字段保持零值
type InboundEvent struct {
	Kind        ClientEventKind `json:"type"`
	RoomID      string          `json:"roomId,omitempty"`
	PlayerID    string          `json:"playerId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Team        models.Team     `json:"team,omitempty"`
	// EventID 仅用于 ack：回显需要确认的投递事件 ID
	EventID string `json:"eventId,omitempty"`
}

var validInbound = map[ClientEventKind]bool{
	EventJoinRoom:     true,
	EventLeaveRoom:    true,
	EventToggleReady:  true,
	EventAssignTeam:   true,
	EventStartGame:    true,
	EventRequestState: true,
	EventAck:          true,
}

// DecodeInbound 解码并校验入站事件
// 未知事件类型直接拒绝，不做开放式字符串分发
func DecodeInbound(data []byte) (*InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode inbound event: %w", err)
	}
	if !validInbound[ev.Kind] {
		return nil, fmt.Errorf("unknown inbound event type: %q", ev.Kind)
	}
	if ev.Kind != EventAck && ev.RoomID == "" {
		return nil, fmt.Errorf("inbound event %q missing roomId", ev.Kind)
	}
	if ev.Kind == EventAck && ev.EventID == "" {
		return nil, fmt.Errorf("ack missing eventId")
	}
	if ev.Kind == EventAssignTeam && !ev.Team.Valid() {
		return nil, fmt.Errorf("invalid team: %d", ev.Team)
	}
	return &ev, nil
}
