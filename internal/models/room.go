package models

import "time"

// RoomStatus 房间状态
type RoomStatus string

const (
	StatusWaiting    RoomStatus = "waiting"
	StatusInProgress RoomStatus = "in_progress"
	StatusCompleted  RoomStatus = "completed"
)

// Team 队伍编号（0 表示未分队）
type Team int

const (
	TeamNone Team = 0
	Team1    Team = 1
	Team2    Team = 2
)

// Valid 校验队伍编号是否合法
func (t Team) Valid() bool {
	return t == TeamNone || t == Team1 || t == Team2
}

// Room 房间（存储层视角，version 为单调递增计数器）
type Room struct {
	ID        string
	HostID    string
	Status    RoomStatus
	Version   int64
	CreatedAt time.Time
}

// RoomPlayer 房间内玩家（存储层行，room_id + player_id 唯一）
// 注意：存储层没有连接状态的概念，Connected 只存在于传输层镜像
type RoomPlayer struct {
	RoomID      string
	PlayerID    string
	DisplayName string
	Ready       bool
	Team        Team
	JoinedAt    time.Time
}

// StoredRoom 存储层读出的完整房间状态
type StoredRoom struct {
	Room    Room
	Players []RoomPlayer
}

// FindPlayer 按玩家 ID 查找，未找到返回 nil
func (s *StoredRoom) FindPlayer(playerID string) *RoomPlayer {
	for i := range s.Players {
		if s.Players[i].PlayerID == playerID {
			return &s.Players[i]
		}
	}
	return nil
}

// CanonicalPlayer 对账后的玩家权威状态
// ready/team 来自存储层，connected 来自传输层
type CanonicalPlayer struct {
	PlayerID    string `json:"playerId"`
	DisplayName string `json:"displayName"`
	Ready       bool   `json:"ready"`
	Team        Team   `json:"team"`
	Connected   bool   `json:"connected"`
}

// CanonicalState 一次对账产出的权威房间状态，用于广播
type CanonicalState struct {
	RoomID    string            `json:"roomId"`
	HostID    string            `json:"hostId"`
	Status    RoomStatus        `json:"status"`
	Version   int64             `json:"version"`
	Players   []CanonicalPlayer `json:"players"`
	Timestamp time.Time         `json:"timestamp"`
}

// FindPlayer 按玩家 ID 查找，未找到返回 nil
func (c *CanonicalState) FindPlayer(playerID string) *CanonicalPlayer {
	for i := range c.Players {
		if c.Players[i].PlayerID == playerID {
			return &c.Players[i]
		}
	}
	return nil
}

// TeamMembers 按队伍编号取玩家 ID（队伍是派生数据，不单独存储）
func (c *CanonicalState) TeamMembers(team Team) []string {
	var members []string
	for i := range c.Players {
		if c.Players[i].Team == team {
			members = append(members, c.Players[i].PlayerID)
		}
	}
	return members
}

// Clone 浅拷贝（玩家切片单独复制，供客户端乐观更新使用）
func (c *CanonicalState) Clone() *CanonicalState {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Players = make([]CanonicalPlayer, len(c.Players))
	copy(cp.Players, c.Players)
	return &cp
}
