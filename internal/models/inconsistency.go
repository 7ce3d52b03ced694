package models

// InconsistencyKind 传输层镜像与存储层之间的分歧类型
type InconsistencyKind string

const (
	HostMismatch       InconsistencyKind = "host_mismatch"
	MissingPlayer      InconsistencyKind = "missing_player"
	ExtraPlayer        InconsistencyKind = "extra_player"
	ReadyMismatch      InconsistencyKind = "ready_mismatch"
	TeamMismatch       InconsistencyKind = "team_mismatch"
	ConnectionMismatch InconsistencyKind = "connection_mismatch"
	StatusMismatch     InconsistencyKind = "status_mismatch"
)

// Severity 分歧严重程度
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Inconsistency 单次对账检出的一条分歧记录
// 仅在一次对账过程和聚合统计中存在，从不落库
type Inconsistency struct {
	Kind           InconsistencyKind
	Severity       Severity
	RoomID         string
	PlayerID       string
	TransportValue interface{}
	StoreValue     interface{}
}

// severityOf 各分歧类型的固定严重程度
// host/status/成员缺失会直接破坏游戏正确性，记为 high
var severityOf = map[InconsistencyKind]Severity{
	HostMismatch:       SeverityHigh,
	StatusMismatch:     SeverityHigh,
	MissingPlayer:      SeverityHigh,
	ExtraPlayer:        SeverityMedium,
	TeamMismatch:       SeverityMedium,
	ReadyMismatch:      SeverityLow,
	ConnectionMismatch: SeverityLow,
}

// NewInconsistency 构造一条分歧记录（severity 按类型自动填充）
func NewInconsistency(kind InconsistencyKind, roomID, playerID string, transportValue, storeValue interface{}) Inconsistency {
	return Inconsistency{
		Kind:           kind,
		Severity:       severityOf[kind],
		RoomID:         roomID,
		PlayerID:       playerID,
		TransportValue: transportValue,
		StoreValue:     storeValue,
	}
}
