package reconcile

import (
	"sync"
	"time"

	"github.com/atifkhan161/contract-crown-sub006/internal/models"
)

// PassRecord 单次对账的历史记录（仅产生了变更的轮次）
type PassRecord struct {
	RoomID  string                     `json:"roomId"`
	Trigger string                     `json:"trigger"`
	Kinds   []models.InconsistencyKind `json:"kinds"`
	At      time.Time                  `json:"at"`
}

// StatsSnapshot 对账统计快照
type StatsSnapshot struct {
	TotalPasses       int64                              `json:"totalPasses"`
	PassesWithChanges int64                              `json:"passesWithChanges"`
	ByKind            map[models.InconsistencyKind]int64 `json:"byKind"`
	Recent            []PassRecord                       `json:"recent"`
}

// Stats 滚动对账统计
// 历史记录有条数上限，超出后淘汰最旧的，长时间运行不会无限增长
type Stats struct {
	mu                sync.Mutex
	totalPasses       int64
	passesWithChanges int64
	byKind            map[models.InconsistencyKind]int64
	history           []PassRecord
	limit             int
}

// NewStats 创建统计容器
func NewStats(historyLimit int) *Stats {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Stats{
		byKind: make(map[models.InconsistencyKind]int64),
		limit:  historyLimit,
	}
}

// RecordPass 记录一次对账（incs 为空表示无分歧的空轮）
func (s *Stats) RecordPass(roomID, trigger string, incs []models.Inconsistency) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalPasses++
	if len(incs) == 0 {
		return
	}
	s.passesWithChanges++

	rec := PassRecord{RoomID: roomID, Trigger: trigger, At: time.Now()}
	for _, inc := range incs {
		s.byKind[inc.Kind]++
		rec.Kinds = append(rec.Kinds, inc.Kind)
	}

	s.history = append(s.history, rec)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
}

// Snapshot 取统计快照（值拷贝）
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalPasses:       s.totalPasses,
		PassesWithChanges: s.passesWithChanges,
		ByKind:            make(map[models.InconsistencyKind]int64, len(s.byKind)),
		Recent:            make([]PassRecord, len(s.history)),
	}
	for k, v := range s.byKind {
		snap.ByKind[k] = v
	}
	copy(snap.Recent, s.history)
	return snap
}
