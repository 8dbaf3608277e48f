package model

import (
	"fmt"
	"time"
)

// ReuseStatus 复用结算状态，表示记录已到达的最后一个持久化节点
type ReuseStatus string

const (
	ReuseStatusDraft            ReuseStatus = "draft"
	ReuseStatusValuated         ReuseStatus = "valuated"
	ReuseStatusPersistedPending ReuseStatus = "persisted_pending"
	ReuseStatusLedgerSubmitted  ReuseStatus = "ledger_submitted"
	ReuseStatusFinalized        ReuseStatus = "finalized"
	ReuseStatusFailed           ReuseStatus = "failed"
)

var reuseStatusRank = map[ReuseStatus]int{
	ReuseStatusDraft:            0,
	ReuseStatusValuated:         1,
	ReuseStatusPersistedPending: 2,
	ReuseStatusLedgerSubmitted:  3,
	ReuseStatusFinalized:        4,
}

// IsTerminal reports whether no further transition is possible.
func (s ReuseStatus) IsTerminal() bool {
	return s == ReuseStatusFinalized || s == ReuseStatusFailed
}

// Valid reports whether s is a known status.
func (s ReuseStatus) Valid() bool {
	_, ok := reuseStatusRank[s]
	return ok || s == ReuseStatusFailed
}

// CanAdvanceTo reports whether from -> to is a legal forward transition.
// Any non-terminal status may move to failed; otherwise only the next step is allowed.
func (s ReuseStatus) CanAdvanceTo(to ReuseStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == ReuseStatusFailed {
		return true
	}
	from, ok := reuseStatusRank[s]
	if !ok {
		return false
	}
	next, ok := reuseStatusRank[to]
	return ok && next == from+1
}

// ReuseRecord 一次片段复用的结算记录
type ReuseRecord struct {
	ID                  string      `json:"id" gorm:"primaryKey;size:36"`
	OriginalTrackID     string      `json:"originalTrackId" gorm:"size:36;index;not null"`
	RequesterID         string      `json:"requesterId" gorm:"size:64;index;not null"`
	StartMillis         int64       `json:"startMillis" gorm:"not null"`
	EndMillis           int64       `json:"endMillis" gorm:"not null"`
	IdempotencyKey      string      `json:"idempotencyKey" gorm:"size:191;index;not null"`
	ActiveKey           *string     `json:"-" gorm:"size:191;uniqueIndex"` // 持有幂等键期间非空
	PercentRequested    *int        `json:"percentRequested,omitempty"`
	Percent             int         `json:"percent"`
	ValuationMinorUnits int64       `json:"valuation"`
	SnippetContentRef   string      `json:"snippetContentRef,omitempty" gorm:"size:128"`
	SnippetContentHash  string      `json:"snippetContentHash,omitempty" gorm:"size:64"`
	SnippetDurationSec  float64     `json:"snippetDuration,omitempty"`
	SnippetContentType  string      `json:"snippetContentType,omitempty" gorm:"size:64"`
	Status              ReuseStatus `json:"status" gorm:"size:32;index;not null"`
	LedgerEntryID       *string     `json:"ledgerEntryId,omitempty" gorm:"size:128"`
	LedgerTxHandle      *string     `json:"ledgerTxHandle,omitempty" gorm:"size:128"`
	FailureReason       *string     `json:"failureReason,omitempty" gorm:"type:text"`
	Attempts            int         `json:"attempts" gorm:"not null;default:0"`
	LeaseOwner          string      `json:"-" gorm:"size:64"`
	LeaseExpiresAt      *time.Time  `json:"-"`
	ResubmittedFrom     *string     `json:"resubmittedFrom,omitempty" gorm:"size:36"`
	Version             int64       `json:"version" gorm:"not null;default:1"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt" gorm:"index"`
}

// TableName 指定表名
func (ReuseRecord) TableName() string {
	return "reuse_records"
}

// StartSec returns the interval start in seconds.
func (r *ReuseRecord) StartSec() float64 {
	return float64(r.StartMillis) / 1000
}

// EndSec returns the interval end in seconds.
func (r *ReuseRecord) EndSec() float64 {
	return float64(r.EndMillis) / 1000
}

// LeaseHeld reports whether someone other than owner holds an unexpired lease at now.
func (r *ReuseRecord) LeaseHeld(owner string, now time.Time) bool {
	if r.LeaseOwner == "" || r.LeaseExpiresAt == nil {
		return false
	}
	return r.LeaseOwner != owner && now.Before(*r.LeaseExpiresAt)
}

// ReuseIdempotencyKey 构造 (requester, track, interval) 幂等键
func ReuseIdempotencyKey(requesterID, trackID string, startMillis, endMillis int64) string {
	return fmt.Sprintf("%s|%s|%d-%d", requesterID, trackID, startMillis, endMillis)
}
