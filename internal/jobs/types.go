// Package jobs はリモートジョブの投入・追跡を提供します。
package jobs

import (
	"context"
	"strings"
	"time"
)

// Status はサーバー側ジョブの状態を表します。
type Status string

const (
	StatusUnknown             Status = "Unknown"
	StatusQueued              Status = "Queued"
	StatusPending             Status = "Pending"
	StatusWaiting             Status = "Waiting"
	StatusRunning             Status = "Running"
	StatusSuspended           Status = "Suspended"
	StatusInterrupted         Status = "Interrupted"
	StatusKilling             Status = "Killing"
	StatusCompleted           Status = "Completed"
	StatusCompletedWithErrors Status = "Completed with Errors"
	StatusFailed              Status = "Failed"
	StatusKilled              Status = "Killed"
)

var statusAliases = map[string]Status{
	"queued":                          StatusQueued,
	"pending":                         StatusPending,
	"waiting":                         StatusWaiting,
	"running":                         StatusRunning,
	"suspended":                       StatusSuspended,
	"interrupted":                     StatusInterrupted,
	"killing":                         StatusKilling,
	"completed":                       StatusCompleted,
	"completed with errors":           StatusCompletedWithErrors,
	"completed w/ one or more errors": StatusCompletedWithErrors,
	"failed":                          StatusFailed,
	"failed to start":                 StatusFailed,
	"killed":                          StatusKilled,
}

// ParseStatus はサーバーが返した状態文字列を Status に変換します。
// 未知の文字列は StatusUnknown になります。
func ParseStatus(raw string) Status {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// IsTerminal は状態がこれ以上遷移しない終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// IsSuccess は成功とみなせる終端状態かどうかを返します。
func (s Status) IsSuccess(tolerateErrors bool) bool {
	if s == StatusCompleted {
		return true
	}
	return tolerateErrors && s == StatusCompletedWithErrors
}

// Type はジョブ種別です。
type Type string

const (
	TypeBackup          Type = "Backup"
	TypeRestore         Type = "Restore"
	TypeAuxCopy         Type = "AuxCopy"
	TypeDDBVerification Type = "DDBVerification"
	TypeInstall         Type = "Install"
	TypeDataAging       Type = "DataAging"
)

// Snapshot はある時点で観測したジョブの状態です。
type Snapshot struct {
	Status          Status    `json:"status"`
	Phase           string    `json:"phase,omitempty"`
	DelayReason     string    `json:"delayReason,omitempty"`
	PercentComplete int       `json:"percentComplete"`
	StartTime       time.Time `json:"startTime,omitempty"`
	EndTime         time.Time `json:"endTime,omitempty"`
	ObservedAt      time.Time `json:"observedAt"`
}

// Operation はサーバーへ投入する操作です。
type Operation struct {
	Type    Type              `json:"type" yaml:"type"`
	Target  map[string]string `json:"target" yaml:"target"`
	Options map[string]any    `json:"options,omitempty" yaml:"options,omitempty"`
}

// Control はリモートのジョブ制御APIです。
type Control interface {
	Submit(ctx context.Context, op Operation) (string, error)
	Inspect(ctx context.Context, jobID string) (*Snapshot, error)
	Kill(ctx context.Context, jobID string) error
}
