// Package queue はジョブ追跡を Asynq のバックグラウンドタスクとして実行します。
package queue

import (
	"time"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// RecordStatus は追跡タスクの状態です。
type RecordStatus string

const (
	StatusQueued  RecordStatus = "queued"
	StatusRunning RecordStatus = "running"
	StatusDone    RecordStatus = "done"
	StatusError   RecordStatus = "error"
)

// ErrorInfo は追跡が失敗した理由です。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record は追跡中のジョブの状態を保持します。
type Record struct {
	JobID         string        `json:"jobId"`
	Type          jobs.Type     `json:"type"`
	Plan          string        `json:"plan,omitempty"`
	Status        RecordStatus  `json:"status"`
	JobStatus     jobs.Status   `json:"jobStatus"`
	Phase         string        `json:"phase,omitempty"`
	Phases        []string      `json:"phases,omitempty"`
	DelayReason   string        `json:"delayReason,omitempty"`
	Percent       int           `json:"percent"`
	KillRequested bool          `json:"killRequested"`
	Outcome       *jobs.Outcome `json:"outcome,omitempty"`
	Error         *ErrorInfo    `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// Finished は追跡が終わっているかどうかを返します。
func (r *Record) Finished() bool {
	return r.Status == StatusDone || r.Status == StatusError
}

// TaskPayload は追跡タスクのペイロードです。
type TaskPayload struct {
	JobID          string    `json:"jobId"`
	Type           jobs.Type `json:"type"`
	TimeoutSeconds int       `json:"timeoutSeconds,omitempty"`
	PollSeconds    int       `json:"pollSeconds,omitempty"`
	TolerateErrors bool      `json:"tolerateErrors,omitempty"`
	Plan           string    `json:"plan,omitempty"`
}

func (p *TaskPayload) options() jobs.Options {
	return jobs.Options{
		Timeout:        time.Duration(p.TimeoutSeconds) * time.Second,
		PollInterval:   time.Duration(p.PollSeconds) * time.Second,
		TolerateErrors: p.TolerateErrors,
	}
}
