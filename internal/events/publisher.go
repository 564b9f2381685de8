// Package events はジョブ結果を NATS に通知します。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// JobCompleteSubject は結果通知の既定のサブジェクトです。
const JobCompleteSubject = "jobs.complete"

// CompletionEvent は追跡を終えたジョブの通知内容です。
type CompletionEvent struct {
	JobID       string      `json:"job_id"`
	Type        jobs.Type   `json:"job_type"`
	Status      jobs.Status `json:"status"`
	Phase       string      `json:"phase,omitempty"`
	DelayReason string      `json:"delay_reason,omitempty"`
	TimedOut    bool        `json:"timed_out"`
	Succeeded   bool        `json:"succeeded"`
	Polls       int         `json:"polls"`
	ElapsedMS   int64       `json:"elapsed_ms"`
	RunID       string      `json:"run_id,omitempty"`
	PublishedAt time.Time   `json:"published_at"`
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Publisher は jobs.Notifier の NATS 実装です。
type Publisher struct {
	nc      conn
	subject string
	runID   string
	logger  *logrus.Entry
}

// Connect は NATS に接続して Publisher を作成します。
func Connect(url, subject, runID string, logger *logrus.Entry) (*Publisher, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger.Infof("Connecting to NATS at %s", url)
	nc, err := nats.Connect(url, nats.Name("jobwatch"), nats.MaxReconnects(5))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newPublisher(nc, subject, runID, logger), nil
}

func newPublisher(nc conn, subject, runID string, logger *logrus.Entry) *Publisher {
	if subject == "" {
		subject = JobCompleteSubject
	}
	return &Publisher{nc: nc, subject: subject, runID: runID, logger: logger}
}

// Notify は結果を通知します。
func (p *Publisher) Notify(ctx context.Context, out *jobs.Outcome) error {
	if out == nil {
		return fmt.Errorf("outcome is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(CompletionEvent{
		JobID:       out.JobID,
		Type:        out.Type,
		Status:      out.Status,
		Phase:       out.Phase,
		DelayReason: out.DelayReason,
		TimedOut:    out.TimedOut,
		Succeeded:   out.Succeeded(),
		Polls:       out.Polls,
		ElapsedMS:   out.Elapsed.Milliseconds(),
		RunID:       p.runID,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize completion event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}
	p.logger.WithFields(logrus.Fields{"job_id": out.JobID, "subject": p.subject}).Info("Published completion")
	return nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じます。
func (p *Publisher) Close() error {
	err := p.nc.FlushTimeout(5 * time.Second)
	p.nc.Close()
	return err
}
