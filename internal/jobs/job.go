package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Job はサーバー側ジョブへのハンドルです。
// 状態は Refresh でのみ更新され、終端状態を観測した後は変化しません。
type Job struct {
	id      string
	jobType Type
	control Control

	mu       sync.Mutex
	last     Snapshot
	observed bool
	phases   *phaseLog
}

// Attach は既存のジョブIDにハンドルを割り当てます。
func Attach(control Control, jobID string, t Type) (*Job, error) {
	if control == nil {
		return nil, errors.New("control is nil")
	}
	if jobID == "" {
		return nil, errors.New("jobID is required")
	}
	return &Job{
		id:      jobID,
		jobType: t,
		control: control,
		last:    Snapshot{Status: StatusUnknown},
		phases:  newPhaseLog(t),
	}, nil
}

// ID はジョブIDを返します。
func (j *Job) ID() string { return j.id }

// Type はジョブ種別を返します。
func (j *Job) Type() Type { return j.jobType }

// Refresh はサーバーから最新の状態を取得します。
// 終端状態を観測済みの場合はサーバーに問い合わせません。
func (j *Job) Refresh(ctx context.Context) (Snapshot, error) {
	j.mu.Lock()
	if j.observed && j.last.Status.IsTerminal() {
		snap := j.last
		j.mu.Unlock()
		return snap, nil
	}
	j.mu.Unlock()

	snap, err := j.control.Inspect(ctx, j.id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("inspect job %s: %w", j.id, err)
	}
	if snap == nil {
		return Snapshot{}, fmt.Errorf("inspect job %s: empty response", j.id)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.observed && j.last.Status.IsTerminal() {
		return j.last, nil
	}
	observed := *snap
	if observed.Status == "" {
		observed.Status = StatusUnknown
	}
	if observed.ObservedAt.IsZero() {
		observed.ObservedAt = time.Now().UTC()
	}
	j.phases.observe(observed.Phase)
	// 後退したフェーズは採用しない
	observed.Phase = j.phases.current()
	j.last = observed
	j.observed = true
	return observed, nil
}

// Last は直近に観測した状態を返します。完了判定には使わないでください。
func (j *Job) Last() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Finished は終端状態を観測済みかどうかを返します。
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.observed && j.last.Status.IsTerminal()
}

// Phases は観測したフェーズの履歴を返します。
func (j *Job) Phases() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.phases.history...)
}

func (j *Job) phasePassed(target string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phases.passed(target)
}
