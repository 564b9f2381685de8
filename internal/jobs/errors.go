package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrPhasePassed は待機対象のフェーズを既に通過していたことを表します。
	ErrPhasePassed = errors.New("phase already passed")
	// ErrJobFinished はフェーズ到達前にジョブが終了したことを表します。
	ErrJobFinished = errors.New("job finished before reaching phase")
)

// SubmissionError はサーバーが操作を同期的に拒否したことを表します。
type SubmissionError struct {
	Operation Type
	Code      string
	Reason    string
	Err       error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit %s rejected", e.Operation)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// JobError は終端状態が成功でなかったジョブの情報を保持します。
type JobError struct {
	JobID       string
	Status      Status
	Phase       string
	DelayReason string
	TimedOut    bool
}

func (e *JobError) Error() string {
	state := string(e.Status)
	if e.TimedOut {
		state = "timed out in " + state
	}
	msg := fmt.Sprintf("job %s %s", e.JobID, state)
	if e.Phase != "" {
		msg += fmt.Sprintf(" (phase %q)", e.Phase)
	}
	if e.DelayReason != "" {
		msg += ": " + e.DelayReason
	}
	return msg
}

// PhaseError はフェーズ待機が成立しなかった理由を保持します。
type PhaseError struct {
	JobID    string
	Want     string
	Observed string
	Status   Status
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("job %s waiting for phase %q: %v (observed phase %q, status %s)",
		e.JobID, e.Want, e.Err, e.Observed, e.Status)
}

func (e *PhaseError) Unwrap() error { return e.Err }
