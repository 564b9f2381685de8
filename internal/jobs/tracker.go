package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTimeout      = 75 * time.Minute
	DefaultRebootWindow = 10 * time.Minute
)

// RebootProbe はジョブ状態とは別経路でマシンの再起動要求を検出します。
type RebootProbe interface {
	RebootRequired(ctx context.Context) (bool, error)
	Resumed(ctx context.Context) (bool, error)
}

// Recorder は観測したスナップショットを保存します。
type Recorder interface {
	Record(ctx context.Context, job *Job, snap Snapshot) error
}

// Notifier は追跡が終わったジョブの結果を通知します。
type Notifier interface {
	Notify(ctx context.Context, outcome *Outcome) error
}

// Options はポーリングの設定です。ゼロ値の時間は Tracker の既定値で補われます。
// TolerateErrors は呼び出しごとの指定で、既定値からは引き継ぎません。
type Options struct {
	Timeout        time.Duration
	PollInterval   time.Duration
	TolerateErrors bool
	Reboot         RebootProbe
	RebootWindow   time.Duration
}

// Outcome は追跡の結果です。
type Outcome struct {
	JobID           string        `json:"jobId"`
	Type            Type          `json:"type"`
	Status          Status        `json:"status"`
	Phase           string        `json:"phase,omitempty"`
	DelayReason     string        `json:"delayReason,omitempty"`
	PercentComplete int           `json:"percentComplete"`
	TimedOut        bool          `json:"timedOut"`
	Polls           int           `json:"polls"`
	Elapsed         time.Duration `json:"elapsed"`
	LastError       string        `json:"lastError,omitempty"`
	TolerateErrors  bool          `json:"tolerateErrors"`
}

// Succeeded は最後に観測した状態が成功集合に含まれるかを返します。
func (o *Outcome) Succeeded() bool {
	if o == nil || o.TimedOut {
		return false
	}
	return o.Status.IsSuccess(o.TolerateErrors)
}

// Err は成功しなかった場合に *JobError を返します。
func (o *Outcome) Err() error {
	if o == nil || o.Succeeded() {
		return nil
	}
	return &JobError{
		JobID:       o.JobID,
		Status:      o.Status,
		Phase:       o.Phase,
		DelayReason: o.DelayReason,
		TimedOut:    o.TimedOut,
	}
}

func (o *Outcome) apply(snap Snapshot) {
	o.Status = snap.Status
	o.Phase = snap.Phase
	o.DelayReason = snap.DelayReason
	o.PercentComplete = snap.PercentComplete
}

type clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Tracker はジョブを終端状態まで追跡します。
type Tracker struct {
	logger   *logrus.Entry
	defaults Options
	recorder Recorder
	notifier Notifier
	clock    clock
}

// TrackerOption は Tracker の設定関数です。
type TrackerOption func(*Tracker)

// WithDefaults は Options の既定値を設定します。
func WithDefaults(o Options) TrackerOption {
	return func(t *Tracker) { t.defaults = o }
}

// WithRecorder はスナップショットの保存先を設定します。
func WithRecorder(r Recorder) TrackerOption {
	return func(t *Tracker) { t.recorder = r }
}

// WithNotifier は結果の通知先を設定します。
func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) { t.notifier = n }
}

// NewTracker は Tracker を作成します。
func NewTracker(logger *logrus.Entry, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tracker{logger: logger, clock: realClock{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) resolve(o Options) Options {
	if o.Timeout <= 0 {
		o.Timeout = t.defaults.Timeout
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = t.defaults.PollInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.RebootWindow <= 0 {
		o.RebootWindow = t.defaults.RebootWindow
	}
	if o.RebootWindow <= 0 {
		o.RebootWindow = DefaultRebootWindow
	}
	return o
}

func (t *Tracker) jobLogger(job *Job) *logrus.Entry {
	return t.logger.WithFields(logrus.Fields{
		"job_id":   job.ID(),
		"job_type": job.Type(),
	})
}

type pollState int

const (
	statePolling pollState = iota
	stateRebootWait
)

// WaitForCompletion はジョブが成功で終わった場合に true を返します。
// タイムアウトはエラーではなく false で返ります。
func (t *Tracker) WaitForCompletion(ctx context.Context, job *Job, opts Options) (bool, error) {
	out, err := t.Wait(ctx, job, opts)
	if err != nil {
		return false, err
	}
	return out.Succeeded(), nil
}

// Wait はジョブが終端状態になるかタイムアウトするまでポーリングします。
// 返すエラーはコンテキストのキャンセルのみです。
func (t *Tracker) Wait(ctx context.Context, job *Job, opts Options) (*Outcome, error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}
	o := t.resolve(opts)
	log := t.jobLogger(job)
	start := t.clock.Now()
	deadline := start.Add(o.Timeout)
	out := &Outcome{
		JobID:          job.ID(),
		Type:           job.Type(),
		Status:         StatusUnknown,
		TolerateErrors: o.TolerateErrors,
	}
	finish := func() *Outcome {
		out.Elapsed = t.clock.Now().Sub(start)
		t.notify(ctx, log, out)
		return out
	}

	// poll は1回分の状態取得です。終端状態なら true を返します。
	poll := func() (bool, error) {
		snap, err := job.Refresh(ctx)
		out.Polls++
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			out.LastError = err.Error()
			log.WithError(err).Warn("failed to refresh job status")
			return false, nil
		}
		out.apply(snap)
		t.record(ctx, log, job, snap)
		if snap.Status.IsTerminal() {
			log.WithFields(logrus.Fields{
				"status":       snap.Status,
				"phase":        snap.Phase,
				"delay_reason": snap.DelayReason,
			}).Info("job reached terminal status")
			return true, nil
		}
		entry := log.WithFields(logrus.Fields{
			"status":       snap.Status,
			"phase":        snap.Phase,
			"progress":     snap.PercentComplete,
			"delay_reason": snap.DelayReason,
		})
		if snap.Status == StatusUnknown {
			entry.Warn("server returned an unrecognised job status")
		} else {
			entry.Debug("job still active")
		}
		return false, nil
	}

	log.WithField("timeout", o.Timeout).Infof("waiting for job to finish, polling every %s", o.PollInterval)
	state := statePolling
	// rebootHandled は処理済みの再起動信号が残っている間 true です。
	// プローブが false を返すと解除され、次の再起動を検知できます。
	rebootHandled := false
	for {
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			out.TimedOut = true
			log.WithFields(logrus.Fields{
				"status":       out.Status,
				"phase":        out.Phase,
				"delay_reason": out.DelayReason,
			}).Warnf("job did not finish within %s", o.Timeout)
			return finish(), nil
		}

		switch state {
		case stateRebootWait:
			if err := t.waitReboot(ctx, log, o, deadline); err != nil {
				return out, err
			}
			state = statePolling
			rebootHandled = true
			if t.clock.Now().Before(deadline) {
				continue
			}
			// 期限まで再起動待ちだった場合も最後に一度だけ状態を確認します。
			done, err := poll()
			if err != nil {
				return out, err
			}
			if done {
				return finish(), nil
			}

		case statePolling:
			if err := t.clock.Sleep(ctx, minDuration(o.PollInterval, remaining)); err != nil {
				return out, err
			}
			done, err := poll()
			if err != nil {
				return out, err
			}
			if done {
				return finish(), nil
			}

			if o.Reboot != nil {
				required, err := o.Reboot.RebootRequired(ctx)
				switch {
				case err != nil:
					if ctx.Err() != nil {
						return out, ctx.Err()
					}
					log.WithError(err).Warn("reboot probe failed")
				case !required:
					rebootHandled = false
				case !rebootHandled:
					log.Info("machine requires a reboot, suspending status polling")
					state = stateRebootWait
				}
			}
		}
	}
}

// waitReboot は再起動猶予を待ち、マシンが応答を再開するまで待機します。
// 期限切れの場合は nil を返し、呼び出し元のタイムアウト判定に任せます。
func (t *Tracker) waitReboot(ctx context.Context, log *logrus.Entry, o Options, deadline time.Time) error {
	window := minDuration(o.RebootWindow, deadline.Sub(t.clock.Now()))
	log.Infof("waiting %s for reboot", window)
	if err := t.clock.Sleep(ctx, window); err != nil {
		return err
	}
	for {
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			return nil
		}
		ok, err := o.Reboot.Resumed(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && ok {
			log.Info("machine is back, resuming status polling")
			return nil
		}
		if err := t.clock.Sleep(ctx, minDuration(o.PollInterval, remaining)); err != nil {
			return err
		}
	}
}

// WaitForPhase はジョブが指定フェーズに入るまで待機します。
// 到達すれば true、タイムアウトなら false を返します。
func (t *Tracker) WaitForPhase(ctx context.Context, job *Job, phase string, opts Options) (bool, error) {
	_, ok, err := t.waitPhase(ctx, job, phase, opts)
	return ok, err
}

func (t *Tracker) waitPhase(ctx context.Context, job *Job, phase string, opts Options) (*Outcome, bool, error) {
	if job == nil {
		return nil, false, errors.New("job is nil")
	}
	o := t.resolve(opts)
	log := t.jobLogger(job).WithField("want_phase", phase)
	start := t.clock.Now()
	deadline := start.Add(o.Timeout)
	out := &Outcome{JobID: job.ID(), Type: job.Type(), Status: StatusUnknown, TolerateErrors: o.TolerateErrors}

	for {
		remaining := deadline.Sub(t.clock.Now())
		if remaining <= 0 {
			out.TimedOut = true
			out.Elapsed = t.clock.Now().Sub(start)
			log.WithField("phase", out.Phase).Warnf("job did not reach phase within %s", o.Timeout)
			return out, false, nil
		}
		if err := t.clock.Sleep(ctx, minDuration(o.PollInterval, remaining)); err != nil {
			return out, false, err
		}
		snap, err := job.Refresh(ctx)
		out.Polls++
		if err != nil {
			if ctx.Err() != nil {
				return out, false, ctx.Err()
			}
			out.LastError = err.Error()
			log.WithError(err).Warn("failed to refresh job status")
			continue
		}
		out.apply(snap)
		t.record(ctx, log, job, snap)
		out.Elapsed = t.clock.Now().Sub(start)

		if normalizePhase(snap.Phase) == normalizePhase(phase) && !snap.Status.IsTerminal() {
			log.Info("job reached phase")
			return out, true, nil
		}
		if job.phasePassed(phase) {
			return out, false, &PhaseError{JobID: job.ID(), Want: phase, Observed: snap.Phase, Status: snap.Status, Err: ErrPhasePassed}
		}
		if snap.Status.IsTerminal() {
			return out, false, &PhaseError{JobID: job.ID(), Want: phase, Observed: snap.Phase, Status: snap.Status, Err: ErrJobFinished}
		}
		log.WithFields(logrus.Fields{"status": snap.Status, "phase": snap.Phase}).Debug("waiting for phase")
	}
}

// Kill はジョブを停止し、終端状態を確認するまでポーリングを続けます。
// 既に終端状態のジョブに対しては何もしません。
func (t *Tracker) Kill(ctx context.Context, job *Job, opts Options) (*Outcome, error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}
	o := t.resolve(opts)
	o.Reboot = nil
	log := t.jobLogger(job)

	if snap, err := job.Refresh(ctx); err == nil && snap.Status.IsTerminal() {
		log.WithField("status", snap.Status).Info("job already finished, kill skipped")
		return t.finishedOutcome(job, snap, o), nil
	} else if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := job.control.Kill(ctx, job.ID()); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if snap, rerr := job.Refresh(ctx); rerr == nil && snap.Status.IsTerminal() {
			log.WithError(err).WithField("status", snap.Status).Info("kill rejected for finished job")
			return t.finishedOutcome(job, snap, o), nil
		}
		return nil, fmt.Errorf("kill job %s: %w", job.ID(), err)
	}
	log.Info("kill requested, waiting for terminal status")
	return t.Wait(ctx, job, o)
}

// KillInPhase は指定フェーズに入ったジョブを停止します。
// フェーズ待機がタイムアウトした場合は停止せずに結果を返します。
func (t *Tracker) KillInPhase(ctx context.Context, job *Job, phase string, opts Options) (*Outcome, error) {
	out, ok, err := t.waitPhase(ctx, job, phase, opts)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, nil
	}
	return t.Kill(ctx, job, opts)
}

func (t *Tracker) finishedOutcome(job *Job, snap Snapshot, o Options) *Outcome {
	out := &Outcome{JobID: job.ID(), Type: job.Type(), TolerateErrors: o.TolerateErrors}
	out.apply(snap)
	return out
}

func (t *Tracker) record(ctx context.Context, log *logrus.Entry, job *Job, snap Snapshot) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.Record(ctx, job, snap); err != nil {
		log.WithError(err).Warn("failed to record job snapshot")
	}
}

func (t *Tracker) notify(ctx context.Context, log *logrus.Entry, out *Outcome) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, out); err != nil {
		log.WithError(err).Warn("failed to publish job outcome")
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
