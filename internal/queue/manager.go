package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/validate"
)

const (
	taskTypeTrack = "job:track"
	queueName     = "tracking"
)

// recordStore は Manager が使う追跡レコードの保存先です。
type recordStore interface {
	jobs.Recorder
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	MarkKillRequested(ctx context.Context, jobID string) error
	Finish(ctx context.Context, jobID string, out *jobs.Outcome, errInfo *ErrorInfo) error
}

// Manager は追跡タスクの投入と実行を担います。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	store     recordStore
	control   jobs.Control
	tracker   *jobs.Tracker
	validator *validate.Validator
	plans     validate.Plans
	defaults  jobs.Options
	logger    *logrus.Entry
}

// Deps は Manager が依存するコンポーネントです。
type Deps struct {
	Control   jobs.Control
	Validator *validate.Validator
	Plans     validate.Plans
	Notifier  jobs.Notifier
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, deps Deps, store *Store, logger *logrus.Entry) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	defaults := jobs.Options{
		Timeout:      cfg.JobTimeout,
		PollInterval: cfg.PollInterval,
		RebootWindow: cfg.RebootWindow,
	}
	m, err := newManager(deps, store, defaults, logger)
	if err != nil {
		return nil, err
	}
	m.client = asynq.NewClient(opt)
	m.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.TrackConcurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)
	return m, nil
}

func newManager(deps Deps, store recordStore, defaults jobs.Options, logger *logrus.Entry) (*Manager, error) {
	if deps.Control == nil {
		return nil, errors.New("control is nil")
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := []jobs.TrackerOption{jobs.WithDefaults(defaults), jobs.WithRecorder(store)}
	if deps.Notifier != nil {
		opts = append(opts, jobs.WithNotifier(deps.Notifier))
	}
	validator := deps.Validator
	if validator == nil {
		validator = validate.New(logger)
	}
	m := &Manager{
		mux:       asynq.NewServeMux(),
		store:     store,
		control:   deps.Control,
		tracker:   jobs.NewTracker(logger, opts...),
		validator: validator,
		plans:     deps.Plans,
		defaults:  defaults,
		logger:    logger,
	}
	m.mux.HandleFunc(taskTypeTrack, m.handleTrackTask)
	return m, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.WithError(err).Error("asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はジョブの追跡タスクをキューに投入します。
func (m *Manager) Enqueue(ctx context.Context, payload *TaskPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is nil")
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("payload.JobID is required")
	}
	if payload.Plan != "" {
		if _, err := m.plans.Get(payload.Plan); err != nil {
			return "", err
		}
	}

	record := &Record{
		JobID:     payload.JobID,
		Type:      payload.Type,
		Plan:      payload.Plan,
		Status:    StatusQueued,
		JobStatus: jobs.StatusUnknown,
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(taskTypeTrack, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(m.taskTimeout(payload)),
	)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// taskTimeout はポーリングの上限に余裕を持たせたタスクの制限時間です。Asynq の既定は30分です。
func (m *Manager) taskTimeout(p *TaskPayload) time.Duration {
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = m.defaults.Timeout
	}
	if timeout <= 0 {
		timeout = jobs.DefaultTimeout
	}
	return timeout + 5*time.Minute
}

// GetRecord は追跡レコードを取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// RequestKill はジョブの停止を要求します。停止の確認は追跡タスクが続けます。
func (m *Manager) RequestKill(ctx context.Context, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
	}
	if record.Finished() || record.JobStatus.IsTerminal() {
		return record, nil
	}
	if err := m.control.Kill(ctx, jobID); err != nil {
		return nil, fmt.Errorf("kill job %s: %w", jobID, err)
	}
	if err := m.store.MarkKillRequested(ctx, jobID); err != nil {
		return nil, err
	}
	record.KillRequested = true
	m.logger.WithField("job_id", jobID).Info("kill requested")
	return record, nil
}

func (m *Manager) handleTrackTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
	}
	log := m.logger.WithFields(logrus.Fields{"job_id": payload.JobID, "job_type": payload.Type})

	job, err := jobs.Attach(m.control, payload.JobID, payload.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	// 期限切れでレコードが消えている場合は作り直す
	if record, err := m.store.Get(ctx, payload.JobID); err != nil {
		return err
	} else if record == nil {
		if err := m.store.Upsert(ctx, &Record{JobID: payload.JobID, Type: payload.Type, Plan: payload.Plan, Status: StatusRunning}); err != nil {
			return err
		}
	}

	out, err := m.tracker.Wait(ctx, job, payload.options())
	if err != nil {
		// キャンセル時は再試行で追跡を再開する
		return err
	}

	errInfo := m.judge(ctx, out, payload.Plan)
	if errInfo != nil {
		log.WithFields(logrus.Fields{"code": errInfo.Code, "status": out.Status}).Warn(errInfo.Message)
	} else {
		log.WithField("status", out.Status).Info("job tracked to completion")
	}
	return m.store.Finish(ctx, payload.JobID, out, errInfo)
}

// judge は追跡結果を検証し、失敗なら ErrorInfo を返します。
func (m *Manager) judge(ctx context.Context, out *jobs.Outcome, plan string) *ErrorInfo {
	if plan == "" {
		if out.TimedOut {
			return &ErrorInfo{Code: "POLLING_TIMEOUT", Message: out.Err().Error()}
		}
		if err := out.Err(); err != nil {
			code := "JOB_" + strings.ToUpper(strings.ReplaceAll(string(out.Status), " ", "_"))
			return &ErrorInfo{Code: code, Message: err.Error()}
		}
		return nil
	}

	exp, err := m.plans.Get(plan)
	if err != nil {
		return &ErrorInfo{Code: "PLAN_NOT_FOUND", Message: err.Error()}
	}
	if err := m.validator.Validate(ctx, out, exp); err != nil {
		return &ErrorInfo{Code: "VALIDATION_FAILED", Message: err.Error()}
	}
	return nil
}
