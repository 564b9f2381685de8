// Package session は1つのテストケース分のコンポーネント一式を組み立てます。
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/events"
	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/machine"
	"github.com/yourusername/jobwatch/internal/remote"
	"github.com/yourusername/jobwatch/internal/validate"
)

// Session はテストケース1件分の依存関係を保持します。パッケージ変数は使いません。
type Session struct {
	RunID     string
	Logger    *logrus.Entry
	Control   jobs.Control
	Submitter *jobs.Submitter
	Tracker   *jobs.Tracker
	Validator *validate.Validator
	Machines  *machine.Inventory
	Plans     validate.Plans
	Store     *sql.DB
	Notifier  jobs.Notifier
	Defaults  jobs.Options

	mu       sync.Mutex
	cleanups []func() error
	closed   bool
}

type options struct {
	control jobs.Control
	logger  *logrus.Logger
	store   *sql.DB
}

// Option は Open の設定関数です。
type Option func(*options)

// WithControl はジョブ制御APIの実装を差し替えます。
func WithControl(c jobs.Control) Option {
	return func(o *options) { o.control = c }
}

// WithLogger はロガーを差し替えます。
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore は開いたバッキングストアを使います。Close では閉じません。
func WithStore(db *sql.DB) Option {
	return func(o *options) { o.store = db }
}

// Open は設定からセッションを組み立てます。失敗時はそれまでに開いたものを閉じます。
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (s *Session, err error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	runID := uuid.NewString()
	s = &Session{
		RunID:  runID,
		Logger: o.logger.WithField("run_id", runID[:8]),
		Defaults: jobs.Options{
			Timeout:      cfg.JobTimeout,
			PollInterval: cfg.PollInterval,
			RebootWindow: cfg.RebootWindow,
		},
	}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	s.Control = o.control
	if s.Control == nil {
		client, err := remote.NewClient(cfg.ControlAPIURL, cfg.ControlAPIToken, cfg.ControlAPITimeout)
		if err != nil {
			return s, err
		}
		s.Control = client
	}

	s.Machines = machine.NewInventory()
	if cfg.MachinesFile != "" {
		inv, err := machine.LoadInventory(cfg.MachinesFile)
		if err != nil {
			return s, err
		}
		s.Machines = inv
	}

	if cfg.PlansFile != "" {
		plans, err := validate.LoadPlans(cfg.PlansFile)
		if err != nil {
			return s, err
		}
		s.Plans = plans
	}

	s.Store = o.store
	if s.Store == nil && cfg.BackingStoreDSN != "" {
		db, err := sql.Open(cfg.BackingStoreDriver, cfg.BackingStoreDSN)
		if err != nil {
			return s, fmt.Errorf("failed to open backing store: %w", err)
		}
		s.AddCleanup(db.Close)
		if err := db.PingContext(ctx); err != nil {
			return s, fmt.Errorf("failed to reach backing store: %w", err)
		}
		s.Store = db
	}

	trackerOpts := []jobs.TrackerOption{jobs.WithDefaults(s.Defaults)}
	if cfg.NATSURL != "" {
		pub, err := events.Connect(cfg.NATSURL, cfg.NATSSubject, runID, s.Logger)
		if err != nil {
			return s, err
		}
		s.AddCleanup(pub.Close)
		s.Notifier = pub
		trackerOpts = append(trackerOpts, jobs.WithNotifier(pub))
	}

	validatorOpts := []validate.Option{
		validate.WithMachines(s.Machines),
		validate.WithLogRetry(validate.LogRetry{Attempts: cfg.LogRetryAttempts, Interval: cfg.LogRetryInterval}),
	}
	if s.Store != nil {
		validatorOpts = append(validatorOpts, validate.WithStore(s.Store))
	}

	s.Submitter = jobs.NewSubmitter(s.Control, s.Logger)
	s.Tracker = jobs.NewTracker(s.Logger, trackerOpts...)
	s.Validator = validate.New(s.Logger, validatorOpts...)
	s.Logger.Info("session opened")
	return s, nil
}

// AddCleanup は Close で実行する後始末を登録します。登録と逆順に実行されます。
func (s *Session) AddCleanup(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Close は登録された後始末を逆順に実行し、すべてのエラーをまとめて返します。
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UniqueName は実行ごとに一意なエンティティ名を返します。
func (s *Session) UniqueName(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", prefix, s.RunID[:8], suffix)
}

// Run は投入・待機・検証を順に行います。タイムアウトは JobError として返します。
func (s *Session) Run(ctx context.Context, op jobs.Operation, exp *validate.Expectation, opts jobs.Options) (*jobs.Outcome, error) {
	job, err := s.Submitter.Submit(ctx, op)
	if err != nil {
		return nil, err
	}
	out, err := s.Tracker.Wait(ctx, job, opts)
	if err != nil {
		return out, err
	}
	if exp == nil {
		return out, out.Err()
	}
	if out.TimedOut {
		return out, out.Err()
	}
	return out, s.Validator.Validate(ctx, out, *exp)
}

// Attach は既存のジョブIDにハンドルを割り当てます。
func (s *Session) Attach(jobID string, t jobs.Type) (*jobs.Job, error) {
	return jobs.Attach(s.Control, jobID, t)
}

// RebootProbe はインベントリ上のマシン向けの再起動検出を返します。
func (s *Session) RebootProbe(machineName string) (jobs.RebootProbe, error) {
	m, ok := s.Machines.Machine(machineName)
	if !ok {
		return nil, fmt.Errorf("machine %s is not in the inventory", machineName)
	}
	exec, err := s.Machines.Executor(machineName)
	if err != nil {
		return nil, err
	}
	return machine.NewRebootProbe(m.Platform(), exec, machine.ProbeConfig{})
}
