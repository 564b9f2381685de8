// Package simulator はローカル検証用のジョブ制御サーバーを提供します。
package simulator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// Step はスクリプト中の1回分の応答です。
type Step struct {
	Status      jobs.Status
	Phase       string
	DelayReason string
	Percent     int
}

var defaultScripts = map[jobs.Type][]Step{
	jobs.TypeBackup: {
		{Status: jobs.StatusRunning, Phase: "Scan", Percent: 10},
		{Status: jobs.StatusRunning, Phase: "Backup", Percent: 50},
		{Status: jobs.StatusRunning, Phase: "Archive Index", Percent: 90},
		{Status: jobs.StatusCompleted, Phase: "Archive Index", Percent: 100},
	},
	jobs.TypeRestore: {
		{Status: jobs.StatusRunning, Phase: "Restore", Percent: 40},
		{Status: jobs.StatusCompleted, Phase: "Restore", Percent: 100},
	},
	jobs.TypeAuxCopy: {
		{Status: jobs.StatusPending, DelayReason: "waiting for resources", Percent: 0},
		{Status: jobs.StatusRunning, Phase: "Enumeration", Percent: 5},
		{Status: jobs.StatusRunning, Phase: "Verify Data", Percent: 40},
		{Status: jobs.StatusRunning, Phase: "Copy", Percent: 80},
		{Status: jobs.StatusCompleted, Phase: "Copy", Percent: 100},
	},
	jobs.TypeDDBVerification: {
		{Status: jobs.StatusRunning, Phase: "Enumeration", Percent: 5},
		{Status: jobs.StatusRunning, Phase: "Verify Data", Percent: 30},
		{Status: jobs.StatusRunning, Phase: "Verify Data", Percent: 60},
		{Status: jobs.StatusRunning, Phase: "Prune", Percent: 90},
		{Status: jobs.StatusCompleted, Phase: "Prune", Percent: 100},
	},
	jobs.TypeInstall: {
		{Status: jobs.StatusQueued},
		{Status: jobs.StatusRunning, Phase: "Install", Percent: 50},
		{Status: jobs.StatusCompleted, Phase: "Install", Percent: 100},
	},
	jobs.TypeDataAging: {
		{Status: jobs.StatusRunning, Percent: 50},
		{Status: jobs.StatusCompleted, Percent: 100},
	},
}

type simJob struct {
	id            string
	jobType       jobs.Type
	steps         []Step
	pos           int
	killRequested bool
	killPending   int
	killed        bool
	startTime     time.Time
	endTime       time.Time
	last          Step
}

func (j *simJob) terminal() bool {
	return j.killed || j.last.Status.IsTerminal()
}

// Server はスクリプト化されたジョブ制御APIです。
type Server struct {
	mu          sync.Mutex
	scripts     map[jobs.Type][]Step
	jobs        map[string]*simJob
	unknown     map[string]bool
	nextID      int
	killLatency int
	logger      *logrus.Entry
}

// Option は Server の設定関数です。
type Option func(*Server)

// WithKillLatency は停止要求から Killed になるまでのポーリング回数を設定します。
func WithKillLatency(polls int) Option {
	return func(s *Server) { s.killLatency = polls }
}

// New は Server を作成します。
func New(logger *logrus.Entry, opts ...Option) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		scripts:     make(map[jobs.Type][]Step, len(defaultScripts)),
		jobs:        make(map[string]*simJob),
		unknown:     make(map[string]bool),
		nextID:      1000,
		killLatency: 1,
		logger:      logger,
	}
	for t, steps := range defaultScripts {
		s.scripts[t] = steps
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetScript はジョブ種別の応答列を差し替えます。以降に投入されたジョブに適用されます。
func (s *Server) SetScript(t jobs.Type, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[t] = append([]Step(nil), steps...)
}

// MarkUnknownEntity は存在しないエンティティ名を登録します。
func (s *Server) MarkUnknownEntity(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknown[name] = true
}

// Router は chi のルーターを返します。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleInspect)
	r.Post("/jobs/{id}/kill", s.handleKill)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var op jobs.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "request body must be a JSON operation")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.scripts[op.Type]
	if !ok || len(steps) == 0 {
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_OPERATION", "unsupported operation type: "+string(op.Type))
		return
	}
	for key, value := range op.Target {
		if strings.TrimSpace(value) == "" {
			writeError(w, http.StatusBadRequest, "INVALID_ENTITY", "target "+key+" is empty")
			return
		}
		if s.unknown[value] {
			writeError(w, http.StatusBadRequest, "INVALID_ENTITY", key+" "+value+" does not exist")
			return
		}
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.jobs[id] = &simJob{
		id:        id,
		jobType:   op.Type,
		steps:     steps,
		startTime: time.Now().UTC(),
		last:      Step{Status: jobs.StatusQueued},
	}
	s.logger.WithFields(logrus.Fields{"job_id": id, "job_type": op.Type}).Info("simulated job created")
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": id})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job "+id+" does not exist")
		return
	}
	s.advance(job)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":           job.id,
		"status":          statusText(job),
		"phase":           job.last.Phase,
		"delayReason":     job.last.DelayReason,
		"percentComplete": job.last.Percent,
		"startTime":       job.startTime,
		"endTime":         job.endTime,
	})
}

func (s *Server) advance(job *simJob) {
	if job.terminal() {
		return
	}
	if job.killRequested {
		if job.killPending > 0 {
			job.killPending--
			return
		}
		job.killed = true
		job.endTime = time.Now().UTC()
		return
	}
	i := job.pos
	if i >= len(job.steps) {
		i = len(job.steps) - 1
	}
	job.last = job.steps[i]
	job.pos++
	if job.last.Status.IsTerminal() {
		job.endTime = time.Now().UTC()
	}
}

func statusText(job *simJob) string {
	switch {
	case job.killed:
		return string(jobs.StatusKilled)
	case job.killRequested:
		return string(jobs.StatusKilling)
	case job.last.Status == jobs.StatusCompletedWithErrors:
		return "Completed w/ one or more errors"
	default:
		return string(job.last.Status)
	}
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job "+id+" does not exist")
		return
	}
	if job.terminal() {
		writeError(w, http.StatusConflict, "JOB_NOT_KILLABLE", "Operation failed. Job cannot be suspended/killed/resumed.")
		return
	}
	if !job.killRequested {
		job.killRequested = true
		job.killPending = s.killLatency
		s.logger.WithField("job_id", id).Info("kill requested for simulated job")
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
