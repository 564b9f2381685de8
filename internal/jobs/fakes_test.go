package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

type fakeRejection struct {
	code, reason string
}

func (e *fakeRejection) Error() string           { return e.code + ": " + e.reason }
func (e *fakeRejection) RejectionCode() string   { return e.code }
func (e *fakeRejection) RejectionReason() string { return e.reason }

// fakeControl は登録されたスナップショット列を順に返します。
type fakeControl struct {
	mu          sync.Mutex
	scripts     map[string][]Snapshot
	pos         map[string]int
	inspects    map[string]int
	inspectErrs map[string]int
	killCalls   map[string]int
	pendingKill map[string]int
	killed      map[string]bool
	killAfter   int
	submitErr   error
	submitID    string
	submits     int
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		scripts:     map[string][]Snapshot{},
		pos:         map[string]int{},
		inspects:    map[string]int{},
		inspectErrs: map[string]int{},
		killCalls:   map[string]int{},
		pendingKill: map[string]int{},
		killed:      map[string]bool{},
	}
}

func (f *fakeControl) script(id string, snaps ...Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = snaps
}

func (f *fakeControl) statuses(id string, statuses ...Status) {
	snaps := make([]Snapshot, len(statuses))
	for i, s := range statuses {
		snaps[i] = Snapshot{Status: s}
	}
	f.script(id, snaps...)
}

func (f *fakeControl) Submit(ctx context.Context, op Operation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.submitID != "" {
		return f.submitID, nil
	}
	return fmt.Sprintf("%d", 1000+f.submits), nil
}

func (f *fakeControl) current(id string) Snapshot {
	script := f.scripts[id]
	if len(script) == 0 {
		return Snapshot{Status: StatusRunning}
	}
	i := f.pos[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

func (f *fakeControl) Inspect(ctx context.Context, jobID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects[jobID]++
	if f.inspectErrs[jobID] > 0 {
		f.inspectErrs[jobID]--
		return nil, errors.New("connection reset")
	}
	if f.killed[jobID] {
		snap := f.current(jobID)
		snap.Status = StatusKilled
		return &snap, nil
	}
	if left, ok := f.pendingKill[jobID]; ok {
		snap := f.current(jobID)
		if left <= 0 {
			delete(f.pendingKill, jobID)
			f.killed[jobID] = true
			snap.Status = StatusKilled
			return &snap, nil
		}
		f.pendingKill[jobID] = left - 1
		snap.Status = StatusKilling
		return &snap, nil
	}
	snap := f.current(jobID)
	f.pos[jobID]++
	return &snap, nil
}

func (f *fakeControl) Kill(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls[jobID]++
	if f.killed[jobID] || f.current(jobID).Status.IsTerminal() {
		return errors.New("operation failed: job cannot be killed")
	}
	if _, ok := f.pendingKill[jobID]; !ok {
		f.pendingKill[jobID] = f.killAfter
	}
	return nil
}

func (f *fakeControl) inspectCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspects[id]
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestTracker(c *fakeClock, opts ...TrackerOption) *Tracker {
	t := NewTracker(quietLogger(), opts...)
	t.clock = c
	return t
}

func mustAttach(t interface{ Fatalf(string, ...any) }, control Control, id string, typ Type) *Job {
	job, err := Attach(control, id, typ)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return job
}
