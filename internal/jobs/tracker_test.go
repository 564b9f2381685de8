package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWaitForCompletionReturnsTrueOnCompleted(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("1", StatusRunning, StatusRunning, StatusCompleted)
	tracker := newTestTracker(clock)
	job := mustAttach(t, control, "1", TypeBackup)

	start := clock.Now()
	ok, err := tracker.WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("WaitForCompletion returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected job to complete successfully")
	}
	if got := clock.Now().Sub(start); got != 3*time.Second {
		t.Fatalf("elapsed = %s, want 3s", got)
	}
	if got := control.inspectCount("1"); got != 3 {
		t.Fatalf("inspects = %d, want 3", got)
	}
}

func TestWaitForCompletionTimesOutWithoutError(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("1", StatusRunning)
	tracker := newTestTracker(clock)
	job := mustAttach(t, control, "1", TypeBackup)

	start := clock.Now()
	out, err := tracker.Wait(context.Background(), job, Options{PollInterval: time.Second, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !out.TimedOut || out.Succeeded() {
		t.Fatalf("expected timed out outcome, got %+v", out)
	}
	if got := clock.Now().Sub(start); got != 5*time.Second {
		t.Fatalf("elapsed = %s, want 5s", got)
	}
	if out.Polls != 5 {
		t.Fatalf("polls = %d, want 5", out.Polls)
	}
	var jobErr *JobError
	if !errors.As(out.Err(), &jobErr) || !jobErr.TimedOut || jobErr.JobID != "1" {
		t.Fatalf("unexpected outcome error: %v", out.Err())
	}
}

func TestWaitNeverReturnsTrueForFailureStatuses(t *testing.T) {
	for _, status := range []Status{StatusFailed, StatusKilled, StatusCompletedWithErrors} {
		clock := newFakeClock()
		control := newFakeControl()
		control.statuses("7", StatusRunning, status)
		job := mustAttach(t, control, "7", TypeRestore)

		ok, err := newTestTracker(clock).WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", status, err)
		}
		if ok {
			t.Fatalf("%s: expected false", status)
		}
	}
}

func TestCompletedWithErrorsToleratedWhenRequested(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("8", StatusCompletedWithErrors)
	job := mustAttach(t, control, "8", TypeBackup)

	ok, err := newTestTracker(clock).WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second, TolerateErrors: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected completed with errors to be tolerated")
	}
}

func TestUnknownStatusKeepsPolling(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.script("2", Snapshot{Status: ParseStatus("Resubmitting")}, Snapshot{Status: ParseStatus("completed")})
	job := mustAttach(t, control, "2", TypeBackup)

	out, err := newTestTracker(clock).Wait(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusCompleted || out.Polls != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRefreshErrorsDoNotAbortPolling(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("3", StatusCompleted)
	control.inspectErrs["3"] = 2
	job := mustAttach(t, control, "3", TypeBackup)

	ok, err := newTestTracker(clock).WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected success after transient refresh errors")
	}
}

func TestWaitReturnsContextError(t *testing.T) {
	control := newFakeControl()
	control.statuses("4", StatusRunning)
	job := mustAttach(t, control, "4", TypeBackup)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestTracker(newFakeClock()).Wait(ctx, job, Options{PollInterval: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTerminalSnapshotIsFrozen(t *testing.T) {
	control := newFakeControl()
	control.statuses("5", StatusCompleted, StatusRunning)
	job := mustAttach(t, control, "5", TypeBackup)

	for i := 0; i < 3; i++ {
		snap, err := job.Refresh(context.Background())
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if snap.Status != StatusCompleted {
			t.Fatalf("refresh %d returned %s", i, snap.Status)
		}
	}
	if got := control.inspectCount("5"); got != 1 {
		t.Fatalf("inspects = %d, want 1", got)
	}
	if !job.Finished() {
		t.Fatal("expected job to be finished")
	}
}

func TestPhaseHistoryIsMonotonic(t *testing.T) {
	control := newFakeControl()
	control.script("6",
		Snapshot{Status: StatusRunning, Phase: "Scan"},
		Snapshot{Status: StatusRunning, Phase: "Backup"},
		Snapshot{Status: StatusRunning, Phase: "Scan"},
		Snapshot{Status: StatusRunning, Phase: "Archive Index"},
	)
	job := mustAttach(t, control, "6", TypeBackup)

	var observed []string
	for i := 0; i < 4; i++ {
		snap, err := job.Refresh(context.Background())
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		observed = append(observed, snap.Phase)
	}
	want := []string{"Scan", "Backup", "Backup", "Archive Index"}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("observed[%d] = %q, want %q (all: %v)", i, observed[i], want[i], observed)
		}
	}
	history := job.Phases()
	if len(history) != 3 || history[2] != "Archive Index" {
		t.Fatalf("unexpected history: %v", history)
	}
}

func TestPhaseHistoryUnknownOrderUsesFirstObservation(t *testing.T) {
	control := newFakeControl()
	control.script("9",
		Snapshot{Status: StatusRunning, Phase: "Alpha"},
		Snapshot{Status: StatusRunning, Phase: "Beta"},
		Snapshot{Status: StatusRunning, Phase: "Alpha"},
	)
	job := mustAttach(t, control, "9", Type("Custom"))
	for i := 0; i < 3; i++ {
		if _, err := job.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if got := job.Last().Phase; got != "Beta" {
		t.Fatalf("phase regressed to %q", got)
	}
}

func TestKillInPhaseWaitsForKilledStatus(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.killAfter = 2
	control.script("20",
		Snapshot{Status: StatusRunning, Phase: "Enumeration"},
		Snapshot{Status: StatusRunning, Phase: "Enumeration"},
		Snapshot{Status: StatusRunning, Phase: "Verify Data"},
		Snapshot{Status: StatusRunning, Phase: "Verify Data"},
	)
	job := mustAttach(t, control, "20", TypeAuxCopy)

	out, err := newTestTracker(clock).KillInPhase(context.Background(), job, "Verify Data", Options{PollInterval: time.Second, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("KillInPhase returned error: %v", err)
	}
	if out.Status != StatusKilled {
		t.Fatalf("status = %s, want Killed", out.Status)
	}
	if out.Succeeded() {
		t.Fatal("killed job must not be reported as success")
	}
	if control.killCalls["20"] != 1 {
		t.Fatalf("kill calls = %d, want 1", control.killCalls["20"])
	}
	// 3回でフェーズ到達、1回の事前確認、2回の Killing、1回の Killed
	if got := control.inspectCount("20"); got != 7 {
		t.Fatalf("inspects = %d, want 7", got)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("21", StatusRunning)
	job := mustAttach(t, control, "21", TypeBackup)
	tracker := newTestTracker(clock)

	first, err := tracker.Kill(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("first kill: %v", err)
	}
	if first.Status != StatusKilled {
		t.Fatalf("first kill status = %s", first.Status)
	}
	second, err := tracker.Kill(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if second.Status != StatusKilled {
		t.Fatalf("second kill status = %s", second.Status)
	}
	if control.killCalls["21"] != 1 {
		t.Fatalf("kill calls = %d, want 1", control.killCalls["21"])
	}
}

func TestKillRejectedForFinishedJobIsNoop(t *testing.T) {
	control := newFakeControl()
	// 事前確認では Running、停止要求時には Completed
	control.statuses("22", StatusRunning, StatusCompleted)
	job := mustAttach(t, control, "22", TypeBackup)

	out, err := newTestTracker(newFakeClock()).Kill(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("status = %s, want Completed", out.Status)
	}
}

func TestWaitForPhaseReportsPassedPhase(t *testing.T) {
	control := newFakeControl()
	control.script("30",
		Snapshot{Status: StatusRunning, Phase: "Enumeration"},
		Snapshot{Status: StatusRunning, Phase: "Prune"},
	)
	job := mustAttach(t, control, "30", TypeDDBVerification)

	ok, err := newTestTracker(newFakeClock()).WaitForPhase(context.Background(), job, "Verify Data", Options{PollInterval: time.Second})
	if ok {
		t.Fatal("expected phase wait to fail")
	}
	if !errors.Is(err, ErrPhasePassed) {
		t.Fatalf("expected ErrPhasePassed, got %v", err)
	}
}

func TestWaitForPhaseReportsFinishedJob(t *testing.T) {
	control := newFakeControl()
	control.script("31",
		Snapshot{Status: StatusRunning, Phase: "Enumeration"},
		Snapshot{Status: StatusCompleted, Phase: "Enumeration"},
	)
	job := mustAttach(t, control, "31", TypeDDBVerification)

	_, err := newTestTracker(newFakeClock()).WaitForPhase(context.Background(), job, "Verify Data", Options{PollInterval: time.Second})
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || !errors.Is(err, ErrJobFinished) {
		t.Fatalf("expected finished phase error, got %v", err)
	}
	if phaseErr.Status != StatusCompleted {
		t.Fatalf("unexpected status in error: %s", phaseErr.Status)
	}
}

func TestWaitForPhaseTimesOut(t *testing.T) {
	control := newFakeControl()
	control.script("32", Snapshot{Status: StatusRunning, Phase: "Enumeration"})
	job := mustAttach(t, control, "32", TypeDDBVerification)

	ok, err := newTestTracker(newFakeClock()).WaitForPhase(context.Background(), job, "Verify Data", Options{PollInterval: time.Second, Timeout: 3 * time.Second})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

type fakeProbe struct {
	mu            sync.Mutex
	requiredCalls int
	resumedCalls  int
	requireOn     int
	resumeAfter   int
	inspectsAtReq int
	control       *fakeControl
	jobID         string
	inspectsSeen  []int
}

func (p *fakeProbe) RebootRequired(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requiredCalls++
	if p.requiredCalls == p.requireOn {
		p.inspectsAtReq = p.control.inspectCount(p.jobID)
		return true, nil
	}
	return false, nil
}

func (p *fakeProbe) Resumed(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumedCalls++
	p.inspectsSeen = append(p.inspectsSeen, p.control.inspectCount(p.jobID))
	return p.resumedCalls > p.resumeAfter, nil
}

func TestRebootPendingSuspendsPolling(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("40", StatusRunning, StatusRunning, StatusCompleted)
	probe := &fakeProbe{requireOn: 1, resumeAfter: 2, control: control, jobID: "40"}
	job := mustAttach(t, control, "40", TypeInstall)

	start := clock.Now()
	out, err := newTestTracker(clock).Wait(context.Background(), job, Options{
		PollInterval: time.Minute,
		Timeout:      time.Hour,
		Reboot:       probe,
		RebootWindow: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if probe.resumedCalls != 3 {
		t.Fatalf("resumed calls = %d, want 3", probe.resumedCalls)
	}
	for _, n := range probe.inspectsSeen {
		if n != probe.inspectsAtReq {
			t.Fatalf("job status polled during reboot wait: %v (at request %d)", probe.inspectsSeen, probe.inspectsAtReq)
		}
	}
	// 1分 + 再起動猶予10分 + 再開確認の待機2分 + 2回のポーリング
	if got := clock.Now().Sub(start); got != 15*time.Minute {
		t.Fatalf("elapsed = %s, want 15m", got)
	}
}

// stickyProbe は再起動が必要だと報告し続けます。実機のタスク結果コードや
// reboot-required ファイルは再起動後も残るためです。
type stickyProbe struct {
	mu            sync.Mutex
	requiredCalls int
	resumedCalls  int
}

func (p *stickyProbe) RebootRequired(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requiredCalls++
	return true, nil
}

func (p *stickyProbe) Resumed(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumedCalls++
	return true, nil
}

func TestPersistentRebootSignalWaitsOnce(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("41", StatusRunning, StatusRunning, StatusRunning, StatusCompleted)
	probe := &stickyProbe{}
	job := mustAttach(t, control, "41", TypeInstall)

	start := clock.Now()
	out, err := newTestTracker(clock).Wait(context.Background(), job, Options{
		PollInterval: 30 * time.Second,
		Timeout:      75 * time.Minute,
		Reboot:       probe,
		RebootWindow: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if !out.Succeeded() || out.Polls != 4 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if probe.resumedCalls != 1 {
		t.Fatalf("reboot waits = %d, want 1", probe.resumedCalls)
	}
	// 4回のポーリング + 再起動猶予1回
	if got := clock.Now().Sub(start); got != 12*time.Minute {
		t.Fatalf("elapsed = %s, want 12m", got)
	}
}

func TestRebootWaitAtDeadlineChecksStatus(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("42", StatusRunning, StatusCompleted)
	probe := &fakeProbe{requireOn: 1, control: control, jobID: "42"}
	job := mustAttach(t, control, "42", TypeInstall)

	out, err := newTestTracker(clock).Wait(context.Background(), job, Options{
		PollInterval: time.Minute,
		Timeout:      10 * time.Minute,
		Reboot:       probe,
		RebootWindow: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if out.TimedOut || out.Status != StatusCompleted || out.Polls != 2 {
		t.Fatalf("expected completion observed at the deadline, got %+v", out)
	}
}

func TestTolerateErrorsIsPerCall(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("43", StatusCompletedWithErrors)
	job := mustAttach(t, control, "43", TypeBackup)
	tracker := newTestTracker(clock, WithDefaults(Options{TolerateErrors: true}))

	ok, err := tracker.WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil {
		t.Fatalf("WaitForCompletion returned error: %v", err)
	}
	if ok {
		t.Fatal("errors must not be tolerated unless the call asks for it")
	}
}

type captureNotifier struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (n *captureNotifier) Notify(ctx context.Context, out *Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, out)
	return nil
}

type captureRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *captureRecorder) Record(ctx context.Context, job *Job, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return errors.New("store unavailable")
}

func TestObserversAreBestEffort(t *testing.T) {
	control := newFakeControl()
	control.statuses("50", StatusRunning, StatusCompleted)
	job := mustAttach(t, control, "50", TypeBackup)
	notifier := &captureNotifier{}
	recorder := &captureRecorder{}

	ok, err := newTestTracker(newFakeClock(), WithNotifier(notifier), WithRecorder(recorder)).
		WaitForCompletion(context.Background(), job, Options{PollInterval: time.Second})
	if err != nil || !ok {
		t.Fatalf("expected success, got (%v, %v)", ok, err)
	}
	if len(recorder.snaps) != 2 {
		t.Fatalf("recorded %d snapshots, want 2", len(recorder.snaps))
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0].Status != StatusCompleted {
		t.Fatalf("unexpected notifications: %+v", notifier.outcomes)
	}
}

func TestNonPositiveTimeoutUsesDefault(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("60", StatusRunning)
	job := mustAttach(t, control, "60", TypeBackup)
	tracker := newTestTracker(clock, WithDefaults(Options{Timeout: 10 * time.Second, PollInterval: 5 * time.Second}))

	out, err := tracker.Wait(context.Background(), job, Options{Timeout: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.TimedOut || out.Polls != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestWaitAllTracksJobsIndependently(t *testing.T) {
	clock := newFakeClock()
	control := newFakeControl()
	control.statuses("a", StatusRunning, StatusCompleted)
	control.statuses("b", StatusRunning, StatusRunning, StatusFailed)
	control.statuses("c", StatusCompleted)
	jobs := []*Job{
		mustAttach(t, control, "a", TypeAuxCopy),
		mustAttach(t, control, "b", TypeAuxCopy),
		mustAttach(t, control, "c", TypeAuxCopy),
	}

	outcomes, err := newTestTracker(clock).WaitAll(context.Background(), jobs, Options{PollInterval: time.Second, Timeout: time.Hour}, 2)
	if err != nil {
		t.Fatalf("WaitAll returned error: %v", err)
	}
	want := []Status{StatusCompleted, StatusFailed, StatusCompleted}
	for i, out := range outcomes {
		if out.JobID != jobs[i].ID() || out.Status != want[i] {
			t.Fatalf("outcome %d = %+v, want %s", i, out, want[i])
		}
	}
}
