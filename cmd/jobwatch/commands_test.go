package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/simulator"
	"github.com/yourusername/jobwatch/internal/validate"
)

const testPlans = `plans:
  backup-ok:
    status: [Completed]
  backup-failed:
    status: [Failed]
`

func setupCLI(t *testing.T) *simulator.Server {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	sim := simulator.New(logrus.NewEntry(l))
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)

	plans := filepath.Join(t.TempDir(), "plans.yaml")
	if err := os.WriteFile(plans, []byte(testPlans), 0o600); err != nil {
		t.Fatalf("write plans: %v", err)
	}
	t.Setenv("CONTROL_API_URL", srv.URL)
	t.Setenv("PLANS_FILE", plans)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("GIN_MODE", "test")
	return sim
}

func runCLI(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	a := &app{}
	root := newRootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if cerr := a.close(); cerr != nil {
		t.Fatalf("close session: %v", cerr)
	}
	return out.Bytes(), err
}

func TestSubmitPrintsJobID(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "submit", "--type", "Backup", "--target", "client=c1,subclient=default")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if resp["jobId"] != "1001" {
		t.Fatalf("unexpected job id: %v", resp)
	}
}

func TestSubmitWaitPrintsOutcome(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "submit", "--type", "Backup", "--target", "client=c1,subclient=default",
		"--option", "backup_level=full", "--wait", "--poll", "5ms", "--timeout", "5s")
	if err != nil {
		t.Fatalf("submit --wait failed: %v", err)
	}
	var outcome jobs.Outcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if outcome.Status != jobs.StatusCompleted || outcome.Polls != 4 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestSubmitRejectedByServer(t *testing.T) {
	sim := setupCLI(t)
	sim.MarkUnknownEntity("ghost")

	_, err := runCLI(t, "submit", "--type", "Backup", "--target", "client=ghost,subclient=default")
	var subErr *jobs.SubmissionError
	if !errors.As(err, &subErr) || subErr.Code != "INVALID_ENTITY" {
		t.Fatalf("expected INVALID_ENTITY submission error, got %v", err)
	}
}

func TestStatusRefreshesOnce(t *testing.T) {
	setupCLI(t)
	if _, err := runCLI(t, "submit", "--type", "Backup", "--target", "client=c1,subclient=default"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	out, err := runCLI(t, "status", "1001", "--type", "Backup")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var snap jobs.Snapshot
	if err := json.Unmarshal(out, &snap); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if snap.Status != jobs.StatusRunning || snap.Phase != "Scan" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestKillInPhase(t *testing.T) {
	setupCLI(t)
	if _, err := runCLI(t, "submit", "--type", "Backup", "--target", "client=c1,subclient=default"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	out, err := runCLI(t, "kill", "1001", "--type", "Backup", "--phase", "Backup", "--poll", "5ms", "--timeout", "5s")
	if err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	var outcome jobs.Outcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if outcome.Status != jobs.StatusKilled {
		t.Fatalf("expected killed job, got %+v", outcome)
	}
}

func TestValidateAgainstPlan(t *testing.T) {
	setupCLI(t)
	if _, err := runCLI(t, "submit", "--type", "Restore", "--target", "client=c1,subclient=default"); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := runCLI(t, "validate", "1001", "--type", "Restore", "--plan", "backup-ok", "--poll", "5ms"); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	_, err := runCLI(t, "validate", "1001", "--type", "Restore", "--plan", "backup-failed", "--poll", "5ms")
	var valErr *validate.ValidationError
	if !errors.As(err, &valErr) || valErr.Check != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}
}

func TestValidateRequiresPlan(t *testing.T) {
	setupCLI(t)
	if _, err := runCLI(t, "validate", "1001"); err == nil {
		t.Fatal("expected missing plan error")
	}
}
