package session

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/config"
	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/simulator"
	"github.com/yourusername/jobwatch/internal/validate"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	srv := httptest.NewServer(simulator.New(logrus.NewEntry(quietLogger())).Router())
	t.Cleanup(srv.Close)
	return &config.Config{
		ControlAPIURL:      srv.URL,
		ControlAPITimeout:  5 * time.Second,
		PollInterval:       5 * time.Millisecond,
		JobTimeout:         5 * time.Second,
		RebootWindow:       time.Second,
		TrackConcurrency:   2,
		LogRetryAttempts:   1,
		BackingStoreDriver: "sqlite3",
		BackingStoreDSN:    filepath.Join(t.TempDir(), "store.db"),
	}
}

func TestOpenAndRun(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	s, err := Open(ctx, cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Store.ExecContext(ctx, `CREATE TABLE JMJobStats (jobId TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	out, err := s.Run(ctx, jobs.BackupOperation("client01", s.UniqueName("sc"), "full"), nil, jobs.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	exp := &validate.Expectation{Rows: []validate.RowCheck{{
		Name:     "job stats",
		Query:    "SELECT jobId FROM JMJobStats WHERE jobId = ?",
		Args:     []any{validate.JobIDPlaceholder},
		Expected: 1,
	}}}
	_, err = s.Run(ctx, jobs.DataAgingOperation(""), exp, jobs.Options{})
	var vErr *validate.ValidationError
	if !errors.As(err, &vErr) || vErr.Observed != 0 {
		t.Fatalf("expected row validation failure, got %v", err)
	}
}

func TestRunSurfacesSubmissionError(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(context.Background(), cfg, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = s.Run(context.Background(), jobs.BackupOperation("client01", "", ""), nil, jobs.Options{})
	var subErr *jobs.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
}

func TestOpenFailsOnBadPlansFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.PlansFile = filepath.Join(t.TempDir(), "plans.yaml")
	if err := os.WriteFile(cfg.PlansFile, []byte("plans: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(context.Background(), cfg, WithLogger(quietLogger())); err == nil {
		t.Fatal("expected error for invalid plans file")
	}
}

func TestCloseRunsCleanupsInReverse(t *testing.T) {
	s := &Session{}
	var order []string
	first := errors.New("first")
	s.AddCleanup(func() error { order = append(order, "a"); return first })
	s.AddCleanup(func() error { order = append(order, "b"); return nil })

	err := s.Close()
	if strings.Join(order, "") != "ba" {
		t.Fatalf("cleanup order = %v", order)
	}
	if !errors.Is(err, first) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestUniqueName(t *testing.T) {
	s := &Session{RunID: "0123456789abcdef"}
	a, b := s.UniqueName("subclient"), s.UniqueName("subclient")
	if a == b {
		t.Fatal("names must differ")
	}
	if !regexp.MustCompile(`^subclient-01234567-[0-9a-f]{6}$`).MatchString(a) {
		t.Fatalf("unexpected name %q", a)
	}
}
