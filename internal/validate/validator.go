// Package validate は終了したジョブの結果を検証します。
package validate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/jobwatch/internal/jobs"
	"github.com/yourusername/jobwatch/internal/machine"
)

// JobIDPlaceholder は行数チェックの引数でジョブIDに置き換わる値です。
const JobIDPlaceholder = "$jobid"

// Store はバッキングストアへの読み取り専用クエリです。*sql.DB が満たします。
type Store interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Machines は名前からマシンと実行器を引きます。*machine.Inventory が満たします。
type Machines interface {
	Machine(name string) (machine.Machine, bool)
	Executor(name string) (machine.Executor, error)
}

// LogRetry はログチェックの再試行設定です。
type LogRetry struct {
	Attempts int
	Interval time.Duration
}

// DefaultLogRetry はログチェックの既定の再試行設定です。
var DefaultLogRetry = LogRetry{Attempts: 5, Interval: 10 * time.Second}

// Validator は終端状態のジョブの結果を確認します。
type Validator struct {
	store    Store
	machines Machines
	retry    LogRetry
	logger   *logrus.Entry
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option は Validator の設定関数です。
type Option func(*Validator)

// WithStore はバッキングストアを設定します。
func WithStore(s Store) Option {
	return func(v *Validator) { v.store = s }
}

// WithMachines はログ・ファイル確認に使うマシン一覧を設定します。
func WithMachines(m Machines) Option {
	return func(v *Validator) { v.machines = m }
}

// WithLogRetry はログチェックの再試行設定を上書きします。
func WithLogRetry(r LogRetry) Option {
	return func(v *Validator) { v.retry = r }
}

// New は Validator を作成します。
func New(logger *logrus.Entry, opts ...Option) *Validator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	v := &Validator{retry: DefaultLogRetry, logger: logger, sleep: sleepContext}
	for _, opt := range opts {
		opt(v)
	}
	if v.retry.Attempts <= 0 {
		v.retry.Attempts = 1
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

// Validate は outcome が exp を満たすかを確認し、最初の不一致を *ValidationError で返します。
// 行数とファイルのチェックは再試行しません。ログのチェックのみ再試行します。
func (v *Validator) Validate(ctx context.Context, out *jobs.Outcome, exp Expectation) error {
	if out == nil {
		return errors.New("outcome is nil")
	}
	log := v.logger.WithFields(logrus.Fields{"job_id": out.JobID, "job_type": out.Type})

	if out.TimedOut || !out.Status.IsTerminal() {
		return v.fail(out, "terminal", "", "a terminal status", out.Status, "job has not finished", nil)
	}
	if err := v.checkStatus(out, exp); err != nil {
		return err
	}
	if err := v.checkFailureReasons(out, exp.FailureReasons); err != nil {
		return err
	}
	for _, rc := range exp.Rows {
		if err := v.checkRows(ctx, out, rc); err != nil {
			return err
		}
	}
	for _, lc := range exp.Logs {
		if err := v.checkLogs(ctx, log, out, lc); err != nil {
			return err
		}
	}
	for _, fc := range exp.Files {
		if err := v.checkFiles(ctx, out, fc); err != nil {
			return err
		}
	}
	log.Info("job result validated")
	return nil
}

func (v *Validator) fail(out *jobs.Outcome, check, name string, expected, observed any, detail string, err error) *ValidationError {
	return &ValidationError{
		JobID:       out.JobID,
		Status:      out.Status,
		Phase:       out.Phase,
		DelayReason: out.DelayReason,
		Check:       check,
		Name:        name,
		Expected:    expected,
		Observed:    observed,
		Detail:      detail,
		Err:         err,
	}
}

func (v *Validator) checkStatus(out *jobs.Outcome, exp Expectation) error {
	if len(exp.Status) == 0 {
		if !out.Succeeded() {
			return v.fail(out, "status", "", jobs.StatusCompleted, out.Status, "", nil)
		}
		return nil
	}
	allowed := make([]string, 0, len(exp.Status))
	for _, s := range exp.Status {
		want := jobs.ParseStatus(s)
		if want == out.Status {
			return nil
		}
		allowed = append(allowed, string(want))
	}
	return v.fail(out, "status", "", strings.Join(allowed, " | "), out.Status, "", nil)
}

// checkFailureReasons は遅延理由の各行がいずれかのパターンに一致することを確認します。
func (v *Validator) checkFailureReasons(out *jobs.Outcome, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return v.fail(out, "failureReasons", p, "a valid pattern", p, "", err)
		}
		res = append(res, re)
	}

	var lines []string
	for _, line := range strings.Split(out.DelayReason, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) == 0 {
		return v.fail(out, "failureReasons", "", patterns, "", "job reported no failure reason", nil)
	}
	for _, line := range lines {
		matched := false
		for _, re := range res {
			if re.MatchString(line) {
				matched = true
				break
			}
		}
		if !matched {
			return v.fail(out, "failureReasons", "", patterns, line, "unexpected failure reason", nil)
		}
	}
	return nil
}

func (v *Validator) checkRows(ctx context.Context, out *jobs.Outcome, rc RowCheck) error {
	if v.store == nil {
		return v.fail(out, "rows", rc.Name, rc.Expected, nil, "no backing store configured", nil)
	}
	args := make([]any, len(rc.Args))
	for i, a := range rc.Args {
		if s, ok := a.(string); ok && s == JobIDPlaceholder {
			args[i] = out.JobID
			continue
		}
		args[i] = a
	}

	rows, err := v.store.QueryContext(ctx, rc.Query, args...)
	if err != nil {
		return v.fail(out, "rows", rc.Name, rc.Expected, nil, "query failed", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return v.fail(out, "rows", rc.Name, rc.Expected, count, "query failed", err)
	}
	if count != rc.Expected {
		return v.fail(out, "rows", rc.Name, rc.Expected, count, "", nil)
	}
	return nil
}

func (v *Validator) checkLogs(ctx context.Context, log *logrus.Entry, out *jobs.Outcome, lc LogCheck) error {
	want := lc.MinMatches
	if want <= 0 {
		want = 1
	}
	expected := fmt.Sprintf(">=%d lines matching %q", want, lc.Pattern)
	if v.machines == nil {
		return v.fail(out, "logs", lc.Name, expected, nil, "no machines configured", nil)
	}
	exec, err := v.machines.Executor(lc.Machine)
	if err != nil {
		return v.fail(out, "logs", lc.Name, expected, nil, "", err)
	}
	file := lc.File
	if m, ok := v.machines.Machine(lc.Machine); ok {
		file = logPath(m, lc.File)
	}
	scope := ""
	if lc.ScopeToJob {
		scope = out.JobID
	}
	reader := machine.NewLogReader(exec)

	var miss *TransientLogReadMiss
	for attempt := 1; attempt <= v.retry.Attempts; attempt++ {
		lines, err := reader.MatchLines(ctx, file, lc.Pattern, scope)
		if err == nil && len(lines) >= want {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		miss = &TransientLogReadMiss{
			Machine: lc.Machine,
			File:    file,
			Pattern: lc.Pattern,
			Attempt: attempt,
			Matches: len(lines),
			Want:    want,
			Err:     err,
		}
		log.WithError(miss).Debug("log pattern not found yet")
		if attempt < v.retry.Attempts {
			if err := v.sleep(ctx, v.retry.Interval); err != nil {
				return err
			}
		}
	}
	return v.fail(out, "logs", lc.Name, expected, miss.Matches,
		fmt.Sprintf("%s:%s after %d attempts", lc.Machine, file, v.retry.Attempts), miss)
}

func logPath(m machine.Machine, file string) string {
	if m.LogDir == "" {
		return file
	}
	if m.Platform() == machine.PlatformWindows {
		if strings.Contains(file, `:\`) || strings.HasPrefix(file, `\\`) {
			return file
		}
		return strings.TrimRight(m.LogDir, `\`) + `\` + file
	}
	if path.IsAbs(file) {
		return file
	}
	return path.Join(m.LogDir, file)
}

func (v *Validator) checkFiles(ctx context.Context, out *jobs.Outcome, fc FileCheck) error {
	dest, err := v.tree(ctx, fc.Machine, fc.Destination, fc.MIME)
	if err != nil {
		return v.fail(out, "files", fc.Name, fc.Destination, nil, "failed to list destination", err)
	}
	if fc.Count != nil && len(dest) != *fc.Count {
		return v.fail(out, "files", fc.Name, *fc.Count, len(dest), "file count", nil)
	}
	if fc.Bytes != nil && dest.bytes() != *fc.Bytes {
		return v.fail(out, "files", fc.Name, *fc.Bytes, dest.bytes(), "byte count", nil)
	}
	if fc.Source == "" {
		return nil
	}

	src, err := v.tree(ctx, fc.Machine, fc.Source, fc.MIME)
	if err != nil {
		return v.fail(out, "files", fc.Name, fc.Source, nil, "failed to list source", err)
	}
	if len(src) != len(dest) {
		return v.fail(out, "files", fc.Name, len(src), len(dest), "file count differs from source", nil)
	}
	paths := make([]string, 0, len(src))
	for p := range src {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		s := src[p]
		d, ok := dest[p]
		if !ok {
			return v.fail(out, "files", fc.Name, p, nil, "missing from destination", nil)
		}
		if s.Size != d.Size {
			return v.fail(out, "files", fc.Name, s.Size, d.Size, "size of "+p, nil)
		}
		if fc.Checksums && s.SHA256 != d.SHA256 {
			return v.fail(out, "files", fc.Name, s.SHA256, d.SHA256, "checksum of "+p, nil)
		}
		if fc.MIME && s.MIME != d.MIME {
			return v.fail(out, "files", fc.Name, s.MIME, d.MIME, "mime type of "+p, nil)
		}
	}
	return nil
}

// tree はローカルまたはリモートのツリーを取得します。リモートでは MIME 種別は取得しません。
func (v *Validator) tree(ctx context.Context, machineName, root string, withMIME bool) (tree, error) {
	if machineName == "" {
		return localTree(ctx, root, withMIME)
	}
	if v.machines == nil {
		return nil, errors.New("no machines configured")
	}
	exec, err := v.machines.Executor(machineName)
	if err != nil {
		return nil, err
	}
	files, err := machine.NewRemoteFiles(exec).List(ctx, root)
	if err != nil {
		return nil, err
	}
	return remoteTree(files), nil
}
