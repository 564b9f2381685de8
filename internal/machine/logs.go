package machine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// LogReader はマシン上のログファイルから行を検索します。
type LogReader struct {
	exec Executor
}

// NewLogReader は LogReader を作成します。
func NewLogReader(exec Executor) *LogReader {
	return &LogReader{exec: exec}
}

// MatchLines は file のうち pattern に一致する行を返します。
// jobID を指定した場合はそのジョブIDを単語として含む行に限ります。
// 一致がない場合は空のスライスを返し、エラーにはしません。
func (r *LogReader) MatchLines(ctx context.Context, file, pattern, jobID string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid log pattern %q: %w", pattern, err)
	}
	var scope *regexp.Regexp
	if jobID != "" {
		scope = regexp.MustCompile(`\b` + regexp.QuoteMeta(jobID) + `\b`)
	}

	cmd, err := r.command(file, jobID)
	if err != nil {
		return nil, err
	}
	res, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 && !(res.ExitCode == 1 && strings.TrimSpace(res.Output) == "") {
		return nil, fmt.Errorf("read log %s: exit %d: %s", file, res.ExitCode, strings.TrimSpace(res.Output))
	}

	var matches []string
	for _, line := range res.Lines() {
		if scope != nil && !scope.MatchString(line) {
			continue
		}
		if re.MatchString(line) {
			matches = append(matches, strings.TrimRight(line, "\r"))
		}
	}
	return matches, nil
}

// command はジョブIDでの絞り込みをリモート側で行うコマンドを組み立てます。
func (r *LogReader) command(file, jobID string) (string, error) {
	if r.exec.Platform() == PlatformWindows {
		path, err := cmdQuote(file)
		if err != nil {
			return "", err
		}
		if jobID == "" {
			return "type " + path, nil
		}
		id, err := cmdQuote(jobID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("findstr /L /C:%s %s", id, path), nil
	}
	if jobID == "" {
		return "cat " + shellQuote(file), nil
	}
	return fmt.Sprintf("grep -F -- %s %s", shellQuote(jobID), shellQuote(file)), nil
}
