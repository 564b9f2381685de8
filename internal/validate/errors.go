package validate

import (
	"fmt"
	"strings"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// ValidationError は終端状態のジョブの結果が期待と一致しなかったことを表します。
type ValidationError struct {
	JobID       string
	Status      jobs.Status
	Phase       string
	DelayReason string
	Check       string // terminal, status, failureReasons, rows, logs, files
	Name        string
	Expected    any
	Observed    any
	Detail      string
	Err         error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation failed for job %s: %s check", e.JobID, e.Check)
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	fmt.Fprintf(&b, ": expected=%v, observed=%v", e.Expected, e.Observed)
	if e.Detail != "" {
		b.WriteString(" (" + e.Detail + ")")
	}
	fmt.Fprintf(&b, " [status=%s", e.Status)
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.DelayReason != "" {
		fmt.Fprintf(&b, " delay reason=%q", e.DelayReason)
	}
	b.WriteString("]")
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientLogReadMiss はログにまだパターンが現れていないことを表します。
// 再試行の上限に達すると ValidationError に包まれて返ります。
type TransientLogReadMiss struct {
	Machine string
	File    string
	Pattern string
	Attempt int
	Matches int
	Want    int
	Err     error
}

func (e *TransientLogReadMiss) Error() string {
	msg := fmt.Sprintf("attempt %d: %d of %d lines matching %q in %s:%s", e.Attempt, e.Matches, e.Want, e.Pattern, e.Machine, e.File)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientLogReadMiss) Unwrap() error { return e.Err }
