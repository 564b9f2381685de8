// Package machine はクライアント・サーバーマシン上でのコマンド実行を提供します。
package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Result はコマンドの実行結果です。
type Result struct {
	ExitCode int
	Output   string
}

// Lines は出力を行単位で返します。空行は除きます。
func (r *Result) Lines() []string {
	if r == nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(r.Output, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Executor はマシン上でシェルコマンドを実行します。
// コマンドが非ゼロで終了してもエラーにはせず、Result.ExitCode で返します。
type Executor interface {
	Execute(ctx context.Context, command string) (*Result, error)
	Platform() Platform
}

// LocalExecutor は自ホストのシェルでコマンドを実行します。
type LocalExecutor struct {
	platform Platform
}

// NewLocalExecutor は LocalExecutor を作成します。
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{platform: ParsePlatform(runtime.GOOS)}
}

// Platform は実行先のプラットフォームを返します。
func (e *LocalExecutor) Platform() Platform { return e.platform }

// Execute はコマンドを実行し、標準出力と標準エラーをまとめて返します。
func (e *LocalExecutor) Execute(ctx context.Context, command string) (*Result, error) {
	var cmd *exec.Cmd
	if e.platform == PlatformWindows {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := &Result{Output: out.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}
