package machine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// Platform はマシンのOS種別です。
type Platform string

const (
	PlatformUnix    Platform = "unix"
	PlatformWindows Platform = "windows"
)

// ParsePlatform はOS名をプラットフォームに変換します。Windows 以外は Unix 扱いです。
func ParsePlatform(osName string) Platform {
	if strings.Contains(strings.ToLower(osName), "windows") {
		return PlatformWindows
	}
	return PlatformUnix
}

// 再起動要求を表すスケジュールタスクの結果コード。
const rebootRequiredResult = "5"

// ProbeConfig は再起動検出の設定です。
type ProbeConfig struct {
	// TaskName はインストールを実行する Windows スケジュールタスク名です。
	TaskName string
	// SetupProcess は完了を待つインストーラーのプロセス名です。
	SetupProcess string
	// RebootMarker は Unix で再起動要求を示すファイルです。
	RebootMarker string
}

// NewRebootProbe はプラットフォームに応じた jobs.RebootProbe を返します。
func NewRebootProbe(platform Platform, exec Executor, cfg ProbeConfig) (jobs.RebootProbe, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is nil")
	}
	switch platform {
	case PlatformWindows:
		if cfg.TaskName == "" {
			cfg.TaskName = "InstallTask"
		}
		if cfg.SetupProcess == "" {
			cfg.SetupProcess = "Setup.exe"
		}
		return &windowsProbe{exec: exec, cfg: cfg}, nil
	case PlatformUnix:
		if cfg.RebootMarker == "" {
			cfg.RebootMarker = "/var/run/reboot-required"
		}
		return &unixProbe{exec: exec, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", platform)
	}
}

var lastResultPattern = regexp.MustCompile(`(?mi)^\s*Last Result:\s*(-?\d+)\s*$`)

type windowsProbe struct {
	exec Executor
	cfg  ProbeConfig
}

func (p *windowsProbe) RebootRequired(ctx context.Context) (bool, error) {
	task, err := cmdQuote(p.cfg.TaskName)
	if err != nil {
		return false, err
	}
	res, err := p.exec.Execute(ctx, fmt.Sprintf(`schtasks /query /tn %s /v /fo list`, task))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("schtasks exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	m := lastResultPattern.FindStringSubmatch(res.Output)
	if m == nil {
		return false, nil
	}
	return m[1] == rebootRequiredResult, nil
}

// Resumed はマシンが応答し、インストーラーが終了している場合に true を返します。
func (p *windowsProbe) Resumed(ctx context.Context) (bool, error) {
	filter, err := cmdQuote("IMAGENAME eq " + p.cfg.SetupProcess)
	if err != nil {
		return false, err
	}
	res, err := p.exec.Execute(ctx, fmt.Sprintf(`tasklist /FI %s /NH`, filter))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, nil
	}
	return !strings.Contains(strings.ToLower(res.Output), strings.ToLower(p.cfg.SetupProcess)), nil
}

type unixProbe struct {
	exec Executor
	cfg  ProbeConfig
}

func (p *unixProbe) RebootRequired(ctx context.Context) (bool, error) {
	res, err := p.exec.Execute(ctx, fmt.Sprintf("test -f %s", shellQuote(p.cfg.RebootMarker)))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (p *unixProbe) Resumed(ctx context.Context) (bool, error) {
	res, err := p.exec.Execute(ctx, "true")
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cmdQuote は cmd.exe の引数を二重引用符で囲みます。
// cmd.exe の引用符内でエスケープできない文字を含む場合はエラーを返します。
func cmdQuote(s string) (string, error) {
	if strings.ContainsAny(s, "\"%\r\n") {
		return "", fmt.Errorf("argument %q cannot be quoted for cmd.exe", s)
	}
	return `"` + s + `"`, nil
}
