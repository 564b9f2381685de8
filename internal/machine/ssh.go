package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig は SSH 接続の設定です。
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	// Insecure はホスト鍵を検証しません。検証環境専用です。
	Insecure bool
	Timeout  time.Duration
}

// SSHExecutor は SSH 越しにコマンドを実行します。
// コマンドごとに接続を張り、状態を持ちません。
type SSHExecutor struct {
	addr     string
	config   *ssh.ClientConfig
	platform Platform
}

// NewSSHExecutor は SSHExecutor を作成します。
func NewSSHExecutor(cfg SSHConfig, platform Platform) (*SSHExecutor, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh password or key file is required")
	}

	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	return &SSHExecutor{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            methods,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
		platform: platform,
	}, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve known_hosts: %w", err)
		}
		path = home + "/.ssh/known_hosts"
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Platform は実行先のプラットフォームを返します。
func (e *SSHExecutor) Platform() Platform { return e.platform }

// Execute はリモートでコマンドを実行します。
func (e *SSHExecutor) Execute(ctx context.Context, command string) (*Result, error) {
	dialer := &net.Dialer{Timeout: e.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return nil, ctx.Err()
	case err := <-done:
		res := &Result{Output: out.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, fmt.Errorf("run %q on %s: %w", command, e.addr, err)
		}
		return res, nil
	}
}
