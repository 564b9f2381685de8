// Package auth はトラッキングAPIの認証を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/jobwatch/internal/config"
)

const (
	SessionCookieName    = "jw_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間で認証済みの主体を共有するためのキーです。
const ContextUserKey = "auth.user"

// tokenPrincipal はAPIトークンで認証された呼び出し元の名前です。
const tokenPrincipal = "api-token"

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	username     string
	passwordHash string
	secret       string
	apiToken     string
	limiter      *loginLimiter
	logger       *logrus.Entry
	now          func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		username:     cfg.AppUsername,
		passwordHash: cfg.AppPasswordHash,
		secret:       cfg.SessionSecret,
		apiToken:     cfg.TrackingAPIToken,
		limiter:      newLoginLimiter(5, 15*time.Minute, 10*time.Minute),
		logger:       logger,
		now:          time.Now,
	}
}

func (m *Manager) ensureCredentials() error {
	if m.username == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.passwordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.secret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password)) == nil
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// loginLimiter はIPごとのログイン失敗回数を数え、上限を超えたIPを一定時間締め出します。
type loginLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	lockFor  time.Duration
	attempts map[string]*attemptState
}

func newLoginLimiter(max int, window, lockFor time.Duration) *loginLimiter {
	return &loginLimiter{
		max:      max,
		window:   window,
		lockFor:  lockFor,
		attempts: make(map[string]*attemptState),
	}
}

// locked は締め出し中なら残り時間を返します。
func (l *loginLimiter) locked(ip string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[ip]
	if !ok || now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// fail は失敗を記録し、残りの試行回数を返します。
func (l *loginLimiter) fail(ip string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > l.window {
		state = &attemptState{firstAttempt: now}
		l.attempts[ip] = state
	}

	state.count++
	if state.count >= l.max {
		state.lockedUntil = now.Add(l.lockFor)
		state.count = l.max
	}
	return l.max - state.count
}

func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
