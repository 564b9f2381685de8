// Package remote はジョブ制御APIのHTTPクライアントを提供します。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/jobwatch/internal/jobs"
)

// APIError はジョブ制御APIが返した4xxのエラー応答です。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control api returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// RejectionCode は jobs.RejectionError を満たします。
func (e *APIError) RejectionCode() string { return e.Code }

// RejectionReason は jobs.RejectionError を満たします。
func (e *APIError) RejectionReason() string { return e.Message }

// ServerError はジョブ制御APIの5xx応答です。操作の拒否ではないため
// jobs.RejectionError を満たしません。
type ServerError APIError

func (e *ServerError) Error() string {
	return fmt.Sprintf("control api failed with %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// ErrJobNotFound は指定したジョブがサーバーに存在しないことを表します。
var ErrJobNotFound = errors.New("job not found")

// Client は jobs.Control のHTTP実装です。
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// NewClient は Client を作成します。timeout は1リクエストあたりの上限です。
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("control api url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse control api url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type snapshotPayload struct {
	JobID           string    `json:"jobId"`
	Status          string    `json:"status"`
	Phase           string    `json:"phase"`
	DelayReason     string    `json:"delayReason"`
	PercentComplete int       `json:"percentComplete"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
}

// Submit は操作を投入してジョブIDを返します。
func (c *Client) Submit(ctx context.Context, op jobs.Operation) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", op, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Inspect はジョブの現在の状態を取得します。
func (c *Client) Inspect(ctx context.Context, jobID string) (*jobs.Snapshot, error) {
	var payload snapshotPayload
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &payload); err != nil {
		return nil, err
	}
	return &jobs.Snapshot{
		Status:          jobs.ParseStatus(payload.Status),
		Phase:           payload.Phase,
		DelayReason:     payload.DelayReason,
		PercentComplete: payload.PercentComplete,
		StartTime:       payload.StartTime,
		EndTime:         payload.EndTime,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// Kill はジョブの停止を要求します。停止の完了は待ちません。
func (c *Client) Kill(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/kill", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrJobNotFound, apiErr)
		case resp.StatusCode >= http.StatusInternalServerError:
			return (*ServerError)(apiErr)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
