package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/jobwatch/internal/jobs"
)

const (
	jobKeyPrefix = "jobwatch:job:"
)

// ErrRecordNotFound は追跡レコードが存在しないことを表します。
var ErrRecordNotFound = errors.New("tracking record not found")

// Store は追跡レコードを Redis に保存します。jobs.Recorder を満たします。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はレコードを取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はレコードを保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	stamp(record, s.ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Update はレコードを読み出して mutate を適用し、楽観ロックで書き戻します。
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 10; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update of %s kept conflicting", jobID)
}

// Record は観測したスナップショットを保存します。
func (s *Store) Record(ctx context.Context, job *jobs.Job, snap jobs.Snapshot) error {
	return s.Update(ctx, job.ID(), func(r *Record) {
		applySnapshot(r, snap, job.Phases())
	})
}

// MarkKillRequested は停止要求を記録します。
func (s *Store) MarkKillRequested(ctx context.Context, jobID string) error {
	return s.Update(ctx, jobID, func(r *Record) {
		r.KillRequested = true
	})
}

// Finish は追跡結果を保存します。errInfo が nil なら done になります。
func (s *Store) Finish(ctx context.Context, jobID string, out *jobs.Outcome, errInfo *ErrorInfo) error {
	return s.Update(ctx, jobID, func(r *Record) {
		finishRecord(r, out, errInfo)
	})
}

func stamp(record *Record, ttl time.Duration) {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(ttl)
	}
}

func applySnapshot(r *Record, snap jobs.Snapshot, phases []string) {
	r.Status = StatusRunning
	r.JobStatus = snap.Status
	r.Phase = snap.Phase
	r.Phases = phases
	r.DelayReason = snap.DelayReason
	r.Percent = snap.PercentComplete
}

func finishRecord(r *Record, out *jobs.Outcome, errInfo *ErrorInfo) {
	r.Outcome = out
	if out != nil {
		r.JobStatus = out.Status
		r.Phase = out.Phase
		r.DelayReason = out.DelayReason
		r.Percent = out.PercentComplete
	}
	if errInfo != nil {
		r.Status = StatusError
		r.Error = errInfo
		return
	}
	r.Status = StatusDone
	r.Error = nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
