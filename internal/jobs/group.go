package jobs

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// WaitAll は複数のジョブを並行して追跡し、入力と同じ順序で結果を返します。
// limit が 0 以下ならジョブ数と同じだけワーカーを起動します。
// 親コンテキストがキャンセルされるとすべてのワーカーが停止します。
func (t *Tracker) WaitAll(ctx context.Context, jobs []*Job, opts Options, limit int) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, job := range jobs {
		g.Go(func() error {
			out, err := t.Wait(gctx, job, opts)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// SubmitAll は複数の操作を並行して投入します。
// いずれかが拒否された時点で残りの投入をキャンセルし、そのエラーを返します。
func (s *Submitter) SubmitAll(ctx context.Context, ops []Operation, limit int) ([]*Job, error) {
	submitted := make([]*Job, len(ops))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, op := range ops {
		g.Go(func() error {
			job, err := s.Submit(gctx, op)
			if err != nil {
				return err
			}
			submitted[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return submitted, err
	}
	return submitted, nil
}
