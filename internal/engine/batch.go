package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"sprintline/internal/domain"
)

const defaultWorkers = 8

// ExecuteAll runs a batch of requests and returns their results in input
// order. Requests for the same project run one after another in the order
// given; different projects share a bounded pool of workers.
func (e Engine) ExecuteAll(ctx context.Context, reqs []Request) []domain.Result {
	out := make([]domain.Result, len(reqs))
	var order []string
	byProject := map[string][]int{}
	for i, req := range reqs {
		if _, ok := byProject[req.Project]; !ok {
			order = append(order, req.Project)
		}
		byProject[req.Project] = append(byProject[req.Project], i)
	}

	workers := defaultWorkers
	if e.Config != nil && e.Config.Engine.Workers > 0 {
		workers = e.Config.Engine.Workers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, name := range order {
		idx := byProject[name]
		g.Go(func() error {
			for _, i := range idx {
				out[i] = e.Execute(gctx, reqs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
