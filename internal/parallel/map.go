package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input item with what the map function returned for it.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map calls mapFunc for every item with at most limit calls in flight and
// returns once all of them have returned. Results keep the input order.
// A failing call does not cancel the others, its error is reported in its
// Result. Items not started before ctx is done get ctx.Err().
//
//	for _, r := range parallel.Map(ctx, 8, ids, fetch) {}
func Map[E, D any](ctx context.Context, limit int, items []E, mapFunc func(context.Context, E) (D, error)) []Result[E, D] {
	ret := make([]Result[E, D], len(items))
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		ret[i].In = item
		if err := ctx.Err(); err != nil {
			ret[i].Err = err
			continue
		}
		g.Go(func() error {
			ret[i].Out, ret[i].Err = mapFunc(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return ret
}
