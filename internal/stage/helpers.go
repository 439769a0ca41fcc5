package stage

import (
	"context"

	"golang.org/x/sync/errgroup"

	"pharmimport/internal/services"
	"pharmimport/internal/workstate"
)

// Eligible returns the items phase should dispatch, read under the recorder
// lock.
func Eligible(rec *workstate.Recorder, phase workstate.Phase) []workstate.WorkItem {
	var items []workstate.WorkItem
	rec.With(func(st *workstate.State) {
		items = st.Eligible(phase)
	})
	return items
}

// ForEach calls fn for every item with at most limit calls in flight. Item
// failures are expected to be recorded by fn; an error returned from fn
// stops dispatch and cancels the remaining calls.
func ForEach[T any](ctx context.Context, items []T, limit int, fn func(context.Context, T) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Fatal marks err as a phase-level failure.
func Fatal(phase workstate.Phase, operation, message string, err error) error {
	return services.Wrap(services.ErrFatal, string(phase), operation, message, err)
}
