package engine

import (
	"context"
	"fmt"

	"github.com/conneroisu/pagerender/internal/errors"
)

type raceResult struct {
	doc string
	err error
}

// race runs render against ctx. Whichever finishes first wins; a losing
// render keeps running until it observes ctx, and its result is dropped into
// a buffered channel nobody reads.
func race(ctx context.Context, route string, render func(context.Context) (string, error)) (string, error) {
	if ctx.Err() != nil {
		return "", errors.NewCancelledError(context.Cause(ctx)).WithRoute(route)
	}

	done := make(chan raceResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- raceResult{err: fmt.Errorf("render panicked: %v", r)}
			}
		}()
		doc, err := render(ctx)
		done <- raceResult{doc: doc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return "", errors.NewCancelledError(context.Cause(ctx)).WithRoute(route)
			}
			return "", errors.NewRenderError(route, res.err)
		}
		return res.doc, nil
	case <-ctx.Done():
		return "", errors.NewCancelledError(context.Cause(ctx)).WithRoute(route)
	}
}
