package module

import (
	"context"
	"errors"
	"fmt"
)

type chain []Loader

// Chain tries loaders in order. A loader reporting ErrNotFound passes the
// specifier on; any other error stops the search.
func Chain(loaders ...Loader) Loader {
	out := make(chain, 0, len(loaders))
	for _, l := range loaders {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (c chain) Fetch(ctx context.Context, specifier string) (Source, error) {
	for _, l := range c {
		src, err := l.Fetch(ctx, specifier)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Source{}, err
		}
	}
	return Source{}, fmt.Errorf("%w: %s", ErrNotFound, specifier)
}
