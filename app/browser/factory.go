package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/gallerist-app/usher/app/pool"
)

// Factory makes sessions on top of pooled browsers. Acquire blocks when the
// pool is exhausted, so session concurrency is naturally capped at the pool
// size.
type Factory struct {
	Pool       *pool.Pool
	BaseURL    string
	NavTimeout time.Duration
}

// NewSession acquires a browser and opens a fresh unauthenticated session.
func (f *Factory) NewSession(ctx context.Context) (*Session, error) {
	return f.session(ctx, "")
}

// NewSessionWithState acquires a browser and opens a session preloaded from
// the saved storage state file.
func (f *Factory) NewSessionWithState(ctx context.Context, statePath string) (*Session, error) {
	return f.session(ctx, statePath)
}

func (f *Factory) session(ctx context.Context, statePath string) (*Session, error) {
	e, err := f.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't acquire browser: %w", err)
	}
	inst, ok := e.(*Instance)
	if !ok {
		f.Pool.Release(e)
		return nil, fmt.Errorf("unexpected pool entry %T", e)
	}

	var s *Session
	if statePath == "" {
		s, err = inst.NewSession(f.BaseURL, f.NavTimeout)
	} else {
		s, err = inst.NewSessionWithState(f.BaseURL, f.NavTimeout, statePath)
	}
	if err != nil {
		f.Pool.Release(e)
		return nil, err
	}

	s.release = func() { f.Pool.Release(e) }
	return s, nil
}
