// Package pool manages a fixed set of pre-launched resources, browsers in
// practice. All entries are launched up front so the first test group doesn't
// pay launch latency, and a single launch failure tears the whole pool down.
package pool

import (
	"context"
	"fmt"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// Entry is a pooled resource.
type Entry interface {
	Close() error
}

// Factory launches one pool entry.
type Factory func(ctx context.Context) (Entry, error)

// Pool hands out exclusive entries. An entry is owned by exactly one caller
// between Acquire and Release.
type Pool struct {
	free chan Entry

	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// New launches size entries concurrently and returns a ready pool. If any
// launch fails, the already-launched entries are closed and the error of the
// first failure is returned.
func New(ctx context.Context, size int, factory Factory) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid pool size %d", size)
	}

	p := &Pool{free: make(chan Entry, size)}

	var mu sync.Mutex
	var firstErr error

	gr := syncs.NewSizedGroup(size, syncs.Context(ctx))
	for i := 0; i < size; i++ {
		gr.Go(func(ctx context.Context) {
			e, err := factory(ctx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			p.entries = append(p.entries, e)
			mu.Unlock()
			p.free <- e
		})
	}
	gr.Wait()

	if firstErr != nil {
		if closeErr := p.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close partially launched pool: %v", closeErr)
		}
		return nil, fmt.Errorf("pool launch failed: %w", firstErr)
	}

	log.Printf("[INFO] pool ready with %d entries", size)
	return p, nil
}

// Acquire blocks until an entry is free or the context is done.
func (p *Pool) Acquire(ctx context.Context) (Entry, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	select {
	case e := <-p.free:
		return e, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pool acquire canceled: %w", ctx.Err())
	}
}

// Release returns an entry to the pool. Releasing into a closed pool closes
// the entry instead.
func (p *Pool) Release(e Entry) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		if err := e.Close(); err != nil {
			log.Printf("[WARN] failed to close released entry: %v", err)
		}
		return
	}
	p.free <- e
}

// Size reports how many entries the pool launched.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every launched entry. Safe to call more than once. Entries
// currently acquired are closed too, callers must not use them afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	// drain the free list so nobody acquires a closing entry
	for {
		select {
		case <-p.free:
			continue
		default:
		}
		break
	}

	var firstErr error
	for _, e := range entries {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("pool close failed: %w", firstErr)
	}
	return nil
}
