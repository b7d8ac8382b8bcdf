// Package session persists the authenticated browser storage state and
// replicates it per shard. The owner shard provisions the identity once and
// writes the state, follower shards poll for their replica instead of
// registering a second account.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// Store reads and writes session state files under the artifacts directory.
// Zero poll fields fall back to defaults.
type Store struct {
	Dir          string        // state directory, usually <artifacts>/state
	PollInterval time.Duration // delay between readiness probes
	PollAttempts int           // max readiness probes before giving up
}

// poll defaults, applied when the corresponding Store field is zero
const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollAttempts = 240
)

// New makes a session store rooted at the artifacts directory.
func New(artifacts string) *Store {
	return &Store{Dir: filepath.Join(artifacts, "state")}
}

// CanonicalPath returns the primary session state file location.
func (s *Store) CanonicalPath() string { return filepath.Join(s.Dir, "session.json") }

// ShardPath returns the replica location for the given shard index.
func (s *Store) ShardPath(shard int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("session-shard-%d.json", shard))
}

// Persist writes the canonical session state plus one replica per shard.
// Each write is atomic, a crash can't leave a partially written file behind
// for a poller to pick up.
func (s *Store) Persist(state []byte, shards int) (string, error) {
	if len(bytes.TrimSpace(state)) == 0 || !json.Valid(state) {
		return "", fmt.Errorf("session state is not valid json")
	}
	if shards < 1 {
		return "", fmt.Errorf("invalid shard count %d", shards)
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", fmt.Errorf("can't create state dir %s: %w", s.Dir, err)
	}

	canonical := s.CanonicalPath()
	if err := atomicWrite(canonical, state); err != nil {
		return "", fmt.Errorf("can't write session state: %w", err)
	}
	for i := 0; i < shards; i++ {
		if err := atomicWrite(s.ShardPath(i), state); err != nil {
			return "", fmt.Errorf("can't write session replica for shard %d: %w", i, err)
		}
	}
	log.Printf("[INFO] session state saved to %s with %d shard replicas, %d bytes", canonical, shards, len(state))
	return canonical, nil
}

// Load reads the session state for the shard. Prefers the shard replica and
// falls back to the canonical file when the replica is missing.
func (s *Store) Load(shard int) ([]byte, error) {
	path := s.ShardPath(shard)
	data, err := os.ReadFile(path) // nolint gosec // path built from our own artifacts dir
	if errors.Is(err, fs.ErrNotExist) {
		path = s.CanonicalPath()
		data, err = os.ReadFile(path) // nolint gosec
	}
	if err != nil {
		return nil, fmt.Errorf("can't read session state for shard %d: %w", shard, err)
	}
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		return nil, fmt.Errorf("session state in %s is not valid json", path)
	}
	return data, nil
}

// WaitReady polls until the shard's session state is present and valid, or
// attempts run out. Returns the path that became ready. The bound matters:
// if the owner shard died before persisting, followers fail here in finite
// time instead of hanging.
func (s *Store) WaitReady(ctx context.Context, shard int) (string, error) {
	interval, attempts := s.PollInterval, s.PollAttempts
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}

	st := time.Now()
	err := repeater.New(&strategy.FixedDelay{Repeats: attempts, Delay: interval}).Do(ctx, func() error {
		_, e := s.Load(shard)
		return e
	})
	if err != nil {
		return "", fmt.Errorf("session state not ready for shard %d after %d attempts: %w", shard, attempts, err)
	}

	path := s.ShardPath(shard)
	if _, err := os.Stat(path); err != nil {
		path = s.CanonicalPath()
	}
	log.Printf("[DEBUG] session state for shard %d ready at %s in %v", shard, path, time.Since(st).Round(time.Millisecond))
	return path, nil
}

// Reset removes all session state files. The owner calls it first so a stale
// state from a previous run can't satisfy follower polls before the fresh
// identity is provisioned.
func (s *Store) Reset() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("can't reset state dir %s: %w", s.Dir, err)
	}
	return nil
}

// atomicWrite writes data to a temp file next to the target and renames it
// into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("can't create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("can't rename temp file to %s: %w", path, err)
	}
	return nil
}
