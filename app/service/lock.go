package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
)

// RunLock is a filesystem lock preventing two concurrent runs of the same
// shard from clobbering each other's artifacts, mostly a concern in the
// scheduled repeat mode where a slow run can overlap the next trigger.
// A leftover lock older than StaleAfter is treated as a crash remnant and
// taken over.
type RunLock struct {
	Dir        string
	Shard      int
	StaleAfter time.Duration // defaults to 24h

	fname string
}

// Acquire takes the shard's lock, fails when another live run holds it
func (l *RunLock) Acquire() error {
	if l.StaleAfter <= 0 {
		l.StaleAfter = 24 * time.Hour
	}
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return fmt.Errorf("can't make lock dir %s: %w", l.Dir, err)
	}

	fname := filepath.Join(l.Dir, fmt.Sprintf("run-shard-%d.lock", l.Shard))
	if finfo, err := os.Stat(fname); err == nil && time.Since(finfo.ModTime()) > l.StaleAfter {
		log.Printf("[WARN] removing stale run lock %s from %s", fname, finfo.ModTime().Format(time.RFC3339))
		if e := os.Remove(fname); e != nil {
			return fmt.Errorf("can't remove stale lock %s: %w", fname, e)
		}
	}

	fh, err := os.OpenFile(fname, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // lock file under the artifacts dir
	if err != nil {
		return fmt.Errorf("shard %d is already running, lock %s held: %w", l.Shard, fname, err)
	}
	if _, err := fmt.Fprintf(fh, "%d %s\n", os.Getpid(), time.Now().Format(time.RFC3339)); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't write lock %s: %w", fname, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("can't close lock %s: %w", fname, err)
	}

	l.fname = fname
	log.Printf("[DEBUG] acquired run lock %s", fname)
	return nil
}

// Release removes the lock file. Safe to call without a held lock.
func (l *RunLock) Release() {
	if l.fname == "" {
		return
	}
	if err := os.Remove(l.fname); err != nil {
		log.Printf("[WARN] can't remove run lock %s: %v", l.fname, err)
	}
	l.fname = ""
}
