package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Writer reads and writes metrics files under the artifacts directory.
// Writes are atomic and idempotent, a retried teardown simply overwrites the
// shard's own file.
type Writer struct {
	ArtifactsDir string
	PollInterval time.Duration // delay between peer polls
	PollAttempts int           // max peer polls before merging what's there
}

// peer poll defaults, applied when the corresponding Writer field is zero
const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollAttempts = 120
)

// NewWriter makes a metrics writer rooted at the artifacts directory.
func NewWriter(artifacts string) *Writer {
	return &Writer{ArtifactsDir: artifacts}
}

// MetricsPath returns the metrics file location for the shard.
func (w *Writer) MetricsPath(shard int) string {
	return filepath.Join(w.ArtifactsDir, "metrics", fmt.Sprintf("shard-%d.json", shard))
}

// ReportPath returns the merged report location.
func (w *Writer) ReportPath() string {
	return filepath.Join(w.ArtifactsDir, "report.json")
}

// Write stores the shard metrics, overwriting a previous record for the same
// shard. Peers may be polling the file, so it appears atomically.
func (w *Writer) Write(m ShardMetrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal metrics for shard %d: %w", m.Shard, err)
	}

	path := w.MetricsPath(m.Shard)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("can't create metrics dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("can't write metrics for shard %d: %w", m.Shard, err)
	}
	log.Printf("[INFO] metrics for shard %d saved to %s, status %s", m.Shard, path, m.Status)
	return nil
}

// Read loads the metrics record of a single shard.
func (w *Writer) Read(shard int) (ShardMetrics, error) {
	data, err := os.ReadFile(w.MetricsPath(shard)) // nolint gosec // path built from our own artifacts dir
	if err != nil {
		return ShardMetrics{}, fmt.Errorf("can't read metrics for shard %d: %w", shard, err)
	}
	var m ShardMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		return ShardMetrics{}, fmt.Errorf("can't parse metrics for shard %d: %w", shard, err)
	}
	return m, nil
}

// ReadAll loads every shard record it can and reports the indexes it can't.
func (w *Writer) ReadAll(total int) (res []ShardMetrics, missing []int) {
	for i := 0; i < total; i++ {
		m, err := w.Read(i)
		if err != nil {
			missing = append(missing, i)
			continue
		}
		res = append(res, m)
	}
	return res, missing
}

// WaitPeers polls until all shard records are present or attempts run out,
// then returns whatever is available. The merge proceeds either way, missing
// shards are recorded in the report instead of blocking it forever.
func (w *Writer) WaitPeers(ctx context.Context, total int) (res []ShardMetrics, missing []int) {
	interval, attempts := w.PollInterval, w.PollAttempts
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if attempts <= 0 {
		attempts = defaultPollAttempts
	}

	for i := 0; i < attempts; i++ {
		res, missing = w.ReadAll(total)
		if len(missing) == 0 {
			return res, nil
		}
		select {
		case <-ctx.Done():
			log.Printf("[WARN] peer wait canceled, shards %v not reported", missing)
			return res, missing
		case <-time.After(interval):
		}
	}

	log.Printf("[WARN] peer wait exhausted after %d attempts, shards %v not reported", attempts, missing)
	return res, missing
}

// WriteReport stores the merged report and returns its path.
func (w *Writer) WriteReport(r Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("can't marshal report: %w", err)
	}
	path := w.ReportPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("can't create artifacts dir: %w", err)
	}
	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("can't write report: %w", err)
	}
	log.Printf("[INFO] merged report saved to %s, status %s", path, r.Status)
	return path, nil
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
