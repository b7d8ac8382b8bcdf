// Package service provides the top level run coordinator. Combines all elements
// (shard roles, identity provisioning, suite execution and teardown) together
// and provides the main entry point (blocking) to start the run.
package service

import (
	"context"
	"fmt"
	"reflect"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/gallerist-app/usher/app/enums"
	"github.com/gallerist-app/usher/app/identity"
	"github.com/gallerist-app/usher/app/preflight"
	"github.com/gallerist-app/usher/app/report"
	"github.com/gallerist-app/usher/app/shard"
	"github.com/gallerist-app/usher/app/suite"
)

// Coordinator is a top-level service wiring shard coordination, identity
// provisioning, suite execution and teardown together. One Coordinator runs
// one shard of the suite, start to finish.
type Coordinator struct {
	Shard    shard.Info
	Suite    suite.Config
	Identity identity.Identity

	Sessions     SessionMaker
	Provisioner  Provisioner
	Store        SessionStore
	Gallery      GalleryAPI
	Runner       GroupRunner
	Metrics      MetricsWriter
	Notifier     Notifier
	History      History
	Lock         *RunLock
	Preflight    PreflightChecker
	PreflightCfg preflight.Config

	Fast       bool
	SharedData bool
	Optimized  bool
	MaxWorkers int

	NotifyTimeout   time.Duration
	TeardownTimeout time.Duration // budget for the whole teardown phase

	ownMetrics  *report.ShardMetrics
	finalReport *report.Report
}

// SessionMaker opens browser sessions against the app, fresh or restored
// from a stored session state file.
type SessionMaker interface {
	NewSession(ctx context.Context) (BrowserSession, error)
	NewSessionWithState(ctx context.Context, statePath string) (BrowserSession, error)
}

// BrowserSession is a single browser surface. It can register and log in the
// shared account, probe a protected page and export its session state.
type BrowserSession interface {
	identity.Authenticator
	StorageState() ([]byte, error)
	Close() error
}

// Provisioner converges the shared account to a clean authenticated state
type Provisioner interface {
	EnsureClean(ctx context.Context, auth identity.Authenticator, id identity.Identity) error
}

// SessionStore persists the session artifact and replicates it per shard
type SessionStore interface {
	Persist(state []byte, shards int) (string, error)
	WaitReady(ctx context.Context, shardIdx int) (string, error)
	ShardPath(shardIdx int) string
	Reset() error
}

// GalleryAPI is the application's maintenance surface used around the run
type GalleryAPI interface {
	Health(ctx context.Context) error
	DeleteUser(ctx context.Context, email string) error
	Cleanup(ctx context.Context, all, deleteUser bool) error
	Optimize(ctx context.Context) error
}

// GroupRunner executes a single test group with the given worker count and
// reports how many attempts it took
type GroupRunner interface {
	Run(ctx context.Context, group suite.Group, workers int, statePath string) (attempts int, err error)
}

// MetricsWriter records shard metrics and produces the merged report
type MetricsWriter interface {
	Write(m report.ShardMetrics) error
	WaitPeers(ctx context.Context, total int) (res []report.ShardMetrics, missing []int)
	WriteReport(r report.Report) (string, error)
}

// Notifier defines notification delivery for the final run summary
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// History records finished shard runs
type History interface {
	RecordRun(m report.ShardMetrics) error
}

// PreflightChecker defines interface for checking machine headroom before
// launching browsers
type PreflightChecker interface {
	Check(cfg preflight.Config) (bool, string)
}

// Do runs the full shard pipeline: setup, dependency-ordered group execution
// and teardown. Blocking. Returns an error when this shard's run did not
// pass; teardown problems never contribute to the error.
func (c *Coordinator) Do(ctx context.Context) error {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 2 * time.Minute
	}

	ordered, err := c.Suite.Ordered()
	if err != nil {
		return fmt.Errorf("can't order suite groups: %w", err)
	}

	if c.Lock != nil {
		if err := c.Lock.Acquire(); err != nil {
			return fmt.Errorf("can't acquire run lock: %w", err)
		}
		defer c.Lock.Release()
	}

	m := report.ShardMetrics{
		Shard:      c.Shard.Index,
		Total:      c.Shard.Total,
		Status:     enums.RunPassed,
		Started:    time.Now(),
		Fast:       c.Fast,
		SharedData: c.SharedData,
		Optimized:  c.Optimized,
		Env:        report.Env(),
	}
	c.ownMetrics = &m

	log.Printf("[INFO] run started on %s, %d groups, fast:%v shared-data:%v optimized:%v",
		c.Shard, len(ordered), c.Fast, c.SharedData, c.Optimized)

	statePath, err := c.setup(ctx, &m)
	m.SetupDur = time.Since(m.Started)
	if err != nil {
		m.Status = enums.RunFailed
		if ctx.Err() != nil {
			m.Status = enums.RunAborted
		}
		// groups never started, keep them in the record as skipped
		for _, g := range ordered {
			m.Groups = append(m.Groups, report.GroupResult{Name: g.Name, Status: enums.GroupSkipped, Started: time.Now()})
		}
		c.teardown(&m)
		return fmt.Errorf("setup failed on %s: %w", c.Shard, err)
	}
	log.Printf("[INFO] setup completed on %s in %v, session state %s", c.Shard, m.SetupDur.Round(time.Millisecond), statePath)

	execStarted := time.Now()
	c.execute(ctx, ordered, statePath, &m)
	m.ExecDur = time.Since(execStarted)

	c.teardown(&m)

	if m.Status != enums.RunPassed {
		return fmt.Errorf("run %s on %s", m.Status, c.Shard)
	}
	log.Printf("[INFO] run passed on %s", c.Shard)
	return nil
}

// Summary returns a human readable digest of the finished run. On the merging
// shard it covers every shard, elsewhere only the local one. Empty before Do
// completes.
func (c *Coordinator) Summary() string {
	if c.finalReport != nil {
		return c.finalReport.Summary()
	}
	if c.ownMetrics == nil {
		return ""
	}
	m := *c.ownMetrics
	return fmt.Sprintf("shard %d/%d %s, setup %v, exec %v, %d groups",
		m.Shard, m.Total, m.Status, m.SetupDur.Round(time.Millisecond), m.ExecDur.Round(time.Millisecond), len(m.Groups))
}

// setup brings the shard to the point where test groups can run: the app is
// reachable and an authenticated session artifact exists for this shard.
// Returns the path of the shard's session state file.
func (c *Coordinator) setup(ctx context.Context, m *report.ShardMetrics) (string, error) {
	c.runPreflight(m)

	if err := c.Gallery.Health(ctx); err != nil {
		return "", fmt.Errorf("app is not reachable: %w", err)
	}

	if c.Shard.Owner() {
		return c.ownerSetup(ctx, m)
	}
	return c.followerSetup(ctx, m)
}

// ownerSetup runs the one-time shared setup: wipe leftover artifacts, optional
// database optimization, best-effort data cleanup, then provision the account
// and persist its session state for every shard.
func (c *Coordinator) ownerSetup(ctx context.Context, m *report.ShardMetrics) (string, error) {
	log.Printf("[INFO] %s owns the shared setup", c.Shard)

	if err := c.Store.Reset(); err != nil {
		log.Printf("[WARN] can't reset session store: %v", err)
	}

	if c.Optimized {
		if err := c.Gallery.Optimize(ctx); err != nil {
			log.Printf("[WARN] database optimization failed: %v", err)
			c.step(m, "optimize", enums.StepFailed, err.Error())
		} else {
			c.step(m, "optimize", enums.StepOK, "")
		}
	}

	// leftovers from an interrupted run are expected, failure to remove them is not fatal
	if err := c.Gallery.Cleanup(ctx, false, false); err != nil {
		log.Printf("[WARN] pre-run cleanup failed: %v", err)
		c.step(m, "pre-cleanup", enums.StepFailed, err.Error())
	} else {
		c.step(m, "pre-cleanup", enums.StepOK, "")
	}

	sess, err := c.Sessions.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("can't open browser session: %w", err)
	}
	defer func() {
		if e := sess.Close(); e != nil {
			log.Printf("[WARN] can't close provisioning session: %v", e)
		}
	}()

	if err := c.Provisioner.EnsureClean(ctx, sess, c.Identity); err != nil {
		return "", fmt.Errorf("identity provisioning failed: %w", err)
	}

	state, err := sess.StorageState()
	if err != nil {
		return "", fmt.Errorf("can't capture session state: %w", err)
	}

	path, err := c.Store.Persist(state, c.Shard.Total)
	if err != nil {
		return "", fmt.Errorf("can't persist session state: %w", err)
	}
	log.Printf("[INFO] session state persisted to %s for %d shards", path, c.Shard.Total)
	return c.Store.ShardPath(c.Shard.Index), nil
}

// followerSetup waits for the owner's session artifact and verifies it
// actually grants access to a protected page before trusting it.
func (c *Coordinator) followerSetup(ctx context.Context, m *report.ShardMetrics) (string, error) {
	log.Printf("[INFO] %s waits for the owner's session state", c.Shard)

	path, err := c.Store.WaitReady(ctx, c.Shard.Index)
	if err != nil {
		return "", fmt.Errorf("owner's session state never arrived: %w", err)
	}

	sess, err := c.Sessions.NewSessionWithState(ctx, path)
	if err != nil {
		return "", fmt.Errorf("can't open browser session: %w", err)
	}
	defer func() {
		if e := sess.Close(); e != nil {
			log.Printf("[WARN] can't close verification session: %v", e)
		}
	}()

	authed, err := sess.ProbeProtected(ctx)
	if err != nil {
		return "", fmt.Errorf("can't verify replicated session state: %w", err)
	}
	if !authed {
		return "", fmt.Errorf("replicated session state for %s is not authenticated", c.Shard)
	}
	c.step(m, "verify-session", enums.StepOK, "")
	return path, nil
}

// execute runs groups in dependency order. A failed group marks the run
// failed but later groups still run, cleanup and deletion must get their
// chance even after a mid-suite failure. Cancellation skips what's left.
func (c *Coordinator) execute(ctx context.Context, ordered []suite.Group, statePath string, m *report.ShardMetrics) {
	for _, g := range ordered {
		if ctx.Err() != nil {
			log.Printf("[WARN] run canceled, skipping group %s", g.Name)
			m.Groups = append(m.Groups, report.GroupResult{Name: g.Name, Status: enums.GroupSkipped, Started: time.Now()})
			if m.Status == enums.RunPassed {
				m.Status = enums.RunAborted
			}
			continue
		}

		workers := g.Workers(c.Fast, c.SharedData, c.MaxWorkers)
		started := time.Now()
		log.Printf("[INFO] group %s started, workers %d", g.Name, workers)

		attempts, err := c.Runner.Run(ctx, g, workers, statePath)
		res := report.GroupResult{Name: g.Name, Status: enums.GroupPassed, Workers: workers,
			Attempts: attempts, Started: started, Elapsed: time.Since(started)}
		if err != nil {
			res.Status = enums.GroupFailed
			log.Printf("[WARN] group %s failed after %d attempts: %v", g.Name, attempts, err)
			if ctx.Err() != nil {
				// the group died because the run was canceled under it
				if m.Status == enums.RunPassed {
					m.Status = enums.RunAborted
				}
			} else {
				m.Status = enums.RunFailed
			}
		} else {
			log.Printf("[INFO] group %s passed in %v", g.Name, res.Elapsed.Round(time.Millisecond))
		}
		m.Groups = append(m.Groups, res)
	}
}

// teardown writes this shard's metrics and, on the last shard, waits for the
// peers, performs the one-time destructive cleanup and merges the report.
// Never fails the run: a teardown problem must not mask test results.
func (c *Coordinator) teardown(m *report.ShardMetrics) {
	// the run context may already be canceled, teardown gets its own budget
	ctx, cancel := context.WithTimeout(context.Background(), c.TeardownTimeout)
	defer cancel()

	m.Finished = time.Now()
	if err := c.Metrics.Write(*m); err != nil {
		log.Printf("[WARN] can't write metrics for %s: %v", c.Shard, err)
	}

	if !c.Shard.Last() {
		log.Printf("[INFO] %s done, final teardown left to the last shard", c.Shard)
		c.record(*m)
		return
	}

	// metrics of all peers must land before anything shared is destroyed
	all, missing := c.Metrics.WaitPeers(ctx, c.Shard.Total)

	if err := c.Gallery.DeleteUser(ctx, c.Identity.Email); err != nil {
		log.Printf("[WARN] final deletion of %s failed: %v", c.Identity.Email, err)
		c.step(m, "delete-user", enums.StepFailed, err.Error())
	} else {
		c.step(m, "delete-user", enums.StepOK, "")
	}

	if err := c.Gallery.Cleanup(ctx, true, false); err != nil {
		log.Printf("[WARN] final cleanup failed: %v", err)
		c.step(m, "final-cleanup", enums.StepFailed, err.Error())
	} else {
		c.step(m, "final-cleanup", enums.StepOK, "")
	}

	// rewrite own metrics with the teardown steps included, last write wins
	m.Finished = time.Now()
	if err := c.Metrics.Write(*m); err != nil {
		log.Printf("[WARN] can't rewrite metrics for %s: %v", c.Shard, err)
	}
	for i := range all {
		if all[i].Shard == m.Shard {
			all[i] = *m
		}
	}

	rep := report.Merge(all, missing)
	if path, err := c.Metrics.WriteReport(rep); err != nil {
		log.Printf("[WARN] can't write merged report: %v", err)
	} else {
		log.Printf("[INFO] merged report written to %s", path)
	}
	c.finalReport = &rep

	c.record(*m)
	c.notify(ctx, rep)
}

// runPreflight checks machine headroom when thresholds are configured. The
// result is advisory, a loaded machine gets a warning and a step record.
func (c *Coordinator) runPreflight(m *report.ShardMetrics) {
	if c.Preflight == nil || !c.PreflightCfg.Enabled() {
		return
	}
	ok, reason := c.Preflight.Check(c.PreflightCfg)
	if !ok {
		log.Printf("[WARN] preflight failed: %s, proceeding anyway", reason)
		c.step(m, "preflight", enums.StepFailed, reason)
		return
	}
	c.step(m, "preflight", enums.StepOK, "")
}

// notify sends the final summary. A nil or broken notifier never fails teardown.
func (c *Coordinator) notify(ctx context.Context, rep report.Report) {
	if c.Notifier == nil || reflect.ValueOf(c.Notifier).IsNil() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.NotifyTimeout)
	defer cancel()
	if err := c.Notifier.Send(ctx, rep.Summary()); err != nil {
		log.Printf("[WARN] can't send run notification: %v", err)
	}
}

// record stores the shard result in the history db when one is configured
func (c *Coordinator) record(m report.ShardMetrics) {
	if c.History == nil || reflect.ValueOf(c.History).IsNil() {
		return
	}
	if err := c.History.RecordRun(m); err != nil {
		log.Printf("[WARN] can't record run history: %v", err)
	}
}

func (c *Coordinator) step(m *report.ShardMetrics, name string, status enums.StepStatus, detail string) {
	m.Steps = append(m.Steps, report.StepOutcome{Name: name, Status: status, Detail: detail})
}
