// Package report holds the per-shard run metrics and their merge into the
// final report. Every shard writes its own metrics file during teardown, the
// last shard collects them all and produces report.json.
package report

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gallerist-app/usher/app/enums"
)

// GroupResult is the outcome of one executed test group on one shard.
type GroupResult struct {
	Name     string            `json:"name"`
	Status   enums.GroupStatus `json:"status"`
	Workers  int               `json:"workers"`
	Attempts int               `json:"attempts"`
	Started  time.Time         `json:"started"`
	Elapsed  time.Duration     `json:"elapsed"`
}

// StepOutcome records a best-effort lifecycle step. Failed steps never abort
// the run, they end up here instead.
type StepOutcome struct {
	Name   string           `json:"name"`
	Status enums.StepStatus `json:"status"`
	Detail string           `json:"detail,omitempty"`
}

// EnvInfo is a small census of the machine the shard ran on, useful when
// chasing timing differences between CI workers.
type EnvInfo struct {
	Host       string  `json:"host"`
	NumCPU     int     `json:"num_cpu"`
	MemTotal   uint64  `json:"mem_total"`
	MemUsedPct float64 `json:"mem_used_pct"`
	Load1      float64 `json:"load1"`
}

// ShardMetrics is everything one shard knows about its part of the run.
type ShardMetrics struct {
	Shard      int             `json:"shard"`
	Total      int             `json:"total_shards"`
	Status     enums.RunStatus `json:"status"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
	SetupDur   time.Duration   `json:"setup_duration"`
	ExecDur    time.Duration   `json:"exec_duration"`
	Fast       bool            `json:"fast,omitempty"`
	SharedData bool            `json:"shared_data,omitempty"`
	Optimized  bool            `json:"optimized,omitempty"`
	Groups     []GroupResult   `json:"groups"`
	Steps      []StepOutcome   `json:"steps,omitempty"`
	Env        EnvInfo         `json:"env"`
}

// Report is the merged view over all shard metrics.
type Report struct {
	Status        enums.RunStatus `json:"status"`
	Started       time.Time       `json:"started"`
	Finished      time.Time       `json:"finished"`
	Elapsed       time.Duration   `json:"elapsed"`
	GroupsTotal   int             `json:"groups_total"`
	GroupsFailed  []string        `json:"groups_failed,omitempty"`
	MissingShards []int           `json:"missing_shards,omitempty"`
	Shards        []ShardMetrics  `json:"shards"`
}

// Env collects the machine census. Collection errors leave the field zeroed,
// a report with a partial census is better than no report.
func Env() EnvInfo {
	host, _ := os.Hostname()
	res := EnvInfo{Host: host, NumCPU: runtime.NumCPU()}
	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemTotal = vm.Total
		res.MemUsedPct = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		res.Load1 = avg.Load1
	}
	return res
}

// Merge combines shard metrics into a single report. Any failed shard fails
// the run, a missing shard fails it too because its result can't be proven.
// Aborted wins only when nothing failed outright.
func Merge(shards []ShardMetrics, missing []int) Report {
	res := Report{Status: enums.RunPassed, MissingShards: missing, Shards: shards}

	sort.Slice(res.Shards, func(i, j int) bool { return res.Shards[i].Shard < res.Shards[j].Shard })

	anyAborted := false
	for _, m := range res.Shards {
		if res.Started.IsZero() || m.Started.Before(res.Started) {
			res.Started = m.Started
		}
		if m.Finished.After(res.Finished) {
			res.Finished = m.Finished
		}
		res.GroupsTotal += len(m.Groups)
		for _, g := range m.Groups {
			if g.Status == enums.GroupFailed {
				res.GroupsFailed = append(res.GroupsFailed, fmt.Sprintf("shard %d: %s", m.Shard, g.Name))
			}
		}
		switch m.Status {
		case enums.RunFailed:
			res.Status = enums.RunFailed
		case enums.RunAborted:
			anyAborted = true
		}
	}

	if res.Status != enums.RunFailed && anyAborted {
		res.Status = enums.RunAborted
	}
	if len(missing) > 0 {
		res.Status = enums.RunFailed
	}
	if !res.Started.IsZero() {
		res.Elapsed = res.Finished.Sub(res.Started)
	}
	return res
}

// Summary renders a short human-readable digest of the report, used for the
// final log line, the perf printout and notifications.
func (r Report) Summary() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "run %s in %v, %d shards, %d groups", r.Status, r.Elapsed.Round(time.Millisecond), len(r.Shards), r.GroupsTotal)
	if len(r.GroupsFailed) > 0 {
		fmt.Fprintf(b, "\nfailed groups: %s", strings.Join(r.GroupsFailed, ", "))
	}
	if len(r.MissingShards) > 0 {
		fmt.Fprintf(b, "\nmissing shards: %v", r.MissingShards)
	}
	for _, m := range r.Shards {
		fmt.Fprintf(b, "\nshard %d/%d: %s, setup %v, exec %v on %s",
			m.Shard, m.Total, m.Status, m.SetupDur.Round(time.Millisecond), m.ExecDur.Round(time.Millisecond), m.Env.Host)
		for _, g := range m.Groups {
			fmt.Fprintf(b, "\n  %-16s %s in %v, workers %d", g.Name, g.Status, g.Elapsed.Round(time.Millisecond), g.Workers)
			if g.Attempts > 1 {
				fmt.Fprintf(b, " after %d attempts", g.Attempts)
			}
		}
	}
	return b.String()
}
