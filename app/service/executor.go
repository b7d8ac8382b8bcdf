package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/gallerist-app/usher/app/shard"
	"github.com/gallerist-app/usher/app/suite"
)

// Runner executes test groups by shelling out to the configured command
// template, like "npx playwright test {{.Patterns}} --workers={{.Workers}}".
// The rendered command also gets the run context in the environment, so
// runners that can't take it on the command line still see it.
type Runner struct {
	Command     string        // command template executed per group
	Dir         string        // working directory for the command, empty for the current one
	BaseURL     string        // base URL of the app under test
	Timeout     time.Duration // per-attempt limit, 0 for none
	Attempts    int           // attempts per group, defaults to 1
	RetryDelay  time.Duration // pause between attempts, defaults to 1s
	MaxLogLines int           // output tail attached to a failure, 0 disables
	Stdout      io.Writer     // defaults to os.Stdout
	Shard       shard.Info
}

// templateParams is what the command template can reference
type templateParams struct {
	Patterns  string // space separated file patterns of the group
	Workers   int
	BaseURL   string
	StatePath string
	Group     string
	Shard     int
	Total     int
}

// Run renders the command for the group and executes it, retrying failed
// attempts with a fixed delay. Returns the number of attempts made; on
// failure the error carries the tail of the command output.
func (r *Runner) Run(ctx context.Context, group suite.Group, workers int, statePath string) (int, error) {
	command, err := r.render(group, workers, statePath)
	if err != nil {
		return 0, err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	tail := NewTail(r.MaxLogLines)
	made := 0

	rptr := repeater.New(&strategy.FixedDelay{Repeats: attempts, Delay: delay})
	execErr := rptr.Do(ctx, func() error {
		made++
		if made > 1 {
			log.Printf("[INFO] group %s attempt %d of %d", group.Name, made, attempts)
		}
		return r.execOnce(ctx, command, group, workers, statePath, tail, stdout)
	})

	if execErr != nil {
		if out := tail.String(); out != "" {
			return made, fmt.Errorf("group %s execution failed: %w\n%s", group.Name, execErr, out)
		}
		return made, fmt.Errorf("group %s execution failed: %w", group.Name, execErr)
	}
	return made, nil
}

// execOnce runs a single attempt of the rendered command. Output goes to
// stdout prefixed with the group name and into the shared tail buffer.
func (r *Runner) execOnce(ctx context.Context, command string, group suite.Group, workers int, statePath string, tail *Tail, stdout io.Writer) error {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command) //nolint:gosec // the command comes from the operator's own config
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.env(group, workers, statePath)...)

	logWithErr := io.MultiWriter(tail, newPrefixWriter(stdout, group.Name))
	cmd.Stdout = logWithErr
	cmd.Stderr = logWithErr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to execute command %s: %w", command, err)
	}
	return nil
}

// render builds the final command line for the group from the template
func (r *Runner) render(group suite.Group, workers int, statePath string) (string, error) {
	tmpl, err := template.New("runner").Parse(r.Command)
	if err != nil {
		return "", fmt.Errorf("can't parse runner command %q: %w", r.Command, err)
	}

	params := templateParams{
		Patterns:  strings.Join(group.Patterns, " "),
		Workers:   workers,
		BaseURL:   r.BaseURL,
		StatePath: statePath,
		Group:     group.Name,
		Shard:     r.Shard.Index,
		Total:     r.Shard.Total,
	}

	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("can't render runner command %q: %w", r.Command, err)
	}
	return buf.String(), nil
}

// env is the run context exported to the test process
func (r *Runner) env(group suite.Group, workers int, statePath string) []string {
	return []string{
		"E2E_BASE_URL=" + r.BaseURL,
		"E2E_STORAGE_STATE=" + statePath,
		"E2E_GROUP=" + group.Name,
		fmt.Sprintf("E2E_WORKERS=%d", workers),
		fmt.Sprintf("E2E_SHARD_INDEX=%d", r.Shard.Index),
		fmt.Sprintf("E2E_SHARD_TOTAL=%d", r.Shard.Total),
	}
}
