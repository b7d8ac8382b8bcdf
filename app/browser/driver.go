// Package browser is the playwright edge of the harness. Driver owns the
// playwright process and launches chromium instances, Session drives the
// auth pages of the app through one page and classifies what it sees.
package browser

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
	"github.com/playwright-community/playwright-go"

	"github.com/gallerist-app/usher/app/pool"
)

// optimizedArgs trims chromium background work that skews test timings on
// loaded CI workers.
var optimizedArgs = []string{
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-renderer-backgrounding",
	"--disable-extensions",
	"--disable-default-apps",
	"--disable-translate",
	"--disable-gpu",
	"--no-default-browser-check",
	"--no-first-run",
	"--mute-audio",
	"--disable-dev-shm-usage",
}

// Driver owns the playwright lifecycle. Start before any Launch, Stop after
// the pool is closed.
type Driver struct {
	Headless    bool
	Optimized   bool
	SlowMo      float64 // ms delay between actions, useful headed
	SkipInstall bool    // skip the browser download, for hosts with a warm cache

	pw *playwright.Playwright
}

// Start installs the chromium bundle unless skipped and boots playwright.
func (d *Driver) Start() error {
	if !d.SkipInstall {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return fmt.Errorf("can't install playwright chromium: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("can't start playwright: %w", err)
	}
	d.pw = pw
	log.Printf("[DEBUG] playwright started, headless=%v optimized=%v", d.Headless, d.Optimized)
	return nil
}

// Stop shuts the playwright process down.
func (d *Driver) Stop() error {
	if d.pw == nil {
		return nil
	}
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("can't stop playwright: %w", err)
	}
	d.pw = nil
	return nil
}

// Launch starts one chromium instance.
func (d *Driver) Launch() (*Instance, error) {
	if d.pw == nil {
		return nil, fmt.Errorf("driver not started")
	}
	b, err := d.pw.Chromium.Launch(d.launchOptions())
	if err != nil {
		return nil, fmt.Errorf("can't launch chromium: %w", err)
	}
	return &Instance{browser: b}, nil
}

// PoolFactory adapts Launch to the pool factory signature.
func (d *Driver) PoolFactory() pool.Factory {
	return func(ctx context.Context) (pool.Entry, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.Launch()
	}
}

func (d *Driver) launchOptions() playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(d.Headless)}
	if d.SlowMo > 0 {
		opts.SlowMo = playwright.Float(d.SlowMo)
	}
	if d.Optimized {
		opts.Args = append([]string{}, optimizedArgs...)
	}
	return opts
}

// Instance is one launched chromium, pooled and handed out exclusively.
type Instance struct {
	browser playwright.Browser
}

// Close shuts the browser down.
func (i *Instance) Close() error {
	if i.browser == nil {
		return nil
	}
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("can't close browser: %w", err)
	}
	return nil
}
