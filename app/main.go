package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gallerist-app/usher/app/browser"
	"github.com/gallerist-app/usher/app/gallery"
	"github.com/gallerist-app/usher/app/identity"
	"github.com/gallerist-app/usher/app/mockgallery"
	"github.com/gallerist-app/usher/app/notify"
	"github.com/gallerist-app/usher/app/pool"
	"github.com/gallerist-app/usher/app/preflight"
	"github.com/gallerist-app/usher/app/report"
	"github.com/gallerist-app/usher/app/service"
	"github.com/gallerist-app/usher/app/session"
	"github.com/gallerist-app/usher/app/shard"
	"github.com/gallerist-app/usher/app/store"
	"github.com/gallerist-app/usher/app/suite"
)

var opts struct {
	URL        string `long:"url" env:"USHER_URL" default:"http://localhost:3000" description:"base url of the app under test"`
	Artifacts  string `long:"artifacts" env:"USHER_ARTIFACTS" default:".usher" description:"shared artifacts directory"`
	Suite      string `long:"suite" env:"USHER_SUITE" description:"suite config file, built-in graph when empty"`
	Fast       bool   `long:"fast" env:"USHER_FAST" description:"parallel workers for feature tests"`
	SharedData bool   `long:"shared-data" env:"USHER_SHARED_DATA" description:"parallel workers for image tests"`
	Optimized  bool   `long:"optimized" env:"USHER_OPTIMIZED" description:"db optimization and trimmed browser launch"`
	Perf       bool   `long:"perf" env:"USHER_PERF" description:"print run summary at exit"`
	Headed     bool   `long:"headed" env:"USHER_HEADED" description:"headed browsers"`
	CI         bool   `long:"ci" env:"CI" description:"ci mode, forces headless and retries failed groups"`
	Schedule   string `long:"schedule" env:"USHER_SCHEDULE" description:"cron spec, repeat the run on schedule"`
	Mock       bool   `long:"mock" env:"USHER_MOCK" description:"serve the built-in mock gallery instead of running"`
	Dbg        bool   `long:"dbg" env:"USHER_DEBUG" description:"debug mode"`

	Shard struct {
		Index int `long:"index" env:"INDEX" default:"0" description:"shard index, zero-based"`
		Total int `long:"total" env:"TOTAL" default:"1" description:"total number of shards"`
	} `group:"shard" namespace:"shard" env-namespace:"USHER_SHARD"`

	Pool struct {
		Size int `long:"size" env:"SIZE" default:"2" description:"browser pool size"`
	} `group:"pool" namespace:"pool" env-namespace:"USHER_POOL"`

	Runner struct {
		Command  string        `long:"command" env:"COMMAND" default:"npx playwright test {{.Patterns}} --workers={{.Workers}}" description:"group command template"`
		Dir      string        `long:"dir" env:"DIR" description:"working directory for the group command"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10m" description:"per-attempt group timeout"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"attempts per group"`
		Workers  int           `long:"workers" env:"WORKERS" default:"4" description:"worker cap for parallel groups"`
		MaxLog   int           `long:"max-log" env:"MAX_LOG" default:"100" description:"output tail lines kept on failure"`
	} `group:"runner" namespace:"runner" env-namespace:"USHER_RUNNER"`

	Identity struct {
		Email    string `long:"email" env:"EMAIL" default:"e2e@gallerist.test" description:"shared test account email"`
		Password string `long:"password" env:"PASSWORD" default:"gallerist-e2e-passw0rd" description:"shared test account password"`
		Name     string `long:"name" env:"NAME" default:"Gallerist E2E" description:"shared test account display name"`
	} `group:"identity" namespace:"identity" env-namespace:"USHER_IDENTITY"`

	Timeout struct {
		Remote   time.Duration `long:"remote" env:"REMOTE" default:"30s" description:"per-call timeout for the maintenance api"`
		Artifact time.Duration `long:"artifact" env:"ARTIFACT" default:"2m" description:"follower wait for the session artifact"`
		Peers    time.Duration `long:"peers" env:"PEERS" default:"1m" description:"last shard wait for peer metrics"`
		Teardown time.Duration `long:"teardown" env:"TEARDOWN" default:"2m" description:"budget for the teardown phase"`
	} `group:"timeout" namespace:"timeout" env-namespace:"USHER_TIMEOUT"`

	Preflight struct {
		CPUBelow      int     `long:"cpu-below" env:"CPU_BELOW" description:"fail preflight when cpu usage reaches this percent"`
		MemoryBelow   int     `long:"memory-below" env:"MEMORY_BELOW" description:"fail preflight when memory usage reaches this percent"`
		LoadBelow     float64 `long:"load-below" env:"LOAD_BELOW" description:"fail preflight when load1 reaches this value"`
		DiskFreeAbove int     `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"fail preflight when free disk drops below this percent"`
		Custom        string  `long:"custom" env:"CUSTOM" description:"custom preflight script"`
	} `group:"preflight" namespace:"preflight" env-namespace:"USHER_PREFLIGHT"`

	Notify struct {
		Webhooks      []string      `long:"webhook" env:"WEBHOOK" description:"webhook notification url(s)" env-delim:","`
		SlackToken    string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels []string      `long:"slack-channel" env:"SLACK_CHANNEL" description:"slack channel(s)" env-delim:","`
		TelegramToken string        `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"telegram token"`
		TelegramChats []string      `long:"telegram-chat" env:"TELEGRAM_CHAT" description:"telegram chat(s)" env-delim:","`
		Template      string        `long:"template" env:"TEMPLATE" description:"message template file"`
		HostName      string        `long:"host" env:"HOSTNAME" description:"host name reported in notifications"`
		Timeout       time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification delivery timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"USHER_NOTIFY"`

	History struct {
		DB string `long:"db" env:"DB" description:"sqlite file for run history, disabled when empty"`
	} `group:"history" namespace:"history" env-namespace:"USHER_HISTORY"`

	MockSrv struct {
		Address            string `long:"address" env:"ADDRESS" default:":3000" description:"mock gallery listen address"`
		LoginAfterRegister bool   `long:"login-after-register" env:"LOGIN_AFTER_REGISTER" description:"registration redirects to login instead of starting a session"`
	} `group:"mock" namespace:"mock" env-namespace:"USHER_MOCK"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Debug           bool   `long:"debug" env:"DEBUG" description:"debug mode"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable gzipped rotated log files"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in megabytes before rotation"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days, 0 keeps all"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"number of rotated files to keep"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to this file instead of stdout"`
	} `group:"log" namespace:"log" env-namespace:"USHER_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("usher %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if opts.Mock {
		srv := mockgallery.New(mockgallery.Config{LoginAfterRegister: opts.MockSrv.LoginAfterRegister, Version: revision})
		if err := srv.Run(ctx, opts.MockSrv.Address); err != nil {
			log.Printf("[ERROR] mock gallery failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if opts.Schedule != "" {
		if err := runScheduled(ctx, opts.Schedule); err != nil {
			log.Printf("[ERROR] scheduled mode failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := runOnce(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// runOnce wires the pipeline from the options and executes one full shard
// lifecycle. Browsers and the history db are always released, pass or fail.
func runOnce(ctx context.Context) error {
	coord, cleanup, err := makeCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	runErr := coord.Do(ctx)
	if opts.Perf {
		if s := coord.Summary(); s != "" {
			fmt.Println(s)
		}
	}
	return runErr
}

// runScheduled re-runs the lifecycle on the cron spec until terminated. A
// trigger firing while the previous run is still going is skipped, the run
// lock would reject it anyway but a skip keeps the logs clean.
func runScheduled(ctx context.Context, spec string) error {
	var inFlight atomic.Bool
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		if !inFlight.CompareAndSwap(false, true) {
			log.Printf("[WARN] previous run still in progress, trigger skipped")
			return
		}
		defer inFlight.Store(false)
		if err := runOnce(ctx); err != nil {
			log.Printf("[WARN] scheduled run failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("can't parse schedule %q: %w", spec, err)
	}

	log.Printf("[INFO] scheduled mode with spec %q, waiting for the first trigger", spec)
	scheduler.Start()
	<-ctx.Done()
	log.Printf("[INFO] terminating scheduled runs")
	<-scheduler.Stop().Done() // lets an in-flight run finish
	return nil
}

// makeCoordinator builds the run coordinator and everything it needs. The
// returned cleanup closes the browser pool, the driver and the history db.
func makeCoordinator(ctx context.Context) (*service.Coordinator, func(), error) {
	shardInfo, err := shard.New(opts.Shard.Index, opts.Shard.Total)
	if err != nil {
		return nil, nil, fmt.Errorf("bad shard configuration: %w", err)
	}

	suiteCfg, err := makeSuite()
	if err != nil {
		return nil, nil, err
	}

	notifier, err := makeNotifier()
	if err != nil {
		return nil, nil, err
	}

	driver := &browser.Driver{Headless: !opts.Headed || opts.CI, Optimized: opts.Optimized}
	if err := driver.Start(); err != nil {
		return nil, nil, fmt.Errorf("can't start browser driver: %w", err)
	}

	browsers, err := pool.New(ctx, opts.Pool.Size, driver.PoolFactory())
	if err != nil {
		if e := driver.Stop(); e != nil {
			log.Printf("[WARN] can't stop browser driver: %v", e)
		}
		return nil, nil, fmt.Errorf("can't launch browser pool: %w", err)
	}

	var history *store.History
	if opts.History.DB != "" {
		if history, err = store.New(opts.History.DB); err != nil {
			log.Printf("[WARN] run history disabled, can't open %s: %v", opts.History.DB, err)
			history = nil
		}
	}

	cleanup := func() {
		if err := browsers.Close(); err != nil {
			log.Printf("[WARN] can't close browser pool: %v", err)
		}
		if err := driver.Stop(); err != nil {
			log.Printf("[WARN] can't stop browser driver: %v", err)
		}
		if history != nil {
			if err := history.Close(); err != nil {
				log.Printf("[WARN] can't close history db: %v", err)
			}
		}
	}

	sessions := session.New(opts.Artifacts)
	sessions.PollAttempts = pollAttempts(opts.Timeout.Artifact, 500*time.Millisecond)

	metrics := report.NewWriter(opts.Artifacts)
	metrics.PollAttempts = pollAttempts(opts.Timeout.Peers, 500*time.Millisecond)

	attempts := opts.Runner.Attempts
	if opts.CI && attempts < 2 {
		attempts = 2
	}

	galleryClient := gallery.New(opts.URL, opts.Timeout.Remote)

	coord := &service.Coordinator{
		Shard:    shardInfo,
		Suite:    suiteCfg,
		Identity: identity.Identity{Email: opts.Identity.Email, Password: opts.Identity.Password, Name: opts.Identity.Name},

		Sessions:    sessionMaker{factory: &browser.Factory{Pool: browsers, BaseURL: opts.URL}},
		Provisioner: &identity.Provisioner{Remote: galleryClient},
		Store:       sessions,
		Gallery:     galleryClient,
		Runner: &service.Runner{
			Command:     opts.Runner.Command,
			Dir:         opts.Runner.Dir,
			BaseURL:     opts.URL,
			Timeout:     opts.Runner.Timeout,
			Attempts:    attempts,
			MaxLogLines: opts.Runner.MaxLog,
			Shard:       shardInfo,
		},
		Metrics:   metrics,
		Notifier:  notifier,
		History:   history,
		Lock:      &service.RunLock{Dir: opts.Artifacts, Shard: shardInfo.Index},
		Preflight: preflight.Checker{},
		PreflightCfg: preflight.Config{
			MaxCPUPercent:  opts.Preflight.CPUBelow,
			MaxMemPercent:  opts.Preflight.MemoryBelow,
			MaxLoadAvg:     opts.Preflight.LoadBelow,
			MinDiskFreePct: opts.Preflight.DiskFreeAbove,
			Custom:         opts.Preflight.Custom,
		},

		Fast:       opts.Fast,
		SharedData: opts.SharedData,
		Optimized:  opts.Optimized,
		MaxWorkers: opts.Runner.Workers,

		NotifyTimeout:   opts.Notify.Timeout,
		TeardownTimeout: opts.Timeout.Teardown,
	}
	return coord, cleanup, nil
}

// sessionMaker adapts the concrete browser factory to the coordinator's
// session interface.
type sessionMaker struct {
	factory *browser.Factory
}

func (s sessionMaker) NewSession(ctx context.Context) (service.BrowserSession, error) {
	return s.factory.NewSession(ctx)
}

func (s sessionMaker) NewSessionWithState(ctx context.Context, statePath string) (service.BrowserSession, error) {
	return s.factory.NewSessionWithState(ctx, statePath)
}

// makeSuite loads the suite graph, the built-in one unless a file is given
func makeSuite() (suite.Config, error) {
	if opts.Suite == "" {
		return suite.Default(), nil
	}
	return suite.Load(opts.Suite)
}

// makeNotifier builds the notification service, nil when no destination is
// configured
func makeNotifier() (*notify.Service, error) {
	svc, err := notify.NewService(notify.Params{
		WebhookURLs:   opts.Notify.Webhooks,
		SlackToken:    opts.Notify.SlackToken,
		SlackChannels: opts.Notify.SlackChannels,
		TelegramToken: opts.Notify.TelegramToken,
		TelegramChats: opts.Notify.TelegramChats,
		Template:      opts.Notify.Template,
		HostName:      opts.Notify.HostName,
		Timeout:       opts.Notify.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("can't make notifier: %w", err)
	}
	return svc, nil
}

// pollAttempts converts a wait budget to a number of fixed-interval polls,
// zero keeps the poller's own default
func pollAttempts(budget, interval time.Duration) int {
	if budget <= 0 {
		return 0
	}
	n := int(budget / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// setupLogs configures lgr and returns the writer logs go to, stdout or the
// rotated file. The --dbg shortcut forces logging on in debug mode.
func setupLogs() io.Writer {
	if opts.Dbg {
		opts.Log.Enabled, opts.Log.Debug = true, true
	}
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Log.Debug {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
