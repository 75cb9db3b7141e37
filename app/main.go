package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/forgeq/app/bridge"
	"github.com/umputun/forgeq/app/metrics"
	"github.com/umputun/forgeq/app/notify"
	"github.com/umputun/forgeq/app/presets"
	"github.com/umputun/forgeq/app/queue"
	"github.com/umputun/forgeq/app/scratch"
	"github.com/umputun/forgeq/app/store"
	"github.com/umputun/forgeq/app/web"
)

var opts struct {
	Output  string `short:"o" long:"output" env:"FORGEQ_OUTPUT" default:"var/output" description:"generated artifacts location"`
	Presets string `short:"p" long:"presets" env:"FORGEQ_PRESETS" description:"generation presets file, built-in presets if not set"`
	Dbg     bool   `long:"dbg" env:"FORGEQ_DEBUG" description:"debug mode"`

	Bridge struct {
		Command          string        `long:"command" env:"COMMAND" default:"python3" description:"inference engine interpreter"`
		Args             []string      `long:"arg" env:"ARGS" env-delim:"," default:"inference_server.py" description:"inference engine arguments, --host and --port appended"`
		Host             string        `long:"host" env:"HOST" default:"127.0.0.1" description:"inference engine bind address"`
		PortFrom         int           `long:"port-from" env:"PORT_FROM" default:"8001" description:"first port to try"`
		PortTo           int           `long:"port-to" env:"PORT_TO" default:"8010" description:"last port to try"`
		NoAutostart      bool          `long:"no-autostart" env:"NO_AUTOSTART" description:"don't start the engine until requested over api"`
		StartupTimeout   time.Duration `long:"startup-timeout" env:"STARTUP_TIMEOUT" default:"30s" description:"time for the engine to become healthy"`
		CallTimeout      time.Duration `long:"call-timeout" env:"CALL_TIMEOUT" default:"180s" description:"generation call timeout, doubled for the full pipeline"`
		HealthInterval   time.Duration `long:"health-interval" env:"HEALTH_INTERVAL" default:"10s" description:"health check interval"`
		HealthTimeout    time.Duration `long:"health-timeout" env:"HEALTH_TIMEOUT" default:"5s" description:"health check timeout"`
		FailureThreshold int           `long:"failures" env:"FAILURES" default:"3" description:"consecutive health failures forcing a restart"`
		MaxRestarts      int           `long:"max-restarts" env:"MAX_RESTARTS" default:"3" description:"restart attempts before giving up"`
		RestartCooldown  time.Duration `long:"restart-cooldown" env:"RESTART_COOLDOWN" default:"5s" description:"pause between restart attempts"`
		StopGrace        time.Duration `long:"stop-grace" env:"STOP_GRACE" default:"5s" description:"time between SIGTERM and SIGKILL"`
		OutputLines      int           `long:"output-lines" env:"OUTPUT_LINES" default:"200" description:"engine output lines kept for crash reports"`

		Preflight struct {
			Skip        bool   `long:"skip" env:"SKIP" description:"skip pre-flight checks"`
			LibsCheck   string `long:"libs" env:"LIBS" default:"import torch, fastapi, uvicorn" description:"python statement verifying engine libraries"`
			NoGPU       bool   `long:"no-gpu" env:"NO_GPU" description:"don't require nvidia gpu"`
			MinVRAM     int    `long:"min-vram" env:"MIN_VRAM" default:"8192" description:"minimal gpu memory, MB"`
			MinFreeMem  uint64 `long:"min-mem" env:"MIN_MEM" default:"4096" description:"minimal available host memory, MB"`
			MinFreeDisk uint64 `long:"min-disk" env:"MIN_DISK" default:"2048" description:"minimal free space in output location, MB"`
		} `group:"preflight" namespace:"preflight" env-namespace:"PREFLIGHT"`
	} `group:"bridge" namespace:"bridge" env-namespace:"FORGEQ_BRIDGE"`

	Queue struct {
		MaxQueued  int           `long:"max-queued" env:"MAX_QUEUED" default:"10" description:"limit of waiting and running jobs, 0 for unlimited"`
		MaxRetries int           `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"retries of a failed job"`
		RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"5s" description:"pause before retrying a job"`
	} `group:"queue" namespace:"queue" env-namespace:"FORGEQ_QUEUE"`

	Store struct {
		Path        string        `long:"path" env:"PATH" default:"var/forgeq.db" description:"sqlite database file"`
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"sqlite lock wait"`
		Retention   time.Duration `long:"retention" env:"RETENTION" default:"720h" description:"keep finished jobs for, 0 keeps forever"`
	} `group:"store" namespace:"store" env-namespace:"FORGEQ_STORE"`

	Scratch struct {
		Dir      string        `long:"dir" env:"DIR" default:"var/scratch" description:"uploaded images location"`
		MaxAge   time.Duration `long:"max-age" env:"MAX_AGE" default:"24h" description:"remove abandoned uploads older than"`
		Schedule string        `long:"schedule" env:"SCHEDULE" default:"@hourly" description:"cleanup schedule, cron syntax"`
	} `group:"scratch" namespace:"scratch" env-namespace:"FORGEQ_SCRATCH"`

	Web struct {
		Listen       string        `long:"listen" env:"LISTEN" default:"127.0.0.1:8080" description:"api listen address"`
		EnqueueRate  float64       `long:"enqueue-rate" env:"ENQUEUE_RATE" default:"2" description:"job submissions per second per client, 0 to disable"`
		StartTimeout time.Duration `long:"start-timeout" env:"START_TIMEOUT" default:"5m" description:"limit of bridge start request"`
	} `group:"web" namespace:"web" env-namespace:"FORGEQ_WEB"`

	Notify struct {
		Webhooks      []string      `long:"webhook" env:"WEBHOOKS" env-delim:"," description:"webhook url(s)"`
		SlackToken    string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels []string      `long:"slack-channel" env:"SLACK_CHANNELS" env-delim:"," description:"slack channel(s)"`
		SMTPHost      string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort      int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername  string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword  string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS       bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		FromEmail     string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails      []string      `long:"to" env:"TO" env-delim:"," description:"SMTP to email(s)"`
		Timeout       time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
		HostName      string        `long:"host" env:"HOSTNAME" description:"host name running forgeq"`
	} `group:"notify" namespace:"notify" env-namespace:"FORGEQ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"write log to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"var/forgeq.log" description:"log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"log file max size, MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"rotated files to keep"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"30" description:"days to keep rotated files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"FORGEQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("forgeq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	out := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGTERM and SIGINT
	if err := run(ctx, out); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run wires all components and blocks until ctx is done
func run(ctx context.Context, out io.Writer) error {
	metrics.MustRegister()
	metrics.SetBuildInfo(revision)

	ps := presets.Default()
	if opts.Presets != "" {
		var err error
		if ps, err = presets.Load(opts.Presets); err != nil {
			return err
		}
	}

	st, err := store.New(ctx, store.Params{Path: opts.Store.Path, BusyTimeout: opts.Store.BusyTimeout})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close store, %v", err)
		}
	}()

	sd, err := scratch.New(opts.Scratch.Dir)
	if err != nil {
		return err
	}

	br := bridge.New(makeBridgeParams(out))
	q, err := queue.New(makeQueueParams(st, sd, br, ps))
	if err != nil {
		return err
	}
	if err = q.Init(ctx); err != nil {
		return err
	}
	defer q.Close()

	maint, err := startMaintenance(ctx, q, st)
	if err != nil {
		return err
	}
	defer maint.Stop()

	if !opts.Bridge.NoAutostart {
		go func() {
			if err := br.Start(ctx); err != nil {
				log.Printf("[WARN] inference engine is not started, %v", err)
			}
		}()
	}

	srv, err := web.New(web.Config{Store: st, Scheduler: q, Engine: br, Presets: ps, Version: revision,
		EnqueueRate: opts.Web.EnqueueRate, StartTimeout: opts.Web.StartTimeout})
	if err != nil {
		return err
	}
	go func() {
		if err := srv.Run(ctx, opts.Web.Listen); err != nil {
			log.Printf("[ERROR] %v", err)
		}
	}()

	if err := q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[WARN] queue stopped, %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.Bridge.StopGrace+5*time.Second)
	defer cancel()
	if err := br.Stop(stopCtx); err != nil {
		log.Printf("[WARN] failed to stop inference engine, %v", err)
	}
	log.Printf("[INFO] forgeq stopped")
	return nil
}

// makeQueueParams wires the queue to its store, engine and alerts
func makeQueueParams(st *store.Store, sd *scratch.Dir, br *bridge.Bridge, ps *presets.Set) queue.Params {
	res := queue.Params{Store: st, Generator: br, Engine: br, Scratch: sd, ScratchMaxAge: opts.Scratch.MaxAge,
		Presets: ps, MaxQueued: opts.Queue.MaxQueued, MaxRetries: opts.Queue.MaxRetries, RetryDelay: opts.Queue.RetryDelay,
		OutputDir: opts.Output, NotifyTimeout: opts.Notify.Timeout}
	if svc := makeNotifier(); svc != nil { // typed nil would pass the queue's nil check
		res.Notifier = svc
	}
	return res
}

func makeBridgeParams(out io.Writer) bridge.Params {
	res := bridge.Params{
		Command:          opts.Bridge.Command,
		Args:             opts.Bridge.Args,
		Host:             opts.Bridge.Host,
		PortFrom:         opts.Bridge.PortFrom,
		PortTo:           opts.Bridge.PortTo,
		StartupTimeout:   opts.Bridge.StartupTimeout,
		CallTimeout:      opts.Bridge.CallTimeout,
		HealthInterval:   opts.Bridge.HealthInterval,
		HealthTimeout:    opts.Bridge.HealthTimeout,
		FailureThreshold: opts.Bridge.FailureThreshold,
		MaxRestarts:      opts.Bridge.MaxRestarts,
		RestartCooldown:  opts.Bridge.RestartCooldown,
		StopGrace:        opts.Bridge.StopGrace,
		OutputLines:      opts.Bridge.OutputLines,
		Stdout:           out,
	}
	if opts.Bridge.Preflight.Skip {
		return res
	}
	checker := bridge.EnvChecker{
		Interpreter:   opts.Bridge.Command,
		Accelerator:   !opts.Bridge.Preflight.NoGPU,
		MinVRAMMB:     opts.Bridge.Preflight.MinVRAM,
		MinFreeMemMB:  opts.Bridge.Preflight.MinFreeMem,
		MinFreeDiskMB: opts.Bridge.Preflight.MinFreeDisk,
		DiskPath:      opts.Output,
	}
	if opts.Bridge.Preflight.LibsCheck != "" {
		checker.LibsCheck = []string{opts.Bridge.Command, "-c", opts.Bridge.Preflight.LibsCheck}
	}
	res.Checker = checker
	return res
}

func makeNotifier() *notify.Service {
	return notify.NewService(notify.Params{
		WebhookURLs:   opts.Notify.Webhooks,
		SlackToken:    opts.Notify.SlackToken,
		SlackChannels: opts.Notify.SlackChannels,
		SMTP: notify.SMTPParams{Host: opts.Notify.SMTPHost, Port: opts.Notify.SMTPPort, TLS: opts.Notify.SMTPTLS,
			Username: opts.Notify.SMTPUsername, Password: opts.Notify.SMTPPassword},
		FromEmail: makeFromEmail(),
		ToEmails:  opts.Notify.ToEmails,
		Timeout:   opts.Notify.Timeout,
		Hostname:  makeHostName(),
	})
}

func makeFromEmail() string {
	if opts.Notify.FromEmail != "" {
		return opts.Notify.FromEmail
	}
	return "forgeq@" + makeHostName()
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// startMaintenance schedules scratch cleanup and history retention
func startMaintenance(ctx context.Context, q *queue.Queue, st *store.Store) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(opts.Scratch.Schedule, func() { maintenance(ctx, q, st) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", opts.Scratch.Schedule, err)
	}
	c.Start()
	log.Printf("[INFO] maintenance scheduled at %q, scratch max age %v, retention %v", opts.Scratch.Schedule,
		opts.Scratch.MaxAge, opts.Store.Retention)
	return c, nil
}

func maintenance(ctx context.Context, q *queue.Queue, st *store.Store) {
	if n, err := q.CleanupScratch(ctx); err != nil {
		log.Printf("[WARN] scratch cleanup failed, %v", err)
	} else if n > 0 {
		log.Printf("[INFO] removed %d abandoned uploads", n)
	}

	if opts.Store.Retention <= 0 {
		return
	}
	n, err := st.DeleteJobsBefore(ctx, time.Now().Add(-opts.Store.Retention))
	if err != nil {
		log.Printf("[WARN] history cleanup failed, %v", err)
		return
	}
	if n > 0 {
		log.Printf("[INFO] removed %d jobs finished more than %v ago", n, opts.Store.Retention)
	}
}

// setupLogs configures lgr, logs go to stdout or to a rotated file. Returns the writer used.
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
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
			log.Printf("[INFO] got %s, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
