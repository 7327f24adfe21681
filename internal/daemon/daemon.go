// Package daemon is the composition root: it builds every component from
// the config, owns their lifecycles and shuts them down in order.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/gopherbridge/internal/backend"
	"github.com/user/gopherbridge/internal/backend/tools"
	"github.com/user/gopherbridge/internal/config"
	ctxengine "github.com/user/gopherbridge/internal/context"
	"github.com/user/gopherbridge/internal/credentials"
	"github.com/user/gopherbridge/internal/dispatch"
	"github.com/user/gopherbridge/internal/gateway"
	"github.com/user/gopherbridge/internal/matrix"
	"github.com/user/gopherbridge/internal/memory"
	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/resource"
	"github.com/user/gopherbridge/internal/router"
	"github.com/user/gopherbridge/internal/scheduler"
	"github.com/user/gopherbridge/internal/state"
	"github.com/user/gopherbridge/internal/telegram"
	"github.com/user/gopherbridge/internal/toolstatus"
	"github.com/user/gopherbridge/internal/types"
	"github.com/user/gopherbridge/internal/webhook"
	"github.com/user/gopherbridge/pkg/llm"
	"github.com/user/gopherbridge/pkg/llm/openai"
)

// DBFile is the state database name inside the data directory.
const DBFile = "gopherbridge.db"

const adapterTimeout = 10 * time.Second

// Option adjusts how a Daemon is assembled.
type Option func(*buildOptions)

type buildOptions struct {
	adapters []platform.Adapter
	counter  func(string) int
	retry    *gateway.RetryPolicy
	exit     func(int)
}

// WithAdapters attaches extra adapters alongside the configured ones.
func WithAdapters(adapters ...platform.Adapter) Option {
	return func(o *buildOptions) { o.adapters = append(o.adapters, adapters...) }
}

// WithTokenCounter replaces the tokenizer of the context engine.
func WithTokenCounter(fn func(string) int) Option {
	return func(o *buildOptions) { o.counter = fn }
}

// WithRetryPolicy sets the adapter connect retry policy.
func WithRetryPolicy(p *gateway.RetryPolicy) Option {
	return func(o *buildOptions) { o.retry = p }
}

// WithExit replaces os.Exit for the shutdown watchdog.
func WithExit(fn func(int)) Option {
	return func(o *buildOptions) { o.exit = fn }
}

// Daemon holds the running components.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	retry  *gateway.RetryPolicy
	exit   func(int)

	db          *sql.DB
	sessions    *state.SessionStore
	history     *state.ChannelHistory
	tasks       *state.TaskStore
	credentials *credentials.Manager
	helper      *resource.Manager
	backend     *backend.Backend
	dispatcher  *dispatch.Dispatcher
	adapters    []platform.Adapter
	scheduler   *scheduler.Scheduler
	api         *webhook.Server

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New assembles the daemon. Nothing connects to a chat platform until
// Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	bo := buildOptions{retry: gateway.DefaultRetryPolicy(), exit: os.Exit}
	for _, opt := range opts {
		opt(&bo)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: slog.Default().With("component", "daemon"),
		retry:  bo.retry,
		exit:   bo.exit,
	}

	db, err := state.Open(filepath.Join(cfg.DataDir, DBFile))
	if err != nil {
		return nil, err
	}
	d.db = db
	d.sessions = state.NewSessionStore(db, cfg.Session.MaxTurns)
	d.tasks = state.NewTaskStore(db)
	d.history, err = state.NewChannelHistory(ctx, db, state.HistoryOptions{
		Capacity:     cfg.History.Capacity,
		PreloadLimit: cfg.History.PreloadLimit,
		Retention:    config.Millis(cfg.History.RetentionMS),
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var tokens llm.TokenSource = llm.StaticToken(cfg.LLM.APIKey)
	if cfg.Credentials.Path != "" {
		d.credentials = credentials.New(credentials.Options{
			Path:          cfg.Credentials.Path,
			TokenURL:      cfg.Credentials.TokenURL,
			ClientID:      cfg.Credentials.ClientID,
			CacheTTL:      config.Millis(cfg.Credentials.CacheTTLMS),
			RefreshBuffer: config.Millis(cfg.Credentials.RefreshBufferMS),
		})
		tokens = d.credentials
	}

	if cfg.Helper.Addr != "" {
		d.helper = resource.New(resource.Options{
			Addr:           cfg.Helper.Addr,
			RequireChat:    cfg.Helper.RequireChat,
			ShutdownSecret: cfg.Helper.ShutdownSecret,
			Launcher:       &resource.ExecLauncher{Command: cfg.Helper.Command, Args: cfg.Helper.Args},
			ReadyTimeout:   config.Millis(cfg.Helper.ReadyTimeoutMS),
		})
	}

	var engineOpts []ctxengine.Option
	if bo.counter != nil {
		engineOpts = append(engineOpts, ctxengine.WithCounter(bo.counter))
	}
	if cfg.LLM.PromptFile != "" {
		engineOpts = append(engineOpts, ctxengine.WithPromptFile(cfg.LLM.PromptFile))
	}
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, engineOpts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     config.Millis(cfg.LLM.TimeoutMS),
		Tokens:      tokens,
	})
	registry := backend.NewRegistry()
	if cfg.Tools.Bash {
		registry.Register(tools.NewBash(cfg.DataDir))
	}
	registry.Register(tools.NewReadURL())
	d.backend = backend.New(provider, engine, registry, cfg.MaxToolRounds)

	var mem types.MemorySource
	if url := memoryURL(cfg); url != "" {
		mem = memory.NewClient(url, cfg.Memory.APIKey, config.Millis(cfg.Memory.TimeoutMS))
	}
	rt := router.New(d.sessions, d.history, mem, d.backend, engine, router.Options{
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		MaxResults:          cfg.Memory.MaxResults,
		MemoryTimeout:       config.Millis(cfg.Memory.TimeoutMS),
		Tools:               d.backend.ToolNames(),
	})

	d.dispatcher = dispatch.New(dispatch.Options{
		History:  d.history,
		Sessions: d.sessions,
		Route:    rt.Process,
		Gateway: gateway.Options{
			MaxConcurrent: int64(cfg.MaxConcurrent),
			RunTimeout:    config.Millis(cfg.RunTimeoutMS),
		},
		ToolStatus: toolstatus.Options{
			InitialDelay:      config.Millis(cfg.ToolStatus.InitialDelayMS),
			EditInterval:      config.Millis(cfg.ToolStatus.EditIntervalMS),
			MaxCompletedTools: cfg.ToolStatus.MaxCompletedTools,
		},
		DisableToolStatus: cfg.ToolStatus.Disabled,
	})

	if cfg.Telegram.Token != "" {
		d.adapters = append(d.adapters, telegram.New(telegram.Options{
			Token:       cfg.Telegram.Token,
			Gate:        cfg.Telegram.Gate.Policy(),
			EditWindow:  config.Millis(cfg.Telegram.EditWindowMS),
			DownloadDir: cfg.Telegram.DownloadDir,
		}))
	} else {
		d.logger.Warn("telegram adapter disabled (no token)")
	}
	if cfg.Matrix.AccessToken != "" {
		mx, err := matrix.New(matrix.Options{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Gate:        cfg.Matrix.Gate.Policy(),
			EditWindow:  config.Millis(cfg.Matrix.EditWindowMS),
			DownloadDir: cfg.Matrix.DownloadDir,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create matrix adapter: %w", err)
		}
		d.adapters = append(d.adapters, mx)
	} else {
		d.logger.Warn("matrix adapter disabled (no access token)")
	}
	d.adapters = append(d.adapters, bo.adapters...)
	for _, a := range d.adapters {
		d.dispatcher.Attach(a)
	}

	jobs := scheduler.Maintenance(d.history, d.sessions, scheduler.MaintenanceOptions{
		HistorySweep:   cfg.Schedule.HistorySweep,
		SessionCleanup: cfg.Schedule.SessionCleanup,
		SessionMaxAge:  config.Millis(cfg.Session.MaxAgeMS),
	})
	tasks, err := d.tasks.List(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	jobs = append(jobs, scheduler.Tasks(tasks, d.runTask)...)
	d.scheduler = scheduler.New(jobs...)

	d.api = webhook.NewServer(webhook.Options{
		Sessions:  d.sessions,
		Processor: d.dispatcher.Gateway(),
		Delivery:  d.dispatcher.Registry(),
		Token:     cfg.API.Token,
		Tasks:     d,
		Adapters:  d.adapterStatus,
		OnDelete:  d.backend.Forget,
	})
	return d, nil
}

// memoryURL falls back to the helper when no memory service is configured.
func memoryURL(cfg *config.Config) string {
	if cfg.Memory.URL != "" {
		return cfg.Memory.URL
	}
	if cfg.Helper.Addr != "" {
		return "http://" + cfg.Helper.Addr
	}
	return ""
}

// API returns the admin HTTP server.
func (d *Daemon) API() *webhook.Server { return d.api }

// Dispatcher returns the adapter dispatcher.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// ListTasks returns the stored tasks.
func (d *Daemon) ListTasks(ctx context.Context) ([]*state.Task, error) {
	return d.tasks.List(ctx)
}

// RunTask injects the named task's prompt now and delivers the reply.
func (d *Daemon) RunTask(ctx context.Context, name string) (*types.ProcessResult, error) {
	task, err := d.tasks.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.dispatcher.Inject(ctx, task.Message())
}

func (d *Daemon) runTask(ctx context.Context, task *state.Task) error {
	res, err := d.dispatcher.Inject(ctx, task.Message())
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	d.logger.Info("task delivered", "task", task.Name, "session_id", res.SessionID, "duration", res.Duration)
	return nil
}

func (d *Daemon) adapterStatus() map[string]bool {
	out := make(map[string]bool, len(d.adapters))
	for _, a := range d.adapters {
		out[a.Name()] = a.IsConnected()
	}
	return out
}

// Start brings up the helper, the lane gateway, the scheduler and the
// adapters. A helper whose port never frees is fatal; an adapter that fails
// to connect is logged and left disconnected.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if d.helper != nil {
		outcome, err := d.helper.Ensure(ctx)
		if errors.Is(err, resource.ErrPortBusy) {
			return err
		}
		if err != nil {
			d.logger.Warn("helper unavailable, continuing without it", "error", err)
		} else {
			d.logger.Info("helper ready", "outcome", outcome)
		}
	}

	// Lanes outlive ctx so in-flight runs get the shutdown grace period;
	// Shutdown cancels them through Stop.
	d.dispatcher.Gateway().Start(context.WithoutCancel(ctx))

	if err := d.scheduler.Start(ctx); err != nil {
		d.logger.Warn("scheduler not started", "error", err)
	} else if err := d.scheduler.RunNow(ctx, "history-sweep"); err != nil {
		d.logger.Warn("initial history sweep failed", "error", err)
	}

	d.connectAdapters(ctx)

	if d.cfg.API.Addr != "" {
		go func() {
			if err := d.api.Start(d.cfg.API.Addr); err != nil {
				d.logger.Error("admin api stopped", "error", err)
			}
		}()
	}

	d.logger.Info("gopherbridge started",
		"data_dir", d.cfg.DataDir,
		"max_concurrent", d.cfg.MaxConcurrent,
		"llm_model", d.cfg.LLM.Model,
		"adapters", len(d.adapters),
	)
	return nil
}

func (d *Daemon) connectAdapters(ctx context.Context) {
	var g errgroup.Group
	for _, a := range d.adapters {
		g.Go(func() error {
			err := d.retry.Execute(ctx, func(ctx context.Context) error {
				cctx, cancel := context.WithTimeout(ctx, adapterTimeout)
				defer cancel()
				err := a.Connect(cctx)
				if errors.Is(err, platform.ErrUnauthorized) {
					return gateway.Permanent(err)
				}
				return err
			})
			if err != nil {
				d.logger.Error("adapter failed to connect", "adapter", a.Name(), "error", err)
				return nil
			}
			d.logger.Info("adapter connected", "adapter", a.Name())
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops accepting events, drains in-flight lanes for the grace
// period and releases every resource. It is safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.stopOnce.Do(func() {
		d.logger.Info("shutting down")
		gw := d.dispatcher.Gateway()
		gw.StopAccepting()
		if !gw.WaitIdle(config.Millis(d.cfg.ShutdownGraceMS)) {
			d.logger.Warn("in-flight requests did not finish within grace period")
		}
		gw.Stop()
		d.scheduler.Stop(time.Second)

		if err := d.api.Shutdown(ctx); err != nil {
			d.logger.Warn("admin api shutdown", "error", err)
		}
		if d.credentials != nil {
			d.credentials.Close()
		}
		for _, a := range d.adapters {
			if err := a.Disconnect(ctx); err != nil {
				d.logger.Warn("adapter disconnect", "adapter", a.Name(), "error", err)
			}
		}
		if err := d.db.Close(); err != nil {
			d.logger.Warn("close database", "error", err)
		}
		if d.helper != nil {
			if err := d.helper.Close(ctx); err != nil {
				d.logger.Warn("stop helper", "error", err)
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.logger.Info("shutdown complete")
	})
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts down.
// If shutdown outlives the watchdog the process exits with status 1.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()

	watchdog := time.AfterFunc(config.Millis(d.cfg.ShutdownWatchdogMS), func() {
		d.logger.Error("shutdown watchdog expired, forcing exit")
		d.exit(1)
	})
	defer watchdog.Stop()

	sctx, cancel := context.WithTimeout(context.Background(), config.Millis(d.cfg.ShutdownWatchdogMS))
	defer cancel()
	d.Shutdown(sctx)
	return nil
}
