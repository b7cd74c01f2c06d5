package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/crewdeck/internal/config"
	"github.com/tchow-twistedxcom/crewdeck/internal/git"
	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/logging"
	"github.com/tchow-twistedxcom/crewdeck/internal/ptyhost"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
	"github.com/tchow-twistedxcom/crewdeck/internal/status"
	"github.com/tchow-twistedxcom/crewdeck/internal/web"
)

const (
	heartbeatInterval = 10 * time.Second
	instanceTimeout   = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	journalQueue      = 1024
)

type serveOptions struct {
	configPath string
	listen     string
	token      string
	readOnly   bool
	root       string
	debug      bool
}

func parseServeFlags(args []string) (serveOptions, map[string]bool, error) {
	var opts serveOptions
	fs := newFlagSet("serve", "serve [options]",
		"crewdeck serve",
		"crewdeck serve --listen 0.0.0.0:3001 --token s3cret",
		"crewdeck serve --root ~/src/app --read-only",
	)
	fs.StringVar(&opts.configPath, "config", "", "Config file (default ~/.crewdeck/config.toml)")
	fs.StringVar(&opts.listen, "listen", "", "Listen address (overrides [server].listen)")
	fs.StringVar(&opts.token, "token", "", "Token required on every request (overrides [server].token)")
	fs.BoolVar(&opts.readOnly, "read-only", false, "Refuse input, resize, create and destroy")
	fs.StringVar(&opts.root, "root", "", "Repository whose worktrees are listed (overrides [worktrees].root)")
	fs.BoolVar(&opts.debug, "debug", false, "Debug logging")

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return opts, nil, err
	}
	if fs.NArg() > 0 {
		return opts, nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return opts, set, nil
}

// applyServeFlags overlays explicitly set flags on cfg.
func applyServeFlags(cfg *config.Config, opts serveOptions, set map[string]bool) {
	if set["listen"] {
		cfg.Server.Listen = opts.listen
	}
	if set["token"] {
		cfg.Server.Token = opts.token
	}
	if set["read-only"] {
		cfg.Server.ReadOnly = opts.readOnly
	}
	if set["root"] {
		cfg.Worktrees.Root = opts.root
	}
	if set["debug"] {
		cfg.Logs.Debug = opts.debug
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// sessionConfig translates the file config into session.Config. cols and rows
// are used when the file leaves the initial size unset.
func sessionConfig(cfg *config.Config, cols, rows int) session.Config {
	if cfg.Sessions.DefaultCols > 0 {
		cols = cfg.Sessions.DefaultCols
	}
	if cfg.Sessions.DefaultRows > 0 {
		rows = cfg.Sessions.DefaultRows
	}
	raw := status.MergeRawPatterns(status.DefaultRawPatterns(), &status.RawPatterns{
		BorderPatterns: cfg.Status.BorderPatternsExtra,
		PromptPatterns: cfg.Status.PromptPatternsExtra,
		BusyPatterns:   cfg.Status.BusyPatternsExtra,
	})
	return session.Config{
		AgentCommand: cfg.Agent.Command,
		AgentArgs:    cfg.Agent.ResolveDefaultArgs(),
		ShellCommand: cfg.Shell.ResolveCommand(),
		ShellLogin:   cfg.Shell.GetLogin(),
		HistoryBytes: cfg.Sessions.HistoryBytes,
		ShortWindow:  cfg.Sessions.ShortWindowChunks,
		IdleDelay:    cfg.Sessions.IdleDelay(),
		ResizeDelay:  cfg.Sessions.ResizeDelay(),
		Cols:         clampDim(cols, 80),
		Rows:         clampDim(rows, 24),
		Patterns:     status.CompilePatterns(raw),
	}
}

func clampDim(v, fallback int) uint16 {
	if v <= 0 || v > 0xffff {
		return uint16(fallback)
	}
	return uint16(v)
}

// terminalSize reports the server's own terminal size, or 80x24 when stdout
// is not a terminal.
func terminalSize() (int, int) {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil && cols > 0 && rows > 0 {
			return cols, rows
		}
	}
	return 80, 24
}

func initLogging(cfg *config.Config) (string, error) {
	home, err := config.HomeDir()
	if err != nil {
		return "", err
	}
	logDir := cfg.Logs.Dir
	if logDir == "" && !cfg.Logs.Debug {
		logDir = home
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return "", fmt.Errorf("create log dir: %w", err)
		}
	}
	logging.Init(logging.Config{
		LogDir:     logDir,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.GetCompress(),
		PprofAddr:  cfg.Logs.PprofAddr,
		Debug:      cfg.Logs.Debug,
	})
	// Route stray log.Printf calls (net/http, libraries) into slog.
	log.SetOutput(logging.NewBridgeWriter(logging.CompConfig))
	log.SetFlags(0)
	return home, nil
}

func handleServe(args []string) error {
	opts, set, err := parseServeFlags(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, cfgErr := loadConfig(opts.configPath)
	if cfg == nil {
		return cfgErr
	}
	applyServeFlags(cfg, opts, set)

	home, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer logging.Shutdown()

	mainLog := logging.ForComponent(logging.CompHub)
	if cfgErr != nil {
		logging.ForComponent(logging.CompConfig).Warn("config_load_failed",
			slog.String("path", cfgPath),
			slog.String("error", cfgErr.Error()))
	}
	startedAt := time.Now()
	mainLog.Info("server_starting",
		slog.String("version", Version),
		slog.Int("pid", os.Getpid()),
		slog.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	watchCrashDumpSignal(ctx, home)

	var db *statedb.StateDB
	if cfg.Journal.GetEnabled() || cfg.Push.Enabled {
		db, err = openStateDB(cfg, startedAt)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.UnregisterInstance()
			_ = db.Close()
		}()
		go heartbeatLoop(ctx, db)
	}

	var publishers []session.Publisher
	var journal *hub.Journal
	jctx, cancelJournal := context.WithCancel(context.Background())
	defer cancelJournal()
	if db != nil && cfg.Journal.GetEnabled() {
		journal = hub.NewJournal(db, journalQueue)
		publishers = append(publishers, journal)
		go journal.Run(jctx)
	}

	var push *web.PushService
	var notifier hub.Notifier
	if cfg.Push.Enabled {
		push, err = web.NewPushService(db, cfg.Push.Subject)
		if err != nil {
			return fmt.Errorf("push setup: %w", err)
		}
		notifier = push
	}

	root, err := cfg.Worktrees.ResolveRoot()
	if err != nil {
		return fmt.Errorf("resolve worktree root: %w", err)
	}
	worktrees := git.NewService(root, cfg.Worktrees.CacheTTL())

	cols, rows := terminalSize()
	h := hub.New(hub.Options{
		Session:     sessionConfig(cfg, cols, rows),
		Spawner:     ptyhost.PTYSpawner{},
		Worktrees:   worktrees,
		Notifier:    notifier,
		ReadOnly:    cfg.Server.ReadOnly,
		CreateRate:  rate.Limit(cfg.Limits.CreatePerSecond),
		CreateBurst: cfg.Limits.CreateBurst,
		Publishers:  publishers,
	})

	var watcher *git.Watcher
	if cfg.Worktrees.GetWatch() {
		watcher, err = git.NewWatcher(root, func() {
			worktrees.Invalidate()
			h.RefreshSummary()
		})
		if err != nil {
			mainLog.Warn("worktree_watch_unavailable", slog.String("error", err.Error()))
			watcher = nil
		} else if err := watcher.Start(ctx); err != nil {
			mainLog.Warn("worktree_watch_unavailable", slog.String("error", err.Error()))
		}
	}

	// The hub outlives the signal context so Shutdown can still reach its loop.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(runCtx) }()

	srv := web.NewServer(web.Config{
		ListenAddr:     cfg.Server.Listen,
		Token:          cfg.Server.Token,
		ReadOnly:       cfg.Server.ReadOnly,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ViewerQueue:    cfg.Limits.ViewerQueue,
		Hub:            h,
		State:          db,
		Push:           push,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	fmt.Printf("crewdeck v%s listening on http://%s (root %s)\n", Version, srv.Addr(), root)
	if cfg.Server.ReadOnly {
		fmt.Println("Read-only mode: input, resize, create and destroy are refused")
	}

	var runErr error
	select {
	case <-ctx.Done():
		mainLog.Info("shutdown_signal")
	case runErr = <-serveErr:
		if runErr != nil {
			mainLog.Error("server_failed", slog.String("error", runErr.Error()))
		}
	case runErr = <-hubDone:
		mainLog.Error("hub_stopped", slog.Any("error", runErr))
	}

	if journal != nil {
		journal.BeginShutdown()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil && !errors.Is(err, session.ErrLoopStopped) {
		mainLog.Warn("hub_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Warn("server_shutdown_failed", slog.String("error", err.Error()))
	}
	cancelRun()
	if journal != nil {
		cancelJournal()
		select {
		case <-journal.Done():
		case <-shutdownCtx.Done():
			mainLog.Warn("journal_drain_timeout")
		}
	}
	if watcher != nil {
		_ = watcher.Stop()
	}
	mainLog.Info("server_stopped", slog.Duration("uptime", time.Since(startedAt)))
	return runErr
}

func openStateDB(cfg *config.Config, startedAt time.Time) (*statedb.StateDB, error) {
	path, err := cfg.Journal.ResolvePath()
	if err != nil {
		return nil, err
	}
	db, err := statedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	dbLog := logging.ForComponent(logging.CompStateDB)
	if err := db.CleanDeadInstances(instanceTimeout); err != nil {
		dbLog.Warn("clean_dead_instances_failed", slog.String("error", err.Error()))
	}
	if err := db.RegisterInstance(); err != nil {
		db.Close()
		return nil, fmt.Errorf("register instance: %w", err)
	}
	if n, err := db.MarkOrphaned(startedAt, instanceTimeout); err != nil {
		dbLog.Warn("mark_orphaned_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		dbLog.Info("orphaned_sessions_closed", slog.Int64("count", n))
	}
	return db, nil
}

func heartbeatLoop(ctx context.Context, db *statedb.StateDB) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				logging.Aggregate(logging.CompStateDB, "heartbeat_failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
