package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-mom/internal/config"
	"github.com/asheshgoplani/agent-mom/internal/decide"
	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/mcpserver"
	"github.com/asheshgoplani/agent-mom/internal/registry"
	"github.com/asheshgoplani/agent-mom/internal/statedb"
	"github.com/asheshgoplani/agent-mom/internal/tmux"
	"github.com/asheshgoplani/agent-mom/internal/waitcmd"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
	"github.com/asheshgoplani/agent-mom/internal/web"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

const (
	heartbeatInterval = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// State db metadata keys describing the most recent HTTP daemon.
const (
	metaLastStarted = "last_started"
	metaLastVersion = "last_version"
)

type serveOptions struct {
	Listen    string
	Token     string
	Stdio     bool
	Debug     bool
	PprofAddr string
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", "", "Listen address (default from config, 127.0.0.1:8765)")
	token := fs.String("token", "", "Bearer token required on /mcp and /api")
	stdio := fs.Bool("stdio", false, "Serve MCP over stdin/stdout instead of HTTP")
	debug := fs.Bool("debug", false, "Log at debug level and mirror logs to stderr")
	pprofAddr := fs.String("pprof", "", "Start a pprof server on this address")

	fs.Usage = func() {
		fmt.Println("Usage: mom serve [options]")
		fmt.Println()
		fmt.Println("Run mom in the foreground.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  mom serve")
		fmt.Println("  mom serve --listen 127.0.0.1:9000 --debug")
		fmt.Println("  mom serve --stdio")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if fs.NArg() > 0 {
		fatalf("unexpected arguments: %v", fs.Args())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := runServe(ctx, serveOptions{
		Listen:    *listen,
		Token:     *token,
		Stdio:     *stdio,
		Debug:     *debug,
		PprofAddr: *pprofAddr,
	})
	if err != nil {
		fatalf("%v", err)
	}
}

// runServe owns the daemon lifetime: config, logging, the registry and
// whichever transport was asked for. It returns once ctx ends and every
// watcher has been told to stop.
func runServe(ctx context.Context, opts serveOptions) error {
	dir, err := momDir()
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(dir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Token != "" {
		cfg.Server.Token = opts.Token
	}

	logCfg := cfg.LoggingConfig(dir)
	if opts.Debug {
		logCfg.Level = "debug"
		logCfg.Stderr = true
	}
	logCfg.PprofAddr = opts.PprofAddr
	logging.Init(logCfg)
	defer logging.Shutdown()

	// Route stdlib log output from dependencies into the structured log.
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompDaemon))

	if !opts.Stdio {
		lock := flock.New(filepath.Join(dir, LockFileName))
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !locked {
			return errors.New("mom already running (lock held by another process)")
		}
		defer func() { _ = lock.Unlock() }()
	}

	if err := tmux.IsTmuxAvailable(); err != nil {
		daemonLog.Warn("tmux_unavailable", slog.String("error", err.Error()))
	}

	mode, err := decide.ParseMode(cfg.Decision.Mode)
	if err != nil {
		return err
	}
	client := decide.NewClient(cfg.ClientConfig())
	reg := registry.New(registry.Deps{
		OpenPane: openTmuxPane,
		Decider:  decide.New(mode, client),
		Waiter:   waitcmd.New(cfg.Watcher.DefaultWait.Duration),
	}, cfg.WatcherOptions())
	mcpSrv := mcpserver.New(reg, Version)

	db, err := openStateDB(dir)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.CleanDeadDaemons(statedb.DefaultStaleAfter); err != nil {
		daemonLog.Warn("statedb_clean_failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var addr string
	if opts.Stdio {
		g.Go(func() error {
			defer cancel()
			return mcpSrv.RunStdio(gctx)
		})
	} else {
		ln, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
		}
		addr = ln.Addr().String()
		httpSrv := web.NewServer(web.Config{
			ListenAddr: addr,
			Token:      cfg.Server.Token,
			Version:    Version,
			Sessions:   reg,
			RecentLogs: logging.RecentLines,
			MCP:        mcpSrv.Handler(),
		})
		g.Go(func() error {
			return httpSrv.Serve(ln)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if err := db.RegisterDaemon(addr, Version, opts.Stdio); err != nil {
		daemonLog.Warn("statedb_register_failed", slog.String("error", err.Error()))
	}
	defer func() { _ = db.UnregisterDaemon() }()
	if !opts.Stdio {
		_ = db.SetMeta(metaLastStarted, time.Now().UTC().Format(time.RFC3339))
		_ = db.SetMeta(metaLastVersion, Version)
	}
	g.Go(func() error {
		heartbeatLoop(gctx, db)
		return nil
	})

	if cw, err := config.NewWatcher(cfgPath, func(next *config.Config) {
		reg.SetDefaults(next.WatcherOptions())
	}); err != nil {
		daemonLog.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		g.Go(func() error {
			cw.Run(gctx)
			return nil
		})
		defer cw.Stop()
	}

	go dumpRingOnSignal(gctx, dir)

	daemonLog.Info("daemon_started",
		slog.Int("pid", os.Getpid()),
		slog.String("addr", addr),
		slog.Bool("stdio", opts.Stdio),
		slog.String("decision_mode", string(mode)),
		slog.String("model", client.Model()))

	runErr := g.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		daemonLog.Warn("registry_shutdown_incomplete", slog.String("error", err.Error()))
	}
	daemonLog.Info("daemon_stopped", slog.Int("pid", os.Getpid()))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openTmuxPane(ref string) (watcher.Pane, error) {
	p, err := tmux.Open(ref)
	if err != nil {
		return nil, err
	}
	return p, nil
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
				daemonLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dumpRingOnSignal writes the in-memory log ring to a file on SIGUSR1.
func dumpRingOnSignal(ctx context.Context, dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				daemonLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				daemonLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}
}
