// flatsync mirrors a local key/value database into a folder tree on cloud
// storage (Google Drive, Dropbox or a shared folder) and keeps several
// devices in sync through it.
//
// Usage:
//
//	flatsync setup                          # interactive first-run wizard
//	flatsync daemon [--config <path>]       # replay local changes, watch the remote
//	flatsync sync-once [--config <path>]    # flush the backlog, one consistency pass
//	flatsync status [--config <path>]       # show config and pending backlog
//	flatsync get <collection> <key>         # print an item from the local copy
//	flatsync set <collection> <key> <json>  # write an item
//	flatsync rm <collection> <key>          # remove an item
//	flatsync clear <collection>             # remove every item of a collection
//	flatsync keys <collection>              # list item keys
//	flatsync uninstall                      # stop and remove the background service
//	flatsync version                        # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/njoerd114/flatsync/internal/adapter"
	"github.com/njoerd114/flatsync/internal/config"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/setup"
	"github.com/njoerd114/flatsync/internal/state"
	"github.com/njoerd114/flatsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		return runSetup(args)
	case "daemon":
		return runDaemon(args)
	case "sync-once":
		return runSyncOnce(args)
	case "status":
		return runStatus(args)
	case "get", "set", "rm", "clear", "keys":
		return runItem(cmd, args)
	case "uninstall":
		return runUninstall()
	case "version":
		fmt.Println("flatsync", version)
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'flatsync' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "flatsync - sync a local database through cloud storage")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  flatsync setup                          Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  flatsync daemon [--config ...]          Run continuously")
	fmt.Fprintln(os.Stderr, "  flatsync sync-once [--config ...]       Flush the backlog and check once")
	fmt.Fprintln(os.Stderr, "  flatsync status [--config ...]          Show config and pending backlog")
	fmt.Fprintln(os.Stderr, "  flatsync get <collection> <key>         Print an item")
	fmt.Fprintln(os.Stderr, "  flatsync set <collection> <key> <json>  Write an item")
	fmt.Fprintln(os.Stderr, "  flatsync rm <collection> <key>          Remove an item")
	fmt.Fprintln(os.Stderr, "  flatsync clear <collection>             Remove every item of a collection")
	fmt.Fprintln(os.Stderr, "  flatsync keys <collection>              List item keys")
	fmt.Fprintln(os.Stderr, "  flatsync uninstall                      Remove the background service")
	fmt.Fprintln(os.Stderr, "  flatsync version                        Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Item commands accept --config, --verbose and --sync (push immediately).")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "No config file found. Run 'flatsync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// commonFlags registers --config and --verbose on fs.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

// newLogger builds the process logger. Records also reach the OTel log
// provider once telemetry is set up.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(telemetry.NewHandler(inner, "flatsync"))
	slog.SetDefault(logger)
	return logger
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx, *cfgPath)
}

// runDaemon logs in and keeps syncing until interrupted or the credentials
// are rejected.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := openEnv(*cfgPath, *verbose, true)
	if err != nil {
		return err
	}
	defer env.close()
	logger := env.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- First-run bootstrap -------------------------------------------------

	if _, err := env.adapter.Bootstrap(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("first-run bootstrap: %w", err)
	}

	// --- Events --------------------------------------------------------------

	revoked := make(chan error, 1)
	env.adapter.Subscribe(func(ev adapter.Event) {
		switch ev := ev.(type) {
		case adapter.Change:
			logger.Info("remote change applied", "address", ev.Address, "removed", ev.Removed)
		case adapter.SyncFatal:
			logger.Error("collection halted until next login", "address", ev.Address, "error", ev.Cause)
		case adapter.AuthError:
			select {
			case revoked <- ev.Cause:
			default:
			}
		}
	})

	if err := env.adapter.Login(ctx); err != nil {
		return fmt.Errorf("%w\n\nCheck provider and token in your config file", err)
	}
	logger.Info("daemon starting", "sync_interval", env.cfg.SyncInterval)

	select {
	case <-ctx.Done():
	case err := <-revoked:
		return fmt.Errorf("credentials rejected, update the token and restart: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// runSyncOnce flushes the backlog and runs one consistency pass.
func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := openEnv(*cfgPath, *verbose, true)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if _, err := env.adapter.Bootstrap(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("first-run bootstrap: %w", err)
	}
	return syncNow(ctx, env)
}

func syncNow(ctx context.Context, env *environment) error {
	if err := env.adapter.Login(ctx); err != nil {
		return err
	}
	env.logger.Info("running single sync pass")
	changes, err := env.adapter.Sync(ctx)
	pending, _ := env.adapter.Pending(ctx)
	env.logger.Info("sync complete", "changes", changes, "pending", pending)
	return err
}

// runStatus prints the configuration and the local backlog.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("flatsync status")
	fmt.Println("---------------")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if _, statErr := os.Stat(*cfgPath); statErr != nil {
			fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, err)
		}
		return nil
	}
	fmt.Printf("  Config:    %s\n", *cfgPath)
	fmt.Printf("  Provider:  %s\n", cfg.Provider)
	fmt.Printf("  Database:  %s/%s\n", cfg.AppRoot, cfg.Database)
	fmt.Printf("  Interval:  %s\n", cfg.SyncInterval)

	info, err := os.Stat(cfg.StateDB)
	if err != nil {
		fmt.Printf("  State DB:  not found\n")
	} else {
		fmt.Printf("  State DB:  %s (%s)\n", cfg.StateDB, humanSize(info.Size()))
		if store, err := state.Open(cfg.StateDB); err == nil {
			ctx := context.Background()
			if n, err := store.PendingCount(ctx, cfg.Database); err == nil {
				fmt.Printf("  Pending:   %d change(s) awaiting upload\n", n)
			}
			if colls, err := store.Collections(ctx, cfg.Database); err == nil {
				fmt.Printf("  Local:     %d collection(s)\n", len(colls))
			}
			_ = store.Close()
		}
	}

	homeDir, _ := os.UserHomeDir()
	if path, err := setup.ServicePath(runtime.GOOS, homeDir); err == nil {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("  Service:   %s\n", path)
		} else {
			fmt.Printf("  Service:   not installed\n")
		}
	}
	return nil
}

// runItem implements the key/value subcommands. Reads use the local copy;
// writes are queued and, with --sync, pushed before returning.
func runItem(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	push := fs.Bool("sync", false, "log in and push the change before returning")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos := fs.Args()

	want := map[string]int{"get": 2, "set": 3, "rm": 2, "clear": 1, "keys": 1}[cmd]
	if len(pos) != want {
		return fmt.Errorf("%s: expected %d argument(s), got %d", cmd, want, len(pos))
	}

	env, err := openEnv(*cfgPath, *verbose, false)
	if err != nil {
		return err
	}
	defer env.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	a := env.adapter

	switch cmd {
	case "get":
		v, ok, err := a.GetItem(ctx, pos[0], pos[1])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s/%s: not found", pos[0], pos[1])
		}
		fmt.Println(string(v))
		return nil
	case "keys":
		keys, err := a.Keys(ctx, pos[0])
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	case "set":
		err = a.SetItem(ctx, pos[0], pos[1], json.RawMessage(pos[2]))
	case "rm":
		err = a.RemoveItem(ctx, pos[0], pos[1])
	case "clear":
		err = a.Clear(ctx, pos[0])
	}
	if err != nil {
		return err
	}

	if !*push {
		n, _ := a.Pending(ctx)
		env.logger.Info("change queued", "pending", n)
		return nil
	}
	return syncNow(ctx, env)
}

// runUninstall stops and removes the background service.
func runUninstall() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	if err := setup.StopService(runtime.GOOS, homeDir); err != nil {
		return err
	}
	fmt.Println("Background service removed. Config and state DB preserved.")
	return nil
}

// --- Shared setup ------------------------------------------------------------

// environment bundles what every sync-capable subcommand needs.
type environment struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.Store
	adapter *adapter.Adapter
	closers []func()
}

// openEnv loads the config, optionally starts telemetry, opens the state DB
// and builds the adapter.
func openEnv(cfgPath string, verbose, withTelemetry bool) (*environment, error) {
	logger := newLogger(verbose)
	env := &environment{logger: logger}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	env.cfg = cfg
	logger.Info("config loaded",
		"provider", cfg.Provider,
		"database", cfg.Database,
		"sync_interval", cfg.SyncInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if withTelemetry && cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
			Attributes: map[string]string{
				"flatsync.provider": cfg.Provider,
				"flatsync.database": cfg.Database,
			},
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			env.closers = append(env.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	store, err := state.Open(cfg.StateDB)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("opening state DB at %q: %w", cfg.StateDB, err)
	}
	env.store = store
	env.closers = append(env.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Debug("state DB opened", "path", cfg.StateDB)

	// --- Adapter -------------------------------------------------------------

	a, err := adapter.New(adapter.Config{
		Provider:          cfg.ProviderKind(),
		Token:             cfg.Token,
		Database:          cfg.Database,
		AppRoot:           cfg.AppRoot,
		SyncInterval:      cfg.SyncInterval,
		AlwaysWaitForSync: cfg.AlwaysWaitForSync,
		CallTimeout:       cfg.CallTimeout,
		ProviderOptions: provider.Options{
			LocalRoot: cfg.LocalRoot,
			Logger:    logger,
		},
	}, store, adapter.WithLogger(logger))
	if err != nil {
		env.close()
		return nil, fmt.Errorf("initialising adapter: %w", err)
	}
	env.adapter = a
	env.closers = append(env.closers, func() {
		if err := a.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("closing adapter", "error", err)
		}
	})

	return env, nil
}

// close releases resources in reverse order of acquisition.
func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
