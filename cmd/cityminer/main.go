package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sodmax/cityverse-miner/internal/config"
	"github.com/sodmax/cityverse-miner/internal/daemon"
	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
	"github.com/sodmax/cityverse-miner/internal/metrics"
	"github.com/sodmax/cityverse-miner/internal/miner"
	"github.com/sodmax/cityverse-miner/internal/store"
	"github.com/sodmax/cityverse-miner/internal/web"
)

// Set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ledger.SetVersion(version)

	root := &cobra.Command{
		Use:   "cityminer",
		Short: "Cityverse mining accrual engine",
		Long:  "cityminer runs the Cityverse mining engine: manual and automatic claims, boosts and upgrades, reconciled against the ledger.",
	}

	root.AddCommand(initCmd(), runCmd(), statusCmd(), serviceCmd(), configCmd(), logoutCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── init command ──

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file",
		RunE:  runInit,
	}
}

func runInit(_ *cobra.Command, _ []string) error {
	fmt.Printf("Welcome to cityminer!  (v%s)\n\n", version)
	scanner := bufio.NewScanner(os.Stdin)

	if _, err := os.Stat(config.Path()); err == nil {
		fmt.Printf("Config already exists at %s\n", config.Path())
		fmt.Print("Overwrite? [y/N]: ")
		scanner.Scan()
		if strings.ToLower(strings.TrimSpace(scanner.Text())) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()

	fmt.Print("User ID: ")
	scanner.Scan()
	cfg.Account.UserID = strings.TrimSpace(scanner.Text())

	fmt.Printf("Ledger URL [%s]: ", cfg.Ledger.BaseURL)
	scanner.Scan()
	if u := strings.TrimSpace(scanner.Text()); u != "" {
		cfg.Ledger.BaseURL = u
	}

	fmt.Print("Session token: ")
	scanner.Scan()
	cfg.Ledger.Token = strings.TrimSpace(scanner.Text())

	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Print("\nChecking session... ")
	client := newLedgerClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if bal, err := client.Balance(ctx); err != nil {
		if apiErr, ok := ledger.AsAPIError(err); ok && apiErr.IsAuth() {
			return fmt.Errorf("ledger rejected the token: %w", err)
		}
		fmt.Printf("skipped (%s)\n", err)
	} else {
		fmt.Printf("ok, balance %.0f\n", bal)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("\nConfig saved to %s\n", config.Path())
	fmt.Println("Start mining with: cityminer run")
	return nil
}

// ── run command ──

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the mining engine",
		RunE:  runRun,
	}
	cmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	cmd.Flags().Bool("auto", false, "Enable auto-mining on start")
	cmd.Flags().Bool("no-web", false, "Disable web console")
	cmd.Flags().IntP("port", "p", 0, "Web console port (default: auto from 2626)")
	return cmd
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = "debug"
	}
	miner.SetupLogger(logLevel)

	release, err := miner.AcquireLock(config.Dir())
	if err != nil {
		return err
	}
	defer release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	hub := web.NewEventHub()
	sink, err := openPublisher(cfg)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		if q, ok := sink.(*events.MemoryQueue); ok {
			g.Go(func() error {
				drainQueue(gctx, q)
				return nil
			})
		}
	}

	lifecycle := miner.NewLifecycleHub()
	client := newLedgerClient(cfg)
	eng := miner.New(miner.Deps{
		Ledger:    client,
		Store:     st,
		Metrics:   m,
		Lifecycle: lifecycle,
		OnEvent:   events.Fanout(events.PublisherFunc(miner.DisplayEvent), hub, sink),
	}, engineOptions(cfg))

	if err := eng.Start(ctx, miner.Session{UserID: cfg.Account.UserID}); err != nil {
		return err
	}
	if err := eng.Refresh(ctx); err != nil {
		if errors.Is(err, miner.ErrUnauthenticated) {
			eng.Stop()
			return fmt.Errorf("session rejected by ledger, run 'cityminer init' to sign in again: %w", err)
		}
		slog.Warn("initial refresh failed, continuing with local state", "error", err)
	}
	if auto, _ := cmd.Flags().GetBool("auto"); auto {
		if err := eng.EnableAuto(); err != nil {
			return err
		}
	}

	noWeb, _ := cmd.Flags().GetBool("no-web")
	port, _ := cmd.Flags().GetInt("port")
	pinned := port > 0
	if port == 0 {
		port = cfg.Web.Port
	}
	if cfg.Web.Enabled && !noWeb {
		srv := web.New(web.Options{Engine: eng, Hub: hub, Lifecycle: lifecycle, Gatherer: reg, Port: port})
		actualPort, startErr := srv.Start(pinned)
		if startErr != nil {
			fmt.Printf("Warning: web console unavailable: %s\n", startErr)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Console: http://127.0.0.1:%d\n", actualPort)
		}
	}

	fmt.Printf("cityminer %s, mining as %s\n", version, cfg.Account.UserID)
	miner.DisplayStats(eng.View())

	g.Go(func() error {
		watchSuspend(gctx, eng)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down... saving state.")
		eng.Stop()
		miner.DisplayStats(eng.View())
		return nil
	})
	return g.Wait()
}

func engineOptions(cfg *config.Config) miner.Options {
	e := cfg.Engine
	return miner.Options{
		AutoInterval:      e.AutoInterval.Duration,
		ClaimTimeout:      e.ClaimTimeout.Duration,
		RefreshInterval:   e.RefreshInterval.Duration,
		BoostDuration:     e.BoostDuration.Duration,
		BoostCost:         e.BoostCost,
		CatchUp:           miner.CatchUpPolicy(e.CatchUpPolicy),
		MaxCatchUpPeriods: e.MaxCatchUpPeriods,
		HistorySize:       e.HistorySize,
	}
}

func newLedgerClient(cfg *config.Config) *ledger.Client {
	return ledger.New(ledger.Options{
		BaseURL:   cfg.Ledger.BaseURL,
		Token:     cfg.Ledger.Token,
		Timeout:   cfg.Ledger.Timeout.Duration,
		RateLimit: cfg.Ledger.RateLimit,
	})
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.StorePath(),
		DSN:     cfg.Store.DSN,
		Logger:  slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return st, nil
}

// openPublisher returns the configured reward sink, or nil for "none".
func openPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Backend {
	case "memory":
		return events.NewMemoryQueue(256), nil
	case "rabbitmq":
		pub, err := events.NewRabbitPublisher(cfg.Events.URL, cfg.Events.Queue)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		return pub, nil
	default:
		return nil, nil
	}
}

// drainQueue stands in for the wallet collaborator when events stay in-process.
func drainQueue(ctx context.Context, q *events.MemoryQueue) {
	ch := q.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == events.TypeReward {
				slog.Debug("reward event", "message", evt.Message, "data", evt.Data)
			}
		}
	}
}

// ── status command ──

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger and local mining state",
		RunE:  runStatus,
	}
}

func runStatus(_ *cobra.Command, _ []string) error {
	if mgr, err := daemon.New(); err == nil {
		if st, _ := mgr.Status(); st != nil {
			printServiceStatus(st)
			fmt.Println()
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client := newLedgerClient(cfg)
	resp, err := client.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch state: %w", err)
	}
	ms := resp.MiningState
	fmt.Printf("Account:      %s\n", cfg.Account.UserID)
	fmt.Printf("Level:        %d\n", ms.Level)
	fmt.Printf("Power:        %.0f (x%.2f efficiency)\n", ms.Power, ms.Efficiency)
	fmt.Printf("Total mined:  %.0f\n", ms.TotalMined)
	fmt.Printf("Today:        %.0f\n", ms.TodayEarned)
	if bal, err := client.Balance(ctx); err == nil {
		fmt.Printf("Wallet:       %.0f\n", bal)
	}

	// The store is exclusively held while the engine runs.
	release, err := miner.AcquireLock(config.Dir())
	if err != nil {
		fmt.Println("\nLocal state:  engine is running")
		return nil
	}
	defer release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	data, err := st.Load(ctx, store.SnapshotKey(cfg.Account.UserID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("\nLocal state:  none")
			return nil
		}
		return err
	}
	snap, err := miner.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	fmt.Printf("\n--- Local Snapshot ---\n")
	fmt.Printf("Saved:        %s\n", time.UnixMilli(snap.SavedAt).Format(time.RFC3339))
	fmt.Printf("Total mined:  %.0f\n", snap.Mining.TotalMined)
	fmt.Printf("Auto-mining:  %v\n", snap.AutoMining.Enabled)
	fmt.Printf("Claims kept:  %d\n", len(snap.History))
	return nil
}

// ── service command ──

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the background mining service",
	}
	cmd.AddCommand(
		serviceAction("install", "Install and start the background service", runServiceInstall),
		serviceAction("uninstall", "Stop and remove the background service", func(m daemon.Manager) error {
			if err := m.Uninstall(); err != nil {
				return fmt.Errorf("uninstall failed: %w", err)
			}
			fmt.Println("Service stopped and removed.")
			return nil
		}),
		serviceAction("start", "Start the background service", requireInstalled("start", daemon.Manager.Start)),
		serviceAction("stop", "Stop the background service", requireInstalled("stop", daemon.Manager.Stop)),
		serviceAction("restart", "Restart the background service", requireInstalled("restart", daemon.Manager.Restart)),
		serviceAction("status", "Show background service state", func(m daemon.Manager) error {
			st, err := m.Status()
			if err != nil {
				return err
			}
			printServiceStatus(st)
			return nil
		}),
	)
	return cmd
}

func serviceAction(use, short string, fn func(daemon.Manager) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			mgr, err := daemon.New()
			if err != nil {
				return err
			}
			return fn(mgr)
		},
	}
}

func requireInstalled(verb string, op func(daemon.Manager) error) func(daemon.Manager) error {
	return func(m daemon.Manager) error {
		if st, _ := m.Status(); st != nil && !st.Installed {
			return fmt.Errorf("service not installed, run 'cityminer service install' first")
		}
		if err := op(m); err != nil {
			return fmt.Errorf("%s failed: %w", verb, err)
		}
		fmt.Printf("Service %s ok.\n", verb)
		return nil
	}
}

func runServiceInstall(m daemon.Manager) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if st, _ := m.Status(); st != nil && st.Installed {
		fmt.Println("Service is already installed. Reinstalling...")
		_ = m.Uninstall()
	}
	if err := m.Install(); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	fmt.Printf("Log file:     %s\n", daemon.LogPath())
	fmt.Println("Service installed and started.")
	return nil
}

func printServiceStatus(st *daemon.Status) {
	switch {
	case st.Running:
		fmt.Printf("Service:      running (PID %d)\n", st.PID)
	case !st.Installed:
		fmt.Println("Service:      not installed")
	default:
		fmt.Println("Service:      stopped")
	}
	fmt.Printf("Log file:     %s\n", st.LogPath)
}

// ── config command ──

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current config (secrets redacted)",
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print config file path",
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Println(config.Path())
			},
		},
	)
	return cmd
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg.Redact())
}

// ── logout command ──

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete local mining state and forget the session token",
		RunE:  runLogout,
	}
}

func runLogout(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	release, err := miner.AcquireLock(config.Dir())
	if err != nil {
		return fmt.Errorf("stop the running engine first: %w", err)
	}
	defer release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := st.Delete(ctx, store.SnapshotKey(cfg.Account.UserID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}

	// Rewrite the file as stored so environment overrides stay out of it.
	onDisk, err := config.LoadFile()
	if err != nil {
		return err
	}
	onDisk.Ledger.Token = ""
	if err := onDisk.Save(); err != nil {
		return err
	}
	fmt.Printf("Logged out %s. Local state removed.\n", cfg.Account.UserID)
	return nil
}

// ── version command ──

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("cityminer %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
