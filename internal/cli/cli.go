// ============================================================================
// Cycle Monitor CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the cycle recorder
//
// Command Structure:
//   cycle-monitor                  # Root command
//   ├── run                        # Arm the signal source and record cycles
//   ├── simulate                   # Record test events (local or --remote)
//   ├── reset                      # Reset the counter (local or --remote)
//   ├── status                     # Show log, spool and both state copies
//   ├── config
//   │   ├── show                   # Print the effective configuration
//   │   ├── validate               # Validate the configuration file
//   │   └── init                   # Write a default configuration file
//   ├── --config, -c               # Config file (default ~/.config/fw_cycle_monitor/config.yaml)
//   └── --log-level                # debug, info, warn, error
//
// run Command:
//   1. Load config and open the state store
//   2. Start the recorder (reconcile state, prepare log, arm detector)
//   3. Start metrics HTTP server and gRPC control server (if enabled)
//   4. Wait for SIGINT/SIGTERM, then stop everything
//
//   Examples:
//     ./cycle-monitor run
//     ./cycle-monitor run -c /etc/cycle-monitor.yaml --log-level debug
//
// simulate / reset:
//   Without --remote they open the files directly; this is safe next to a
//   running recorder because appends land at end of file.
//
//   Examples:
//     ./cycle-monitor simulate --count 5
//     ./cycle-monitor reset --remote 127.0.0.1:50061
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cycle-monitor/internal/config"
	"github.com/ChuLiYu/cycle-monitor/internal/metrics"
	"github.com/ChuLiYu/cycle-monitor/internal/recorder"
	"github.com/ChuLiYu/cycle-monitor/internal/server"
	"github.com/ChuLiYu/cycle-monitor/internal/state"
	"github.com/ChuLiYu/cycle-monitor/internal/storage/eventlog"
	"github.com/ChuLiYu/cycle-monitor/pkg/types"
)

// Version is reported by --version.
var Version = "1.0.0"

const rpcTimeout = 10 * time.Second

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cycle-monitor",
		Short: "Cycle Monitor: a crash-safe machine cycle recorder",
		Long: `Cycle Monitor counts machine cycles from a GPIO input with:
- Daily counter reset at a configurable hour
- Append-only CSV log with spooling while the drive is unavailable
- Redundant state with reconciliation on restart
- Prometheus metrics and a gRPC control surface`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogger(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildResetCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func setupLogger(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start recording machine cycles",
		Long:  "Arm the configured signal source and record every detected cycle until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := ossignal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runRecorder(ctx)
		},
	}
	return cmd
}

func runRecorder(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()
	logger.Info("Starting cycle monitor", "config", configFile, "machine", cfg.Machine().String(), "log", cfg.CSVPath())

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, cfg.Machine().String())

	rec, closeStore, err := newRecorder(cfg, logger,
		recorder.WithDetector(newDetector(cfg, logger)),
		recorder.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer closeStore()

	if err := rec.Start(); err != nil {
		return fmt.Errorf("failed to start recorder: %w", err)
	}
	defer rec.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, reg)
		logger.Info("Starting metrics server", "addr", srv.Addr)
		go func() {
			if err := metrics.Serve(srv); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer srv.Close()
	}

	if cfg.Control.Enabled {
		lis, err := net.Listen("tcp", cfg.Control.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Control.Addr, err)
		}
		gs := server.NewGRPCServer(server.NewServer(rec, logger, server.WithGPIOPin(cfg.GPIOPin)), logger)
		logger.Info("gRPC control server listening", "addr", lis.Addr().String())
		go func() {
			if err := server.Serve(ctx, gs, lis); err != nil {
				errCh <- fmt.Errorf("control server: %w", err)
			}
		}()
	}

	logger.Info("Cycle monitor started")
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
		return nil
	case err := <-errCh:
		return err
	}
}

// ============================================================================
// simulate / reset
// ============================================================================

func buildSimulateCommand() *cobra.Command {
	var count int
	var at string
	var remote string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Record test cycle events",
		Long:  "Record one or more cycle events as if the machine had signaled them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}
			ts, err := parseAt(at)
			if err != nil {
				return err
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), remote, count, ts)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of events to record")
	cmd.Flags().StringVar(&at, "at", "", "event time (RFC 3339); defaults to now")
	cmd.Flags().StringVar(&remote, "remote", "", "control server address (e.g. 127.0.0.1:50061)")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, remote string, count int, at time.Time) error {
	record, closeFn, err := eventSink(ctx, remote)
	if err != nil {
		return err
	}
	defer closeFn()

	for i := 0; i < count; i++ {
		ts := at
		if ts.IsZero() {
			ts = time.Now()
		}
		cycle, err := record(ts)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}
		fmt.Fprintf(out, "Cycle #%d recorded at %s\n", cycle, types.FormatTimestamp(ts))
	}
	return nil
}

// eventSink returns a function recording one event, either on the remote
// control server or on a local recorder that shares the files.
func eventSink(ctx context.Context, remote string) (func(time.Time) (int, error), func(), error) {
	if remote != "" {
		client, closeConn, err := dialRemote(remote)
		if err != nil {
			return nil, nil, err
		}
		return func(ts time.Time) (int, error) {
			ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
			defer cancel()
			return client.RecordEvent(ctx, ts)
		}, closeConn, nil
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	rec, closeStore, err := newRecorder(cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return rec.RecordEvent, closeStore, nil
}

func buildResetCommand() *cobra.Command {
	var at string
	var remote string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the cycle counter",
		Long:  "Reset the counter so that the next event is cycle 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseAt(at)
			if err != nil {
				return err
			}
			return resetCounter(cmd.Context(), cmd.OutOrStdout(), remote, ref)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "reset reference time (RFC 3339); defaults to now")
	cmd.Flags().StringVar(&remote, "remote", "", "control server address (e.g. 127.0.0.1:50061)")
	return cmd
}

func resetCounter(ctx context.Context, out io.Writer, remote string, ref time.Time) error {
	if remote != "" {
		client, closeConn, err := dialRemote(remote)
		if err != nil {
			return err
		}
		defer closeConn()
		ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		defer cancel()
		if err := client.ResetCounter(ctx, ref); err != nil {
			return err
		}
	} else {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		rec, closeStore, err := newRecorder(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer closeStore()
		rec.ResetCounter(ref)
	}
	fmt.Fprintln(out, "Counter reset; the next event will be cycle #1")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var remote string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorder status",
		Long:  "Display the event log tail, queued rows and both persisted state copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				return showRemoteStatus(cmd.Context(), cmd.OutOrStdout(), remote)
			}
			return showStatus(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "control server address (e.g. 127.0.0.1:50061)")
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := openStore(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer closeStore()

	log := eventlog.New(cfg.CSVPath())
	sidecar := state.NewSidecar(cfg.CSVPath(), cfg.Machine(), slog.Default())

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Cycle Monitor Status                            ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Machine:         %s\n", cfg.Machine())
	fmt.Fprintf(out, "  ├─ GPIO Pin:        %d (%s)\n", cfg.GPIOPin, cfg.Signal.Source)
	fmt.Fprintf(out, "  └─ Reset Hour:      %02d:00\n", cfg.ResetHour)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Event Log:")
	fmt.Fprintf(out, "  ├─ Path:            %s\n", log.Path())
	if ts, cycle, ok := log.ReadTail(); ok {
		fmt.Fprintf(out, "  ├─ Last cycle:      %d\n", cycle)
		fmt.Fprintf(out, "  ├─ Last event:      %s\n", types.FormatTimestamp(ts))
	} else {
		fmt.Fprintln(out, "  ├─ Last cycle:      (none)")
	}
	fmt.Fprintf(out, "  └─ Queued rows:     %d\n", len(log.LoadPending()))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Persisted State:")
	st, ok := store.Load(cfg.Machine())
	fmt.Fprintf(out, "  ├─ Store:           %s [%s]\n", describeState(st, ok), cfg.State.Backend)
	st, ok = sidecar.Load()
	fmt.Fprintf(out, "  └─ Sidecar:         %s\n", describeState(st, ok))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
	return nil
}

func describeState(st types.MachineState, ok bool) string {
	if !ok {
		return "(absent)"
	}
	return fmt.Sprintf("cycle %d at %s", st.LastCycle, types.FormatTimestamp(st.LastTimestamp))
}

func showRemoteStatus(ctx context.Context, out io.Writer, remote string) error {
	client, closeConn, err := dialRemote(remote)
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	fields, err := client.Status(ctx)
	if err != nil {
		return err
	}

	printFields(out, "", fields)
	return nil
}

// printFields prints one "key: value" line per field, flattening nested
// objects into dotted keys. Unknown values print as "-".
func printFields(out io.Writer, prefix string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// 數字鍵（時間窗分鐘數）依數值排序
		if len(keys[i]) != len(keys[j]) && isDigits(keys[i]) && isDigits(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		switch v := fields[k].(type) {
		case map[string]any:
			printFields(out, prefix+k+".", v)
		case nil:
			fmt.Fprintf(out, "%-16s -\n", prefix+k+":")
		default:
			fmt.Fprintf(out, "%-16s %v\n", prefix+k+":", v)
		}
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: machine %s, log %s\n", cfg.Machine(), cfg.CSVPath())
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configFile)
			}
			if err := config.Save(configFile, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

// ============================================================================
// Helpers
// ============================================================================

func parseAt(at string) (time.Time, error) {
	if at == "" {
		return time.Time{}, nil
	}
	ts, err := types.ParseTimestamp(at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at: %w", err)
	}
	return ts, nil
}

func dialRemote(addr string) (*server.Client, func(), error) {
	conn, err := server.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to control server: %w", err)
	}
	closeConn := func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close control connection", "error", err)
		}
	}
	return server.NewClient(conn), closeConn, nil
}
