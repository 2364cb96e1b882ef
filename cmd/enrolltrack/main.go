// Package main is the CLI entry point for enrolltrack.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fleetkit/enrolltrack/internal/apps"
	"github.com/fleetkit/enrolltrack/internal/daemon"
	"github.com/fleetkit/enrolltrack/internal/domain"
	"github.com/fleetkit/enrolltrack/internal/infra"
	"github.com/fleetkit/enrolltrack/internal/rules"
	"github.com/fleetkit/enrolltrack/internal/tailer"
	"github.com/fleetkit/enrolltrack/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enrolltrack",
	Short: "Tracks Windows device enrollment progress from the management agent log",
	Long: `enrolltrack tails the device management agent's log file, translates
matched lines into enrollment lifecycle events (per-app install progress,
ESP phase transitions, completion), and survives device reboots mid-session
by persisting its state between polls.`,
	Version: Version,
}

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Run the tracker against the live agent log",
	Long: `Tails the agent log until the enrollment session completes or the
process is stopped. Emitted events are written as JSON lines; state is
snapshotted so a restart resumes where it left off.`,
	RunE: runTrack,
}

var parseCmd = &cobra.Command{
	Use:   "parse <logfile>",
	Short: "Parse an existing agent log once and print matched events",
	Long: `Runs the full parse/rule pipeline over a static log file without
tickers or persistence. Useful for validating rule files against captured logs.`,
	Args: cobra.ExactArgs(1),
	RunE: runParse,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted session snapshot, if any",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	logPath          string
	rulesPath        string
	stateDir         string
	eventsPath       string
	deviceConfigPath string
	sessionID        string
	jsonOutput       bool
)

func init() {
	trackCmd.Flags().StringVar(&logPath, "log", defaultAgentLogPath(), "agent log file to tail")
	trackCmd.Flags().StringVar(&rulesPath, "rules", "", "YAML rule file (built-in rules when empty)")
	trackCmd.Flags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory for snapshot and marker files")
	trackCmd.Flags().StringVar(&eventsPath, "events", "", "event output file (stdout when empty)")
	trackCmd.Flags().StringVar(&deviceConfigPath, "device-config", "", "device configuration snapshot (enrollment type detection)")
	trackCmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")

	parseCmd.Flags().StringVar(&rulesPath, "rules", "", "YAML rule file (built-in rules when empty)")

	statusCmd.Flags().StringVar(&stateDir, "state-dir", defaultStateDir(), "directory for snapshot and marker files")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	ruleList, source, err := loadRules()
	if err != nil {
		return err
	}
	set, err := rules.Compile(ruleList, logger)
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}
	engine := rules.NewEngine(set, logger)

	// Event output.
	eventWriter := os.Stdout
	if eventsPath != "" {
		f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open event output: %w", err)
		}
		defer f.Close()
		eventWriter = f
	}
	sink := infra.NewJSONLSink(eventWriter, logger)

	// One-time enrollment type detection from the device configuration
	// snapshot; defaults to the classic ESP flow.
	enrollType := domain.EnrollmentV1
	if deviceConfigPath != "" {
		enrollType = infra.DetectEnrollmentType(deviceConfigPath)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	positions := tailer.NewPositions(logger)
	reader := tailer.NewReader(positions, logger)
	registry := apps.NewRegistry(logger)
	store := infra.NewFileSnapshotStore(stateDir)
	marker := infra.NewFileCompletionMarker(stateDir)
	hello := infra.NewStaticHelloMonitor(false, false, logger)
	facts := infra.NewHostFactsCollector()

	orchestrator := usecase.New(
		usecase.DefaultConfig(),
		sessionID,
		enrollType,
		registry,
		positions,
		sink,
		hello,
		facts,
		store,
		marker,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Hot-reload the rule file when one is configured.
	if source != nil {
		watcher, err := rules.NewWatcher(engine, rulesPath, logger)
		if err != nil {
			logger.Warn("rule hot-reload unavailable", zap.Error(err))
		} else {
			go watcher.Start(ctx)
		}
	}

	tracker := daemon.NewTracker(
		daemon.DefaultTrackerConfig(logPath),
		reader,
		engine,
		orchestrator,
		store,
		logger,
	)
	if err := tracker.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runParse(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	ruleList, _, err := loadRules()
	if err != nil {
		return err
	}
	set, err := rules.Compile(ruleList, logger)
	if err != nil {
		return fmt.Errorf("failed to compile rules: %w", err)
	}
	engine := rules.NewEngine(set, logger)

	positions := tailer.NewPositions(logger)
	reader := tailer.NewReader(positions, logger)
	registry := apps.NewRegistry(logger)
	sink := infra.NewJSONLSink(os.Stdout, logger)

	orchestrator := usecase.New(
		usecase.DefaultConfig(),
		uuid.NewString(),
		domain.EnrollmentV1,
		registry,
		positions,
		sink,
		infra.NewStaticHelloMonitor(false, false, logger),
		nil, // no device probing in one-shot mode
		nil, // no persistence
		nil, // no marker
		logger,
	)
	defer orchestrator.Stop()

	// Throwaway snapshot file; cleared on both sides so one parse run
	// never leaks state into the next.
	scratch := infra.NewFileSnapshotStoreWithPath(filepath.Join(os.TempDir(), "enrolltrack-parse.json"))
	_ = scratch.Delete()
	defer func() { _ = scratch.Delete() }()

	tracker := daemon.NewTracker(
		daemon.DefaultTrackerConfig(args[0]),
		reader,
		engine,
		orchestrator,
		scratch,
		logger,
	)
	// One pass over the file, then summary counts.
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled context: Run restores, polls once, exits
	_ = tracker.Run(ctx)

	fmt.Printf("\napps: %d tracked, %d completed, %d errors\n",
		registry.CountAll(), registry.CountCompleted(), registry.CountErrors())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	store := infra.NewFileSnapshotStore(stateDir)
	snap, err := store.Load()
	if err != nil {
		return err
	}

	marker := infra.NewFileCompletionMarker(stateDir)

	fmt.Println("=== enrolltrack status ===")
	if snap == nil {
		fmt.Println("No active session snapshot.")
	} else {
		fmt.Printf("Session:    %s\n", snap.SessionID)
		fmt.Printf("Type:       %s\n", snap.EnrollmentType)
		fmt.Printf("Phase:      %s\n", snap.CurrentPhase)
		fmt.Printf("Apps:       %d tracked\n", len(snap.Packages))
		fmt.Printf("Saved:      %s\n", snap.SavedAt.Format("2006-01-02 15:04:05"))
		if snap.WaitingForHello {
			fmt.Println("Waiting:    Windows Hello completion")
		}
	}
	if marker.Exists() {
		fmt.Printf("Completed:  marker present at %s\n", marker.Path())
	}
	fmt.Println("==========================")
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version": Version, "commit": Commit, "build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("enrolltrack %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

// loadRules returns the rule list plus a non-nil source when the list
// came from a reloadable file.
func loadRules() ([]domain.Rule, domain.RuleSource, error) {
	if rulesPath == "" {
		return rules.Default(), nil, nil
	}
	list, err := rules.LoadFile(rulesPath)
	if err != nil {
		return nil, nil, err
	}
	return list, rules.NewFileSource(rulesPath), nil
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{filepath.Join(os.TempDir(), "enrolltrack.log"), "stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func defaultAgentLogPath() string {
	return `C:\ProgramData\Microsoft\IntuneManagementExtension\Logs\IntuneManagementExtension.log`
}

func defaultStateDir() string {
	return filepath.Join(os.TempDir(), "enrolltrack")
}
