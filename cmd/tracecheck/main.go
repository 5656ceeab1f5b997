package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/tracecheck/internal/history"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/model"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	userConfigPath string // /default/config/path/tracecheck on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	overrides      model.Overrides
	tracerProvider oteltrace.TracerProvider // nil unless OTEL_EXPORTER_OTLP_ENDPOINT is set

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagFlaky          bool   // value of history --flaky flag
	flagLimit          int    // value of history --limit flag
	flagListen         string // value of soak --listen flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = os.TempDir()
	}
	userConfigPath = filepath.Join(d, "tracecheck")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is tracecheck.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	historyCmd.Flags().BoolVar(&flagFlaky, "flaky", false, "list cases whose runs did not all score the same")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum number of runs, 0 for all")
	soakCmd.Flags().StringVar(&flagListen, "listen", "", "serve the run history on this address, e.g. :8080")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTracecheck
	workerCmd.PersistentPreRunE = initWorker

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(soakCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("tracecheck failed", "err", err)
		atexit.Exit(isolation.ExitFailure)
	}
	atexit.Exit(isolation.ExitSuccess)
}

var rootCmd = &cobra.Command{
	Use:          "tracecheck",
	Short:        "Validates that traced workloads produce the expected events",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [case...]",
	Short: "runs the selected cases once, each in its own worker process",
	RunE:  doRun,
}

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "runs the cases repeatedly on the configured schedule",
	Args:  cobra.NoArgs,
	RunE:  doSoak,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "lists the known cases",
	Args:  cobra.NoArgs,
	RunE:  doList,
}

var historyCmd = &cobra.Command{
	Use:   "history [case]",
	Short: "shows the stored runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doHistory,
}

var workerCmd = &cobra.Command{
	Use:    isolation.WorkerCommand + " <channel-id>",
	Short:  "internal command",
	Args:   cobra.ArbitraryArgs,
	Run:    doWorker,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a tracecheck",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("tracecheck: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("tracecheck: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// openHistory opens the configured store, nil when history is disabled.
func openHistory(ctx context.Context) (*history.Store, error) {
	if config.History == "" {
		return nil, nil
	}
	store, err := history.Open(config.History)
	if err != nil {
		return nil, err
	}
	atexit.Register(func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "closing history has failed", "error", err)
		}
	})
	return store, nil
}
