package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/cases"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/log"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/orchestrator"
	"github.com/CZERTAINLY/tracecheck/internal/service"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("tracecheck",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	if len(args) > 0 {
		config.Cases = args
	}
	config.Schedule = nil

	store, err := openHistory(ctx)
	if err != nil {
		return err
	}
	runner, err := service.NewIsolatedRunner(config)
	if err != nil {
		return err
	}
	supervisor, err := service.SupervisorFromConfig(ctx, config, runner, cases.Default, store)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func doSoak(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("tracecheck",
		slog.String("cmd", "soak"),
		slog.Int("pid", os.Getpid()),
	))
	if config.Schedule == nil {
		return fmt.Errorf("%w: soak mode needs a schedule", model.ErrConfiguration)
	}
	if flagListen != "" {
		config.Listen = flagListen
	}

	store, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if config.Listen != "" && store == nil {
		return fmt.Errorf("%w: the status server needs a history database", model.ErrConfiguration)
	}
	runner, err := service.NewIsolatedRunner(config)
	if err != nil {
		return err
	}
	supervisor, err := service.SupervisorFromConfig(ctx, config, runner, cases.Default, store)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if config.Listen != "" {
		status, err := service.ListenStatus(config.Listen, store)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		g.Go(func() error { return status.Serve(ctx) })
	}
	g.Go(func() error { return supervisor.Do(ctx) })
	return g.Wait()
}

func doList(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, id := range cases.Default.IDs() {
		c, _ := cases.Default.Lookup(id)
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, c.Scenario.Workload, c.Scenario.Description)
	}
	return w.Flush()
}

func doHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("%w: history is not configured", model.ErrConfiguration)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	if flagFlaky {
		flakes, err := store.Flaky(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "CASE\tRUNS\tSCORES\tPASSED")
		for _, f := range flakes {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", f.Case, f.Runs, f.Scores, f.Passed)
		}
		return w.Flush()
	}

	var caseID string
	if len(args) == 1 {
		caseID = args[0]
	}
	runs, err := store.Runs(ctx, caseID, flagLimit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ID\tCASE\tSTATUS\tSCORE\tSTARTED\tDURATION\tREASON")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Case, r.Status, r.Score,
			r.Started.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond),
			r.Reason,
		)
	}
	return w.Flush()
}

// doWorker never returns, the exit code is the outcome of the worker.
func doWorker(cmd *cobra.Command, args []string) {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("tracecheck",
		slog.String("cmd", isolation.WorkerCommand),
		slog.Int("pid", os.Getpid()),
	))

	var opts []orchestrator.Option
	if overrides.Drain != nil {
		opts = append(opts, orchestrator.WithDrainGrace(*overrides.Drain))
	}
	if tracerProvider != nil {
		opts = append(opts, orchestrator.WithTracerProvider(tracerProvider))
	}
	code := isolation.WorkerMain(ctx, args, func(ctx context.Context, w isolation.Worker) isolation.Report {
		return cases.Default.Serve(ctx, w, opts...)
	})
	atexit.Exit(code)
}

// initWorker sets up a worker from its environment only.
func initWorker(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(log.New(log.VerboseFromEnv()))
	var err error
	overrides, err = model.ParseOverrides()
	if err != nil {
		slog.Error("ignoring environment overrides", "error", err)
	}
	initTracing(cmd.Context())
	return nil
}

func initTracecheck(cmd *cobra.Command, _ []string) error {
	if err := model.LoadDotEnv(".env"); err != nil {
		return err
	}

	if envConfig, ok := os.LookupEnv(model.EnvPrefix + "CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "tracecheck.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(cmd.Context())
		if err := storeDefault(filepath.Join(userConfigPath, "tracecheck.yaml")); err != nil {
			// a read-only home is not fatal
			slog.Debug("default configuration not stored", "error", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("config"))
			}
			return fmt.Errorf("%w: parsing config: %w", model.ErrConfiguration, err)
		}
	}

	var err error
	overrides, err = model.ParseOverrides()
	if err != nil {
		return err
	}
	config = overrides.Apply(config)

	// --verbose has a precedence over config file and environment
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(config.Verbose))
	initTracing(cmd.Context())

	slog.Debug("tracecheck run", "configPath", configPath)
	slog.Debug("tracecheck run", "config", config)
	return nil
}

func storeDefault(path string) error {
	if exists(path) {
		return nil
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	err = enc.Encode(config)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("storing configuration: %w", err)
	}
	configPath = path
	return errors.Join(enc.Close(), f.Close())
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
