// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
	"github.com/kianostad/lfkit/internal/monitoring/metrics"
)

var (
	envFile string
	config  benchConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lfbench",
	Short: "Contention benchmarks for the lock-free queue, id pool and epoch collector.",
	Long: `lfbench runs each workload at several concurrency levels and reports throughput. ` +
		`Defaults come from LFBENCH_* environment variables, optionally loaded from a .env file, ` +
		`and flags override both.`,
	SilenceUsage:      true,
	PersistentPreRunE: resolveConfig,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Producers and consumers on one queue with epoch-recycled nodes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBenchmarks(cmd.OutOrStdout(), []namedWorkload{{"Queue push/pop", runQueue}})
	},
}

var idpoolCmd = &cobra.Command{
	Use:   "idpool",
	Short: "Goroutines claiming and recycling ids from a small pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBenchmarks(cmd.OutOrStdout(), []namedWorkload{{"ID pool assign/recycle", runIDPool}})
	},
}

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Pinned readers against a writer retiring objects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBenchmarks(cmd.OutOrStdout(), []namedWorkload{{"Epoch pin/retire", runEpoch}})
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every workload",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBenchmarks(cmd.OutOrStdout(), allWorkloads())
	},
}

func init() {
	defaults := defaultBenchConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "file with LFBENCH_* defaults")
	flags.IntSliceVarP(&config.Goroutines, "goroutines", "g", defaults.Goroutines, "goroutine counts to run")
	flags.IntVarP(&config.Ops, "ops", "n", defaults.Ops, "operations per goroutine")
	flags.IntVar(&config.IDs, "ids", defaults.IDs, "size of the id pool")
	flags.StringVar(&config.Record, "record", "", "SQLite database to record results in")
	flags.BoolVar(&config.Serve, "serve", false, "serve live metrics and keep running until interrupted")
	flags.IntVar(&config.Port, "port", defaults.Port, "monitor port (0 picks a free port)")
	flags.StringVar(&config.Format, "format", defaults.Format, "final metrics format: text, json or prometheus")

	rootCmd.AddCommand(queueCmd, idpoolCmd, epochCmd, allCmd)
}

// resolveConfig fills every flag the user did not set from the environment.
func resolveConfig(cmd *cobra.Command, _ []string) error {
	fromEnv, err := loadConfig(envFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("goroutines") {
		config.Goroutines = fromEnv.Goroutines
	}
	if !flags.Changed("ops") {
		config.Ops = fromEnv.Ops
	}
	if !flags.Changed("ids") {
		config.IDs = fromEnv.IDs
	}
	if !flags.Changed("record") {
		config.Record = fromEnv.Record
	}
	if !flags.Changed("port") {
		config.Port = fromEnv.Port
	}

	switch config.Format {
	case "text", "json", "prometheus":
	default:
		return fmt.Errorf("unknown format %q", config.Format)
	}
	if config.Ops < 1 || config.IDs < 1 {
		return fmt.Errorf("ops and ids must be positive")
	}
	return nil
}

type namedWorkload struct {
	title string
	run   workload
}

func allWorkloads() []namedWorkload {
	return []namedWorkload{
		{"Queue push/pop", runQueue},
		{"ID pool assign/recycle", runIDPool},
		{"Epoch pin/retire", runEpoch},
	}
}

// runBenchmarks runs the workloads with the resolved configuration.
func runBenchmarks(out io.Writer, workloads []namedWorkload) error {
	m := metrics.NewMetrics()
	defer m.Close()

	collector := epoch.New(epoch.WithMetrics(m))
	defer collector.Close()
	sweeper := epoch.NewSweeper(collector, 0)
	sweeper.Start()
	defer sweeper.Stop()

	var mon *monitor
	if config.Serve {
		mon = newMonitor(m, collector)
		if _, err := mon.start(config.Port); err != nil {
			return err
		}
		defer mon.stop()
	}

	var rec *recorder
	if config.Record != "" {
		var err error
		rec, err = newRecorder(config.Record)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	env := &benchEnv{collector: collector, metrics: m, ids: config.IDs}

	fmt.Fprintln(out, "Lock-Free Toolkit Benchmarks")
	fmt.Fprintln(out, "============================")

	failures := 0
	for i, w := range workloads {
		fmt.Fprintf(out, "\n%d. %s\n", i+1, w.title)
		for _, goroutines := range config.Goroutines {
			res := w.run(env, goroutines, config.Ops)
			res.print(out)
			failures += res.Errors
			if rec != nil {
				rec.Add(res)
			}
		}
	}

	sweeper.ForceCollect()
	stats := collector.Stats()
	fmt.Fprintf(out, "\nCollector: epoch %d, %d managed, %d reclaimed, %d drains\n",
		stats.Epoch, stats.Managed, stats.Reclaimed, stats.Drains)

	if res, err := readResources(); err == nil {
		fmt.Fprintf(out, "Process: %.1f%% CPU, %d MiB RSS\n", res.CPUPercent, res.MemorySize>>20)
	}

	if rec != nil {
		if err := rec.Flush(); err != nil {
			return err
		}
		n, err := rec.count()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Recorded %d results as run %s in %s\n", n, rec.RunID(), config.Record)
	}

	if mon != nil {
		fmt.Fprintln(out, "Benchmarks finished; still serving metrics, press Ctrl-C to exit")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		<-ctx.Done()
		stop()
	}

	sweeper.Stop()
	m.Close()
	printMetrics(out, m)

	if failures > 0 {
		return fmt.Errorf("%d verification errors", failures)
	}
	return nil
}

func printMetrics(out io.Writer, m *metrics.Metrics) {
	switch config.Format {
	case "json":
		fmt.Fprintln(out, string(m.ExportJSON()))
	case "prometheus":
		fmt.Fprint(out, m.ExportPrometheus())
	default:
		s := m.GetStats()
		fmt.Fprintf(out, "Operations: push %d, pop %d (%d empty), assign %d (%d misses), recycle %d, pin %d\n",
			s.Operations.Push, s.Operations.Pop, s.Operations.PopEmpty,
			s.Operations.Assign, s.Operations.AssignMiss, s.Operations.Recycle, s.Operations.Pin)
		fmt.Fprintf(out, "Latency p99: push %v, pop %v, assign %v, pin %v\n",
			s.Latency.Push.P99, s.Latency.Pop.P99, s.Latency.Assign.P99, s.Latency.Pin.P99)
	}
}

// Execute adds all child commands to the root command and sets flags
// appropriately, then runs exit handlers.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
