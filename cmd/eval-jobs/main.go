package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/evaluator"
	"github.com/hydrogen-ci/hydrogen/evaluator/eval"
	"github.com/hydrogen-ci/hydrogen/nix"
	"github.com/hydrogen-ci/hydrogen/queuerunner/app"
)

type evalFlags struct {
	configFile   string
	gcRootsDir   string
	dryRun       bool
	workers      int
	maxMemoryMiB int64
	autoArgs     []string
	storeDir     string
	stateDir     string
	logLevels    string
}

func main() {
	flags := &evalFlags{}

	rootCmd := &cobra.Command{
		Use:           "eval-jobs <expr>",
		Short:         "Evaluates an expression into the set of build jobs it declares",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(args[0], flags)
		},
	}
	addCommonFlags(rootCmd, flags)

	workerCmd := &cobra.Command{
		Use:    "worker <expr>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(args[0], flags)
		},
	}
	addCommonFlags(workerCmd, flags)
	rootCmd.AddCommand(workerCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %s", err)
	}
}

func addCommonFlags(cmd *cobra.Command, flags *evalFlags) {
	cmd.Flags().StringVar(&flags.configFile, "config", "", "Path to the configuration file")
	cmd.Flags().StringVar(&flags.gcRootsDir, "gc-roots-dir", "", "Garbage collector roots directory")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Don't create store derivations")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Number of evaluator worker processes")
	cmd.Flags().Int64Var(&flags.maxMemoryMiB, "max-memory-size", 0, "Worker restart threshold in MiB")
	cmd.Flags().StringArrayVar(&flags.autoArgs, "arg", nil, "Auto-argument as name=value; may be repeated")
	cmd.Flags().StringVar(&flags.storeDir, "store-dir", "", "Store directory")
	cmd.Flags().StringVar(&flags.stateDir, "state-dir", "", "Store state directory")
	cmd.Flags().StringVar(&flags.logLevels, "log_levels", "",
		fmt.Sprintf("A comma separated list of name=level pairs, levels: %s", logger.ListLogLevels()))
}

func loadSettings(flags *evalFlags) (*app.Config, logger.LogFactory, error) {
	config, err := app.LoadConfig(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.workers > 0 {
		config.EvaluatorWorkers = flags.workers
	}
	if flags.maxMemoryMiB > 0 {
		config.EvaluatorMaxMemoryMiB = flags.maxMemoryMiB
	}
	if flags.storeDir != "" {
		config.StoreDir = flags.storeDir
	}
	if flags.stateDir != "" {
		config.StateDir = flags.stateDir
	}
	if flags.logLevels != "" {
		config.LogLevels = logger.LogLevelConfig(flags.logLevels)
	}

	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, err
	}
	// Logs go to stderr; stdout carries the jobs JSON.
	return config, logger.MakeLogFactoryStdErr(logRegistry), nil
}

func runMaster(expr string, flags *evalFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, logFactory, err := loadSettings(flags)
	if err != nil {
		return err
	}

	if flags.gcRootsDir == "" {
		fmt.Fprintln(os.Stderr, "warning: `--gc-roots-dir' not specified")
	}

	// Workers are this executable running the hidden worker subcommand with
	// the same settings.
	argv := []string{os.Args[0], "worker", expr}
	argv = append(argv, workerArgs(flags)...)

	master := evaluator.NewMaster(evaluator.MasterConfig{
		NrWorkers: config.EvaluatorWorkers,
		DryRun:    flags.dryRun,
	}, evaluator.NewExecWorkerFactory(argv), logFactory)

	jobs, err := master.Run(ctx)
	if err != nil {
		return err
	}

	localStore, err := nix.OpenLocalStore(config.StoreDir, config.StateDir)
	if err != nil {
		return err
	}
	if err := evaluator.ResolveAggregates(ctx, localStore, jobs, flags.dryRun); err != nil {
		return err
	}

	out, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func workerArgs(flags *evalFlags) []string {
	var args []string
	if flags.configFile != "" {
		args = append(args, "--config", flags.configFile)
	}
	if flags.gcRootsDir != "" && !flags.dryRun {
		args = append(args, "--gc-roots-dir", flags.gcRootsDir)
	}
	if flags.storeDir != "" {
		args = append(args, "--store-dir", flags.storeDir)
	}
	if flags.stateDir != "" {
		args = append(args, "--state-dir", flags.stateDir)
	}
	if flags.maxMemoryMiB > 0 {
		args = append(args, "--max-memory-size", fmt.Sprintf("%d", flags.maxMemoryMiB))
	}
	for _, arg := range flags.autoArgs {
		args = append(args, "--arg", arg)
	}
	return args
}

func runWorker(expr string, flags *evalFlags) error {
	ctx := context.Background()

	config, logFactory, err := loadSettings(flags)
	if err != nil {
		return err
	}

	autoArgs := make(map[string]string)
	for _, arg := range flags.autoArgs {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("bad --arg %q, expected name=value", arg)
		}
		autoArgs[name] = value
	}

	engine, err := eval.NewManifestEngine(expr, autoArgs)
	if err != nil {
		// Transmit the error to the master before exiting; it surfaces in
		// the evaluation log.
		errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Println(string(errJSON))
		return err
	}

	localStore, err := nix.OpenLocalStore(config.StoreDir, config.StateDir)
	if err != nil {
		return err
	}

	worker := evaluator.NewWorker(evaluator.WorkerConfig{
		GCRootsDir:   flags.gcRootsDir,
		MaxMemoryMiB: config.EvaluatorMaxMemoryMiB,
	}, engine, localStore, logFactory)

	return worker.Run(ctx, os.Stdin, os.Stdout)
}
