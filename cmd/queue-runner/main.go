package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/queuerunner/app"
)

func main() {
	var (
		configFile string
		showStatus bool
		unlock     bool
		buildOne   int64
		logLevels  string
	)

	rootCmd := &cobra.Command{
		Use:           "queue-runner",
		Short:         "Dispatches queued builds to remote builder machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			config, err := app.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if logLevels != "" {
				config.LogLevels = logger.LogLevelConfig(logLevels)
			}
			config.Runner.BuildOne = buildOne

			logRegistry, err := logger.NewLogRegistry(config.LogLevels)
			if err != nil {
				return err
			}
			logFactory := logger.MakeLogFactoryStdOut(logRegistry)

			application, err := app.New(ctx, config, logFactory)
			if err != nil {
				return err
			}
			defer application.Close()

			switch {
			case showStatus:
				status, err := application.State.ShowStatus(ctx)
				if status != "" {
					fmt.Println(status)
				}
				return err
			case unlock:
				return application.State.Unlock(ctx)
			default:
				return application.State.Run(ctx, config.MetricsAddr)
			}
		},
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to the configuration file")
	rootCmd.Flags().BoolVar(&showStatus, "status", false, "Print the last status dump of a running queue runner")
	rootCmd.Flags().BoolVar(&unlock, "unlock", false, "Clear busy build steps after an unclean shutdown")
	rootCmd.Flags().Int64Var(&buildOne, "build-one", 0, "Process a single build then exit (testing)")
	rootCmd.Flags().StringVar(&logLevels, "log_levels", "",
		fmt.Sprintf("A comma separated list of name=level pairs, levels: %s", logger.ListLogLevels()))

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %s", err)
	}
}
