// mmcontainers mirrors Docker and Kubernetes metadata into a shared store and enriches
// JSON log records with it.
//
// Usage:
//
//	mmcontainers monitor -D -K
//	mmcontainers filter -D < records.json
//	mmcontainers run --cache-backend memory
//	mmcontainers cachedump kube/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Gthulhu/mmcontainers/app"
	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/Gthulhu/mmcontainers/rest"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const stopTimeout = 15 * time.Second

// @title mmcontainers API
// @version 1.0
// @description Read access to the container and pod metadata mirrored by mmcontainers.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	options := &CommandLineOptions{}
	rootCmd := &cobra.Command{
		Use:   "mmcontainers",
		Short: "Enrich log records with container and pod metadata",
		Long: `mmcontainers watches the Docker daemon and the Kubernetes API, keeps their
metadata in a shared store and adds it to JSON log records read from stdin.`,
		Version:       rest.BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addFlags(rootCmd.PersistentFlags(), options)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the event sources and keep the store up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, *options)
			if err != nil {
				return err
			}
			return runApp(app.NewMonitorApp(cfg))
		},
	}
	addWatchFlags(monitorCmd.Flags())

	filterCmd := &cobra.Command{
		Use:   "filter",
		Short: "Enrich JSON records from stdin using the store written by a monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, *options)
			if err != nil {
				return err
			}
			return runApp(app.NewFilterApp(cfg, app.Stdio{In: os.Stdin, Out: os.Stdout}))
		},
	}
	addFilterFlags(filterCmd.Flags(), true)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch and filter in one process until stdin ends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(cmd, *options)
			if err != nil {
				return err
			}
			return runApp(app.NewRunApp(cfg, app.Stdio{In: os.Stdin, Out: os.Stdout}))
		},
	}
	addWatchFlags(runCmd.Flags())
	addFilterFlags(runCmd.Flags(), false)

	dumpCmd := &cobra.Command{
		Use:   "cachedump [prefix]",
		Short: "Print the store entries, optionally only those under prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd, *options)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			return app.Dump(cmd.Context(), cfg.Cache, prefix, cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(monitorCmd, filterCmd, runCmd, dumpCmd)
	return rootCmd
}

func setup(cmd *cobra.Command, options CommandLineOptions) (config.Config, error) {
	cfg, err := loadConfig(cmd.Flags(), options)
	if err != nil {
		return cfg, fmt.Errorf("loading configuration: %w", err)
	}
	if _, err := logger.InitLogger(logger.Options{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		FilePath: cfg.Logging.FilePath,
	}); err != nil {
		return cfg, err
	}
	PrintCommandLineOptions(options, cfg)
	return cfg, nil
}

// runApp starts fxApp, blocks until a signal or a component asks for shutdown, then stops it.
func runApp(fxApp *fx.App) error {
	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}

	sig := <-fxApp.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := fxApp.Stop(stopCtx); err != nil {
		logger.Logger(stopCtx).Warn().Err(err).Msg("shutdown incomplete")
	}
	if sig.ExitCode != 0 {
		return fmt.Errorf("exited with code %d", sig.ExitCode)
	}
	return nil
}
