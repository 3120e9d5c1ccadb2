package main

import (
	"context"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CommandLineOptions contains the flags shared by every subcommand
type CommandLineOptions struct {
	ConfigName string
	ConfigDir  string
	Verbose    bool
	Debug      bool
}

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"cache-backend":               "cache.backend",
	"cache-path":                  "cache.path",
	"watch-docker":                "watch.docker",
	"watch-kubernetes":            "watch.kubernetes",
	"kubeconfig":                  "kubernetes.kubeconfig",
	"in-cluster":                  "kubernetes.in_cluster",
	"include-docker-metadata":     "enrich.include_docker",
	"include-kubernetes-metadata": "enrich.include_kubernetes",
	"output-mode":                 "enrich.output_mode",
	"listen":                      "server.host",
}

// addFlags registers the flags shared by every subcommand.
func addFlags(flags *pflag.FlagSet, options *CommandLineOptions) {
	flags.StringVar(&options.ConfigName, "config", config.DefaultConfigName, "Configuration file name, without the .toml extension")
	flags.StringVar(&options.ConfigDir, "config-dir", "", "Directory searched first for the configuration file")
	flags.BoolVarP(&options.Verbose, "verbose", "v", false, "Log at info level")
	flags.BoolVarP(&options.Debug, "debug", "d", false, "Log at debug level")

	flags.String("cache-backend", "", "Metadata store backend: memory, bolt, sqlite or mongo")
	flags.String("cache-path", "", "Path of the bolt or sqlite store")
}

// addWatchFlags registers the watcher selection flags of monitor and run, -D and -K included.
func addWatchFlags(flags *pflag.FlagSet) {
	flags.BoolP("watch-docker", "D", false, "Watch the Docker daemon")
	flags.BoolP("watch-kubernetes", "K", false, "Watch the Kubernetes API")
	flags.String("kubeconfig", "", "Path to Kubernetes config file (defaults to $KUBECONFIG, then $HOME/.kube/config)")
	flags.Bool("in-cluster", false, "Run in Kubernetes in-cluster mode")
	flags.String("listen", "", "REST server address, an empty value disables the server")
}

// addFilterFlags registers the enrichment flags. Only the filter command takes the -D and -K
// shorthands, run already uses them to select watchers.
func addFilterFlags(flags *pflag.FlagSet, shorthands bool) {
	docker, kube := "", ""
	if shorthands {
		docker, kube = "D", "K"
	}
	flags.BoolP("include-docker-metadata", docker, false, "Add Docker metadata to enriched records")
	flags.BoolP("include-kubernetes-metadata", kube, false, "Add Kubernetes metadata to enriched records")
	flags.String("output-mode", "", "Filter output: merge or delta")
}

// loadConfig binds the changed flags over the file and environment configuration.
func loadConfig(flags *pflag.FlagSet, options CommandLineOptions) (config.Config, error) {
	v := viper.New()
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, err
			}
		}
	}
	switch {
	case options.Debug:
		v.Set("logging.level", "debug")
	case options.Verbose:
		v.Set("logging.level", "info")
	}
	return config.Load(v, options.ConfigName, options.ConfigDir)
}

// PrintCommandLineOptions logs the effective configuration
func PrintCommandLineOptions(options CommandLineOptions, cfg config.Config) {
	log := logger.Logger(context.Background())
	log.Info().
		Str("config", options.ConfigName).
		Str("config_dir", options.ConfigDir).
		Str("cache_backend", cfg.Cache.Backend).
		Str("cache_path", cfg.Cache.Path).
		Bool("watch_docker", cfg.Watch.Docker).
		Bool("watch_kubernetes", cfg.Watch.Kubernetes).
		Str("server", cfg.Server.Host).
		Msg("configuration")

	if cfg.Kubernetes.InCluster {
		log.Info().Msg("kubernetes: in-cluster mode")
	} else if cfg.Kubernetes.KubeConfigPath != "" {
		log.Info().Str("path", cfg.Kubernetes.KubeConfigPath).Msg("kubernetes config")
	}
}
