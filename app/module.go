package app

import (
	"context"
	"fmt"
	"time"

	dockeradapter "github.com/Gthulhu/mmcontainers/adapter/docker"
	k8sadapter "github.com/Gthulhu/mmcontainers/adapter/kubernetes"
	"github.com/Gthulhu/mmcontainers/cache"
	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/backoff"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/Gthulhu/mmcontainers/rest"
	"github.com/Gthulhu/mmcontainers/service"
	"github.com/Gthulhu/mmcontainers/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

const storeOpenTimeout = 30 * time.Second

// ConfigModule provides the loaded configuration, its sections and the validated key space.
func ConfigModule(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(func(cfg config.Config) config.CacheConfig {
			return cfg.Cache
		}),
		fx.Provide(func(cfg config.Config) config.ServerConfig {
			return cfg.Server
		}),
		fx.Provide(func(cfg config.Config) config.EnrichConfig {
			return cfg.Enrich
		}),
		fx.Provide(NewKeySpace),
	)
}

func NewKeySpace(cfg config.Config) (domain.KeySpace, error) {
	keys := domain.KeySpace{
		ContainerPrefix: cfg.Docker.Prefix,
		KubePrefix:      cfg.Kubernetes.Prefix,
		LinkPrefix:      cfg.Kubernetes.LinkPrefix,
	}.WithDefaults()
	if err := keys.Validate(); err != nil {
		return keys, err
	}
	return keys, nil
}

// StoreModule provides the shared metadata store, closed when the app stops, return domain.Store
func StoreModule() fx.Option {
	return fx.Provide(NewStore)
}

func NewStore(lc fx.Lifecycle, cfg config.CacheConfig) (domain.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	defer cancel()
	store, err := cache.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Backend, err)
	}
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

// MetricsModule provides a private registry with the runtime collectors and the watcher metrics.
func MetricsModule() fx.Option {
	return fx.Options(
		fx.Provide(NewRegistry),
		fx.Provide(func(reg *prometheus.Registry) prometheus.Registerer {
			return reg
		}),
		fx.Provide(func(reg *prometheus.Registry) prometheus.Gatherer {
			return reg
		}),
		fx.Provide(watcher.NewMetrics),
		fx.Invoke(watcher.RegisterStoreGauge),
	)
}

func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

type SupervisorParams struct {
	fx.In
	Config  config.Config
	Store   domain.Store
	Keys    domain.KeySpace
	Metrics *watcher.Metrics
}

// WatcherModule provides the configured supervisor, return *watcher.Supervisor
func WatcherModule() fx.Option {
	return fx.Provide(NewSupervisor)
}

// NewSupervisor registers the docker and kubernetes watchers and selects the requested ones.
// Availability is only probed when no source was requested explicitly.
func NewSupervisor(params SupervisorParams) (*watcher.Supervisor, error) {
	ctx := context.Background()
	cfg := params.Config
	opts := watcher.Options{
		KeySpace: params.Keys,
		Backoff: backoff.Options{
			Initial: cfg.Backoff.Initial,
			Max:     cfg.Backoff.Max,
			Reset:   cfg.Backoff.Reset,
		},
		Metrics: params.Metrics,
	}
	dockerOpts := dockeradapter.Options{Endpoint: cfg.Docker.Endpoint}
	kubeOpts := k8sadapter.Options{KubeConfigPath: cfg.Kubernetes.KubeConfigPath, InCluster: cfg.Kubernetes.InCluster}

	requested := RequestedWatchers(cfg.Watch)
	probe := len(requested) == 0

	supervisor := watcher.NewSupervisor()
	supervisor.Register(watcher.ContainerWatcherName, probe && dockeradapter.Available(ctx, dockerOpts), func() (domain.Watcher, error) {
		source, err := dockeradapter.NewDockerAdapter(dockerOpts)
		if err != nil {
			return nil, err
		}
		return watcher.NewContainerWatcher(source, params.Store, opts), nil
	})
	supervisor.Register(watcher.OrchestrationWatcherName, probe && k8sadapter.Available(ctx, kubeOpts), func() (domain.Watcher, error) {
		client, err := k8sadapter.NewK8SAdapter(ctx, kubeOpts)
		if err != nil {
			return nil, err
		}
		return watcher.NewOrchestrationWatcher(client, params.Store, opts), nil
	})

	if err := supervisor.Configure(requested); err != nil {
		return nil, err
	}
	logger.Logger(ctx).Info().Strs("watchers", supervisor.Watchers()).Msg("configured watchers")
	return supervisor, nil
}

func RequestedWatchers(cfg config.WatchConfig) []string {
	var names []string
	if cfg.Docker {
		names = append(names, watcher.ContainerWatcherName)
	}
	if cfg.Kubernetes {
		names = append(names, watcher.OrchestrationWatcherName)
	}
	return names
}

// HandlerModule provides the REST handler, return *rest.Handler
func HandlerModule() fx.Option {
	return fx.Provide(rest.NewHandler)
}

// FilterModule provides the line filter, return *service.LineFilter
func FilterModule() fx.Option {
	return fx.Provide(NewLineFilter)
}

// NewLineFilter builds the enricher over the store, behind a lookup cache when a TTL is configured.
func NewLineFilter(lc fx.Lifecycle, cfg config.Config, store domain.Store) (*service.LineFilter, error) {
	mode, err := service.ParseOutputMode(cfg.Enrich.OutputMode)
	if err != nil {
		return nil, err
	}
	policy, err := service.ParseMalformedPolicy(cfg.Enrich.MalformedPolicy)
	if err != nil {
		return nil, err
	}

	var reader domain.RecordReader = store
	if cfg.Enrich.LookupCacheTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.StopHook(cancel))
		reader = cache.NewLookupCache(ctx, store, cfg.Enrich.LookupCacheTTL, cfg.Enrich.LookupCacheSize)
	}

	enricher := service.NewEnricher(reader, service.EnricherOptionsFromConfig(cfg))
	return service.NewLineFilter(enricher, service.FilterOptions{Mode: mode, Malformed: policy}), nil
}
