package app_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gthulhu/mmcontainers/app"
	"github.com/Gthulhu/mmcontainers/cache"
	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/rest"
	"github.com/Gthulhu/mmcontainers/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"k8s.io/client-go/tools/clientcmd"
)

func boltConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Cache: config.CacheConfig{
			Backend: cache.BackendBolt,
			Path:    filepath.Join(t.TempDir(), "cache.db"),
		},
	}
}

func seedBolt(t *testing.T, cfg config.CacheConfig) {
	t.Helper()
	ctx := context.Background()
	store, err := cache.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "docker/abc123", &domain.MetadataRecord{
		Kind:     domain.KindContainer,
		Metadata: map[string]any{"image": "img@sha", "labels": map[string]any{}},
	}))
	require.NoError(t, store.Close())
}

func runUntilShutdown(t *testing.T, fxApp *fx.App) int {
	t.Helper()
	require.NoError(t, fxApp.Err())
	require.NoError(t, fxApp.Start(context.Background()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, fxApp.Stop(stopCtx))
	}()

	select {
	case sig := <-fxApp.Wait():
		return sig.ExitCode
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down")
		return -1
	}
}

func TestFilterAppEnrichesFromStore(t *testing.T) {
	cfg := boltConfig(t)
	seedBolt(t, cfg.Cache)

	input := `{"msg":"hi","$!":{"CONTAINER_ID_FULL":"abc123"}}` + "\n" + "not json\n"
	var out bytes.Buffer
	code := runUntilShutdown(t, app.NewFilterApp(cfg, app.Stdio{In: strings.NewReader(input), Out: &out}))
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{
		"msg": "hi",
		"$!": {
			"CONTAINER_ID_FULL": "abc123",
			"docker": {"image": "img@sha", "labels": {}}
		}
	}`, lines[0])
	assert.Equal(t, "not json", lines[1])
}

func TestFilterAppDeltaWithLookupCache(t *testing.T) {
	cfg := boltConfig(t)
	cfg.Enrich.OutputMode = "delta"
	cfg.Enrich.LookupCacheTTL = time.Minute
	cfg.Enrich.LookupCacheSize = 16
	seedBolt(t, cfg.Cache)

	input := strings.Repeat(`{"$!":{"CONTAINER_ID_FULL":"abc123"}}`+"\n", 2) + `{"other":true}` + "\n"
	var out bytes.Buffer
	code := runUntilShutdown(t, app.NewFilterApp(cfg, app.Stdio{In: strings.NewReader(input), Out: &out}))
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines[:2] {
		assert.JSONEq(t, `{"$!":{"docker":{"image":"img@sha","labels":{}}}}`, line)
	}
	assert.Equal(t, "{}", lines[2])
}

func TestFilterAppRejectsUnknownMode(t *testing.T) {
	cfg := boltConfig(t)
	cfg.Enrich.OutputMode = "sideways"

	fxApp := app.NewFilterApp(cfg, app.Stdio{In: strings.NewReader(""), Out: &bytes.Buffer{}})
	require.Error(t, fxApp.Err())
	assert.Contains(t, fxApp.Err().Error(), `unknown output mode "sideways"`)
}

func TestHandlerModule(t *testing.T) {
	var handler *rest.Handler
	var store domain.Store
	fxApp := fx.New(
		fx.NopLogger,
		app.ConfigModule(config.Config{Cache: config.CacheConfig{Backend: cache.BackendMemory}}),
		app.StoreModule(),
		app.MetricsModule(),
		app.HandlerModule(),
		fx.Populate(&handler, &store),
	)
	require.NoError(t, fxApp.Err())
	assert.NotNil(t, handler)
	assert.Same(t, store, handler.Store)
}

func TestNewKeySpaceRejectsCollidingPrefixes(t *testing.T) {
	cfg := config.Config{
		Docker:     config.DockerConfig{Prefix: "same"},
		Kubernetes: config.KubernetesConfig{Prefix: "same"},
	}
	_, err := app.NewKeySpace(cfg)
	assert.Error(t, err)

	keys, err := app.NewKeySpace(config.Config{})
	require.NoError(t, err)
	assert.Equal(t, domain.KeySpace{}.WithDefaults(), keys)
}

func TestRequestedWatchers(t *testing.T) {
	assert.Empty(t, app.RequestedWatchers(config.WatchConfig{}))
	assert.Equal(t, []string{watcher.ContainerWatcherName}, app.RequestedWatchers(config.WatchConfig{Docker: true}))
	assert.Equal(t,
		[]string{watcher.ContainerWatcherName, watcher.OrchestrationWatcherName},
		app.RequestedWatchers(config.WatchConfig{Docker: true, Kubernetes: true}))
}

func TestNewSupervisorNothingToWatch(t *testing.T) {
	if _, err := os.Stat(clientcmd.RecommendedHomeFile); err == nil {
		t.Skip("a kubeconfig is present in the home directory")
	}
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv(clientcmd.RecommendedConfigPathEnvVar, "")

	cfg := config.Config{Docker: config.DockerConfig{Endpoint: "unix:///nonexistent/docker.sock"}}
	keys, err := app.NewKeySpace(cfg)
	require.NoError(t, err)
	metrics, err := watcher.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = app.NewSupervisor(app.SupervisorParams{
		Config:  cfg,
		Store:   cache.NewMemoryStore(),
		Keys:    keys,
		Metrics: metrics,
	})
	assert.ErrorIs(t, err, domain.ErrNothingToWatch)
}

func TestDump(t *testing.T) {
	cfg := boltConfig(t)
	seedBolt(t, cfg.Cache)

	var out bytes.Buffer
	require.NoError(t, app.Dump(context.Background(), cfg.Cache, "docker/", &out))
	assert.Equal(t, `docker/abc123 {"kind":"container","metadata":{"image":"img@sha","labels":{}}}`+"\n", out.String())

	err := app.Dump(context.Background(), config.CacheConfig{Backend: cache.BackendMemory}, "", &out)
	assert.Error(t, err)
}
