package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ErrNoKubeConfig is returned when neither in-cluster nor kubeconfig credentials are found.
var ErrNoKubeConfig = domain.ErrNoKubeConfig

var homeKubeConfig = clientcmd.RecommendedHomeFile

// Options contains Kubernetes adapter options
type Options struct {
	KubeConfigPath string
	InCluster      bool
}

// resolve picks the configuration source. Without explicit options it falls back to the
// in-cluster service account, then $KUBECONFIG, then ~/.kube/config.
func (o Options) resolve() (Options, error) {
	if o.InCluster || o.KubeConfigPath != "" {
		return o, nil
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" && os.Getenv("KUBERNETES_SERVICE_PORT") != "" {
		return Options{InCluster: true}, nil
	}
	if path := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); path != "" {
		return Options{KubeConfigPath: filepath.SplitList(path)[0]}, nil
	}
	if _, err := os.Stat(homeKubeConfig); err == nil {
		return Options{KubeConfigPath: homeKubeConfig}, nil
	}
	return o, ErrNoKubeConfig
}

// NewK8SAdapter creates a Kubernetes clientset based on options.
// Supports two modes:
// 1. When running inside the cluster, use in-cluster configuration
// 2. When running outside the cluster, use kubeconfig configuration
func NewK8SAdapter(ctx context.Context, options Options) (kubernetes.Interface, error) {
	options, err := options.resolve()
	if err != nil {
		return nil, err
	}

	var config *rest.Config
	if options.InCluster {
		logger.Logger(ctx).Info().Msg("Using in-cluster Kubernetes configuration")
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
		}
	} else {
		logger.Logger(ctx).Info().Str("path", options.KubeConfigPath).Msg("Using Kubernetes config")
		config, err = clientcmd.BuildConfigFromFlags("", options.KubeConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubeconfig from %s: %w", options.KubeConfigPath, err)
		}
	}

	// no client-wide timeout: it would cut the long-lived watch requests
	config.Timeout = 0
	config.QPS = 20
	config.Burst = 50

	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return kubeClient, nil
}

// RequestTimeout bounds list requests made through the clientset.
const RequestTimeout = 30 * time.Second

// Available reports whether a Kubernetes configuration can be found.
func Available(ctx context.Context, options Options) bool {
	_, err := options.resolve()
	if err != nil {
		if !errors.Is(err, ErrNoKubeConfig) {
			logger.Logger(ctx).Debug().Err(err).Msg("kubernetes source not available")
		}
		return false
	}
	return true
}
