package kubernetes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeConfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://127.0.0.1:6443
    insecure-skip-tls-verify: true
  name: test
contexts:
- context:
    cluster: test
    user: test
  name: test
current-context: test
users:
- name: test
  user:
    token: abc
`

func clearKubeEnv(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")
	t.Setenv("KUBECONFIG", "")
	home := homeKubeConfig
	homeKubeConfig = filepath.Join(t.TempDir(), ".kube", "config")
	t.Cleanup(func() { homeKubeConfig = home })
}

func TestResolveOptions(t *testing.T) {
	clearKubeEnv(t)

	_, err := Options{}.resolve()
	assert.ErrorIs(t, err, ErrNoKubeConfig)
	assert.False(t, Available(context.Background(), Options{}))

	explicit, err := Options{KubeConfigPath: "/etc/kube.conf"}.resolve()
	require.NoError(t, err)
	assert.Equal(t, "/etc/kube.conf", explicit.KubeConfigPath)

	t.Setenv("KUBECONFIG", "/a/config"+string(os.PathListSeparator)+"/b/config")
	fromEnv, err := Options{}.resolve()
	require.NoError(t, err)
	assert.Equal(t, "/a/config", fromEnv.KubeConfigPath)

	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	t.Setenv("KUBERNETES_SERVICE_PORT", "443")
	inCluster, err := Options{}.resolve()
	require.NoError(t, err)
	assert.True(t, inCluster.InCluster)
}

func TestNewK8SAdapterFromKubeconfig(t *testing.T) {
	clearKubeEnv(t)
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testKubeConfig), 0o600))

	client, err := NewK8SAdapter(context.Background(), Options{KubeConfigPath: path})
	require.NoError(t, err)
	assert.NotNil(t, client.CoreV1())

	_, err = NewK8SAdapter(context.Background(), Options{KubeConfigPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
