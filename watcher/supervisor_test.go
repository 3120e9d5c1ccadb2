package watcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWatcher struct {
	name     string
	err      error
	stopped  atomic.Bool
	started  chan struct{}
	failWhen chan struct{}
}

func newStubWatcher(name string) *stubWatcher {
	return &stubWatcher{name: name, started: make(chan struct{}), failWhen: make(chan struct{})}
}

func (w *stubWatcher) Name() string { return w.name }

func (w *stubWatcher) Run(ctx context.Context) error {
	close(w.started)
	select {
	case <-ctx.Done():
		w.stopped.Store(true)
		return nil
	case <-w.failWhen:
		return w.err
	}
}

func stubFactory(w domain.Watcher) Factory {
	return func() (domain.Watcher, error) { return w, nil }
}

func TestResolve(t *testing.T) {
	assert.Equal(t, []string{"docker", "kubernetes"}, Resolve(nil, []string{"docker", "kubernetes"}))
	assert.Equal(t, []string{"kubernetes"}, Resolve([]string{"kubernetes", "kubernetes"}, []string{"docker"}))
	assert.Empty(t, Resolve(nil, nil))
}

func TestSupervisorConfigure(t *testing.T) {
	t.Run("nothing available", func(t *testing.T) {
		s := NewSupervisor()
		s.Register("docker", false, stubFactory(newStubWatcher("docker")))
		s.Register("kubernetes", false, stubFactory(newStubWatcher("kubernetes")))
		assert.ErrorIs(t, s.Configure(nil), domain.ErrNothingToWatch)
	})

	t.Run("defaults to available sources", func(t *testing.T) {
		s := NewSupervisor()
		s.Register("docker", true, stubFactory(newStubWatcher("docker")))
		s.Register("kubernetes", false, stubFactory(newStubWatcher("kubernetes")))
		require.NoError(t, s.Configure(nil))
		assert.Equal(t, []string{"docker"}, s.Watchers())
	})

	t.Run("explicit request overrides availability", func(t *testing.T) {
		s := NewSupervisor()
		s.Register("docker", true, stubFactory(newStubWatcher("docker")))
		s.Register("kubernetes", false, stubFactory(newStubWatcher("kubernetes")))
		require.NoError(t, s.Configure([]string{"kubernetes"}))
		assert.Equal(t, []string{"kubernetes"}, s.Watchers())
	})

	t.Run("unknown watcher", func(t *testing.T) {
		s := NewSupervisor()
		s.Register("docker", true, stubFactory(newStubWatcher("docker")))
		assert.ErrorContains(t, s.Configure([]string{"podman"}), `unknown watcher "podman"`)
	})

	t.Run("factory error", func(t *testing.T) {
		s := NewSupervisor()
		s.Register("kubernetes", true, func() (domain.Watcher, error) {
			return nil, domain.ErrNoKubeConfig
		})
		assert.ErrorIs(t, s.Configure(nil), domain.ErrNoKubeConfig)
	})
}

func TestSupervisorStopJoinsWatchers(t *testing.T) {
	docker, kube := newStubWatcher("docker"), newStubWatcher("kubernetes")
	s := NewSupervisor()
	s.Register("docker", true, stubFactory(docker))
	s.Register("kubernetes", true, stubFactory(kube))
	require.NoError(t, s.Configure(nil))

	s.Start(context.Background())
	<-docker.started
	<-kube.started
	s.Stop()

	assert.NoError(t, s.Wait())
	assert.True(t, docker.stopped.Load())
	assert.True(t, kube.stopped.Load())
	select {
	case err := <-s.Failed():
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}

func TestSupervisorFatalCancelsSiblings(t *testing.T) {
	docker, kube := newStubWatcher("docker"), newStubWatcher("kubernetes")
	kube.err = errs.Fatal(errors.New("forbidden"))
	s := NewSupervisor()
	s.Register("docker", true, stubFactory(docker))
	s.Register("kubernetes", true, stubFactory(kube))
	require.NoError(t, s.Configure(nil))

	s.Start(context.Background())
	<-docker.started
	<-kube.started
	close(kube.failWhen)

	select {
	case err := <-s.Failed():
		assert.True(t, errs.IsFatal(err))
		assert.ErrorContains(t, err, "kubernetes watcher")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not report the failure")
	}

	err := s.Wait()
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
	assert.True(t, docker.stopped.Load())
}
