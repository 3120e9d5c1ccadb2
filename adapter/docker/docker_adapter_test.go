package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/Gthulhu/mmcontainers/pkg/container"
	dockerclient "github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToContainerEvent(t *testing.T) {
	ev := toContainerEvent(&dockerclient.APIEvents{
		Type:   "container",
		Action: "start",
		Actor:  dockerclient.APIActor{ID: "abc"},
	})
	assert.Equal(t, domain.ContainerEvent{Type: "container", Action: "start", ID: "abc"}, ev)

	legacy := toContainerEvent(&dockerclient.APIEvents{Status: "die", ID: "def", From: "busybox"})
	assert.Equal(t, domain.ContainerEvent{Type: "container", Action: "die", ID: "def"}, legacy)

	exec := toContainerEvent(&dockerclient.APIEvents{Type: "container", Action: "exec_start: sh -c true", Actor: dockerclient.APIActor{ID: "abc"}})
	assert.Equal(t, "exec_start", exec.Action)
}

func TestForwardEventsDrainsListenerWhileConsumerIsBlocked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const burst = 3 * eventBuffer
	listener := make(chan *dockerclient.APIEvents, eventBuffer)
	out := make(chan domain.ContainerEvent)
	done := make(chan error, 1)
	go func() { done <- forwardEvents(ctx, listener, out) }()

	// nobody reads out yet; every send must still find room in the listener
	for i := range burst {
		select {
		case listener <- &dockerclient.APIEvents{Type: "container", Action: "start", Actor: dockerclient.APIActor{ID: fmt.Sprint(i)}}:
		case <-time.After(5 * time.Second):
			t.Fatalf("listener full after %d events", i)
		}
	}
	listener <- nil
	listener <- &dockerclient.APIEvents{Type: "network", Action: "connect", Actor: dockerclient.APIActor{ID: "net"}}
	close(listener)

	for i := range burst {
		select {
		case ev := <-out:
			require.Equal(t, domain.ContainerEvent{Type: "container", Action: "start", ID: fmt.Sprint(i)}, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEventStreamClosed)
		assert.True(t, errs.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("forwarding did not stop")
	}
}

func TestForwardEventsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	listener := make(chan *dockerclient.APIEvents, 1)
	listener <- &dockerclient.APIEvents{Type: "container", Action: "die", Actor: dockerclient.APIActor{ID: "a"}}
	done := make(chan error, 1)
	go func() { done <- forwardEvents(ctx, listener, make(chan domain.ContainerEvent)) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("forwarding did not stop")
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.True(t, errs.IsFatal(Classify(&dockerclient.Error{Status: http.StatusUnauthorized})))
	assert.True(t, errs.IsFatal(Classify(fmt.Errorf("ping: %w", &dockerclient.Error{Status: http.StatusForbidden}))))
	assert.True(t, errs.IsFatal(Classify(dockerclient.ErrInvalidEndpoint)))
	assert.True(t, errs.IsTransient(Classify(&dockerclient.Error{Status: http.StatusInternalServerError})))
	assert.True(t, errs.IsTransient(Classify(errors.New("connection refused"))))
}

func TestNewDockerAdapterInvalidEndpoint(t *testing.T) {
	_, err := NewDockerAdapter(Options{Endpoint: "ftp://nowhere"})
	assert.Error(t, err)
	assert.False(t, Available(context.Background(), Options{Endpoint: "ftp://nowhere"}))
}

func TestDockerAdapterAgainstDaemon(t *testing.T) {
	builder, err := container.NewContainerBuilder("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	t.Cleanup(func() { _ = builder.PruneAll() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	source := NewDockerAdapterFromClient(builder.Client)
	require.NoError(t, source.Ping(ctx))

	events, streamErr, err := source.Subscribe(ctx)
	require.NoError(t, err)

	labels := map[string]string{"mmcontainers.test": "adapter"}
	c, err := container.RunWorkloadContainer(builder, "mmcontainers_adapter_test", labels)
	if err != nil {
		t.Skipf("cannot start workload container: %v", err)
	}

	ids, err := source.ListRunning(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, c.ID)

	info, err := source.Inspect(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "adapter", info.Labels["mmcontainers.test"])
	assert.NotEmpty(t, info.Image)

	_, err = source.Inspect(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return ev.ID == c.ID && ev.Action == "start"
		default:
			return false
		}
	}, 30*time.Second, 10*time.Millisecond)

	cancel()
	for range events {
	}
	assert.ErrorIs(t, streamErr(), context.Canceled)
}
