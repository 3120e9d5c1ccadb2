package docker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	dockerclient "github.com/ory/dockertest/v3/docker"
)

var ErrEventStreamClosed = errors.New("docker event stream closed")

const (
	// eventBuffer absorbs bursts between two reads of the listener.
	eventBuffer = 256

	containerEventType = "container"
)

const availabilityTimeout = 2 * time.Second

// Options contains Docker adapter options
type Options struct {
	// Endpoint overrides DOCKER_HOST, e.g. unix:///var/run/docker.sock
	Endpoint string
}

type dockerSource struct {
	client *dockerclient.Client
}

// NewDockerAdapter builds a client from opts or the DOCKER_* environment. It does not contact
// the daemon; an error means the configuration itself is unusable.
func NewDockerAdapter(opts Options) (domain.ContainerSource, error) {
	var (
		client *dockerclient.Client
		err    error
	)
	if opts.Endpoint != "" {
		client, err = dockerclient.NewClient(opts.Endpoint)
	} else {
		client, err = dockerclient.NewClientFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &dockerSource{client: client}, nil
}

// NewDockerAdapterFromClient wraps an existing client.
func NewDockerAdapterFromClient(client *dockerclient.Client) domain.ContainerSource {
	return &dockerSource{client: client}
}

func (s *dockerSource) Ping(ctx context.Context) error {
	if err := s.client.PingWithContext(ctx); err != nil {
		return Classify(fmt.Errorf("ping docker: %w", err))
	}
	return nil
}

func (s *dockerSource) ListRunning(ctx context.Context) ([]string, error) {
	containers, err := s.client.ListContainers(dockerclient.ListContainersOptions{Context: ctx})
	if err != nil {
		return nil, Classify(fmt.Errorf("list containers: %w", err))
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *dockerSource) Inspect(ctx context.Context, id string) (domain.ContainerInfo, error) {
	c, err := s.client.InspectContainerWithContext(id, ctx)
	if err != nil {
		var noSuch *dockerclient.NoSuchContainer
		if errors.As(err, &noSuch) {
			return domain.ContainerInfo{}, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return domain.ContainerInfo{}, Classify(fmt.Errorf("inspect container %s: %w", id, err))
	}
	info := domain.ContainerInfo{
		ID:    c.ID,
		Name:  c.Name,
		Image: c.Image,
	}
	if c.Config != nil {
		info.Labels = c.Config.Labels
	}
	return info, nil
}

func (s *dockerSource) Subscribe(ctx context.Context) (<-chan domain.ContainerEvent, func() error, error) {
	listener := make(chan *dockerclient.APIEvents, eventBuffer)
	if err := s.client.AddEventListener(listener); err != nil {
		return nil, nil, Classify(fmt.Errorf("subscribe to docker events: %w", err))
	}

	out := make(chan domain.ContainerEvent)
	var (
		mu        sync.Mutex
		streamErr error
	)
	setErr := func(err error) {
		mu.Lock()
		streamErr = err
		mu.Unlock()
	}

	go func() {
		defer close(out)
		defer func() {
			_ = s.client.RemoveEventListener(listener)
		}()
		setErr(forwardEvents(ctx, listener, out))
	}()

	return out, func() error {
		mu.Lock()
		defer mu.Unlock()
		return streamErr
	}, nil
}

// forwardEvents moves container events from listener to out until the daemon stream ends or
// ctx is done. The client drops events for a full listener; listener is drained into a queue
// independently of how fast out is consumed. Queued events are delivered before the end of the
// stream is reported.
func forwardEvents(ctx context.Context, listener <-chan *dockerclient.APIEvents, out chan<- domain.ContainerEvent) error {
	var (
		pending []domain.ContainerEvent
		ended   error
	)
	for {
		if ended != nil && len(pending) == 0 {
			return ended
		}
		var (
			send chan<- domain.ContainerEvent
			next domain.ContainerEvent
		)
		if len(pending) > 0 {
			send, next = out, pending[0]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case send <- next:
			pending = pending[1:]
		case ev, ok := <-listener:
			if !ok || (ev != nil && ev.Type == dockerclient.EOFEvent.Type && ev.Status == dockerclient.EOFEvent.Status) {
				// the client closes listeners when the daemon connection ends
				ended = errs.Transient(ErrEventStreamClosed)
				listener = nil
				continue
			}
			if ev == nil {
				continue
			}
			if e := toContainerEvent(ev); e.Type == containerEventType {
				pending = append(pending, e)
			}
		}
	}
}

// toContainerEvent normalises old (status/id/from) and new (type/action/actor) event formats.
func toContainerEvent(ev *dockerclient.APIEvents) domain.ContainerEvent {
	typ := ev.Type
	if typ == "" {
		typ = containerEventType
	}
	action := ev.Action
	if action == "" {
		action = ev.Status
	}
	// exec events carry "exec_start: sh" style actions
	if i := strings.IndexByte(action, ':'); i >= 0 {
		action = action[:i]
	}
	id := ev.Actor.ID
	if id == "" {
		id = ev.ID
	}
	return domain.ContainerEvent{Type: typ, Action: action, ID: id}
}

// Classify marks authentication and authorization failures as fatal; everything else is retried.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *dockerclient.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errs.Fatal(err)
		}
	}
	if errors.Is(err, dockerclient.ErrInvalidEndpoint) {
		return errs.Fatal(err)
	}
	return errs.Transient(err)
}

// Available reports whether the daemon configured by opts answers a ping.
func Available(ctx context.Context, opts Options) bool {
	source, err := NewDockerAdapter(opts)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
		defer cancel()
		err = source.Ping(pingCtx)
	}
	if err != nil {
		logger.Logger(ctx).Debug().Err(err).Msg("docker source not available")
		return false
	}
	return true
}
