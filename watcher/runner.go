// Package watcher mirrors container and orchestration events into the shared metadata store.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/Gthulhu/mmcontainers/pkg/backoff"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateBootstrapping State = "bootstrapping"
	StateStreaming     State = "streaming"
	StateStopped       State = "stopped"
)

var errStreamEnded = errors.New("event stream ended")

// Source is one event stream driven by a runner.
type Source interface {
	Name() string
	// Connect establishes the session with the event source
	Connect(ctx context.Context) error
	// Bootstrap puts every entity that currently exists
	Bootstrap(ctx context.Context) error
	// Stream applies events until the stream fails or ctx is done
	Stream(ctx context.Context) error
}

// runner loops Connecting -> Bootstrapping -> Streaming, backing off after every transient
// failure, until ctx is cancelled or the source reports a fatal error.
type runner struct {
	source  Source
	backoff *backoff.Backoff
	metrics *Metrics

	mu    sync.RWMutex
	state State
}

func newRunner(source Source, opts backoff.Options, metrics *Metrics) *runner {
	return &runner{
		source:  source,
		backoff: backoff.New(opts),
		metrics: metrics,
		state:   StateIdle,
	}
}

func (r *runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *runner) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.metrics.setState(r.source.Name(), state)
}

func (r *runner) Run(ctx context.Context) error {
	log := logger.Logger(ctx).With().Str("watcher", r.source.Name()).Logger()
	ctx = log.WithContext(ctx)
	defer r.setState(StateStopped)

	for {
		err := r.attempt(ctx)
		if ctx.Err() != nil {
			log.Debug().Msg("watcher stopped")
			return nil
		}
		if err == nil {
			err = errs.Transient(errStreamEnded)
		}
		if errs.IsFatal(err) {
			r.metrics.recordError(r.source.Name(), errs.ClassFatal)
			log.Error().Err(err).Msg("watcher failed")
			return err
		}

		r.metrics.recordError(r.source.Name(), errs.ClassTransient)
		delay := r.backoff.Next()
		log.Warn().Err(err).Str("state", string(r.State())).Dur("retry_in", delay).Msg("watcher interrupted, reconnecting")
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
		r.metrics.recordReconnect(r.source.Name())
	}
}

// attempt runs one connection lifetime. Everything it starts is torn down when it returns.
func (r *runner) attempt(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.setState(StateConnecting)
	if err := r.source.Connect(ctx); err != nil {
		return err
	}
	r.setState(StateBootstrapping)
	if err := r.source.Bootstrap(ctx); err != nil {
		return err
	}
	logger.Logger(ctx).Info().Msg("bootstrap complete, streaming events")
	r.setState(StateStreaming)
	return r.source.Stream(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
