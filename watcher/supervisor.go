package watcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

// Factory builds a watcher once it has been selected.
type Factory func() (domain.Watcher, error)

type registration struct {
	name      string
	available bool
	factory   Factory
}

// Supervisor starts the selected watchers and joins them. The first fatal watcher error
// cancels the others.
type Supervisor struct {
	registered []registration
	watchers   []domain.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	failed chan error

	mu   sync.Mutex
	errs []error
}

func NewSupervisor() *Supervisor {
	return &Supervisor{failed: make(chan error, 1)}
}

// Register offers a watcher. available tells whether its event source is usable on this host.
func (s *Supervisor) Register(name string, available bool, factory Factory) {
	s.registered = append(s.registered, registration{name: name, available: available, factory: factory})
}

// Configure selects the watchers. With nothing requested every available source is watched.
// It fails with domain.ErrNothingToWatch when the selection is empty.
func (s *Supervisor) Configure(requested []string) error {
	names := Resolve(requested, s.available())
	if len(names) == 0 {
		return domain.ErrNothingToWatch
	}

	s.watchers = s.watchers[:0]
	for _, name := range names {
		idx := slices.IndexFunc(s.registered, func(r registration) bool { return r.name == name })
		if idx < 0 {
			return fmt.Errorf("unknown watcher %q", name)
		}
		w, err := s.registered[idx].factory()
		if err != nil {
			return fmt.Errorf("create %s watcher: %w", name, err)
		}
		s.watchers = append(s.watchers, w)
	}
	return nil
}

func (s *Supervisor) available() []string {
	var names []string
	for _, r := range s.registered {
		if r.available {
			names = append(names, r.name)
		}
	}
	return names
}

// Resolve applies the default: an empty request means every available source.
func Resolve(requested, available []string) []string {
	if len(requested) > 0 {
		var names []string
		for _, name := range requested {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
		return names
	}
	return slices.Clone(available)
}

// Watchers returns the names of the configured watchers.
func (s *Supervisor) Watchers() []string {
	names := make([]string, 0, len(s.watchers))
	for _, w := range s.watchers {
		names = append(names, w.Name())
	}
	return names
}

// States reports the state of every configured stream, keyed by stream name.
func (s *Supervisor) States() map[string]State {
	states := make(map[string]State)
	for _, w := range s.watchers {
		switch sw := w.(type) {
		case interface{ States() map[string]State }:
			maps.Copy(states, sw.States())
		case interface{ State() State }:
			states[w.Name()] = sw.State()
		}
	}
	return states
}

// Start launches every configured watcher and returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.watchers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log := logger.Logger(ctx).With().Str("watcher", w.Name()).Logger()
			log.Info().Msg("starting watcher")
			if err := w.Run(ctx); err != nil {
				s.fail(fmt.Errorf("%s watcher: %w", w.Name(), err))
				return
			}
			log.Info().Msg("watcher exited")
		}()
	}
	logger.Logger(ctx).Debug().Strs("watchers", s.Watchers()).Msg("all watchers are running")
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	select {
	case s.failed <- err:
	default:
	}
	s.cancel()
}

// Failed delivers the first fatal watcher error.
func (s *Supervisor) Failed() <-chan error {
	return s.failed
}

// Stop cancels every watcher; Wait returns once they have exited.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until every watcher has exited and returns their fatal errors.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}
