package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/Gthulhu/mmcontainers/pkg/backoff"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

const (
	ContainerWatcherName = "docker"

	containerEventType  = "container"
	containerActionAdd  = "start"
	containerActionGone = "die"
)

type Options struct {
	KeySpace domain.KeySpace
	Backoff  backoff.Options
	Metrics  *Metrics
}

// ContainerWatcher mirrors running containers into the store under <container prefix>/<id>.
type ContainerWatcher struct {
	source domain.ContainerSource
	store  domain.Store
	keys   domain.KeySpace
	opts   Options
	runner *runner

	// set by Connect, consumed by Stream
	events    <-chan domain.ContainerEvent
	streamErr func() error
}

func NewContainerWatcher(source domain.ContainerSource, store domain.Store, opts Options) *ContainerWatcher {
	w := &ContainerWatcher{
		source: source,
		store:  store,
		keys:   opts.KeySpace.WithDefaults(),
		opts:   opts,
	}
	w.runner = newRunner(w, opts.Backoff, opts.Metrics)
	return w
}

func (w *ContainerWatcher) Name() string {
	return ContainerWatcherName
}

func (w *ContainerWatcher) Run(ctx context.Context) error {
	return w.runner.Run(ctx)
}

func (w *ContainerWatcher) State() State {
	return w.runner.State()
}

// Connect pings the engine and subscribes before bootstrap, so containers started while
// listing are still seen.
func (w *ContainerWatcher) Connect(ctx context.Context) error {
	if err := w.source.Ping(ctx); err != nil {
		return err
	}
	events, streamErr, err := w.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	w.events, w.streamErr = events, streamErr
	return nil
}

func (w *ContainerWatcher) Bootstrap(ctx context.Context) error {
	ids, err := w.source.ListRunning(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := w.add(ctx, id); err != nil {
			return err
		}
		keep[w.keys.Container(id)] = struct{}{}
	}
	// containers that stopped while the stream was down, or whose die event was lost
	removed, err := w.removeStale(ctx, keep)
	if err != nil {
		return err
	}
	logger.Logger(ctx).Info().Int("containers", len(ids)).Int("stale", removed).Msg("bootstrapped containers")
	return nil
}

func (w *ContainerWatcher) removeStale(ctx context.Context, keep map[string]struct{}) (int, error) {
	prefix := w.keys.ContainerPrefix + "/"
	var stale []string
	err := w.store.Range(ctx, func(key string, record *domain.MetadataRecord) bool {
		if record.Kind != domain.KindContainer || !strings.HasPrefix(key, prefix) {
			return true
		}
		if _, ok := keep[key]; !ok {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, errs.Transient(fmt.Errorf("list stored containers: %w", err))
	}
	if err := removeKeys(ctx, w.store, stale); err != nil {
		return 0, errs.Transient(err)
	}
	return len(stale), nil
}

func (w *ContainerWatcher) Stream(ctx context.Context) error {
	events, streamErr := w.events, w.streamErr
	w.events, w.streamErr = nil, nil
	if events == nil {
		return errs.Transient(errStreamEnded)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := streamErr(); err != nil {
					return err
				}
				return errs.Transient(errStreamEnded)
			}
			if err := w.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (w *ContainerWatcher) handle(ctx context.Context, ev domain.ContainerEvent) error {
	if ev.Type != containerEventType || ev.ID == "" {
		return nil
	}
	switch ev.Action {
	case containerActionAdd:
		logger.Logger(ctx).Debug().Str("action", ev.Action).Str("id", ev.ID).Msg("container event")
		return w.add(ctx, ev.ID)
	case containerActionGone:
		logger.Logger(ctx).Debug().Str("action", ev.Action).Str("id", ev.ID).Msg("container event")
		return w.remove(ctx, ev.ID)
	}
	return nil
}

func (w *ContainerWatcher) add(ctx context.Context, id string) error {
	info, err := w.source.Inspect(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Logger(ctx).Info().Str("id", id).Msg("container vanished before inspect, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if info.ID == "" {
		info.ID = id
	}
	key := w.keys.Container(info.ID)
	if err := w.store.Put(ctx, key, info.Record()); err != nil {
		return errs.Transient(fmt.Errorf("put %s: %w", key, err))
	}
	w.opts.Metrics.recordEvent(w.Name(), domain.ActionAdded)
	return nil
}

func (w *ContainerWatcher) remove(ctx context.Context, id string) error {
	key := w.keys.Container(id)
	if err := w.store.Remove(ctx, key); err != nil {
		return errs.Transient(fmt.Errorf("remove %s: %w", key, err))
	}
	w.opts.Metrics.recordEvent(w.Name(), domain.ActionDeleted)
	return nil
}
