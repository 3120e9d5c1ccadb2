package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/errs"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
)

var errWatchClosed = errors.New("watch channel closed")

// objectHandler adapts one Kubernetes resource to kubeStream.
type objectHandler interface {
	kind() string
	list(ctx context.Context) ([]runtime.Object, string, error)
	watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
	put(ctx context.Context, obj runtime.Object) error
	remove(ctx context.Context, obj runtime.Object) error
	// removeStale drops stored entries of this kind whose key is not in keep
	removeStale(ctx context.Context, keep map[string]struct{}) error
	key(obj metav1.Object) string
}

// kubeStream is the list-then-watch Source for one resource.
type kubeStream struct {
	name    string
	handler objectHandler
	metrics *Metrics

	listed          []runtime.Object
	resourceVersion string
	bootstrapped    bool
}

func (s *kubeStream) Name() string {
	return s.name
}

// Connect lists the resource; the list's resourceVersion anchors the following watch.
func (s *kubeStream) Connect(ctx context.Context) error {
	items, rv, err := s.handler.list(ctx)
	if err != nil {
		return ClassifyKubeError(fmt.Errorf("list %s: %w", s.handler.kind(), err))
	}
	s.listed, s.resourceVersion = items, rv
	return nil
}

func (s *kubeStream) Bootstrap(ctx context.Context) error {
	items := s.listed
	s.listed = nil

	keep := make(map[string]struct{}, len(items))
	for _, obj := range items {
		accessor, err := meta.Accessor(obj)
		if err != nil {
			continue
		}
		if err := s.handler.put(ctx, obj); err != nil {
			return errs.Transient(err)
		}
		keep[s.handler.key(accessor)] = struct{}{}
	}
	// after a reconnect, entities deleted while disconnected are still stored
	if s.bootstrapped {
		if err := s.handler.removeStale(ctx, keep); err != nil {
			return errs.Transient(err)
		}
	}
	s.bootstrapped = true
	logger.Logger(ctx).Info().Int("objects", len(items)).Str("kind", s.handler.kind()).Msg("bootstrapped objects")
	return nil
}

func (s *kubeStream) Stream(ctx context.Context) error {
	w, err := s.handler.watch(ctx, s.resourceVersion)
	if err != nil {
		return ClassifyKubeError(fmt.Errorf("watch %s: %w", s.handler.kind(), err))
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return errs.Transient(errWatchClosed)
			}
			if err := s.apply(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *kubeStream) apply(ctx context.Context, ev watch.Event) error {
	if ev.Type == watch.Error {
		// expired resource versions land here; re-listing recovers
		return ClassifyKubeError(fmt.Errorf("watch %s: %w", s.handler.kind(), apierrors.FromObject(ev.Object)))
	}

	accessor, err := meta.Accessor(ev.Object)
	if err != nil {
		logger.Logger(ctx).Warn().Err(err).Str("type", string(ev.Type)).Msg("ignoring event without object metadata")
		return nil
	}
	if rv := accessor.GetResourceVersion(); rv != "" {
		s.resourceVersion = rv
	}

	switch ev.Type {
	case watch.Added, watch.Modified:
		err = s.handler.put(ctx, ev.Object)
	case watch.Deleted:
		err = s.handler.remove(ctx, ev.Object)
	default:
		return nil
	}
	logger.Logger(ctx).Debug().Str("action", string(ev.Type)).Str("key", s.handler.key(accessor)).Msg("object event")
	if err != nil {
		return errs.Transient(err)
	}
	s.metrics.recordEvent(s.name, domain.WatchAction(ev.Type))
	return nil
}

// ClassifyKubeError marks credential and request errors as fatal; everything else is retried.
func ClassifyKubeError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsUnauthorized(err),
		apierrors.IsForbidden(err),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err):
		return errs.Fatal(err)
	}
	return errs.Transient(err)
}

// objectRecord converts a typed object into a store record using its JSON field names.
func objectRecord(kind string, obj runtime.Object) (*domain.MetadataRecord, error) {
	u, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", kind, err)
	}
	metadata, _ := u["metadata"].(map[string]any)
	if metadata == nil {
		metadata = map[string]any{}
	}
	delete(metadata, "managedFields")
	status, _ := u["status"].(map[string]any)
	return &domain.MetadataRecord{
		Kind:     kind,
		Metadata: metadata,
		Status:   status,
	}, nil
}
