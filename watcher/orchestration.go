package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	k8sadapter "github.com/Gthulhu/mmcontainers/adapter/kubernetes"
	"github.com/Gthulhu/mmcontainers/domain"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

const OrchestrationWatcherName = "kubernetes"

// OrchestrationWatcher mirrors pods and namespaces. The two streams reconnect independently,
// each with its own backoff.
type OrchestrationWatcher struct {
	pods       *runner
	namespaces *runner
}

func NewOrchestrationWatcher(client kubernetes.Interface, store domain.Store, opts Options) *OrchestrationWatcher {
	keys := opts.KeySpace.WithDefaults()
	return &OrchestrationWatcher{
		pods: newRunner(&kubeStream{
			name:    OrchestrationWatcherName + "/pods",
			handler: &podHandler{client: client, store: store, keys: keys},
			metrics: opts.Metrics,
		}, opts.Backoff, opts.Metrics),
		namespaces: newRunner(&kubeStream{
			name:    OrchestrationWatcherName + "/namespaces",
			handler: &namespaceHandler{client: client, store: store, keys: keys},
			metrics: opts.Metrics,
		}, opts.Backoff, opts.Metrics),
	}
}

func (w *OrchestrationWatcher) Name() string {
	return OrchestrationWatcherName
}

// Run returns nil once ctx is cancelled. A fatal error in either stream stops both.
func (w *OrchestrationWatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.pods.Run(ctx) })
	g.Go(func() error { return w.namespaces.Run(ctx) })
	return g.Wait()
}

func (w *OrchestrationWatcher) States() map[string]State {
	return map[string]State{
		w.pods.source.Name():       w.pods.State(),
		w.namespaces.source.Name(): w.namespaces.State(),
	}
}

type podHandler struct {
	client kubernetes.Interface
	store  domain.Store
	keys   domain.KeySpace
}

func (h *podHandler) kind() string {
	return domain.KindPod
}

func (h *podHandler) key(obj metav1.Object) string {
	return h.keys.Pod(obj.GetNamespace(), obj.GetName())
}

func (h *podHandler) list(ctx context.Context) ([]runtime.Object, string, error) {
	ctx, cancel := context.WithTimeout(ctx, k8sadapter.RequestTimeout)
	defer cancel()
	pods, err := h.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	items := make([]runtime.Object, 0, len(pods.Items))
	for i := range pods.Items {
		items = append(items, &pods.Items[i])
	}
	return items, pods.ResourceVersion, nil
}

func (h *podHandler) watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return h.client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
}

// put stores the pod and one link per container id, dropping links of replaced containers.
func (h *podHandler) put(ctx context.Context, obj runtime.Object) error {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil
	}
	record, err := objectRecord(domain.KindPod, pod)
	if err != nil {
		return err
	}
	key := h.keys.Pod(pod.Namespace, pod.Name)
	previous, err := h.stored(ctx, key)
	if err != nil {
		return err
	}

	if err := h.store.Put(ctx, key, record); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	current := make(map[string]struct{})
	for _, id := range record.ContainerIDs() {
		current[id] = struct{}{}
		if err := h.store.Put(ctx, h.keys.ContainerLink(id), record); err != nil {
			return fmt.Errorf("put %s: %w", h.keys.ContainerLink(id), err)
		}
	}
	for _, id := range previous.ContainerIDs() {
		if _, ok := current[id]; ok {
			continue
		}
		if err := h.store.Remove(ctx, h.keys.ContainerLink(id)); err != nil {
			return fmt.Errorf("remove %s: %w", h.keys.ContainerLink(id), err)
		}
	}
	return nil
}

// remove drops the pod and every link known from the stored record or the final state.
func (h *podHandler) remove(ctx context.Context, obj runtime.Object) error {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil
	}
	key := h.keys.Pod(pod.Namespace, pod.Name)
	previous, err := h.stored(ctx, key)
	if err != nil {
		return err
	}
	final, err := objectRecord(domain.KindPod, pod)
	if err != nil {
		return err
	}

	if err := h.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	for _, id := range append(previous.ContainerIDs(), final.ContainerIDs()...) {
		if err := h.store.Remove(ctx, h.keys.ContainerLink(id)); err != nil {
			return fmt.Errorf("remove %s: %w", h.keys.ContainerLink(id), err)
		}
	}
	return nil
}

func (h *podHandler) removeStale(ctx context.Context, keep map[string]struct{}) error {
	podPrefix := h.keys.KubePrefix + "/"
	linkPrefix := h.keys.LinkPrefix + "/"
	var stale []string
	err := h.store.Range(ctx, func(key string, record *domain.MetadataRecord) bool {
		if record.Kind != domain.KindPod {
			return true
		}
		switch {
		case strings.HasPrefix(key, podPrefix):
			if _, ok := keep[key]; !ok {
				stale = append(stale, key)
			}
		case strings.HasPrefix(key, linkPrefix):
			ns, _ := record.Metadata["namespace"].(string)
			name, _ := record.Metadata["name"].(string)
			if _, ok := keep[h.keys.Pod(ns, name)]; !ok {
				stale = append(stale, key)
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return removeKeys(ctx, h.store, stale)
}

func (h *podHandler) stored(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	record, err := h.store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return record, nil
}

type namespaceHandler struct {
	client kubernetes.Interface
	store  domain.Store
	keys   domain.KeySpace
}

func (h *namespaceHandler) kind() string {
	return domain.KindNamespace
}

func (h *namespaceHandler) key(obj metav1.Object) string {
	return h.keys.Namespace(obj.GetName())
}

func (h *namespaceHandler) list(ctx context.Context) ([]runtime.Object, string, error) {
	ctx, cancel := context.WithTimeout(ctx, k8sadapter.RequestTimeout)
	defer cancel()
	namespaces, err := h.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}
	items := make([]runtime.Object, 0, len(namespaces.Items))
	for i := range namespaces.Items {
		items = append(items, &namespaces.Items[i])
	}
	return items, namespaces.ResourceVersion, nil
}

func (h *namespaceHandler) watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return h.client.CoreV1().Namespaces().Watch(ctx, metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	})
}

func (h *namespaceHandler) put(ctx context.Context, obj runtime.Object) error {
	ns, ok := obj.(*corev1.Namespace)
	if !ok {
		return nil
	}
	record, err := objectRecord(domain.KindNamespace, ns)
	if err != nil {
		return err
	}
	key := h.keys.Namespace(ns.Name)
	if err := h.store.Put(ctx, key, record); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (h *namespaceHandler) remove(ctx context.Context, obj runtime.Object) error {
	ns, ok := obj.(*corev1.Namespace)
	if !ok {
		return nil
	}
	key := h.keys.Namespace(ns.Name)
	if err := h.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (h *namespaceHandler) removeStale(ctx context.Context, keep map[string]struct{}) error {
	var stale []string
	err := h.store.Range(ctx, func(key string, record *domain.MetadataRecord) bool {
		if record.Kind == domain.KindNamespace {
			if _, ok := keep[key]; !ok {
				stale = append(stale, key)
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	return removeKeys(ctx, h.store, stale)
}

func removeKeys(ctx context.Context, store domain.Store, keys []string) error {
	for _, key := range keys {
		if err := store.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}
