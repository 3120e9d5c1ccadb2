package domain

import (
	"fmt"
	"strings"
)

const (
	PodNamespaceLabel = "io.kubernetes.pod.namespace"
	PodNameLabel      = "io.kubernetes.pod.name"

	DefaultContainerPrefix = "docker"
	DefaultKubePrefix      = "kube"
	DefaultLinkPrefix      = "kube-container"
)

// KeySpace derives cache keys. Each prefix owns its own key space.
type KeySpace struct {
	ContainerPrefix string
	KubePrefix      string
	LinkPrefix      string
}

func DefaultKeySpace() KeySpace {
	return KeySpace{
		ContainerPrefix: DefaultContainerPrefix,
		KubePrefix:      DefaultKubePrefix,
		LinkPrefix:      DefaultLinkPrefix,
	}
}

// WithDefaults fills empty prefixes.
func (k KeySpace) WithDefaults() KeySpace {
	if k.ContainerPrefix == "" {
		k.ContainerPrefix = DefaultContainerPrefix
	}
	if k.KubePrefix == "" {
		k.KubePrefix = DefaultKubePrefix
	}
	if k.LinkPrefix == "" {
		k.LinkPrefix = DefaultLinkPrefix
	}
	return k
}

// Validate rejects prefixes that would let two entities share a key.
func (k KeySpace) Validate() error {
	prefixes := map[string]string{
		"container": k.ContainerPrefix,
		"kube":      k.KubePrefix,
		"link":      k.LinkPrefix,
	}
	seen := make(map[string]string, len(prefixes))
	for name, p := range prefixes {
		if p == "" || strings.Contains(p, "/") {
			return fmt.Errorf("%w: %s prefix %q", ErrInvalidKeySpace, name, p)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("%w: %s and %s share prefix %q", ErrInvalidKeySpace, other, name, p)
		}
		seen[p] = name
	}
	return nil
}

func (k KeySpace) Container(id string) string {
	return k.ContainerPrefix + "/" + id
}

func (k KeySpace) Pod(namespace, name string) string {
	return k.KubePrefix + "/" + namespace + "/" + name
}

func (k KeySpace) Namespace(name string) string {
	return k.KubePrefix + "/" + name
}

func (k KeySpace) ContainerLink(id string) string {
	return k.LinkPrefix + "/" + id
}

// PodFromLabels returns the pod key for a container carrying the kubelet pod labels.
func (k KeySpace) PodFromLabels(labels map[string]string) (string, bool) {
	ns, name := labels[PodNamespaceLabel], labels[PodNameLabel]
	if ns == "" || name == "" {
		return "", false
	}
	return k.Pod(ns, name), true
}

// TrimRuntimeScheme turns "containerd://abc" into "abc".
func TrimRuntimeScheme(id string) string {
	if i := strings.Index(id, "://"); i >= 0 {
		return id[i+3:]
	}
	return id
}
