package service

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
)

const (
	DefaultRootKey             = "$!"
	DefaultContainerIDField    = "CONTAINER_ID_FULL"
	DefaultDockerNamespace     = "docker"
	DefaultKubernetesNamespace = "kubernetes"
)

var (
	DefaultDockerFields     = []string{"labels", "image"}
	DefaultKubernetesFields = []string{"name", "namespace", "labels", "annotations"}
)

// EnricherOptions controls which metadata is merged into a record and where.
type EnricherOptions struct {
	RootKey          string
	ContainerIDField string
	KeySpace         domain.KeySpace

	// Leaving both false includes both.
	IncludeDocker     bool
	IncludeKubernetes bool

	DockerNamespace     string
	KubernetesNamespace string
	DockerFields        []string
	KubernetesFields    []string
}

// EnricherOptionsFromConfig maps the enrich section and the configured key prefixes.
func EnricherOptionsFromConfig(cfg config.Config) EnricherOptions {
	return EnricherOptions{
		RootKey:          cfg.Enrich.RootKey,
		ContainerIDField: cfg.Enrich.ContainerIDField,
		KeySpace: domain.KeySpace{
			ContainerPrefix: cfg.Docker.Prefix,
			KubePrefix:      cfg.Kubernetes.Prefix,
			LinkPrefix:      cfg.Kubernetes.LinkPrefix,
		},
		IncludeDocker:       cfg.Enrich.IncludeDocker,
		IncludeKubernetes:   cfg.Enrich.IncludeKubernetes,
		DockerNamespace:     cfg.Enrich.DockerNamespace,
		KubernetesNamespace: cfg.Enrich.KubernetesNamespace,
		DockerFields:        cfg.Enrich.DockerFields,
		KubernetesFields:    cfg.Enrich.KubernetesFields,
	}
}

func (o EnricherOptions) withDefaults() EnricherOptions {
	if o.RootKey == "" {
		o.RootKey = DefaultRootKey
	}
	if o.ContainerIDField == "" {
		o.ContainerIDField = DefaultContainerIDField
	}
	o.KeySpace = o.KeySpace.WithDefaults()
	if !o.IncludeDocker && !o.IncludeKubernetes {
		o.IncludeDocker, o.IncludeKubernetes = true, true
	}
	if o.DockerNamespace == "" {
		o.DockerNamespace = DefaultDockerNamespace
	}
	if o.KubernetesNamespace == "" {
		o.KubernetesNamespace = DefaultKubernetesNamespace
	}
	if o.DockerFields == nil {
		o.DockerFields = DefaultDockerFields
	}
	if o.KubernetesFields == nil {
		o.KubernetesFields = DefaultKubernetesFields
	}
	return o
}

// Enricher merges stored container and pod metadata into log records.
type Enricher struct {
	reader domain.RecordReader
	opts   EnricherOptions
}

func NewEnricher(reader domain.RecordReader, opts EnricherOptions) *Enricher {
	return &Enricher{reader: reader, opts: opts.withDefaults()}
}

// Enrich returns record with the metadata namespaces merged under the root key. When nothing
// applies the input is returned as is. The input is never modified.
func (e *Enricher) Enrich(ctx context.Context, record map[string]any) (map[string]any, error) {
	update, err := e.Lookup(ctx, record)
	if err != nil {
		return record, err
	}
	return e.merge(record, update), nil
}

// Lookup returns only the update, {root: {namespace: {...}}}, or an empty map.
func (e *Enricher) Lookup(ctx context.Context, record map[string]any) (map[string]any, error) {
	update := map[string]any{}
	id, ok := e.containerID(record)
	if !ok {
		return update, nil
	}

	primary, err := e.get(ctx, e.opts.KeySpace.Container(id))
	if err != nil || primary == nil {
		return update, err
	}

	namespaces := map[string]any{}
	if e.opts.IncludeDocker {
		namespaces[e.opts.DockerNamespace] = pick(primary, e.opts.DockerFields)
	}
	if e.opts.IncludeKubernetes {
		pod, err := e.pod(ctx, id, primary)
		if err != nil {
			return update, err
		}
		if pod != nil {
			namespaces[e.opts.KubernetesNamespace] = pick(pod, e.opts.KubernetesFields)
		}
	}
	if len(namespaces) > 0 {
		update[e.opts.RootKey] = namespaces
	}
	return update, nil
}

func (e *Enricher) containerID(record map[string]any) (string, bool) {
	root, ok := record[e.opts.RootKey].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := root[e.opts.ContainerIDField].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// pod follows the kubelet labels on the container, then the container link written by the
// pod watcher.
func (e *Enricher) pod(ctx context.Context, id string, container *domain.MetadataRecord) (*domain.MetadataRecord, error) {
	if key, ok := e.opts.KeySpace.PodFromLabels(container.Labels()); ok {
		pod, err := e.get(ctx, key)
		if err != nil || pod != nil {
			return pod, err
		}
	}
	return e.get(ctx, e.opts.KeySpace.ContainerLink(id))
}

// get returns nil without error when key is absent.
func (e *Enricher) get(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	record, err := e.reader.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Logger(ctx).Debug().Str("key", key).Msg("no metadata for key")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return record, nil
}

func (e *Enricher) merge(record, update map[string]any) map[string]any {
	namespaces, ok := update[e.opts.RootKey].(map[string]any)
	if !ok || len(namespaces) == 0 {
		return record
	}
	out := maps.Clone(record)
	root, _ := record[e.opts.RootKey].(map[string]any)
	root = maps.Clone(root)
	if root == nil {
		root = map[string]any{}
	}
	maps.Copy(root, namespaces)
	out[e.opts.RootKey] = root
	return out
}

func pick(record *domain.MetadataRecord, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if v, ok := record.MetadataField(field); ok {
			out[field] = v
		}
	}
	return out
}
