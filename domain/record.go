package domain

const (
	KindContainer = "container"
	KindPod       = "Pod"
	KindNamespace = "Namespace"
)

// MetadataRecord is the value stored for every cache key. A stored record is never mutated;
// updates replace the whole record.
type MetadataRecord struct {
	Kind     string         `json:"kind"`
	Metadata map[string]any `json:"metadata"`
	Status   map[string]any `json:"status,omitempty"`
}

// MetadataField returns metadata[name].
func (r *MetadataRecord) MetadataField(name string) (any, bool) {
	if r == nil || r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[name]
	return v, ok
}

// Labels returns metadata.labels as strings, whichever map form the backend decoded it into.
func (r *MetadataRecord) Labels() map[string]string {
	v, ok := r.MetadataField("labels")
	if !ok {
		return nil
	}
	switch labels := v.(type) {
	case map[string]string:
		return labels
	case map[string]any:
		out := make(map[string]string, len(labels))
		for k, lv := range labels {
			if s, ok := lv.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// ContainerIDs returns the runtime container ids listed in the pod status, scheme stripped.
func (r *MetadataRecord) ContainerIDs() []string {
	if r == nil || r.Kind != KindPod || r.Status == nil {
		return nil
	}
	var ids []string
	for _, field := range []string{"containerStatuses", "initContainerStatuses", "ephemeralContainerStatuses"} {
		statuses, ok := r.Status[field].([]any)
		if !ok {
			continue
		}
		for _, st := range statuses {
			m, ok := st.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["containerID"].(string)
			if id = TrimRuntimeScheme(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ContainerInfo is what the container watcher records about a running container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
}

// Record converts the container details into a store record.
func (c ContainerInfo) Record() *MetadataRecord {
	labels := make(map[string]any, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	return &MetadataRecord{
		Kind: KindContainer,
		Metadata: map[string]any{
			"labels": labels,
			"image":  c.Image,
			"name":   c.Name,
		},
	}
}

// ContainerEvent is one entry of the container engine event feed.
type ContainerEvent struct {
	Type   string
	Action string
	ID     string
}

type WatchAction string

const (
	ActionAdded    WatchAction = "ADDED"
	ActionModified WatchAction = "MODIFIED"
	ActionDeleted  WatchAction = "DELETED"
)
