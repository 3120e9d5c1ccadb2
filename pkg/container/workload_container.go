package container

import (
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

// RunWorkloadContainer starts a long-sleeping busybox carrying labels, standing in for an
// application container whose lifecycle events the watcher should see.
func RunWorkloadContainer(builder *ContainerBuilder, name string, labels map[string]string) (*docker.Container, error) {
	resource, err := builder.RunWithOptions(&dockertest.RunOptions{
		Name:       name,
		Repository: "busybox",
		Tag:        "1.36",
		Cmd:        []string{"sleep", "300"},
		Labels:     labels,
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
	})
	if err != nil {
		return nil, err
	}
	builder.AddContainer(resource.Container.ID, ContainerInfo{Name: name, Type: ContainerTypeWorkload})
	return resource.Container, nil
}
