// Package container starts throwaway Docker containers for integration tests.
package container

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

type ContainerType string

const (
	ContainerTypeMongoDB  ContainerType = "mongodb"
	ContainerTypeWorkload ContainerType = "workload"
)

type ContainerInfo struct {
	Name string
	Type ContainerType
}

// ContainerBuilder tracks the containers a test suite started so they can be pruned together.
type ContainerBuilder struct {
	*dockertest.Pool

	mu         sync.Mutex
	containers map[string]ContainerInfo
}

// NewContainerBuilder connects to endpoint, or to DOCKER_HOST when endpoint is empty.
func NewContainerBuilder(endpoint string) (*ContainerBuilder, error) {
	pool, err := dockertest.NewPool(endpoint)
	if err != nil {
		return nil, fmt.Errorf("could not construct docker pool: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to docker: %w", err)
	}
	pool.MaxWait = 2 * time.Minute
	return &ContainerBuilder{
		Pool:       pool,
		containers: map[string]ContainerInfo{},
	}, nil
}

func (b *ContainerBuilder) AddContainer(id string, info ContainerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers[id] = info
}

// FindContainer returns the container with the given name, or nil.
func (b *ContainerBuilder) FindContainer(name string) (*docker.APIContainers, error) {
	containers, err := b.Client.ListContainers(docker.ListContainersOptions{
		All:     true,
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return nil, err
	}
	for i := range containers {
		for _, n := range containers[i].Names {
			if n == "/"+name {
				return &containers[i], nil
			}
		}
	}
	return nil, nil
}

// Remove force-removes one tracked container.
func (b *ContainerBuilder) Remove(id string) error {
	b.mu.Lock()
	delete(b.containers, id)
	b.mu.Unlock()
	return b.Client.RemoveContainer(docker.RemoveContainerOptions{ID: id, Force: true, RemoveVolumes: true})
}

// PruneAll removes every container started through the builder.
func (b *ContainerBuilder) PruneAll() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.containers))
	for id := range b.containers {
		ids = append(ids, id)
	}
	b.containers = map[string]ContainerInfo{}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		err := b.Client.RemoveContainer(docker.RemoveContainerOptions{ID: id, Force: true, RemoveVolumes: true})
		var noSuch *docker.NoSuchContainer
		if err != nil && !errors.As(err, &noSuch) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
