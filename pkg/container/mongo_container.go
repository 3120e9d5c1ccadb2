package container

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	mongo "go.mongodb.org/mongo-driver/v2/mongo"
	mongooption "go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	mongoDBPort = 27017
)

// RunMongoContainer starts (or reuses) a MongoDB container and returns cfg pointing at it.
func RunMongoContainer(builder *ContainerBuilder, name string, cfg config.MongoDBConfig) (config.MongoDBConfig, error) {
	runOptions := dockertest.RunOptions{
		Name:       name,
		Repository: "mongo",
		Tag:        "8.2.2",
		Env: []string{
			"MONGO_INITDB_ROOT_USERNAME=" + cfg.User,
			"MONGO_INITDB_ROOT_PASSWORD=" + cfg.Password.Value(),
		},
	}
	if cfg.Port != "" {
		runOptions.PortBindings = map[docker.Port][]docker.PortBinding{
			docker.Port(strconv.Itoa(mongoDBPort) + "/tcp"): {{HostIP: "127.0.0.1", HostPort: cfg.Port}},
		}
	}

	existing, err := builder.FindContainer(name)
	if err != nil {
		return cfg, err
	}
	if existing != nil && existing.State == "running" {
		for _, bind := range existing.Ports {
			if bind.PrivatePort == mongoDBPort && bind.PublicPort != 0 {
				builder.AddContainer(existing.ID, ContainerInfo{Name: name, Type: ContainerTypeMongoDB})
				cfg.Host = bind.IP
				cfg.Port = strconv.FormatInt(bind.PublicPort, 10)
				return cfg, nil
			}
		}
		return cfg, fmt.Errorf("failed to find public port for mongo container (%s)", name)
	}

	resource, err := builder.RunWithOptions(&runOptions)
	if err != nil {
		return cfg, err
	}
	builder.AddContainer(resource.Container.ID, ContainerInfo{Name: name, Type: ContainerTypeMongoDB})
	cfg.Host = resource.GetBoundIP(strconv.Itoa(mongoDBPort) + "/tcp")
	cfg.Port = resource.GetPort(strconv.Itoa(mongoDBPort) + "/tcp")

	err = builder.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		uri := fmt.Sprintf("mongodb://%s:%s@%s:%s", cfg.User, cfg.Password.Value(), cfg.Host, cfg.Port)
		client, err := mongo.Connect(mongooption.Client().ApplyURI(uri))
		if err != nil {
			return err
		}
		defer client.Disconnect(ctx)
		return client.Ping(ctx, nil)
	})
	return cfg, err
}
