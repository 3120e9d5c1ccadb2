package config

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultConfigName = "mmcontainers"
	envPrefix         = "MMCONTAINERS"
)

type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Server     ServerConfig     `mapstructure:"server"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	FilePath string `mapstructure:"file_path"`
}

// CacheConfig selects the shared metadata store backend.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	Path    string        `mapstructure:"path"`
	NoSync  bool          `mapstructure:"no_sync"`
	MongoDB MongoDBConfig `mapstructure:"mongodb"`
}

type MongoDBConfig struct {
	Database   string      `mapstructure:"database"`
	Collection string      `mapstructure:"collection"`
	User       string      `mapstructure:"user"`
	Password   SecretValue `mapstructure:"password"`
	Port       string      `mapstructure:"port"`
	Host       string      `mapstructure:"host"`
}

type DockerConfig struct {
	// Endpoint overrides DOCKER_HOST when set.
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type KubernetesConfig struct {
	KubeConfigPath string `mapstructure:"kubeconfig"`
	InCluster      bool   `mapstructure:"in_cluster"`
	Prefix         string `mapstructure:"prefix"`
	LinkPrefix     string `mapstructure:"link_prefix"`
}

// WatchConfig lists the requested event sources. Leaving both unset watches every available source.
type WatchConfig struct {
	Docker     bool `mapstructure:"docker"`
	Kubernetes bool `mapstructure:"kubernetes"`
}

type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Reset   time.Duration `mapstructure:"reset"`
}

type EnrichConfig struct {
	RootKey             string        `mapstructure:"root_key"`
	ContainerIDField    string        `mapstructure:"container_id_field"`
	IncludeDocker       bool          `mapstructure:"include_docker"`
	IncludeKubernetes   bool          `mapstructure:"include_kubernetes"`
	DockerNamespace     string        `mapstructure:"docker_namespace"`
	KubernetesNamespace string        `mapstructure:"kubernetes_namespace"`
	DockerFields        []string      `mapstructure:"docker_fields"`
	KubernetesFields    []string      `mapstructure:"kubernetes_fields"`
	OutputMode          string        `mapstructure:"output_mode"`
	MalformedPolicy     string        `mapstructure:"malformed_policy"`
	LookupCacheTTL      time.Duration `mapstructure:"lookup_cache_ttl"`
	LookupCacheSize     int           `mapstructure:"lookup_cache_size"`
}

type ServerConfig struct {
	Host string     `mapstructure:"host"`
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig turns on bearer token checks for the /api routes. Tokens are RS256 JWTs signed
// elsewhere; only the public key is configured here.
type AuthConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	RsaPublicKeyPem  string `mapstructure:"rsa_public_key_pem"`
	RsaPublicKeyFile string `mapstructure:"rsa_public_key_file"` // read when RsaPublicKeyPem is empty
}

// SecretValue hides its content when printed or logged.
type SecretValue string

func (s SecretValue) String() string {
	if s == "" {
		return ""
	}
	return "******"
}

func (s SecretValue) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s SecretValue) Value() string {
	return string(s)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.console", true)
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.path", "/var/run/mmcontainers/cache.db")
	v.SetDefault("cache.mongodb.database", "mmcontainers")
	v.SetDefault("cache.mongodb.collection", "metadata")
	v.SetDefault("cache.mongodb.port", "27017")
	v.SetDefault("docker.prefix", "docker")
	v.SetDefault("kubernetes.prefix", "kube")
	v.SetDefault("kubernetes.link_prefix", "kube-container")
	v.SetDefault("backoff.initial", time.Second)
	v.SetDefault("backoff.max", 30*time.Second)
	v.SetDefault("backoff.reset", 10*time.Second)
	v.SetDefault("enrich.root_key", "$!")
	v.SetDefault("enrich.container_id_field", "CONTAINER_ID_FULL")
	v.SetDefault("enrich.docker_namespace", "docker")
	v.SetDefault("enrich.kubernetes_namespace", "kubernetes")
	v.SetDefault("enrich.docker_fields", []string{"labels", "image"})
	v.SetDefault("enrich.kubernetes_fields", []string{"name", "namespace", "labels", "annotations"})
	v.SetDefault("enrich.output_mode", "merge")
	v.SetDefault("enrich.malformed_policy", "passthrough")
	v.SetDefault("enrich.lookup_cache_size", 1024)
	v.SetDefault("server.host", ":8090")
	v.SetDefault("server.auth.enabled", false)
}

// InitConfig reads configName.toml from configPath, ./config and /etc/mmcontainers. A missing file
// is not an error; defaults and MMCONTAINERS_* environment variables still apply.
func InitConfig(configName string, configPath string) (Config, error) {
	return Load(viper.GetViper(), configName, configPath)
}

// Load is InitConfig against an explicit viper instance so command line flags can be bound to it first.
func Load(v *viper.Viper, configName string, configPath string) (Config, error) {
	var cfg Config
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	if configName == "" {
		configName = DefaultConfigName
	}
	configName = strings.TrimSuffix(configName, ".toml")
	v.AddConfigPath(GetAbsPath("config"))
	v.AddConfigPath("/etc/mmcontainers")
	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, err
		}
	}

	err = v.Unmarshal(&cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// GetAbsPath returns the absolute path by joining the given paths with the project root directory
func GetAbsPath(paths ...string) string {
	_, filePath, _, _ := runtime.Caller(1)
	basePath := filepath.Dir(filePath)
	rootPath := filepath.Join(basePath, "..")
	return filepath.Join(rootPath, filepath.Join(paths...))
}
