// Package config loads the gateway's YAML configuration, extending the
// original service/schema-file settings with the entity cache, automatic
// persisted queries, request batching, coprocessor, and subscription
// transport settings the expanded gateway needs. Grounded on
// server/gateway.go's loadGatewaySetting, parsed the same way via
// github.com/goccy/go-yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// ServiceConfig describes one federated subgraph.
type ServiceConfig struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	SchemaFiles []string `yaml:"schema_files"`
}

// OpentelemetryConfig holds the gateway's tracing toggle. RegistryConfig
// has no tracing settings.
type OpentelemetryConfig struct {
	Tracing struct {
		Enable bool `yaml:"enable"`
	} `yaml:"tracing"`
}

// EntityCacheConfig configures the Redis-backed response cache.
type EntityCacheConfig struct {
	Enable           bool   `yaml:"enable"`
	RedisAddr        string `yaml:"redis_addr"`
	Namespace        string `yaml:"namespace"`
	InvalidationKey  string `yaml:"invalidation_key"`
	InvalidationPath string `yaml:"invalidation_path" default:"/invalidation"`
	DefaultMaxAgeSec int    `yaml:"default_max_age_seconds" default:"0"`
	// PrivateIDHeader names the client request header whose hashed value
	// scopes cache entries of Cache-Control: private responses. Unset
	// disables private-response caching.
	PrivateIDHeader string `yaml:"private_id_header"`
}

// DefaultMaxAge returns the configured default TTL, or zero if unset.
func (c EntityCacheConfig) DefaultMaxAge() time.Duration {
	return time.Duration(c.DefaultMaxAgeSec) * time.Second
}

// APQConfig configures automatic persisted queries.
type APQConfig struct {
	Enable    bool `yaml:"enable"`
	CacheSize int  `yaml:"cache_size" default:"1000"`
}

// BatchingConfig configures subrequest batching per subgraph.
type BatchingConfig struct {
	Enable       bool `yaml:"enable"`
	WindowMillis int  `yaml:"window_millis" default:"10"`
	MaxBatchSize int  `yaml:"max_batch_size" default:"50"`
}

// Window returns the configured batching window as a time.Duration.
func (c BatchingConfig) Window() time.Duration {
	return time.Duration(c.WindowMillis) * time.Millisecond
}

// CoprocessorConfig configures the external request/response rewrite hook.
type CoprocessorConfig struct {
	Enable bool   `yaml:"enable"`
	URL    string `yaml:"url"`
}

// SubscriptionTransportConfig configures WebSocket subscription handling.
type SubscriptionTransportConfig struct {
	Protocol    string `yaml:"protocol" default:"graphql-transport-ws"`
	CallbackURL string `yaml:"callback_url"`
	HMACSecret  string `yaml:"hmac_secret"`
}

// GatewayConfig is the top-level configuration for the gateway process.
type GatewayConfig struct {
	Endpoint                    string                      `yaml:"endpoint"`
	ServiceName                 string                      `yaml:"service_name"`
	Port                        int                         `yaml:"port"`
	TimeoutDuration             string                      `yaml:"timeout_duration" default:"5s"`
	EnableHangOverRequestHeader bool                        `yaml:"enable_hang_over_request_header" default:"true"`
	EnableOptimizedPlanner      bool                        `yaml:"enable_optimized_planner"`
	Services                    []ServiceConfig             `yaml:"services"`
	Opentelemetry               OpentelemetryConfig         `yaml:"opentelemetry"`
	EntityCache                 EntityCacheConfig           `yaml:"entity_cache"`
	APQ                         APQConfig                   `yaml:"apq"`
	Batching                    BatchingConfig              `yaml:"batching"`
	Coprocessor                 CoprocessorConfig           `yaml:"coprocessor"`
	Subscriptions               SubscriptionTransportConfig `yaml:"subscriptions"`
}

// RegistryConfig is the top-level configuration for the schema registry process.
type RegistryConfig struct {
	Port     int    `yaml:"port"`
	StoreDir string `yaml:"store_dir"`
}

// Load reads and parses a gateway config file at path. Fields carrying a
// `default` tag start at that value and keep it when the file omits them.
func Load(path string) (*GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := GatewayConfig{TimeoutDuration: "5s", EnableHangOverRequestHeader: true}
	cfg.EntityCache.InvalidationPath = "/invalidation"
	cfg.APQ.CacheSize = 1000
	cfg.Batching.WindowMillis = 10
	cfg.Batching.MaxBatchSize = 50
	cfg.Subscriptions.Protocol = "graphql-transport-ws"
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadRegistry reads and parses a registry config file at path.
func LoadRegistry(path string) (*RegistryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg RegistryConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &cfg, nil
}
