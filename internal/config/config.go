// Package config loads control-plane configuration from a YAML file with
// environment-variable expansion. A .env file next to the binary is loaded
// first so local development can override secrets without exporting them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConf    `yaml:"server"`
	Auth      AuthConf      `yaml:"auth"`
	Transport TransportConf `yaml:"transport"`
	Scheduler SchedulerConf `yaml:"scheduler"`
	Provider  ProviderConf  `yaml:"provider"`
	Store     StoreConf     `yaml:"store"`
	Collab    CollabConf    `yaml:"collab"`
	Usage     UsageConf     `yaml:"usage"`
	// Secrets are delivered to every VM in the init payload, typically
	// ${VAR} references expanded from the control plane's environment.
	Secrets  map[string]string `yaml:"secrets"`
	LogLevel string            `yaml:"log_level"`
}

// ProviderConf points at the fleet manager that provisions backends.
type ProviderConf struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// CollabConf configures the external collaborator services.
type CollabConf struct {
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`
	// MCPServers maps server names, as tool_call frames reference them,
	// to endpoint URLs.
	MCPServers map[string]string `yaml:"mcp_servers"`
}

type ServerConf struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicURL is the externally reachable base URL VMs dial back to.
	PublicURL    string   `yaml:"public_url"`
	AllowOrigins []string `yaml:"allow_origins"`
}

func (s ServerConf) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConf struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TicketTTL time.Duration `yaml:"ticket_ttl"`
	// AuthWindow bounds how long a connection may sit between the WebSocket
	// upgrade and a valid in-band auth frame.
	AuthWindow time.Duration `yaml:"auth_window"`
}

type TransportConf struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	GraceWindow       time.Duration `yaml:"grace_window"`
	BufferCapacity    int           `yaml:"buffer_capacity"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	ResultCacheSize   int           `yaml:"result_cache_size"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	RateBurst         int           `yaml:"rate_burst"`
}

type SchedulerConf struct {
	HealthInterval     time.Duration `yaml:"health_interval"`
	HeartbeatThreshold time.Duration `yaml:"heartbeat_threshold"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	IdleInterval       time.Duration `yaml:"idle_interval"`
	IdleFreeze         time.Duration `yaml:"idle_freeze"`
	WarmPoolSize       int           `yaml:"warm_pool_size"`
}

type StoreConf struct {
	Path string `yaml:"path"`
}

type UsageConf struct {
	Endpoint      string        `yaml:"endpoint"`
	QueueSize     int           `yaml:"queue_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Load reads the YAML file at path, expanding ${VAR} references from the
// environment. Missing optional fields fall back to defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(raw))
	c := Default()
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required")
	}
	return c, nil
}

// Default returns a Config with every tunable at its production default.
func Default() *Config {
	return &Config{
		Server: ServerConf{
			Host:      "0.0.0.0",
			Port:      8090,
			PublicURL: "ws://localhost:8090/vm/ws",
		},
		Auth: AuthConf{
			TicketTTL:  30 * time.Second,
			AuthWindow: 5 * time.Second,
		},
		Transport: TransportConf{
			RequestTimeout:    60 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			GraceWindow:       5 * time.Minute,
			BufferCapacity:    500,
			KeepAliveInterval: 30 * time.Second,
			ResultCacheSize:   256,
			RatePerSecond:     50,
			RateBurst:         100,
		},
		Scheduler: SchedulerConf{
			HealthInterval:     5 * time.Second,
			HeartbeatThreshold: 30 * time.Second,
			ProbeTimeout:       2 * time.Second,
			IdleInterval:       10 * time.Second,
			IdleFreeze:         30 * time.Second,
			WarmPoolSize:       2,
		},
		Store:    StoreConf{Path: "semibot.db"},
		Usage:    UsageConf{QueueSize: 1024, FlushInterval: 10 * time.Second},
		LogLevel: "info",
	}
}
