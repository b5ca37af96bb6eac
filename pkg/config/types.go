// Package config loads the collaboration server manifest. Manifests are
// K8s-style documents in YAML or TOML, validated against an embedded JSON
// schema before they are decoded.
package config

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CollabServerConfig is the top-level manifest.
type CollabServerConfig struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec       Spec              `json:"spec" yaml:"spec"`
}

// Spec holds every tunable of a server process.
type Spec struct {
	Server     ServerSpec        `json:"server" yaml:"server"`
	Session    SessionSpec       `json:"session" yaml:"session"`
	Delegation DelegationSpec    `json:"delegation" yaml:"delegation"`
	Ledger     LedgerSpec        `json:"ledger" yaml:"ledger"`
	Metrics    MetricsSpec       `json:"metrics" yaml:"metrics"`
	Tracing    TracingSpec       `json:"tracing" yaml:"tracing"`
	Logging    LoggingConfigSpec `json:"logging" yaml:"logging"`
	Agents     AgentsSpec        `json:"agents" yaml:"agents"`
}

// ServerSpec configures the HTTP and WebSocket listener.
type ServerSpec struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// ProtocolConstraint is a semver constraint checked against the
	// X-Collab-Protocol handshake header.
	ProtocolConstraint string          `json:"protocolConstraint,omitempty" yaml:"protocolConstraint,omitempty"`
	AllowedOrigins     []string        `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
	ShutdownTimeout    metav1.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
	WriteWait          metav1.Duration `json:"writeWait,omitempty" yaml:"writeWait,omitempty"`
	PongWait           metav1.Duration `json:"pongWait,omitempty" yaml:"pongWait,omitempty"`
	MaxMessageSize     int64           `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`
}

// SessionSpec configures session lifecycle and connection limits.
type SessionSpec struct {
	IdleTimeout   metav1.Duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	TaskRetention metav1.Duration `json:"taskRetention,omitempty" yaml:"taskRetention,omitempty"`
	QueueSize     int             `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`

	// InboundRate is frames per second per connection; zero disables limiting.
	InboundRate  float64 `json:"inboundRate,omitempty" yaml:"inboundRate,omitempty"`
	InboundBurst int     `json:"inboundBurst,omitempty" yaml:"inboundBurst,omitempty"`
}

// DelegationSpec configures the delegation engine.
type DelegationSpec struct {
	SubtaskTimeout           metav1.Duration `json:"subtaskTimeout,omitempty" yaml:"subtaskTimeout,omitempty"`
	MaxConcurrentInvocations int64           `json:"maxConcurrentInvocations,omitempty" yaml:"maxConcurrentInvocations,omitempty"`
}

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
	LedgerSQLite = "sqlite"
)

// LedgerSpec selects and configures the message ledger backend.
type LedgerSpec struct {
	Backend string     `json:"backend,omitempty" yaml:"backend,omitempty"`
	Redis   RedisSpec  `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQLite  SQLiteSpec `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

// RedisSpec configures the Redis ledger.
type RedisSpec struct {
	Addr     string          `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string          `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int             `json:"db,omitempty" yaml:"db,omitempty"`
	Prefix   string          `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL      metav1.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// SQLiteSpec configures the SQLite ledger.
type SQLiteSpec struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MetricsSpec toggles the Prometheus endpoint.
type MetricsSpec struct {
	Enabled bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`

	// Addr serves metrics on a separate listener. Empty mounts Path on the
	// collaboration server.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// TracingSpec configures the OTLP trace exporter.
type TracingSpec struct {
	Enabled     bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName string  `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	SampleRatio float64 `json:"sampleRatio,omitempty" yaml:"sampleRatio,omitempty"`
}

// AgentsSpec configures outbound agent RPC.
type AgentsSpec struct {
	RequestTimeout metav1.Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	Auth           AgentAuthSpec   `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// AgentAuthSpec holds either a static token or OAuth2 client credentials.
// Values of the form ${NAME} are expanded from the environment at load time.
type AgentAuthSpec struct {
	Scheme       string   `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Token        string   `json:"token,omitempty" yaml:"token,omitempty"`
	TokenURL     string   `json:"tokenURL,omitempty" yaml:"tokenURL,omitempty"`
	ClientID     string   `json:"clientID,omitempty" yaml:"clientID,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// UsesClientCredentials reports whether the OAuth2 flow is configured.
func (a AgentAuthSpec) UsesClientCredentials() bool {
	return a.TokenURL != "" && a.ClientID != ""
}

// Defaults.
const (
	DefaultAddr               = ":8080"
	DefaultProtocolConstraint = ">= 1.0.0, < 2.0.0"
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultTaskRetention      = time.Hour
	DefaultQueueSize          = 256
	DefaultSubtaskTimeout     = 30 * time.Second
	DefaultMaxInvocations     = 16
	DefaultRedisPrefix        = "collabkit"
	DefaultSQLitePath         = "collabkit.db"
	DefaultMetricsPath        = "/metrics"
	DefaultServiceName        = "collabd"
	DefaultAgentTimeout       = 60 * time.Second
)

// Default returns a manifest with every default applied.
func Default() *CollabServerConfig {
	cfg := &CollabServerConfig{APIVersion: APIVersion, Kind: KindCollabServer}
	cfg.Metadata.Name = "collabd"
	cfg.ApplyDefaults()
	return cfg
}

func setDuration(d *metav1.Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

// ApplyDefaults fills every zero field with its default.
func (c *CollabServerConfig) ApplyDefaults() {
	s := &c.Spec
	if s.Server.Addr == "" {
		s.Server.Addr = DefaultAddr
	}
	if s.Server.ProtocolConstraint == "" {
		s.Server.ProtocolConstraint = DefaultProtocolConstraint
	}
	setDuration(&s.Server.ShutdownTimeout, DefaultShutdownTimeout)
	setDuration(&s.Session.IdleTimeout, DefaultIdleTimeout)
	setDuration(&s.Session.TaskRetention, DefaultTaskRetention)
	if s.Session.QueueSize == 0 {
		s.Session.QueueSize = DefaultQueueSize
	}
	if s.Session.InboundRate > 0 && s.Session.InboundBurst == 0 {
		s.Session.InboundBurst = max(1, int(s.Session.InboundRate))
	}
	setDuration(&s.Delegation.SubtaskTimeout, DefaultSubtaskTimeout)
	if s.Delegation.MaxConcurrentInvocations == 0 {
		s.Delegation.MaxConcurrentInvocations = DefaultMaxInvocations
	}
	if s.Ledger.Backend == "" {
		s.Ledger.Backend = LedgerMemory
	}
	if s.Ledger.Redis.Prefix == "" {
		s.Ledger.Redis.Prefix = DefaultRedisPrefix
	}
	if s.Ledger.SQLite.Path == "" {
		s.Ledger.SQLite.Path = DefaultSQLitePath
	}
	if s.Metrics.Path == "" {
		s.Metrics.Path = DefaultMetricsPath
	}
	if s.Tracing.ServiceName == "" {
		s.Tracing.ServiceName = DefaultServiceName
	}
	if s.Tracing.SampleRatio == 0 {
		s.Tracing.SampleRatio = 1
	}
	setDuration(&s.Agents.RequestTimeout, DefaultAgentTimeout)
	if s.Agents.Auth.Scheme == "" {
		s.Agents.Auth.Scheme = "Bearer"
	}
	if s.Logging.DefaultLevel == "" {
		s.Logging.DefaultLevel = LogLevelInfo
	}
	if s.Logging.Format == "" {
		s.Logging.Format = LogFormatText
	}
}
