// Package config loads QOP process configuration: KV endpoints, optional
// password and TLS material, per-pipeline parallelism, and row caps
// (spec.md §6 "Configuration (inputs at process start)").
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Endpoint is one KV host:port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// TLSConfig carries optional client TLS material for KV connections.
type TLSConfig struct {
	Enabled  bool
	CACert   string
	CertFile string
	KeyFile  string
}

// Config is the QOP process configuration.
type Config struct {
	Endpoints []Endpoint
	Password  string
	TLS       TLSConfig

	WorkersPerEndpoint int // K in spec.md §4.2, default 4
	MaxTasks           int // P, per-pipeline Stage-A parallelism
	MaxRows            int // per-query row cap
	MaxPipelines        int // global admission cap, default 32

	Hostname string // used to name ENGINE:<hostname>

	MetricsAddr string // HTTP listen address for /metrics and /healthz

	Log struct {
		Level  string
		Format string
	}
}

// Default returns the baseline configuration before env/flag overrides.
func Default() *Config {
	hostname, _ := os.Hostname()
	cfg := &Config{
		Endpoints:          []Endpoint{{Host: "127.0.0.1", Port: 6379}},
		WorkersPerEndpoint: 4,
		MaxTasks:           8,
		MaxRows:            1_000_000,
		MaxPipelines:       32,
		Hostname:           hostname,
		MetricsAddr:        ":9901",
	}
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "json"
	return cfg
}

// rawEnvConfig mirrors Config's env/file-loadable fields for viper.Unmarshal;
// Endpoints is loaded separately since it needs "host:port,host:port" parsing.
type rawEnvConfig struct {
	Password           string
	TLSEnabled         bool   `mapstructure:"tls.enabled"`
	TLSCACert          string `mapstructure:"tls.cacert"`
	TLSCertFile        string `mapstructure:"tls.certfile"`
	TLSKeyFile         string `mapstructure:"tls.keyfile"`
	WorkersPerEndpoint int    `mapstructure:"workers.per_endpoint"`
	MaxTasks           int    `mapstructure:"max_tasks"`
	MaxRows            int    `mapstructure:"max_rows"`
	MaxPipelines       int    `mapstructure:"max_pipelines"`
	Hostname           string
	MetricsAddr        string `mapstructure:"metrics_addr"`
	Endpoints          string
	LogLevel           string `mapstructure:"log.level"`
	LogFormat          string `mapstructure:"log.format"`
}

// Load populates cfg from an optional .env file and QOP_-prefixed
// environment variables, following pkg/config.Load's viper convention.
func Load(cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(".env")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Non-fatal: a malformed .env shouldn't block process start when
			// every setting also has a default.
		}
	}

	const prefix = "QOP_"
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		propKey := strings.TrimPrefix(key, prefix)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		v.Set(propKey, value)
	}

	var raw rawEnvConfig
	if err := v.Unmarshal(&raw); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if raw.Password != "" {
		cfg.Password = raw.Password
	}
	if raw.TLSEnabled {
		cfg.TLS.Enabled = true
	}
	if raw.TLSCACert != "" {
		cfg.TLS.CACert = raw.TLSCACert
	}
	if raw.TLSCertFile != "" {
		cfg.TLS.CertFile = raw.TLSCertFile
	}
	if raw.TLSKeyFile != "" {
		cfg.TLS.KeyFile = raw.TLSKeyFile
	}
	if raw.WorkersPerEndpoint > 0 {
		cfg.WorkersPerEndpoint = raw.WorkersPerEndpoint
	}
	if raw.MaxTasks > 0 {
		cfg.MaxTasks = raw.MaxTasks
	}
	if raw.MaxRows > 0 {
		cfg.MaxRows = raw.MaxRows
	}
	if raw.MaxPipelines > 0 {
		cfg.MaxPipelines = raw.MaxPipelines
	}
	if raw.Hostname != "" {
		cfg.Hostname = raw.Hostname
	}
	if raw.MetricsAddr != "" {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	if raw.LogLevel != "" {
		cfg.Log.Level = raw.LogLevel
	}
	if raw.LogFormat != "" {
		cfg.Log.Format = raw.LogFormat
	}
	if raw.Endpoints != "" {
		eps, err := ParseEndpoints(raw.Endpoints)
		if err != nil {
			return err
		}
		cfg.Endpoints = eps
	}
	return nil
}

// ParseEndpoints parses a comma-separated "host:port,host:port" list.
func ParseEndpoints(s string) ([]Endpoint, error) {
	parts := strings.Split(s, ",")
	out := make([]Endpoint, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		host, portStr, found := strings.Cut(p, ":")
		if !found {
			return nil, fmt.Errorf("endpoint %q missing port", p)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q has invalid port: %w", p, err)
		}
		out = append(out, Endpoint{Host: host, Port: port})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no endpoints configured")
	}
	return out, nil
}

// ParseFlags overlays command-line flags onto cfg, for process-local
// overrides that don't belong in the environment (e.g. ad-hoc runs).
func (c *Config) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("qopd", flag.ContinueOnError)
	endpoints := fs.String("endpoints", joinEndpoints(c.Endpoints), "comma-separated KV endpoints (host:port)")
	maxTasks := fs.Int("max-tasks", c.MaxTasks, "per-pipeline Stage-A parallelism")
	maxRows := fs.Int("max-rows", c.MaxRows, "per-query row cap")
	metricsAddr := fs.String("metrics-addr", c.MetricsAddr, "HTTP listen address for /metrics and /healthz")
	logLevel := fs.String("log-level", c.Log.Level, "DEBUG, INFO, WARN, or ERROR")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eps, err := ParseEndpoints(*endpoints)
	if err != nil {
		return err
	}
	c.Endpoints = eps
	c.MaxTasks = *maxTasks
	c.MaxRows = *maxRows
	c.MetricsAddr = *metricsAddr
	c.Log.Level = logLevel2(*logLevel)
	return nil
}

func logLevel2(s string) string { return strings.ToUpper(s) }

func joinEndpoints(eps []Endpoint) string {
	parts := make([]string, len(eps))
	for i, e := range eps {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// ReconnectBackoff is the delay between reconnect attempts for a KV
// connection (spec.md §4.1/§7: reconnection is automatic, not
// instruction-specified in timing, so this follows the teacher's pattern
// of a small fixed backoff rather than unbounded retry-storms).
const ReconnectBackoff = 500 * time.Millisecond
