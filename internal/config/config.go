// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// ReservedPrefix is the path prefix served by the relay itself. Every other
// path is forwarded upstream.
const ReservedPrefix = "/_relay"

// Reserved routes answered by the relay itself.
const (
	HealthzPath = ReservedPrefix + "/healthz"
	StatusPath  = ReservedPrefix + "/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL string `kong:"name='backend-url',help='Upstream base URL (overrides config).',env='BACKEND_URL'"`
	TLS        *bool  `kong:"name='tls',help='Terminate TLS on the listener (overrides config).',env='USE_TLS'"`
	CertPath   string `kong:"name='cert-path',help='PEM certificate path (overrides config).',env='CERT_PATH'"`
	KeyPath    string `kong:"name='key-path',help='PEM private key path (overrides config).',env='KEY_PATH'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	TLS      TLSConfig      `toml:"tls"`
	Upstream UpstreamConfig `toml:"upstream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound listener settings.
type ServerConfig struct {
	Host                     string `toml:"host"`
	Port                     int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes             int64  `toml:"body_max_bytes"` // 0 forwards bodies of any size
	ReadHeaderTimeoutSeconds int    `toml:"read_header_timeout_seconds"`
	IdleTimeoutSeconds       int    `toml:"idle_timeout_seconds"`
	ShutdownGraceSeconds     int    `toml:"shutdown_grace_seconds"`
	ProxyProtocol            bool   `toml:"proxy_protocol"`
	H2C                      bool   `toml:"h2c"`
}

// TLSConfig holds listener TLS settings.
type TLSConfig struct {
	// Enabled is a pointer so an explicit "false" in the file survives defaulting.
	Enabled  *bool  `toml:"enabled"`
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
	Reload   bool   `toml:"reload"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL                string `toml:"base_url"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	IdleConnections        int    `toml:"idle_connections"`
	IdleConnTimeoutSeconds int    `toml:"idle_conn_timeout_seconds"`
	ForwardedHeaders       *bool  `toml:"forwarded_headers"`
}

// CORSConfig holds the cross-origin policy.
type CORSConfig struct {
	// AllowedOrigins restricts reflection to the listed origins. Empty reflects any origin.
	AllowedOrigins []string `toml:"allowed_origins"`
	// AllowedMethods bounds the methods a grant covers. OPTIONS is always covered.
	AllowedMethods []string `toml:"allowed_methods"`
	ExposeHeaders  []string `toml:"expose_headers"`
	MaxAgeSeconds  int      `toml:"max_age_seconds"`
}

// DefaultCORSMethods is used when cors.allowed_methods is empty.
var DefaultCORSMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-relay/config.toml then configs/config.toml. If neither exists the
// relay runs on defaults plus CLI/environment overrides.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendURL != "" {
		c.Upstream.BaseURL = cli.BackendURL
	}
	if cli.TLS != nil {
		enabled := *cli.TLS
		c.TLS.Enabled = &enabled
	}
	if cli.CertPath != "" {
		c.TLS.CertPath = cli.CertPath
	}
	if cli.KeyPath != "" {
		c.TLS.KeyPath = cli.KeyPath
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	var errs error

	u, err := url.Parse(c.Upstream.BaseURL)
	switch {
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url is not a valid URL: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL))
	case u.Host == "":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must include a host; got %q", c.Upstream.BaseURL))
	case u.RawQuery != "" || u.Fragment != "":
		errs = multierr.Append(errs, fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL))
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.read_header_timeout_seconds must be non-negative; got %d", c.Server.ReadHeaderTimeoutSeconds))
	}
	if c.Server.IdleTimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.idle_timeout_seconds must be non-negative; got %d", c.Server.IdleTimeoutSeconds))
	}
	if c.Server.ShutdownGraceSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.shutdown_grace_seconds must be non-negative; got %d", c.Server.ShutdownGraceSeconds))
	}
	if c.Upstream.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds))
	}
	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.IdleConnTimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_conn_timeout_seconds must be non-negative; got %d", c.Upstream.IdleConnTimeoutSeconds))
	}
	if c.CORS.MaxAgeSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds))
	}

	for _, o := range c.CORS.AllowedOrigins {
		if o == "*" || o == "null" {
			errs = multierr.Append(errs, fmt.Errorf("cors.allowed_origins entry %q is not allowed with credentials; leave the list empty to reflect any origin", o))
			continue
		}
		ou, err := url.Parse(o)
		if err != nil || ou.Scheme == "" || ou.Host == "" || (ou.Path != "" && ou.Path != "/") {
			errs = multierr.Append(errs, fmt.Errorf("cors.allowed_origins entry %q must be scheme://host[:port]", o))
		}
	}

	for _, m := range c.CORS.AllowedMethods {
		if m == "" || strings.ContainsAny(m, " ,\t") {
			errs = multierr.Append(errs, fmt.Errorf("cors.allowed_methods entry %q must be a single method token", m))
		}
	}

	if c.TLSEnabled() {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			errs = multierr.Append(errs, errors.New("tls.cert_path and tls.key_path are required when TLS is enabled"))
		}
		if c.Server.H2C {
			errs = multierr.Append(errs, errors.New("server.h2c only applies to plaintext listeners; disable TLS or h2c"))
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" || p[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		} else if !strings.HasPrefix(p, ReservedPrefix+"/") {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path %q must live under %s/ so it does not shadow upstream routes", p, ReservedPrefix))
		} else {
			for _, reserved := range []string{HealthzPath, StatusPath} {
				if p == reserved || strings.HasPrefix(p, reserved+"/") {
					errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
				}
			}
		}
	}

	return errs
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Server.ShutdownGraceSeconds == 0 {
		c.Server.ShutdownGraceSeconds = 15
	}
	if c.TLS.Enabled == nil {
		enabled := true
		c.TLS.Enabled = &enabled
	}
	if c.TLS.CertPath == "" {
		c.TLS.CertPath = "cert.pem"
	}
	if c.TLS.KeyPath == "" {
		c.TLS.KeyPath = "key.pem"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://vps.kodub.com"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 32
	}
	if c.Upstream.IdleConnTimeoutSeconds == 0 {
		c.Upstream.IdleConnTimeoutSeconds = 90
	}
	if c.Upstream.ForwardedHeaders == nil {
		forwarded := true
		c.Upstream.ForwardedHeaders = &forwarded
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = append([]string(nil), DefaultCORSMethods...)
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// TLSEnabled reports whether the listener terminates TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLS.Enabled == nil || *c.TLS.Enabled
}

// ForwardedHeadersEnabled reports whether X-Forwarded-* headers are added upstream.
func (c *UpstreamConfig) ForwardedHeadersEnabled() bool {
	return c.ForwardedHeaders == nil || *c.ForwardedHeaders
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadHeaderTimeout returns the inbound header (and TLS handshake) deadline.
func (c *ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long an idle keep-alive connection is kept open.
func (c *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long in-flight requests may run after shutdown begins.
func (c *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Timeout returns the bound on waiting for upstream response headers.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
