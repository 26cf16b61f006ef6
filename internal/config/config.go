// Package config provides configuration parsing and validation for fileferry.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Server    ServerConfig    `yaml:"server"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Reverse   ReverseConfig   `yaml:"reverse"`
	Auth      AuthConfig      `yaml:"auth"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Resources ResourcesConfig `yaml:"resources"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Health    HealthConfig    `yaml:"health"`
	Client    ClientConfig    `yaml:"client"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ProtocolConfig contains framing settings shared by both ends.
type ProtocolConfig struct {
	DataSize       Size `yaml:"data_size"`
	PadPackets     bool `yaml:"pad_packets"`
	MaxMessageSize Size `yaml:"max_message_size"`
}

// TimeoutsConfig contains connection and request timeouts.
type TimeoutsConfig struct {
	Connect        time.Duration `yaml:"connect"`
	Send           time.Duration `yaml:"send"`
	Receive        time.Duration `yaml:"receive"`
	Request        time.Duration `yaml:"request"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// TLSConfig defines TLS settings. Without cert and key a self-signed
// certificate is generated where TLS is required.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CA      string `yaml:"ca"`
	// StrictVerify validates peer certificates on dial.
	StrictVerify bool `yaml:"strict_verify"`
}

// RootConfig exposes a local directory under a remote name.
type RootConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// ServerConfig defines the file server listener.
type ServerConfig struct {
	Enabled            bool         `yaml:"enabled"`
	Listen             string       `yaml:"listen"`
	Transport          string       `yaml:"transport"` // tcp, quic, ws
	Path               string       `yaml:"path"`      // HTTP path for ws
	Roots              []RootConfig `yaml:"roots"`
	MaxConnections     int          `yaml:"max_connections"`
	HandlerConcurrency int          `yaml:"handler_concurrency"`
	TLS                TLSConfig    `yaml:"tls"`
}

// ProxyConfig defines a standalone relay listener.
type ProxyConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Transport      string `yaml:"transport"`
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
	// Names are route names this relay answers for itself.
	Names         []string      `yaml:"names"`
	ReversePoll   time.Duration `yaml:"reverse_poll"`
	AttachTimeout time.Duration `yaml:"attach_timeout"`
	TLS           TLSConfig     `yaml:"tls"`
}

// ReverseConfig registers the local server with a relay so clients reach
// it by name.
type ReverseConfig struct {
	Enabled   bool      `yaml:"enabled"`
	Proxy     string    `yaml:"proxy"` // relay address
	Transport string    `yaml:"transport"`
	Path      string    `yaml:"path"`
	Name      string    `yaml:"name"`
	TLS       TLSConfig `yaml:"tls"`
}

// AuthConfig defines users and session encryption.
type AuthConfig struct {
	// AnonymousIdentity is granted to logins without a user name.
	AnonymousIdentity string           `yaml:"anonymous_identity"`
	Encryption        EncryptionConfig `yaml:"encryption"`
	Users             []UserConfig     `yaml:"users"`
}

// EncryptionConfig defines the session cipher.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cipher  string `yaml:"cipher"` // aes-gcm, chacha20
	// Required makes the server refuse sessions on unencrypted connections.
	Required bool `yaml:"required"`
}

// UserConfig defines an account.
type UserConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Identity     string `yaml:"identity"`      // e.g. "query,read,write"
}

// TransferConfig tunes the client transfer engine.
type TransferConfig struct {
	SmallFileThreshold Size          `yaml:"small_file_threshold"`
	BlockSize          Size          `yaml:"block_size"`
	ThreadLimit        int           `yaml:"thread_limit"`
	BlockRetries       int           `yaml:"block_retries"`
	RateLimit          Size          `yaml:"rate_limit"` // bytes per second, 0 = unlimited
	ProgressInterval   time.Duration `yaml:"progress_interval"`
}

// ResourcesConfig tunes the open file table.
type ResourcesConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// MonitorConfig configures connection liveness checks.
type MonitorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnablePprof  bool          `yaml:"enable_pprof"`
}

// ClientConfig holds defaults for the client commands.
type ClientConfig struct {
	Transport   string    `yaml:"transport"`
	Path        string    `yaml:"path"`
	Route       string    `yaml:"route"` // "relay:7001 -> name@relay:7001 -> server:7000"
	Username    string    `yaml:"username"`
	Password    string    `yaml:"password"`
	StateDir    string    `yaml:"state_dir"`
	Connections int       `yaml:"connections"`
	TLS         TLSConfig `yaml:"tls"`
}

// Size is a byte count written as a number or a humanized string such as
// "4KiB" or "64MB".
type Size int64

// ParseSize parses a humanized byte count.
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(n), nil
}

// UnmarshalYAML accepts integers and humanized strings.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	v, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML writes the exact byte count.
func (s Size) MarshalYAML() (interface{}, error) {
	return int64(s), nil
}

func (s Size) String() string {
	if s < 0 {
		return fmt.Sprintf("%d", int64(s))
	}
	return humanize.IBytes(uint64(s))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Protocol: ProtocolConfig{
			DataSize:       4096,
			MaxMessageSize: 64 << 20,
		},
		Timeouts: TimeoutsConfig{
			Connect:        5 * time.Second,
			Send:           30 * time.Second,
			Receive:        30 * time.Second,
			Request:        30 * time.Second,
			ReconnectDelay: 1 * time.Second,
		},
		Server: ServerConfig{
			Listen:             ":7000",
			Transport:          "tcp",
			Path:               "/fileferry",
			Roots:              []RootConfig{},
			HandlerConcurrency: 16,
		},
		Proxy: ProxyConfig{
			Listen:        ":7001",
			Transport:     "tcp",
			Path:          "/fileferry",
			ReversePoll:   20 * time.Second,
			AttachTimeout: 30 * time.Second,
		},
		Reverse: ReverseConfig{
			Transport: "tcp",
			Path:      "/fileferry",
		},
		Auth: AuthConfig{
			AnonymousIdentity: "none",
			Encryption: EncryptionConfig{
				Cipher: "aes-gcm",
			},
		},
		Transfer: TransferConfig{
			SmallFileThreshold: 64 << 10,
			BlockSize:          4096,
			ThreadLimit:        4,
			BlockRetries:       3,
			ProgressInterval:   500 * time.Millisecond,
		},
		Resources: ResourcesConfig{
			IdleTimeout:  300 * time.Second,
			TickInterval: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			HeartbeatInterval: 15 * time.Second,
		},
		Health: HealthConfig{
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Transport:   "tcp",
			Path:        "/fileferry",
			StateDir:    "./state",
			Connections: 1,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Protocol.DataSize < 256 || c.Protocol.DataSize > 1<<20 {
		errs = append(errs, "protocol.data_size must be between 256B and 1MiB")
	}
	if c.Protocol.MaxMessageSize < c.Protocol.DataSize {
		errs = append(errs, "protocol.max_message_size must be >= data_size")
	}

	if c.Server.Enabled {
		if c.Server.Listen == "" {
			errs = append(errs, "server.listen is required when enabled")
		}
		if !isValidTransport(c.Server.Transport) {
			errs = append(errs, fmt.Sprintf("invalid server.transport: %s (must be tcp, quic, or ws)", c.Server.Transport))
		}
		if len(c.Server.Roots) == 0 {
			errs = append(errs, "server.roots needs at least one root")
		}
		seen := make(map[string]bool)
		for i, r := range c.Server.Roots {
			if r.Name == "" || r.Path == "" {
				errs = append(errs, fmt.Sprintf("server.roots[%d]: name and path are required", i))
			}
			if strings.ContainsAny(r.Name, `/\`) {
				errs = append(errs, fmt.Sprintf("server.roots[%d]: name %q contains a path separator", i, r.Name))
			}
			if seen[r.Name] {
				errs = append(errs, fmt.Sprintf("server.roots[%d]: duplicate name %q", i, r.Name))
			}
			seen[r.Name] = true
		}
		if c.Server.HandlerConcurrency < 1 {
			errs = append(errs, "server.handler_concurrency must be positive")
		}
	}

	if c.Proxy.Enabled {
		if c.Proxy.Listen == "" {
			errs = append(errs, "proxy.listen is required when enabled")
		}
		if !isValidTransport(c.Proxy.Transport) {
			errs = append(errs, fmt.Sprintf("invalid proxy.transport: %s (must be tcp, quic, or ws)", c.Proxy.Transport))
		}
	}

	if c.Reverse.Enabled {
		if !c.Server.Enabled {
			errs = append(errs, "reverse requires server.enabled")
		}
		if c.Reverse.Proxy == "" || c.Reverse.Name == "" {
			errs = append(errs, "reverse.proxy and reverse.name are required when enabled")
		}
		if !isValidTransport(c.Reverse.Transport) {
			errs = append(errs, fmt.Sprintf("invalid reverse.transport: %s (must be tcp, quic, or ws)", c.Reverse.Transport))
		}
	}

	if !isValidCipher(c.Auth.Encryption.Cipher) {
		errs = append(errs, fmt.Sprintf("invalid auth.encryption.cipher: %s (must be aes-gcm or chacha20)", c.Auth.Encryption.Cipher))
	}
	users := make(map[string]bool)
	for i, u := range c.Auth.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: name is required", i))
		}
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: password_hash must be a bcrypt hash", i))
		}
		if users[u.Name] {
			errs = append(errs, fmt.Sprintf("auth.users[%d]: duplicate user %q", i, u.Name))
		}
		users[u.Name] = true
	}

	if c.Transfer.BlockSize < 512 {
		errs = append(errs, "transfer.block_size must be at least 512B")
	}
	if c.Transfer.ThreadLimit < 1 {
		errs = append(errs, "transfer.thread_limit must be positive")
	}
	if c.Transfer.BlockRetries < 0 {
		errs = append(errs, "transfer.block_retries must not be negative")
	}

	if c.Resources.IdleTimeout <= 0 || c.Resources.TickInterval <= 0 {
		errs = append(errs, "resources.idle_timeout and tick_interval must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if !isValidTransport(c.Client.Transport) {
		errs = append(errs, fmt.Sprintf("invalid client.transport: %s (must be tcp, quic, or ws)", c.Client.Transport))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "", "tcp", "quic", "ws":
		return true
	default:
		return false
	}
}

func isValidCipher(cipher string) bool {
	switch cipher {
	case "", "aes-gcm", "chacha20":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Auth.Users {
		if redacted.Auth.Users[i].PasswordHash != "" {
			redacted.Auth.Users[i].PasswordHash = redactedValue
		}
	}
	if redacted.Client.Password != "" {
		redacted.Client.Password = redactedValue
	}
	for _, t := range []*TLSConfig{&redacted.Server.TLS, &redacted.Proxy.TLS, &redacted.Reverse.TLS, &redacted.Client.TLS} {
		if t.Key != "" {
			t.Key = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData reports whether Redacted would mask anything.
func (c *Config) HasSensitiveData() bool {
	if c.Client.Password != "" {
		return true
	}
	for _, u := range c.Auth.Users {
		if u.PasswordHash != "" {
			return true
		}
	}
	for _, t := range []TLSConfig{c.Server.TLS, c.Proxy.TLS, c.Reverse.TLS, c.Client.TLS} {
		if t.Key != "" {
			return true
		}
	}
	return false
}
