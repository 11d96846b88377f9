// Package config handles application configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// WSMode selects how WebSocket upgrade connections are handled.
type WSMode string

const (
	// WSPassthrough relays WebSocket connections as opaque bytes to the
	// configured WebSocket backend.
	WSPassthrough WSMode = "passthrough"
	// WSTerminate answers the upgrade handshake locally and relays
	// unmasked frame payloads to the backend.
	WSTerminate WSMode = "terminate"
)

// Fallback protocols accepted for connections that send no identifying bytes.
const (
	FallbackSSH     = "ssh"
	FallbackOpenVPN = "openvpn"
	FallbackHTTP    = "http"
)

// Config stores all configuration parameters. It is built once at startup and
// shared read-only with every connection handler.
type Config struct {
	Port          int
	Status        string
	SSHTarget     string
	OpenVPNTarget string
	HTTPTarget    string
	WSTarget      string
	TLSTarget     string
	Fallback      string
	WSMode        WSMode

	PeekTimeout    time.Duration
	ClientTimeout  time.Duration
	GracePeriod    time.Duration
	MaxConnections int
}

// fileConfig mirrors Config for YAML decoding. Timeouts are in seconds.
type fileConfig struct {
	Port           int    `yaml:"port"`
	Status         string `yaml:"status"`
	SSHTarget      string `yaml:"ssh_target"`
	OpenVPNTarget  string `yaml:"openvpn_target"`
	HTTPTarget     string `yaml:"http_target"`
	WSTarget       string `yaml:"ws_target"`
	TLSTarget      string `yaml:"tls_target"`
	Fallback       string `yaml:"fallback"`
	WSMode         string `yaml:"ws_mode"`
	PeekTimeout    int    `yaml:"peek_timeout"`
	ClientTimeout  int    `yaml:"client_timeout"`
	GracePeriod    int    `yaml:"grace_period"`
	MaxConnections int    `yaml:"max_connections"`
}

// Environment variables recognized as backend address overrides.
const (
	envSSHTarget     = "SSH_PROXY_ADDR"
	envOpenVPNTarget = "OPENVPN_PROXY_ADDR"
	envHTTPTarget    = "HTTP_PROXY_ADDR"
	envWSTarget      = "WEBSOCKET_PROXY_ADDR"
)

func defaults() *Config {
	return &Config{
		Port:           80,
		Status:         "@RustyManager",
		SSHTarget:      "127.0.0.1:22",
		OpenVPNTarget:  "127.0.0.1:1194",
		HTTPTarget:     "127.0.0.1:8080",
		Fallback:       FallbackSSH,
		WSMode:         WSPassthrough,
		PeekTimeout:    2 * time.Second,
		ClientTimeout:  30 * time.Second,
		GracePeriod:    5 * time.Second,
		MaxConnections: 1000,
	}
}

// New creates a new configuration from the process arguments, environment
// variables, and an optional YAML config file. Precedence, highest first:
// flags, environment, file, built-in defaults.
func New() (*Config, error) {
	return FromArgs(os.Args[1:])
}

// FromArgs builds a configuration from the given argument list. Split out of
// New so tests do not have to mutate the global flag set.
func FromArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("camoproxy", flag.ContinueOnError)

	port := fs.Int("port", 80, "Listen port.")
	status := fs.String("status", "@RustyManager", "Disguise handshake status text.")
	sshTarget := fs.String("ssh-target", "127.0.0.1:22", "SSH backend address.")
	openvpnTarget := fs.String("openvpn-target", "127.0.0.1:1194", "OpenVPN backend address.")
	httpTarget := fs.String("http-target", "127.0.0.1:8080", "HTTP backend address.")
	wsTarget := fs.String("ws-target", "", "WebSocket backend address (defaults to the HTTP backend).")
	tlsTarget := fs.String("tls-target", "", "TLS passthrough backend address (defaults to the SSH backend).")
	fallback := fs.String("fallback", FallbackSSH, "Protocol assumed when no bytes arrive before the peek timeout: 'ssh', 'openvpn', or 'http'.")
	wsMode := fs.String("ws-mode", string(WSPassthrough), "WebSocket handling: 'passthrough' or 'terminate'.")
	peekTimeout := fs.Int("peek-timeout", 2, "Seconds to wait for classification bytes.")
	clientTimeout := fs.Int("client-timeout", 30, "Seconds to bound total per-connection handling.")
	gracePeriod := fs.Int("grace-period", 5, "Seconds to let in-flight connections drain on shutdown.")
	maxConn := fs.Int("max-conn", 1000, "Maximum concurrent connections.")
	configFile := fs.String("config", "", "Optional YAML config file.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := defaults()

	if *configFile != "" {
		if err := applyFile(cfg, *configFile); err != nil {
			return nil, err
		}
	}

	// Environment variables override the file but not explicit flags.
	if v := os.Getenv(envSSHTarget); v != "" && !set["ssh-target"] {
		cfg.SSHTarget = v
	}
	if v := os.Getenv(envOpenVPNTarget); v != "" && !set["openvpn-target"] {
		cfg.OpenVPNTarget = v
	}
	if v := os.Getenv(envHTTPTarget); v != "" && !set["http-target"] {
		cfg.HTTPTarget = v
	}
	if v := os.Getenv(envWSTarget); v != "" && !set["ws-target"] {
		cfg.WSTarget = v
	}

	if set["port"] {
		cfg.Port = *port
	}
	if set["status"] {
		cfg.Status = *status
	}
	if set["ssh-target"] {
		cfg.SSHTarget = *sshTarget
	}
	if set["openvpn-target"] {
		cfg.OpenVPNTarget = *openvpnTarget
	}
	if set["http-target"] {
		cfg.HTTPTarget = *httpTarget
	}
	if set["ws-target"] {
		cfg.WSTarget = *wsTarget
	}
	if set["tls-target"] {
		cfg.TLSTarget = *tlsTarget
	}
	if set["fallback"] {
		cfg.Fallback = *fallback
	}
	if set["ws-mode"] {
		cfg.WSMode = WSMode(*wsMode)
	}
	if set["peek-timeout"] {
		cfg.PeekTimeout = time.Duration(*peekTimeout) * time.Second
	}
	if set["client-timeout"] {
		cfg.ClientTimeout = time.Duration(*clientTimeout) * time.Second
	}
	if set["grace-period"] {
		cfg.GracePeriod = time.Duration(*gracePeriod) * time.Second
	}
	if set["max-conn"] {
		cfg.MaxConnections = *maxConn
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.Status != "" {
		cfg.Status = fc.Status
	}
	if fc.SSHTarget != "" {
		cfg.SSHTarget = fc.SSHTarget
	}
	if fc.OpenVPNTarget != "" {
		cfg.OpenVPNTarget = fc.OpenVPNTarget
	}
	if fc.HTTPTarget != "" {
		cfg.HTTPTarget = fc.HTTPTarget
	}
	if fc.WSTarget != "" {
		cfg.WSTarget = fc.WSTarget
	}
	if fc.TLSTarget != "" {
		cfg.TLSTarget = fc.TLSTarget
	}
	if fc.Fallback != "" {
		cfg.Fallback = fc.Fallback
	}
	if fc.WSMode != "" {
		cfg.WSMode = WSMode(fc.WSMode)
	}
	if fc.PeekTimeout != 0 {
		cfg.PeekTimeout = time.Duration(fc.PeekTimeout) * time.Second
	}
	if fc.ClientTimeout != 0 {
		cfg.ClientTimeout = time.Duration(fc.ClientTimeout) * time.Second
	}
	if fc.GracePeriod != 0 {
		cfg.GracePeriod = time.Duration(fc.GracePeriod) * time.Second
	}
	if fc.MaxConnections != 0 {
		cfg.MaxConnections = fc.MaxConnections
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Fallback {
	case FallbackSSH, FallbackOpenVPN, FallbackHTTP:
	default:
		return fmt.Errorf("invalid fallback protocol %q: use 'ssh', 'openvpn', or 'http'", c.Fallback)
	}
	switch c.WSMode {
	case WSPassthrough, WSTerminate:
	default:
		return fmt.Errorf("invalid ws-mode %q: use 'passthrough' or 'terminate'", c.WSMode)
	}
	if c.PeekTimeout <= 0 {
		return fmt.Errorf("peek timeout must be positive, got %v", c.PeekTimeout)
	}
	if c.ClientTimeout <= 0 {
		return fmt.Errorf("client timeout must be positive, got %v", c.ClientTimeout)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %v", c.GracePeriod)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max connections must be at least 1, got %d", c.MaxConnections)
	}
	return nil
}
