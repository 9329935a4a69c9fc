// Package config loads and validates the relay's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/nodepeer/relay/internal/resolver"
)

var (
	errConfigPathEmpty            = errors.New("config path is empty")
	errNoRulesConfigured          = errors.New("at least one rule is required")
	errRuleNameEmpty              = errors.New("rule name cannot be empty")
	errDuplicateRuleName          = errors.New("duplicate rule name")
	errRuleListenPortZero         = errors.New("rule listen_port must be non-zero")
	errRuleNoTargets              = errors.New("rule must have at least one target")
	errRuleEmptyTarget            = errors.New("rule target cannot be empty")
	errRuleUnsupportedProtocol    = errors.New("rule has unsupported protocol")
	errRuleInvalidTargetFormat    = errors.New("rule target has invalid format")
	errRuleBufferSizeNonPositive  = errors.New("rule buffer_size must be positive")
	errAdminListenEmpty           = errors.New("admin.listen cannot be empty when admin.enabled is true")
	errDynamicUpdateIntervalZero  = errors.New("dynamic_update.check_interval_s must be positive")
)

const (
	// DefaultListenAddr is the base listen address shared by every rule unless overridden.
	DefaultListenAddr = "0.0.0.0"
	// DefaultBufferSize is the default per-connection copy buffer size, in bytes.
	DefaultBufferSize = 16384
	// DefaultCheckIntervalS is the default dynamic-update cycle period, in seconds.
	DefaultCheckIntervalS = 15
	// DefaultConnectionTimeoutS is the informative (unenforced by the core) default connection timeout.
	DefaultConnectionTimeoutS = 300
	// DefaultAdminListen is the default bind address for the read-only admin HTTP surface.
	DefaultAdminListen = "127.0.0.1:9090"

	// ProtocolTCP identifies the TCP data-plane forwarder.
	ProtocolTCP = "tcp"
	// ProtocolUDP identifies the UDP data-plane forwarder.
	ProtocolUDP = "udp"
	// ProtocolHTTP identifies the HTTP->HTTPS redirector.
	ProtocolHTTP = "http"
)

// LoggingConfig is the config file's logging section. Load fills in its
// defaults, but the process logger is built from the --log-level and
// --log-format flags; this section is not applied to it.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text|json
}

// NetworkConfig carries the shared base listen address for every rule.
type NetworkConfig struct {
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// DynamicUpdateConfig controls the control-plane / dynamic-update cadence.
//
// Only CheckIntervalS is honored by the core: it sets the period of the
// supervisor's dynamic-update ticker. The Target Manager's own DNS-refresh
// and health-probe cycle runs at a fixed 15 s and does not read it.
// ConnectionTimeoutS and AutoReconnect are informative, carried through for
// compatibility with deployments that parse this config for other tooling.
type DynamicUpdateConfig struct {
	CheckIntervalS      int  `yaml:"check_interval_s,omitempty"`
	ConnectionTimeoutS  int  `yaml:"connection_timeout_s,omitempty"`
	AutoReconnect       bool `yaml:"auto_reconnect,omitempty"`
}

// AdminConfig controls the optional read-only status/metrics HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

// Rule is one forwarding rule: a listening port proxied to an ordered list
// of upstream targets, over one or more of {tcp, udp, http}.
type Rule struct {
	Name       string   `yaml:"name"`
	ListenPort int      `yaml:"listen_port"`
	Protocol   string   `yaml:"protocol,omitempty"`  // legacy single-protocol form
	Protocols  []string `yaml:"protocols,omitempty"` // preferred: explicit protocol set
	BufferSize int      `yaml:"buffer_size,omitempty"`
	Targets    []string `yaml:"targets"`

	// listenAddr is resolved at load time from network.listen_addr + ListenPort.
	listenAddr string
}

// ListenAddr returns the rule's fully-qualified listen address ("host:port").
func (r *Rule) ListenAddr() string {
	return r.listenAddr
}

// SetListenAddr overrides the rule's listen address. Load computes this
// from network.listen_addr + listen_port; callers building a Rule
// programmatically (tests, an ephemeral-port rule) set it directly.
func (r *Rule) SetListenAddr(addr string) {
	r.listenAddr = addr
}

// EffectiveProtocols resolves the rule's protocol set: Protocols if present,
// else [Protocol] if present, else [tcp, udp].
func (r *Rule) EffectiveProtocols() []string {
	if len(r.Protocols) > 0 {
		return r.Protocols
	}

	if r.Protocol != "" {
		return []string{r.Protocol}
	}

	return []string{ProtocolTCP, ProtocolUDP}
}

// EffectiveBufferSize returns the rule's buffer size, falling back to def.
func (r *Rule) EffectiveBufferSize(def int) int {
	if r.BufferSize > 0 {
		return r.BufferSize
	}

	return def
}

// Config is the core's fully validated, already-loaded configuration.
// Loading the YAML file, validating it, and parsing flags are collaborators
// outside the core's scope; the core only ever sees a *Config that already
// passed Validate.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
	Network       NetworkConfig        `yaml:"network,omitempty"`
	BufferSize    int                  `yaml:"buffer_size,omitempty"`
	DynamicUpdate DynamicUpdateConfig  `yaml:"dynamic_update,omitempty"`
	Admin         AdminConfig          `yaml:"admin,omitempty"`
	Rules         []Rule               `yaml:"rules"`

	// Path is the file the config was loaded from; empty for in-memory configs.
	Path string `yaml:"-"`
}

var validProtocols = map[string]struct{}{ //nolint:gochecknoglobals // static lookup table
	ProtocolTCP:  {},
	ProtocolUDP:  {},
	ProtocolHTTP: {},
}

// Load reads, defaults, and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errConfigPathEmpty
	}

	b, err := os.ReadFile(path) //nolint:gosec // config file path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Path = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Network.ListenAddr == "" {
		c.Network.ListenAddr = DefaultListenAddr
	}

	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}

	if c.DynamicUpdate.CheckIntervalS <= 0 {
		c.DynamicUpdate.CheckIntervalS = DefaultCheckIntervalS
	}

	if c.DynamicUpdate.ConnectionTimeoutS <= 0 {
		c.DynamicUpdate.ConnectionTimeoutS = DefaultConnectionTimeoutS
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		r.BufferSize = r.EffectiveBufferSize(c.BufferSize)
		r.listenAddr = net.JoinHostPort(c.Network.ListenAddr, fmt.Sprintf("%d", r.ListenPort))
	}
}

// Validate checks structural invariants. Fatal at startup:
// invalid target format, duplicate rule name, unsupported protocol.
func (c *Config) Validate() error { //nolint:cyclop
	if len(c.Rules) == 0 {
		return errNoRulesConfigured
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Listen) == "" {
		return errAdminListenEmpty
	}

	if c.DynamicUpdate.CheckIntervalS <= 0 {
		return errDynamicUpdateIntervalZero
	}

	names := make(map[string]struct{}, len(c.Rules))

	for i := range c.Rules {
		r := &c.Rules[i]

		if r.Name == "" {
			return errRuleNameEmpty
		}

		if _, ok := names[r.Name]; ok {
			return fmt.Errorf("%w: %s", errDuplicateRuleName, r.Name)
		}

		names[r.Name] = struct{}{}

		if r.ListenPort == 0 {
			return fmt.Errorf("rule '%s': %w", r.Name, errRuleListenPortZero)
		}

		if len(r.Targets) == 0 {
			return fmt.Errorf("rule '%s': %w", r.Name, errRuleNoTargets)
		}

		for _, t := range r.Targets {
			if strings.TrimSpace(t) == "" {
				return fmt.Errorf("rule '%s': %w", r.Name, errRuleEmptyTarget)
			}

			if _, err := resolver.ParseTarget(t); err != nil {
				return fmt.Errorf("rule '%s': target %q: %w: %w", r.Name, t, errRuleInvalidTargetFormat, err)
			}
		}

		if r.BufferSize <= 0 {
			return fmt.Errorf("rule '%s': %w", r.Name, errRuleBufferSizeNonPositive)
		}

		for _, p := range r.EffectiveProtocols() {
			if _, ok := validProtocols[p]; !ok {
				return fmt.Errorf("rule '%s': %w: %s", r.Name, errRuleUnsupportedProtocol, p)
			}
		}
	}

	return nil
}

// CheckInterval returns the configured dynamic-update period: how often the
// supervisor pushes the Target Manager's current elections into the forwarders.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.DynamicUpdate.CheckIntervalS) * time.Second
}
