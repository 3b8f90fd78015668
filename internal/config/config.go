// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadAgentConfig when a field is left empty
const (
	DefaultNodePath          = "/api2.0/node/track.json"
	DefaultAlertPath         = "/api2.0/alert/upsert.json"
	DefaultPollInterval      = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultCheckTimeout      = 5 * time.Second
	DefaultCPUSampleInterval = 200 * time.Millisecond
	DefaultStateDir          = "/var/lib/nodepulse/state"
	DefaultDiskMount         = "/"
	DefaultLogRegex          = `ERROR|FATAL|PANIC|WARNING`
	DefaultTailLines         = 5
	DefaultMicroService      = "unknown"
	DefaultSlotsQuota        = 1
	DefaultUnitBackend       = "systemctl"
)

// Env var names read by the loaders
const (
	EnvAPIKey   = "NODEPULSE_API_KEY"
	EnvSaaSURL  = "NODEPULSE_SAAS_URL"
	EnvLogLevel = "NODEPULSE_LOG_LEVEL"
	EnvHostname = "NODEPULSE_HOSTNAME"
)

// ErrMissingSaaSURL is returned by Validate when no collector URL is configured
var ErrMissingSaaSURL = errors.New("saas_url is required")

// SSLThresholds are day counts evaluated critical, warning, notice in order.
// A zero tier is unset.
type SSLThresholds struct {
	Critical int `yaml:"critical" json:"critical"`
	Warning  int `yaml:"warning" json:"warning"`
	Notice   int `yaml:"notice" json:"notice"`
}

// DefaultSSLThresholds returns the global tiers used when none are configured
func DefaultSSLThresholds() SSLThresholds {
	return SSLThresholds{Critical: 7, Warning: 14, Notice: 30}
}

// Merge returns t with every non-zero tier of override applied
func (t SSLThresholds) Merge(override *SSLThresholds) SSLThresholds {
	if override == nil {
		return t
	}
	if override.Critical != 0 {
		t.Critical = override.Critical
	}
	if override.Warning != 0 {
		t.Warning = override.Warning
	}
	if override.Notice != 0 {
		t.Notice = override.Notice
	}
	return t
}

// LogSource is one monitored set of log files
type LogSource struct {
	Name        string `yaml:"name"`
	PathPattern string `yaml:"path"`
	Regex       string `yaml:"regex"`
	TailLines   int    `yaml:"tail_lines"`
}

// WebsiteDef is one monitored endpoint
type WebsiteDef struct {
	Name                string         `yaml:"name"`
	Protocol            string         `yaml:"protocol"`
	Host                string         `yaml:"host"`
	Port                int            `yaml:"port"`
	Path                string         `yaml:"path"`
	ResponseThresholdMs int            `yaml:"response_threshold_ms"`
	SSLThresholds       *SSLThresholds `yaml:"ssl_thresholds"`
	InsecureSkipVerify  bool           `yaml:"insecure_skip_verify"`
}

// URL returns the site address used for HEAD requests
func (w WebsiteDef) URL() string {
	return fmt.Sprintf("%s://%s:%d%s", w.Protocol, w.Host, w.Port, w.Path)
}

// ServiceDef is the canonical service shape handed to the checker
type ServiceDef struct {
	Name string
	Unit string
}

// ServiceEntry accepts either a bare unit name or a {name, unit} mapping
type ServiceEntry struct {
	Name string `yaml:"name"`
	Unit string `yaml:"unit"`
}

// UnmarshalYAML implements yaml.Unmarshaler
func (e *ServiceEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var unit string
		if err := node.Decode(&unit); err != nil {
			return err
		}
		e.Name = unit
		e.Unit = unit
		return nil
	}
	type plain ServiceEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = ServiceEntry(p)
	return nil
}

// AgentConfig for the node agent
type AgentConfig struct {
	SaaSURL           string         `yaml:"saas_url"`
	NodePath          string         `yaml:"node_path"`
	AlertPath         string         `yaml:"alert_path"`
	MicroService      string         `yaml:"micro_service"`
	SlotsQuota        int            `yaml:"slots_quota"`
	Hostname          string         `yaml:"hostname"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	RequestTimeout    time.Duration  `yaml:"request_timeout"`
	CheckTimeout      time.Duration  `yaml:"check_timeout"`
	CPUSampleInterval time.Duration  `yaml:"cpu_sample_interval"`
	DiskMount         string         `yaml:"disk_mount"`
	StateDir          string         `yaml:"state_dir"`
	ParallelChecks    bool           `yaml:"parallel_checks"`
	UnitBackend       string         `yaml:"unit_backend"` // systemctl or dbus
	MetricsAddr       string         `yaml:"metrics_addr"`
	LogLevel          string         `yaml:"log_level"`
	LogFormat         string         `yaml:"log_format"`
	Services          []ServiceEntry `yaml:"services"`
	Logs              []LogSource    `yaml:"logs"`
	Websites          []WebsiteDef   `yaml:"websites"`
	SSLThresholds     *SSLThresholds `yaml:"ssl_thresholds"`
	APIKey            string         `yaml:"-"` // from env only
}

// NodeURL is the heartbeat endpoint
func (c *AgentConfig) NodeURL() string {
	return strings.TrimSuffix(c.SaaSURL, "/") + c.NodePath
}

// AlertURL is the alert upsert endpoint
func (c *AgentConfig) AlertURL() string {
	return strings.TrimSuffix(c.SaaSURL, "/") + c.AlertPath
}

// GlobalSSLThresholds returns the configured global tiers merged over the defaults
func (c *AgentConfig) GlobalSSLThresholds() SSLThresholds {
	return DefaultSSLThresholds().Merge(c.SSLThresholds)
}

// ServiceDefs normalizes configured services, dropping entries without a unit.
// The second return value lists the names of dropped entries.
func (c *AgentConfig) ServiceDefs() ([]ServiceDef, []string) {
	var defs []ServiceDef
	var dropped []string
	for _, e := range c.Services {
		unit := strings.TrimSpace(e.Unit)
		if unit == "" {
			dropped = append(dropped, e.Name)
			continue
		}
		name := strings.TrimSpace(e.Name)
		if name == "" {
			name = unit
		}
		defs = append(defs, ServiceDef{Name: name, Unit: unit})
	}
	return defs, dropped
}

// Validate reports configuration errors that prevent the agent from starting
func (c *AgentConfig) Validate() error {
	if c.SaaSURL == "" {
		return ErrMissingSaaSURL
	}
	for i, src := range c.Logs {
		if src.Name == "" || src.PathPattern == "" {
			return fmt.Errorf("logs[%d]: name and path are required", i)
		}
	}
	for i, w := range c.Websites {
		if w.Name == "" || w.Host == "" {
			return fmt.Errorf("websites[%d]: name and host are required", i)
		}
		if w.Protocol != "http" && w.Protocol != "https" {
			return fmt.Errorf("websites[%d] %s: protocol must be http or https, got %q", i, w.Name, w.Protocol)
		}
	}
	switch c.UnitBackend {
	case "systemctl", "dbus":
	default:
		return fmt.Errorf("unit_backend must be systemctl or dbus, got %q", c.UnitBackend)
	}
	return nil
}

func (c *AgentConfig) applyDefaults() {
	if c.NodePath == "" {
		c.NodePath = DefaultNodePath
	}
	if c.AlertPath == "" {
		c.AlertPath = DefaultAlertPath
	}
	if c.MicroService == "" {
		c.MicroService = DefaultMicroService
	}
	if c.SlotsQuota == 0 {
		c.SlotsQuota = DefaultSlotsQuota
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	if c.CPUSampleInterval <= 0 {
		c.CPUSampleInterval = DefaultCPUSampleInterval
	}
	if c.DiskMount == "" {
		c.DiskMount = DefaultDiskMount
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.UnitBackend == "" {
		c.UnitBackend = DefaultUnitBackend
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	for i := range c.Logs {
		if c.Logs[i].Regex == "" {
			c.Logs[i].Regex = DefaultLogRegex
		}
		if c.Logs[i].TailLines <= 0 {
			c.Logs[i].TailLines = DefaultTailLines
		}
	}
	for i := range c.Websites {
		w := &c.Websites[i]
		w.Protocol = strings.ToLower(w.Protocol)
		if w.Protocol == "" {
			w.Protocol = "https"
		}
		if w.Path == "" {
			w.Path = "/"
		}
		if w.Port == 0 {
			if w.Protocol == "https" {
				w.Port = 443
			} else {
				w.Port = 80
			}
		}
	}
}

// LoadAgentConfig loads agent config from YAML file with env overrides.
// envFile, or ./.env in the working directory when empty, is loaded first.
func LoadAgentConfig(path string, envFile string) (*AgentConfig, error) {
	loadDotenv(envFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Env overrides
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv(EnvSaaSURL); url != "" {
		cfg.SaaSURL = url
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}
	if hostname := os.Getenv(EnvHostname); hostname != "" {
		cfg.Hostname = hostname
	}

	// Default hostname to os.Hostname if not set
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// CollectorConfig for the reference collector
type CollectorConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DBPath          string `yaml:"db_path"`
	NodePath        string `yaml:"node_path"`
	AlertPath       string `yaml:"alert_path"`
	MaxPayloadBytes int64  `yaml:"max_payload_bytes"`
	TLSCert         string `yaml:"tls_cert"`
	TLSKey          string `yaml:"tls_key"`
	Production      bool   `yaml:"production"`
	LogLevel        string `yaml:"log_level"`
	APIKey          string `yaml:"-"` // agent auth, from env
}

// LoadCollectorConfig loads collector config from YAML file with env overrides
func LoadCollectorConfig(path string, envFile string) (*CollectorConfig, error) {
	loadDotenv(envFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CollectorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.NodePath == "" {
		cfg.NodePath = DefaultNodePath
	}
	if cfg.AlertPath == "" {
		cfg.AlertPath = DefaultAlertPath
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}

	return &cfg, nil
}

// loadDotenv loads envFile, or ./.env when envFile is empty.
// Missing files are ignored; variables already set win.
func loadDotenv(envFile string) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
		return
	}
	_ = godotenv.Load()
}
