// Package config loads the agent configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netdisco/mdnssd-go/pkg/discovery"
)

// Bus and scan defaults.
const (
	DefaultScanTopic     = "SCAN-ANNOUNCE"
	DefaultNewScanTopic  = "SCAN-NEW-ANNOUNCE"
	DefaultScanCommand   = "START-SCAN"
	DefaultScanSubTypes  = "ups,pdu,ats"
	DefaultInfoCommand   = "INFO"
	DefaultBusEndpoint   = "MDNS_SD"
	DefaultServerName    = "mdnssd"
	DefaultAnnounceDelay = 5 * time.Second
	DefaultScanTimeout   = 10 * time.Second
)

// Config is the agent configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Info     InfoConfig     `yaml:"info"`
	Announce AnnounceConfig `yaml:"announce"`
	Scan     ScanConfig     `yaml:"scan"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig identifies the agent.
type ServerConfig struct {
	Verbose bool   `yaml:"verbose"`
	Name    string `yaml:"name"`
}

// BusConfig locates the message bus the agent publishes to.
type BusConfig struct {
	Endpoint string `yaml:"endpoint"`
	Address  string `yaml:"address"`
}

// InfoConfig names the request that returns the local service information.
type InfoConfig struct {
	Command string `yaml:"command"`
}

// AnnounceConfig is the default announcement.
type AnnounceConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	SubType string            `yaml:"sub_type"`
	Port    string            `yaml:"port"`
	Delay   time.Duration     `yaml:"delay"`
	TXT     map[string]string `yaml:"txt"`
}

// ScanConfig controls scans and the continuous watch.
type ScanConfig struct {
	DaemonActive     bool          `yaml:"daemon_active"`
	Auto             bool          `yaml:"auto"`
	StdOut           bool          `yaml:"std_out"`
	NoBusOut         bool          `yaml:"no_bus_out"`
	Command          string        `yaml:"command"`
	DefaultScanTopic string        `yaml:"default_scan_topic"`
	NewScanTopic     string        `yaml:"new_scan_topic"`
	Type             string        `yaml:"type"`
	SubType          string        `yaml:"sub_type"`
	Manufacturer     string        `yaml:"manufacturer"`
	FilterKey        string        `yaml:"filter_key"`
	FilterValue      string        `yaml:"filter_value"`
	Timeout          time.Duration `yaml:"timeout"`
}

// LogConfig controls operational logging and the discovery trace.
type LogConfig struct {
	Level     string `yaml:"level"`
	TraceFile string `yaml:"trace_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	desc := discovery.DefaultServiceDescriptor()
	return &Config{
		Server: ServerConfig{Name: DefaultServerName},
		Bus:    BusConfig{Endpoint: DefaultBusEndpoint},
		Info:   InfoConfig{Command: DefaultInfoCommand},
		Announce: AnnounceConfig{
			Name:    desc.Name,
			Type:    desc.Type,
			SubType: desc.Subtype,
			Port:    desc.Port,
			Delay:   DefaultAnnounceDelay,
		},
		Scan: ScanConfig{
			Command:          DefaultScanCommand,
			DefaultScanTopic: DefaultScanTopic,
			NewScanTopic:     DefaultNewScanTopic,
			Type:             discovery.DefaultScanType,
			SubType:          DefaultScanSubTypes,
			Timeout:          DefaultScanTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Parse reads a configuration from YAML. Keys absent from data keep their
// default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &LoadError{
			Message: "failed to parse YAML",
			Cause:   err,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{
			File:    path,
			Message: "failed to read file",
			Cause:   err,
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
			return nil, le
		}
		return nil, &LoadError{
			File:    path,
			Message: err.Error(),
		}
	}
	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if err := c.Descriptor().Validate(); err != nil {
		return &LoadError{Message: "invalid announce section", Cause: err}
	}
	if strings.TrimSpace(c.Scan.Type) == "" {
		return &LoadError{Message: "scan type is required"}
	}
	if c.Scan.Timeout < 0 {
		return &LoadError{Message: "scan timeout must not be negative"}
	}
	if c.Announce.Delay < 0 {
		return &LoadError{Message: "announce delay must not be negative"}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &LoadError{Message: "invalid log level", Cause: err}
	}
	return nil
}

// Descriptor returns the announced service.
func (c *Config) Descriptor() discovery.ServiceDescriptor {
	return discovery.ServiceDescriptor{
		Name:    c.Announce.Name,
		Type:    c.Announce.Type,
		Subtype: c.Announce.SubType,
		Port:    c.Announce.Port,
	}
}

// TXTRecords returns a copy of the configured TXT records.
func (c *Config) TXTRecords() discovery.TXTRecordMap {
	txt := make(discovery.TXTRecordMap, len(c.Announce.TXT))
	for k, v := range c.Announce.TXT {
		txt[k] = v
	}
	return txt
}

// ScanFilter returns the filter described by the scan section.
func (c *Config) ScanFilter() discovery.ScanFilter {
	return discovery.ScanFilter{
		SubTypes:     discovery.ParseSubTypes(c.Scan.SubType),
		Manufacturer: c.Scan.Manufacturer,
		CustomKey:    c.Scan.FilterKey,
		CustomValue:  c.Scan.FilterValue,
	}
}

// ParseLevel maps a level name to an slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// LoadError reports a configuration that could not be loaded.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// String renders the effective configuration for diagnostics.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("announce=" + strconv.Quote(c.Announce.Name))
	b.WriteString(" type=" + c.Announce.Type)
	b.WriteString(" port=" + c.Announce.Port)
	b.WriteString(" scan=" + c.Scan.Type)
	b.WriteString(" subtypes=" + strconv.Quote(c.Scan.SubType))
	return b.String()
}
