package recorder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/btcapture/gate"
	"github.com/hazyhaar/btcapture/peripheral"
	"github.com/hazyhaar/btcapture/session"
)

// Adapter kinds.
const (
	AdapterSim = "sim"
	AdapterBLE = "ble"
)

// fallbackPassword is used when the config names no credentials. New logs
// a warning when it is in force.
const fallbackPassword = "password123"

// Config holds all recorder configuration.
type Config struct {
	DBPath         string        `yaml:"db_path"`
	DBSynchronous  string        `yaml:"db_synchronous"` // NORMAL unless set
	Listen         string        `yaml:"listen"`
	MaxConns       int           `yaml:"max_conns"`
	Adapter        string        `yaml:"adapter"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"` // negative disables the cap
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BLE            BLEConfig     `yaml:"ble"`
	Sim            SimConfig     `yaml:"sim"`
	Gate           GateConfig    `yaml:"gate"`
	Journal        JournalConfig `yaml:"journal"`
}

// BLEConfig selects the notify characteristic on the real radio.
type BLEConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
	NotifyUUID  string `yaml:"notify_uuid"`
}

// SimConfig tunes the simulated peripheral.
type SimConfig struct {
	DiscoveryDelay    time.Duration `yaml:"discovery_delay"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	ConnectDelay      time.Duration `yaml:"connect_delay"`
	SampleDelay       time.Duration `yaml:"sample_delay"`
}

// GateConfig holds the operator credentials and token settings.
type GateConfig struct {
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	PasswordHash string        `yaml:"password_hash"`
	Secret       string        `yaml:"secret"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// JournalConfig controls event retention.
type JournalConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "btcapture.db"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 64
	}
	if c.Adapter == "" {
		c.Adapter = AdapterSim
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = session.DefaultScanTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = session.DefaultConnectTimeout
	}
	if c.BLE.ServiceUUID == "" {
		c.BLE.ServiceUUID = peripheral.DefaultServiceUUID
	}
	if c.BLE.NotifyUUID == "" {
		c.BLE.NotifyUUID = peripheral.DefaultNotifyUUID
	}
	if c.Gate.Username == "" {
		c.Gate.Username = gate.DefaultUsername
	}
	if c.Gate.SessionTTL <= 0 {
		c.Gate.SessionTTL = gate.DefaultTTL
	}
	if c.Journal.RetentionDays <= 0 {
		c.Journal.RetentionDays = 90
	}
	if c.Journal.CleanupInterval <= 0 {
		c.Journal.CleanupInterval = time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Adapter {
	case AdapterSim, AdapterBLE:
	default:
		return fmt.Errorf("recorder: unknown adapter %q (want %s or %s)", c.Adapter, AdapterSim, AdapterBLE)
	}
	if c.Gate.Secret != "" && len(c.Gate.Secret) < gate.MinSecretLen {
		return gate.ErrSecretTooShort
	}
	return nil
}

// scanTimeout converts the config value to the session option, where zero
// means no cap.
func (c *Config) scanTimeout() time.Duration {
	if c.ScanTimeout < 0 {
		return 0
	}
	return c.ScanTimeout
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("recorder: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides config values with the process environment: LISTEN,
// DB_PATH, ADAPTER, OPERATOR_USERNAME, OPERATOR_PASSWORD, SESSION_SECRET.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Listen, "LISTEN")
	set(&c.DBPath, "DB_PATH")
	set(&c.Adapter, "ADAPTER")
	set(&c.Gate.Username, "OPERATOR_USERNAME")
	set(&c.Gate.Password, "OPERATOR_PASSWORD")
	set(&c.Gate.Secret, "SESSION_SECRET")
}
