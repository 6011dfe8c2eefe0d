// Package config handles configuration persistence for adslink.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerID identifies a registered config change listener.
type ListenerID string

// Config holds the complete application configuration: one or more ADS
// targets plus the sinks that export their notification streams.
type Config struct {
	Namespace string         `yaml:"namespace"` // instance namespace for topic/key isolation
	Targets   []TargetConfig `yaml:"targets"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	SSH       SSHConfig      `yaml:"ssh,omitempty"`
	Debug     DebugConfig    `yaml:"debug,omitempty"`

	// dataMu protects all fields against concurrent access. Callers that
	// modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex          `yaml:"-"`
	listenerCounter uint64                `yaml:"-"`
}

// TargetConfig describes one ADS/AMS endpoint this client connects to.
type TargetConfig struct {
	Name        string        `yaml:"name"`
	Address     string        `yaml:"address"` // host:port for the TCP ADS connection
	AmsNetId    string        `yaml:"ams_net_id"`
	AmsPort     uint16        `yaml:"ams_port,omitempty"` // default: 851 (TC3 PLC runtime)
	Enabled     bool          `yaml:"enabled"`
	AutoRoute   bool          `yaml:"auto_route,omitempty"` // negotiate a route over UDP before dialing
	RouteName   string        `yaml:"route_name,omitempty"`
	Username    string        `yaml:"username,omitempty"`
	Password    string        `yaml:"password,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Tags        []TagSelection `yaml:"tags,omitempty"`
}

// DefaultAmsPort returns the configured AMS port, or the TC3 PLC runtime
// default when unset.
func (t *TargetConfig) DefaultAmsPort() uint16 {
	if t.AmsPort != 0 {
		return t.AmsPort
	}
	return 851
}

// TagSelection represents a symbol selected for notification export.
type TagSelection struct {
	Name     string `yaml:"name"`
	Alias    string `yaml:"alias,omitempty"`
	Enabled  bool   `yaml:"enabled"`
	Writable bool   `yaml:"writable,omitempty"`
	// Sink inhibit flags: when true, this tag is NOT exported to that sink.
	NoMQTT   bool `yaml:"no_mqtt,omitempty"`
	NoKafka  bool `yaml:"no_kafka,omitempty"`
	NoValkey bool `yaml:"no_valkey,omitempty"`
}

// PublishesToAny reports whether the tag exports to at least one sink.
func (t *TagSelection) PublishesToAny() bool {
	return !t.NoMQTT || !t.NoKafka || !t.NoValkey
}

// WebConfig holds the HTTP facade transport's server configuration.
type WebConfig struct {
	Enabled       bool      `yaml:"enabled"`
	Host          string    `yaml:"host"`
	Port          int       `yaml:"port"`
	SessionSecret string    `yaml:"session_secret,omitempty"`
	Users         []WebUser `yaml:"users,omitempty"`
}

// WebUser represents a web interface user.
type WebUser struct {
	Username           string `yaml:"username"`
	PasswordHash       string `yaml:"password_hash"` // bcrypt
	Role               string `yaml:"role"`          // "admin" or "viewer"
	MustChangePassword bool   `yaml:"must_change_password,omitempty"`
}

// Web user roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// SSHConfig holds the SSH console transport's server configuration.
type SSHConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"` // e.g. "127.0.0.1:2222"
	Password       string `yaml:"password,omitempty"`
	AuthorizedKeys string `yaml:"authorized_keys,omitempty"` // path to a file or directory of authorized_keys
}

// DebugConfig controls the wire-level debug logger (logging.DebugLogger).
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
	Filter  string `yaml:"filter,omitempty"` // comma-separated component tags
}

// MQTTConfig holds MQTT notification-export sink configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds Kafka notification-export sink configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
	Selector      string        `yaml:"selector,omitempty"`
	AutoCreateTopics *bool      `yaml:"auto_create_topics,omitempty"`
}

// ValkeyConfig holds the symbol-catalog cache's Valkey/Redis configuration.
type ValkeyConfig struct {
	Name     string        `yaml:"name"`
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"` // host:port
	Password string        `yaml:"password,omitempty"`
	Database int           `yaml:"database"`
	UseTLS   bool          `yaml:"use_tls,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"` // catalog entry TTL, 0 = no expiry
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Targets: []TargetConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Kafka:  []KafkaConfig{},
		Valkey: []ValkeyConfig{},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".adslink", "config.yaml")
}

// Load reads configuration from a YAML file, creating sensible defaults for
// a missing file and persisting a freshly generated web session secret.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if cfg.Web.SessionSecret == "" {
		secret := make([]byte, 32)
		rand.Read(secret)
		cfg.Web.SessionSecret = base64.StdEncoding.EncodeToString(secret)
		dirty = true
	}

	if dirty {
		cfg.Save(path) // best-effort
	}

	return cfg, nil
}

// AddOnChangeListener registers a callback fired after every successful
// save. Returns an ID usable with RemoveOnChangeListener.
func (c *Config) AddOnChangeListener(cb func()) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ListenerID]func())
	}

	id := ListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access. Use before
// modifying fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies listeners.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindTarget returns the target config with the given name, or nil.
func (c *Config) FindTarget(name string) *TargetConfig {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

// AddTarget appends a new target configuration.
func (c *Config) AddTarget(t TargetConfig) {
	c.Targets = append(c.Targets, t)
}

// RemoveTarget removes a target config by name.
func (c *Config) RemoveTarget(name string) bool {
	for i, t := range c.Targets {
		if t.Name == name {
			c.Targets = append(c.Targets[:i], c.Targets[i+1:]...)
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT sink config with the given name, or nil.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// FindKafka returns the Kafka sink config with the given name, or nil.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// FindValkey returns the Valkey cache config with the given name, or nil.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// FindWebUser returns the web user with the given username, or nil.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser appends a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace is required")
	}
	names := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("config: target with empty name")
		}
		if names[t.Name] {
			return fmt.Errorf("config: duplicate target name %q", t.Name)
		}
		names[t.Name] = true
		if t.AmsNetId == "" {
			return fmt.Errorf("config: target %q missing ams_net_id", t.Name)
		}
	}
	return nil
}
