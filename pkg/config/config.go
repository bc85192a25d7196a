// pkg/config/config.go
package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ctrlsam/rigour/pkg/bus"
	"github.com/ctrlsam/rigour/pkg/grabber"
	"github.com/ctrlsam/rigour/pkg/ports"
	"github.com/ctrlsam/rigour/pkg/storage"
)

// Global Koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global Koanf instance.
// This should be called early in the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// Config is the merged configuration of every stage.
type Config struct {
	Log     LogConfig      `koanf:"log"`
	Bus     bus.Config     `koanf:"bus"`
	Storage storage.Config `koanf:"storage"`
	Grabber grabber.Config `koanf:"grabber"`
	Ports   ports.Config   `koanf:"ports"`
	Server  ServerConfig   `koanf:"server"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServerConfig controls the read-only HTTP API.
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// Retention deletes hosts not updated for this long; 0 keeps everything.
	Retention         time.Duration `koanf:"retention"`
	RetentionInterval time.Duration `koanf:"retention_interval"`
}

// ListenAddr returns host:port.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.Port)
}

// DefaultServerConfig returns the API defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              "127.0.0.1",
		Port:              8080,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RetentionInterval: time.Hour,
	}
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a new Manager backed by the global Koanf instance.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{
		koanfInstance: k,
	}
}

// DefaultConfig returns a new Config struct populated with hardcoded default values.
// These serve as the baseline configuration if no other sources override them.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus:     bus.DefaultConfig(),
		Storage: storage.DefaultConfig(),
		Grabber: grabber.DefaultConfig(),
		Ports:   ports.DefaultConfig(),
		Server:  DefaultServerConfig(),
	}
}

// Load loads configuration from various sources based on precedence.
// It populates the manager's currentConfig.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags (--service=http)
//  2. Environment variables (RIGOUR_GRABBER_SERVICE=http)
//  3. Legacy environment variables (SERVICE=http)
//  4. Config file (YAML)
//  5. Default values
//
// Environment variables use the RIGOUR_ prefix; the first underscore after
// the prefix separates the section from the key:
//
//	RIGOUR_LOG_LEVEL                -> log.level
//	RIGOUR_GRABBER_MESSAGE_TIMEOUT  -> grabber.message_timeout
//
// For custom source ordering, use LoadWithSources() instead.
func (m *Manager) Load(flags *pflag.FlagSet, customConfigFilePath string) error {
	debug := false
	if flags != nil {
		debugFlag := flags.Lookup("debug")
		if debugFlag != nil && debugFlag.Value.String() == "true" {
			debug = true
		}
	}

	sources := DefaultSources(customConfigFilePath, flags, debug)
	return m.LoadWithSources(sources)
}

// LoadWithSources loads configuration from the provided sources in priority order.
// Sources with lower priority values are loaded first, higher priority sources
// override lower priority values.
func (m *Manager) LoadWithSources(sources []ConfigSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	var newCfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &newCfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	postProcessConfig(&newCfg)
	m.currentConfig = newCfg

	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.currentConfig
	cfg.Ports.Networks = append([]string(nil), m.currentConfig.Ports.Networks...)
	return cfg
}

// GetValue retrieves a configuration value by key path.
// Returns nil if key doesn't exist.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// All returns the merged key/value tree.
func (m *Manager) All() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Raw()
}

func postProcessConfig(cfg *Config) {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Bus.Driver = strings.ToLower(cfg.Bus.Driver)
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	cfg.Grabber.OnExit = strings.ToLower(cfg.Grabber.OnExit)
}

// DefaultConfigAsMap converts the DefaultConfig struct to a flat map for
// Koanf's confmap.Provider so that every key is known up front. Durations are
// stored in their string form so the map renders readably.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"bus.driver":        def.Bus.Driver,
		"bus.url":           def.Bus.URL,
		"bus.exchange":      def.Bus.Exchange,
		"bus.codec":         def.Bus.Codec,
		"bus.reconnect_min": def.Bus.ReconnectMin.String(),
		"bus.reconnect_max": def.Bus.ReconnectMax.String(),

		"storage.driver": def.Storage.Driver,
		"storage.dsn":    def.Storage.DSN,
		"storage.dir":    def.Storage.Dir,

		"grabber.service":                "",
		"grabber.port":                   def.Grabber.Port,
		"grabber.message_timeout":        def.Grabber.MessageTimeout.String(),
		"grabber.sweep_interval":         def.Grabber.SweepInterval.String(),
		"grabber.binary":                 def.Grabber.Binary,
		"grabber.on_exit":                def.Grabber.OnExit,
		"grabber.restart_backoff":        def.Grabber.RestartBackoff.String(),
		"grabber.queue_size":             def.Grabber.QueueSize,
		"grabber.backpressure_threshold": def.Grabber.BackpressureThreshold,
		"grabber.close_wait":             def.Grabber.CloseWait.String(),

		"ports.ports":        def.Ports.Ports,
		"ports.networks":     def.Ports.Networks,
		"ports.rate":         def.Ports.Rate,
		"ports.binary":       def.Ports.Binary,
		"ports.publish_rate": def.Ports.PublishRate,
		"ports.close_wait":   def.Ports.CloseWait.String(),

		"server.addr":               def.Server.Addr,
		"server.port":               def.Server.Port,
		"server.read_timeout":       def.Server.ReadTimeout.String(),
		"server.write_timeout":      def.Server.WriteTimeout.String(),
		"server.retention":          def.Server.Retention.String(),
		"server.retention_interval": def.Server.RetentionInterval.String(),
	}
}

// BindFlags defines the global flags that influence configuration loading.
// Subcommands register their own flags and map them with MapFlag.
func BindFlags(flags *pflag.FlagSet) {
	var flagvar bool
	flags.BoolVar(&flagvar, "debug", false, "Enable debug logging")
}

// YAML renders the merged configuration tree.
func (m *Manager) YAML() ([]byte, error) {
	out, err := yaml.Marshal(m.All())
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
