package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by EnvSource.
const EnvPrefix = "RIGOUR_"

// DefaultConfigFile is read when no path is given and the file exists.
const DefaultConfigFile = "rigour.yaml"

// Source priorities; higher values override lower ones.
const (
	PriorityDefaults  = 0
	PriorityFile      = 10
	PriorityLegacyEnv = 20
	PriorityEnv       = 30
	PriorityFlags     = 40
	PriorityDebug     = 50
)

// ConfigSource is one layer of configuration.
type ConfigSource interface {
	Name() string
	Priority() int
	Load(k *koanf.Koanf) error
}

// DefaultSources returns the standard layering: defaults, YAML file, legacy
// environment, RIGOUR_ environment, flags and the debug override.
func DefaultSources(configFile string, flags *pflag.FlagSet, debug bool) []ConfigSource {
	sources := []ConfigSource{
		DefaultsSource{},
		FileSource{Path: configFile},
		LegacyEnvSource{Lookup: os.LookupEnv},
		EnvSource{Prefix: EnvPrefix},
	}
	if flags != nil {
		sources = append(sources, FlagSource{Flags: flags})
	}
	if debug {
		sources = append(sources, DebugSource{})
	}
	return sources
}

// DefaultsSource loads DefaultConfigAsMap.
type DefaultsSource struct{}

func (DefaultsSource) Name() string  { return "defaults" }
func (DefaultsSource) Priority() int { return PriorityDefaults }
func (DefaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

// FileSource loads a YAML file. An explicit Path must exist; with an empty
// Path, DefaultConfigFile is read if present.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string  { return "file" }
func (s FileSource) Priority() int { return PriorityFile }
func (s FileSource) Load(k *koanf.Koanf) error {
	path := s.Path
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err != nil {
			return nil
		}
		path = DefaultConfigFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// EnvSource loads variables with Prefix, mapping PREFIX_SECTION_KEY_NAME to
// section.key_name.
type EnvSource struct {
	Prefix string
}

func (s EnvSource) Name() string  { return "env" }
func (s EnvSource) Priority() int { return PriorityEnv }
func (s EnvSource) Load(k *koanf.Koanf) error {
	return k.Load(env.Provider(s.Prefix, ".", func(key string) string {
		return EnvKey(s.Prefix, key)
	}), nil)
}

// EnvKey maps an environment variable name to a config key.
func EnvKey(prefix, name string) string {
	trimmed := strings.ToLower(strings.TrimPrefix(name, prefix))
	return strings.Replace(trimmed, "_", ".", 1)
}

// LegacyEnvSource honours the unprefixed variables the stages were first
// deployed with.
//
//	SERVICE          -> grabber.service
//	PORT             -> grabber.port
//	MESSAGE_TIMEOUT  -> grabber.message_timeout (seconds)
//	RABBITMQ_URL     -> bus.url
//	PORTS            -> ports.ports
//	NETWORKS         -> ports.networks (comma separated)
type LegacyEnvSource struct {
	Lookup func(string) (string, bool)
}

func (s LegacyEnvSource) Name() string  { return "legacy-env" }
func (s LegacyEnvSource) Priority() int { return PriorityLegacyEnv }
func (s LegacyEnvSource) Load(k *koanf.Koanf) error {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	values := map[string]any{}
	var errs []error

	if v, ok := lookup("SERVICE"); ok && v != "" {
		values["grabber.service"] = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := cast.ToIntE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			values["grabber.port"] = port
		}
	}
	if v, ok := lookup("MESSAGE_TIMEOUT"); ok && v != "" {
		secs, err := cast.ToFloat64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MESSAGE_TIMEOUT: %w", err))
		} else {
			values["grabber.message_timeout"] = time.Duration(secs * float64(time.Second)).String()
		}
	}
	if v, ok := lookup("RABBITMQ_URL"); ok && v != "" {
		values["bus.url"] = v
	}
	if v, ok := lookup("PORTS"); ok && v != "" {
		values["ports.ports"] = v
	}
	if v, ok := lookup("NETWORKS"); ok && v != "" {
		values["ports.networks"] = cast.ToStringSlice(strings.Split(v, ","))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return k.Load(confmap.Provider(values, "."), nil)
}

// KeyAnnotation is the pflag annotation naming the config key a flag sets.
const KeyAnnotation = "rigour_config_key"

// MapFlag marks flag name as an override for key. Only mapped flags and
// flags already named like a dotted key are read by FlagSource.
func MapFlag(fs *pflag.FlagSet, name, key string) error {
	return fs.SetAnnotation(name, KeyAnnotation, []string{key})
}

// FlagKey returns the config key f overrides, or "" when it maps to none.
func FlagKey(f *pflag.Flag) string {
	if keys := f.Annotations[KeyAnnotation]; len(keys) > 0 {
		return keys[0]
	}
	if strings.Contains(f.Name, ".") {
		return f.Name
	}
	return ""
}

// FlagSource loads flags through posflag. Unchanged flags never override
// values from lower layers.
type FlagSource struct {
	Flags *pflag.FlagSet
}

func (s FlagSource) Name() string  { return "flags" }
func (s FlagSource) Priority() int { return PriorityFlags }
func (s FlagSource) Load(k *koanf.Koanf) error {
	return k.Load(posflag.ProviderWithFlag(s.Flags, ".", k, func(f *pflag.Flag) (string, any) {
		key := FlagKey(f)
		if key == "" {
			return "", nil
		}
		return key, posflag.FlagVal(s.Flags, f)
	}), nil)
}

// DebugSource forces debug logging.
type DebugSource struct{}

func (DebugSource) Name() string  { return "debug" }
func (DebugSource) Priority() int { return PriorityDebug }
func (DebugSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(map[string]any{"log.level": "debug"}, "."), nil)
}
