package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// MinChunkThreshold leaves room for a chunk envelope plus some data.
const MinChunkThreshold = 512

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	Secret    string          `mapstructure:"secret"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Transport TransportConfig `mapstructure:"transport"`
	Identity  IdentityConfig  `mapstructure:"identity"`
}

type BackendConfig struct {
	// Family selects the key encoding: "a" header/body, "b" channel header.
	Family          string        `mapstructure:"family"`
	URL             string        `mapstructure:"url"`
	Name            string        `mapstructure:"name"`
	Namespace       string        `mapstructure:"namespace"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MetadataHeaders bool          `mapstructure:"metadata_headers"`
}

type SessionsConfig struct {
	Track bool `mapstructure:"track"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	DeviceDebounce time.Duration `mapstructure:"device_debounce"`
}

type ChunkConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Debounce  time.Duration `mapstructure:"debounce"`
	Queue     int           `mapstructure:"queue"`
}

type TransportConfig struct {
	SignalURL  string   `mapstructure:"signal_url"`
	Token      string   `mapstructure:"token"`
	Media      bool     `mapstructure:"media"`
	ICEServers []string `mapstructure:"ice_servers"`
}

type IdentityConfig struct {
	Self  string `mapstructure:"self"`
	Owner string `mapstructure:"owner"`
	Room  string `mapstructure:"room"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "change-me")

	v.SetDefault("backend.family", "a")
	v.SetDefault("backend.url", "http://localhost:18789/v1/responses")
	v.SetDefault("backend.name", "openclaw")
	v.SetDefault("backend.namespace", "voice")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.metadata_headers", true)

	v.SetDefault("sessions.track", true)

	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.base_delay", "1s")
	v.SetDefault("reconnect.max_delay", "16s")
	v.SetDefault("reconnect.device_debounce", "500ms")

	v.SetDefault("chunk.threshold", 14*1024)
	v.SetDefault("chunk.debounce", "100ms")
	v.SetDefault("chunk.queue", 256)

	v.SetDefault("transport.signal_url", "ws://localhost:7880/signal")
	v.SetDefault("transport.media", false)
	v.SetDefault("transport.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("transport.token", "")

	v.SetDefault("identity.self", "")
	v.SetDefault("identity.owner", "")
	v.SetDefault("identity.room", "lobby")
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one YAML file over the defaults. A missing file is not
// an error. CONTINUITY_* environment variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("continuity")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("backend", cfg.Backend.Family).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend.Family) {
	case "a", "b":
	default:
		return fmt.Errorf("backend.family must be a or b, got %q", c.Backend.Family)
	}
	if c.Backend.Name == "" {
		return fmt.Errorf("backend.name is required")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay %s below base_delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Chunk.Threshold < MinChunkThreshold {
		return fmt.Errorf("chunk.threshold %d below %d", c.Chunk.Threshold, MinChunkThreshold)
	}
	return nil
}
