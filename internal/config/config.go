package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config is the signaling broker configuration.
type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=512"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	// Secret, when set, must be passed by peers as the key query parameter.
	Secret       string  `mapstructure:"secret"`
	SendBuffer   int     `mapstructure:"send_buffer" validate:"min=1"`
	RateLimit    float64 `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst    int     `mapstructure:"rate_burst" validate:"min=1"`
	Backpressure string  `mapstructure:"backpressure" validate:"oneof=evict drop"`
}

// Peer is the participant CLI configuration.
type Peer struct {
	SignalURL  string   `mapstructure:"signal_url" validate:"required,url"`
	Key        string   `mapstructure:"key"`
	ICEServers []string `mapstructure:"ice_servers"`
	LogLevel   string   `mapstructure:"log_level"`

	User  string `mapstructure:"user" validate:"required,alphanum,max=64"`
	Group string `mapstructure:"group" validate:"required,alphanum,max=64"`
	Name  string `mapstructure:"name"`

	Audio     bool   `mapstructure:"audio"`
	Video     bool   `mapstructure:"video"`
	AudioFile string `mapstructure:"audio_file"`
	VideoFile string `mapstructure:"video_file"`
	// Deny makes every capture request fail as if the user refused it.
	Deny      bool   `mapstructure:"deny"`
	RecordDir string `mapstructure:"record_dir"`

	DuplicatePolicy string `mapstructure:"duplicate_policy" validate:"omitempty,oneof=tiebreak reject replace"`
	AutoConnect     bool   `mapstructure:"auto_connect"`
}

func setBrokerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("backpressure", "evict")
}

// SetPeerDefaults registers the participant defaults on v.
func SetPeerDefaults(v *viper.Viper) {
	v.SetDefault("signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("log_level", "info")
	v.SetDefault("audio", true)
	v.SetDefault("video", false)
	v.SetDefault("duplicate_policy", "tiebreak")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the broker defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("STUDYROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setBrokerDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("broker config")
	return &cfg, nil
}

// LoadPeer decodes and validates the participant settings from v, which the
// CLI has already populated from flags, env and an optional file.
func LoadPeer(v *viper.Viper) (*Peer, error) {
	var cfg Peer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SetupLogging installs the console logger at level on the global logger.
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
