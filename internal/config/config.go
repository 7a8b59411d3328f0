package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the relay server configuration.
type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Secret         string        `mapstructure:"secret"`
	EmptyRoomTTL   time.Duration `mapstructure:"empty_room_ttl"`
	Backpressure   string        `mapstructure:"backpressure"`
	ChatRateLimit  int           `mapstructure:"chat_rate_limit"`
	ChatRateWindow time.Duration `mapstructure:"chat_rate_window"`
}

// ClientConfig drives cmd/client.
type ClientConfig struct {
	ServerURL       string   `mapstructure:"server_url"`
	HTTPURL         string   `mapstructure:"http_url"`
	Name            string   `mapstructure:"name"`
	Glare           string   `mapstructure:"glare"`
	STUNURLs        []string `mapstructure:"stun_urls"`
	TURNURLs        []string `mapstructure:"turn_urls"`
	TURNUsername    string   `mapstructure:"turn_username"`
	TURNPassword    string   `mapstructure:"turn_password"`
	AudioRTP        string   `mapstructure:"audio_rtp"`
	VideoRTP        string   `mapstructure:"video_rtp"`
	MaxLinkRestarts int      `mapstructure:"max_link_restarts"`
	LogLevel        string   `mapstructure:"log_level"`
}

// FileName returns the config file for the CONFIG_ENV environment (dev by default).
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func Load() (*Config, error) {
	return LoadFile(FileName())
}

// LoadFile reads the server section from fileName. A missing file is not an
// error: defaults and MESH_* environment variables still apply.
func LoadFile(fileName string) (*Config, error) {
	v := newViper(fileName)
	v.SetDefault("mode", "release")
	v.SetDefault("port", 5000)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("secret", "mesh-dev-secret")
	v.SetDefault("empty_room_ttl", "10m")
	v.SetDefault("backpressure", "drop")
	v.SetDefault("chat_rate_limit", 10)
	v.SetDefault("chat_rate_window", "5s")
	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", cfg.PingPeriod, cfg.PongWait)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("backpressure", cfg.Backpressure).Msg("server config ready")
	return &cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	return LoadClientFile(FileName())
}

func LoadClientFile(fileName string) (*ClientConfig, error) {
	v := newViper(fileName)
	v.SetDefault("server_url", "ws://localhost:5000/ws")
	v.SetDefault("http_url", "http://localhost:5000")
	v.SetDefault("name", "")
	v.SetDefault("glare", "tiebreak")
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("turn_urls", []string{})
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_password", "")
	v.SetDefault("audio_rtp", "")
	v.SetDefault("video_rtp", "")
	v.SetDefault("max_link_restarts", 3)
	v.SetDefault("log_level", "info")
	readFile(v, fileName)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	switch cfg.Glare {
	case "tiebreak", "always":
	default:
		return nil, fmt.Errorf("glare must be tiebreak or always, got %q", cfg.Glare)
	}
	return &cfg, nil
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}
