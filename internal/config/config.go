package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RealtimeConfig struct {
	Origin       string        `mapstructure:"origin"`
	Path         string        `mapstructure:"path"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	AuthTimeout  time.Duration `mapstructure:"auth_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
}

type PollConfig struct {
	ListInterval  time.Duration `mapstructure:"list_interval"`
	CountInterval time.Duration `mapstructure:"count_interval"`
	ListLimit     int           `mapstructure:"list_limit"`
}

type MutationConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type PushConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	InitialPermission string `mapstructure:"initial_permission"`
}

type Config struct {
	ServerPort     string         `mapstructure:"server_port"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	JWTSecret      string         `mapstructure:"jwt_secret"`
	LogLevel       string         `mapstructure:"log_level"`
	API            APIConfig      `mapstructure:"api"`
	Realtime       RealtimeConfig `mapstructure:"realtime"`
	Poll           PollConfig     `mapstructure:"poll"`
	Mutation       MutationConfig `mapstructure:"mutation"`
	Push           PushConfig     `mapstructure:"push"`
}

// Load reads config.yaml from the current directory or ./config. A missing
// file is not an error; defaults and NOTIFYD_* environment variables apply.
func Load() (*Config, error) {
	v := newViper()
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// LoadFile reads configuration from an explicit YAML file.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NOTIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_port", "8090")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("api.base_url", "http://localhost:3000")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("realtime.origin", "http://localhost:3000")
	v.SetDefault("realtime.path", "/ws/notifications")
	v.SetDefault("realtime.initial_delay", time.Second)
	v.SetDefault("realtime.max_delay", 30*time.Second)
	v.SetDefault("realtime.max_attempts", 5)
	v.SetDefault("realtime.auth_timeout", 10*time.Second)
	v.SetDefault("realtime.ping_interval", 25*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)

	v.SetDefault("poll.list_interval", 2*time.Minute)
	v.SetDefault("poll.count_interval", 2*time.Minute)
	v.SetDefault("poll.list_limit", 5)

	v.SetDefault("mutation.attempts", 3)
	v.SetDefault("mutation.delay", 500*time.Millisecond)
	v.SetDefault("mutation.max_delay", 5*time.Second)

	v.SetDefault("push.enabled", true)
	v.SetDefault("push.initial_permission", "default")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the realtime and polling components rely on.
func (c *Config) Validate() error {
	rt := c.Realtime
	if rt.InitialDelay <= 0 {
		return fmt.Errorf("realtime.initial_delay must be positive")
	}
	if rt.MaxDelay < rt.InitialDelay {
		return fmt.Errorf("realtime.max_delay (%s) must not be below realtime.initial_delay (%s)", rt.MaxDelay, rt.InitialDelay)
	}
	if rt.MaxAttempts < 1 {
		return fmt.Errorf("realtime.max_attempts must be at least 1")
	}
	if rt.AuthTimeout <= 0 {
		return fmt.Errorf("realtime.auth_timeout must be positive")
	}
	if c.Poll.ListInterval <= 0 || c.Poll.CountInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Poll.ListLimit <= 0 {
		c.Poll.ListLimit = 5
	}
	if c.Mutation.Attempts < 1 {
		c.Mutation.Attempts = 1
	}
	return nil
}

// RequireSecret is checked by the server binary; library users may run without one.
func (c *Config) RequireSecret() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret must be set")
	}
	return nil
}
