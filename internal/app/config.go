package app

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration, merged from defaults, an optional
// config.yaml in the home directory, DRIFTSYNC_* environment variables and
// command-line flags (highest precedence, bound by the CLI).
type Config struct {
	Home       string        `mapstructure:"home"`
	VaultDir   string        `mapstructure:"vault"`
	DeviceName string        `mapstructure:"name"`

	DiscoveryPort int `mapstructure:"discovery_port"`
	ListenPort    int `mapstructure:"listen_port"`

	PeerTTL     time.Duration `mapstructure:"peer_ttl"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	Tolerance   time.Duration `mapstructure:"tolerance"`

	LogLevel string `mapstructure:"log_level"`
}

// SetDefaults installs the reference defaults on v.
func SetDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	if host == "" {
		host = "driftsync-device"
	}
	v.SetDefault("vault", "")
	v.SetDefault("name", host)
	v.SetDefault("discovery_port", 19840)
	v.SetDefault("listen_port", 19841)
	v.SetDefault("peer_ttl", 60*time.Second)
	v.SetDefault("idle_timeout", 5*time.Minute)
	v.SetDefault("tolerance", 2*time.Second)
	v.SetDefault("log_level", "info")
}

// Load reads the configuration for the given home directory.
func Load(home string, v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("DRIFTSYNC")
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Home = home
	if cfg.VaultDir == "" {
		cfg.VaultDir = filepath.Join(home, "vault")
	}
	return cfg, nil
}
