package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	Driver       string        `mapstructure:"driver"`
	Path         string        `mapstructure:"path"`
	DB           string        `mapstructure:"db"`
	LogLevel     string        `mapstructure:"log-level"`
	NoSync       bool          `mapstructure:"no-sync"`
	CacheSize    int64         `mapstructure:"cache-size"`
	PageSize     int           `mapstructure:"page-size"`
	MaxOpen      int           `mapstructure:"max-open"`
	MaxHistory   int           `mapstructure:"max-history"`
	Compression  string        `mapstructure:"compression"`
	Listen       string        `mapstructure:"listen"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
}

func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default ./lounge.yaml)")
	fs.String("driver", "pebble", "storage driver: pebble, memory or sqlite")
	fs.String("path", "./lounge-data", "storage environment directory")
	fs.String("db", "default", "database name")
	fs.String("log-level", "warn", "debug, info, warn or error")
	fs.Bool("no-sync", false, "do not fsync commits")
	fs.Int64("cache-size", 8<<20, "pebble block cache bytes")
	fs.Int("page-size", 256, "sqlite iterator page size")
	fs.Int("max-open", 64, "databases kept open at once")
	fs.Int("max-history", 1024, "revisions kept per document")
	fs.String("compression", "none", "body compression: none, zstd or s2")
	fs.String("listen", "127.0.0.1:5984", "serve address")
	fs.Duration("poll-interval", 5*time.Second, "continuous pull poll interval")
}

// loadConfig merges flags, LOUNGE_* environment variables and the config
// file, in that order of precedence.
func loadConfig(fs *pflag.FlagSet) (*config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("lounge")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("lounge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/lounge")
	}
	if err := v.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) {
			return nil, err
		}
	}
	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
