// Package config merges command line flags, ZOOMLITE_* environment
// variables and an optional YAML file. Flags win over env, env wins over
// the file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ZOOMLITE"

var (
	ErrInvalid = errors.New("invalid configuration")
	ErrFile    = errors.New("cannot read config file")
)

type Config struct {
	ListenAddr     string        `mapstructure:"listen-addr"`
	WSListenAddr   string        `mapstructure:"ws-listen-addr"`
	LogLevel       string        `mapstructure:"log-level"`
	StaticDir      string        `mapstructure:"static-dir"`
	CallTimeout    time.Duration `mapstructure:"call-timeout"`
	SendBuffer     int           `mapstructure:"send-buffer"`
	DebugEndpoints bool          `mapstructure:"debug-endpoints"`
	CORSOrigins    []string      `mapstructure:"cors-origins"`
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("zoomlite", pflag.ContinueOnError)
	fs.StringP("listen-addr", "a", ":3000", "http api and socket.io listen address")
	fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
	fs.StringP("log-level", "l", "info", "log level")
	fs.StringP("config", "c", "", "optional yaml config file")
	fs.String("static-dir", "", "serve static client files from this directory")
	fs.Duration("call-timeout", 60*time.Second, "how long a call may ring, 0 disables the timeout")
	fs.Int("send-buffer", 64, "per-connection outbound queue size")
	fs.Bool("debug-endpoints", false, "expose /api/debug/state")
	fs.StringSlice("cors-origins", nil, "allowed cross-origin clients, any when empty")
	return fs
}

// Load parses args (without the program name) and resolves the final configuration.
func Load(args []string) (*Config, error) {
	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(ErrFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	// PORT is what hosting platforms hand to the process.
	if port := os.Getenv("PORT"); port != "" {
		host, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			host = ""
		}
		cfg.ListenAddr = net.JoinHostPort(host, port)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	if cfg.SendBuffer < 1 {
		return errors.Join(ErrInvalid, fmt.Errorf("send-buffer must be positive, got %d", cfg.SendBuffer))
	}
	if cfg.CallTimeout < 0 {
		return errors.Join(ErrInvalid, fmt.Errorf("call-timeout must not be negative, got %s", cfg.CallTimeout))
	}
	if cfg.ListenAddr == "" || cfg.WSListenAddr == "" {
		return errors.Join(ErrInvalid, errors.New("listen addresses must be set"))
	}
	return nil
}
