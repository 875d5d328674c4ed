// Package config loads the application-level settings shared by the demo
// binaries from a YAML file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AppConfig holds the loaded configuration for the running process.
var AppConfig *Config

// Config mirrors config.yaml. Zero values fall back to the engine defaults.
type Config struct {
	// engine-wide
	PayloadPoolSize int     `yaml:"payloadPoolSize"`
	MaxPayloadSize  int     `yaml:"maxPayloadSize"`
	IdleTimeoutSec  int     `yaml:"idleTimeoutSec"`
	PoolDebug       bool    `yaml:"poolDebug"`
	LossProfile     string  `yaml:"lossProfile"` // clean, random or bursty
	LossRate        float64 `yaml:"lossRate"`
	BurstRate       float64 `yaml:"burstRate"`
	LossSeed        int64   `yaml:"lossSeed"`

	// per-connection
	WindowSize        int `yaml:"windowSize"`
	ResendTimeoutMs   int `yaml:"resendTimeoutMs"`
	InitialRecvWindow int `yaml:"initialRecvWindow"`
	HandshakeRetries  int `yaml:"handshakeRetries"`
	MaxResendCount    int `yaml:"maxResendCount"`
	TeardownTimeoutMs int `yaml:"teardownTimeoutMs"`

	// demo applications
	ServerAddr string `yaml:"serverAddr"`
}

// DefaultConfig returns the values used when config.yaml is absent or leaves
// a field unset.
func DefaultConfig() *Config {
	return &Config{
		LossProfile: "clean",
		ServerAddr:  "127.0.0.1:8901",
	}
}

// ReadConfig parses path into a Config. A missing file is not an error: the
// defaults are returned so the demos run without any setup.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "error reading config file %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "error parsing config file %s", path)
	}
	return cfg, nil
}
