// Package config loads server configuration from YAML, falling back to
// sensible defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds all configuration for the jeux server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Session limits
	MaxClients    int           `yaml:"max_clients"`
	SendQueueSize int           `yaml:"send_queue_size"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error (default: info)
}

// DefaultServer returns Server config with sensible defaults.
func DefaultServer() Server {
	return Server{
		BindAddress:   "0.0.0.0",
		Port:          5556,
		MaxClients:    64,
		SendQueueSize: 256,
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   5 * time.Minute,
		LogLevel:      "info",
	}
}

// LoadServer loads server config from a YAML file. If the file doesn't
// exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Addr returns the bind address and port combined as a net.Listen target.
func (c Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
