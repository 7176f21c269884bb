package devserver

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultNamespace   = "default"
	DefaultIP          = "127.0.0.1"
	DefaultPollTimeout = 20 * time.Second
	Version            = "1.4.0"
)

// Config holds server settings. Zero values select defaults.
type Config struct {
	Logger *zap.Logger

	// Namespace is the only namespace the server accepts. Default "default".
	Namespace string
	// IP to bind. Default 127.0.0.1.
	IP string
	// DatabaseFilename is the SQLite file; empty keeps state in memory.
	DatabaseFilename string
	// ExtraArgs are accepted for command line compatibility and logged.
	ExtraArgs []string

	// PollTimeout bounds a long poll that finds no work. Default 20s.
	PollTimeout time.Duration
	// Port to bind; 0 picks a free port.
	Port int

	// UI serves a JSON status page at /ui.
	UI bool
	// TestService enables the test service (time skipping).
	TestService bool
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.IP == "" {
		c.IP = DefaultIP
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return c
}

func (c Config) validate() error {
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("invalid bind ip %q", c.IP)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c Config) addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}
