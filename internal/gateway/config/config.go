// Package config loads the audio gateway's process-level configuration
// from flags and environment variables, the way services/signaling does
// it: flags define the defaults, environment variables override them.
package config

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the gateway's process-level configuration.
type Config struct {
	SocketPath    string
	A2DPSeidMax   int
	CapBufferSize int
	LogLevel      string
}

// Load loads configuration from command line flags and environment
// variables.
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SocketPath, "socket", "/var/run/bluetooth/audio.sock", "rendezvous socket path")
	flag.IntVar(&cfg.A2DPSeidMax, "a2dp-seid-max", 31, "highest SEID reserved for media endpoints; above it routes to the voice pseudo-endpoint")
	flag.IntVar(&cfg.CapBufferSize, "cap-buffer-size", 1024, "suggested GetCapabilities response buffer size")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")

	flag.Parse()

	if v := os.Getenv("BT_AUDIO_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("A2DP_SEID_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.A2DPSeidMax = n
		}
	}
	if v := os.Getenv("BT_AUDIO_CAP_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CapBufferSize = n
		}
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}
