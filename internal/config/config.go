package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the lanmeet server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	BindIP        string // address all listeners bind to
	ControlPort   int    // TCP control/chat
	FilePort      int    // TCP file transfer
	ScreenPort    int    // TCP screen share
	VideoPort     int    // UDP video
	AudioPort     int    // UDP audio
	DiscoveryPort int    // UDP discovery beacon
	MonitorPort   int    // HTTP monitoring gateway
	StorageDir    string // directory for uploaded files
	ServerName    string // name advertised by the discovery beacon
	LogLevel      string
	LogFormat     string // log output format: "text" or "json"
	NoDiscovery   bool   // disable the discovery beacon
	NoMonitor     bool   // disable the monitoring gateway
}

// Service ports.
const (
	defaultControlPort   = 5000
	defaultDiscoveryPort = 5001
	defaultFilePort      = 5002
	defaultScreenPort    = 5003
	defaultMonitorPort   = 5555
	defaultVideoPort     = 6000
	defaultAudioPort     = 6001
)

// defaults
const (
	defaultBindIP     = "0.0.0.0"
	defaultStorageDir = "./lanmeet_files"
	defaultServerName = "Lanmeet Host"
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
)

// Audio format. Raw PCM, matching common capture defaults; the mixer rejects
// chunks whose byte length differs from AudioChunkBytes.
const (
	AudioSampleRate     = 44100 // Hz
	AudioChannels       = 1     // mono keeps mixing simple
	AudioBytesPerSample = 2     // int16 PCM
	AudioChunkSamples   = 1024  // frames per chunk

	// AudioChunkBytes is the canonical byte length of one audio chunk.
	AudioChunkBytes = AudioChunkSamples * AudioChannels * AudioBytesPerSample

	// AudioChunkDuration is the wallclock duration of one chunk and therefore
	// the mix tick period (1024/44100 ≈ 23.2 ms).
	AudioChunkDuration = time.Duration(AudioChunkSamples) * time.Second / AudioSampleRate

	// AudioJitterDepth bounds each per-source jitter buffer (~230 ms of audio).
	AudioJitterDepth = 10
)

// File transfer and frame limits.
const (
	FileChunkSize = 32 * 1024
	MaxFileSize   = 100 * 1024 * 1024

	// MaxScreenFrame bounds a single screen-share frame.
	MaxScreenFrame = 10 * 1024 * 1024
)

// Timeouts.
const (
	ConnectionTimeout = 5 * time.Second
	SocketTimeout     = 1 * time.Second
	HeartbeatInterval = 3 * time.Second

	// ClientIdleTimeout is how long a UDP stream registration survives
	// without traffic before the heartbeat sweep drops it.
	ClientIdleTimeout = 15 * time.Second

	// AudioSourceIdleTimeout is how long an audio jitter buffer survives
	// without a packet before it is destroyed.
	AudioSourceIdleTimeout = 5 * time.Second
)

// envPrefix is the prefix for all lanmeet environment variables.
const envPrefix = "LANMEET_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("lanmeetd", flag.ContinueOnError)

	fs.StringVar(&cfg.BindIP, "bind-ip", defaultBindIP, "address all listeners bind to")
	fs.IntVar(&cfg.ControlPort, "control-port", defaultControlPort, "TCP control/chat listen port")
	fs.IntVar(&cfg.FilePort, "file-port", defaultFilePort, "TCP file transfer listen port")
	fs.IntVar(&cfg.ScreenPort, "screen-port", defaultScreenPort, "TCP screen share listen port")
	fs.IntVar(&cfg.VideoPort, "video-port", defaultVideoPort, "UDP video listen port")
	fs.IntVar(&cfg.AudioPort, "audio-port", defaultAudioPort, "UDP audio listen port")
	fs.IntVar(&cfg.DiscoveryPort, "discovery-port", defaultDiscoveryPort, "UDP discovery broadcast port")
	fs.IntVar(&cfg.MonitorPort, "monitor-port", defaultMonitorPort, "HTTP monitoring gateway port")
	fs.StringVar(&cfg.StorageDir, "storage-dir", defaultStorageDir, "directory for uploaded files")
	fs.StringVar(&cfg.ServerName, "server-name", defaultServerName, "name advertised by the discovery beacon")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.NoDiscovery, "no-discovery", false, "disable the LAN discovery beacon")
	fs.BoolVar(&cfg.NoMonitor, "no-monitor", false, "disable the HTTP monitoring gateway")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"bind-ip":        envPrefix + "BIND_IP",
		"control-port":   envPrefix + "CONTROL_PORT",
		"file-port":      envPrefix + "FILE_PORT",
		"screen-port":    envPrefix + "SCREEN_PORT",
		"video-port":     envPrefix + "VIDEO_PORT",
		"audio-port":     envPrefix + "AUDIO_PORT",
		"discovery-port": envPrefix + "DISCOVERY_PORT",
		"monitor-port":   envPrefix + "MONITOR_PORT",
		"storage-dir":    envPrefix + "STORAGE_DIR",
		"server-name":    envPrefix + "SERVER_NAME",
		"log-level":      envPrefix + "LOG_LEVEL",
		"log-format":     envPrefix + "LOG_FORMAT",
		"no-discovery":   envPrefix + "NO_DISCOVERY",
		"no-monitor":     envPrefix + "NO_MONITOR",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "bind-ip":
			cfg.BindIP = val
		case "control-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ControlPort = v
			}
		case "file-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.FilePort = v
			}
		case "screen-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ScreenPort = v
			}
		case "video-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.VideoPort = v
			}
		case "audio-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AudioPort = v
			}
		case "discovery-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DiscoveryPort = v
			}
		case "monitor-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MonitorPort = v
			}
		case "storage-dir":
			cfg.StorageDir = val
		case "server-name":
			cfg.ServerName = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "no-discovery":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.NoDiscovery = v
			}
		case "no-monitor":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.NoMonitor = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	ports := map[string]int{
		"control-port":   c.ControlPort,
		"file-port":      c.FilePort,
		"screen-port":    c.ScreenPort,
		"video-port":     c.VideoPort,
		"audio-port":     c.AudioPort,
		"discovery-port": c.DiscoveryPort,
		"monitor-port":   c.MonitorPort,
	}
	for name, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, p)
		}
	}
	if c.ControlPort == c.FilePort || c.ControlPort == c.ScreenPort || c.FilePort == c.ScreenPort {
		return fmt.Errorf("control, file and screen ports must be distinct")
	}
	if c.VideoPort == c.AudioPort {
		return fmt.Errorf("video-port and audio-port must be distinct")
	}
	if net.ParseIP(c.BindIP) == nil {
		return fmt.Errorf("bind-ip is not a valid IP address: %q", c.BindIP)
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage-dir must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ControlAddr returns the bind address for the TCP control listener.
func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.ControlPort))
}

// FileAddr returns the bind address for the file transfer listener.
func (c *Config) FileAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.FilePort))
}

// ScreenAddr returns the bind address for the screen share listener.
func (c *Config) ScreenAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.ScreenPort))
}

// VideoAddr returns the bind address for the UDP video listener.
func (c *Config) VideoAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.VideoPort))
}

// AudioAddr returns the bind address for the UDP audio listener.
func (c *Config) AudioAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.AudioPort))
}

// MonitorAddr returns the bind address for the monitoring gateway.
func (c *Config) MonitorAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.MonitorPort))
}

// LocalIP returns the machine's primary non-loopback IPv4 address for the
// discovery beacon. Falls back to "127.0.0.1" if detection fails.
func (c *Config) LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
