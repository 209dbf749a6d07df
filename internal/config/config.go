package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Duplicate login policies.
const (
	DuplicateReject  = "reject"
	DuplicateReplace = "replace"
)

// Config holds the chat server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Chat     ChatConfig     `yaml:"chat"`
	Security SecurityConfig `yaml:"security"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds network listener and session settings.
type ServerConfig struct {
	Listen          string        `yaml:"listen" env:"CHAT_LISTEN"`
	SSHListen       string        `yaml:"ssh_listen" env:"CHAT_SSH_LISTEN"`
	HTTPListen      string        `yaml:"http_listen" env:"CHAT_HTTP_LISTEN"`
	MaxSessions     int           `yaml:"max_sessions" env:"CHAT_MAX_SESSIONS"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"CHAT_IDLE_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"CHAT_WRITE_TIMEOUT"`
	AuthAttempts    int           `yaml:"auth_attempts" env:"CHAT_AUTH_ATTEMPTS"`
	SendQueue       int           `yaml:"send_queue" env:"CHAT_SEND_QUEUE"`
	MaxFrame        int           `yaml:"max_frame" env:"CHAT_MAX_FRAME"` // bytes
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CHAT_SHUTDOWN_TIMEOUT"`
}

// PathsConfig holds filesystem paths for persisted data.
type PathsConfig struct {
	Data     string `yaml:"data" env:"CHAT_DATA_DIR"`
	Users    string `yaml:"users" env:"CHAT_USERS_FILE"`
	History  string `yaml:"history" env:"CHAT_HISTORY_FILE"`
	Database string `yaml:"database" env:"CHAT_DATABASE"` // empty = flat users file
	HostKey  string `yaml:"host_key" env:"CHAT_SSH_HOST_KEY"`
}

// ChatConfig holds routing and history policy.
type ChatConfig struct {
	MaxMessageLength int           `yaml:"max_message_length" env:"CHAT_MAX_MESSAGE_LENGTH"` // runes
	DuplicateLogin   string        `yaml:"duplicate_login" env:"CHAT_DUPLICATE_LOGIN"`
	EchoBroadcast    bool          `yaml:"echo_broadcast" env:"CHAT_ECHO_BROADCAST"`
	EditWindow       time.Duration `yaml:"edit_window" env:"CHAT_EDIT_WINDOW"`
	DeleteWindow     time.Duration `yaml:"delete_window" env:"CHAT_DELETE_WINDOW"`
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"CHAT_AUTOSAVE_INTERVAL"`
	FilterScript     string        `yaml:"filter_script" env:"CHAT_FILTER_SCRIPT"`
}

// SecurityConfig holds argon2id key derivation parameters.
type SecurityConfig struct {
	ArgonTime      uint32 `yaml:"argon_time" env:"CHAT_ARGON_TIME"`
	ArgonMemoryKiB uint32 `yaml:"argon_memory_kib" env:"CHAT_ARGON_MEMORY_KIB"`
	ArgonThreads   uint8  `yaml:"argon_threads" env:"CHAT_ARGON_THREADS"`
}

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	Token string `yaml:"token" env:"CHAT_ADMIN_TOKEN"` // empty disables /admin
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `yaml:"level" env:"CHAT_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"CHAT_LOG_DEVELOPMENT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":9999",
			SSHListen:       "",
			HTTPListen:      "127.0.0.1:9998",
			MaxSessions:     256,
			IdleTimeout:     90 * time.Second,
			WriteTimeout:    10 * time.Second,
			AuthAttempts:    3,
			SendQueue:       64,
			MaxFrame:        16448,
			ShutdownTimeout: 10 * time.Second,
		},
		Paths: PathsConfig{
			Data:    "./data",
			Users:   "./data/users.dat",
			History: "./data/history.log",
			HostKey: "./data/ssh_host_key",
		},
		Chat: ChatConfig{
			MaxMessageLength: 4096,
			DuplicateLogin:   DuplicateReject,
			EchoBroadcast:    true,
			EditWindow:       time.Minute,
			DeleteWindow:     5 * time.Minute,
			AutosaveInterval: time.Minute,
		},
		Security: SecurityConfig{
			ArgonTime:      1,
			ArgonMemoryKiB: 64 * 1024,
			ArgonThreads:   4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies CHAT_*
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MinFrameFor returns the smallest server.max_frame that carries a SEND
// request with maxRunes of content.
func MinFrameFor(maxRunes int) int {
	return utf8.UTFMax*maxRunes + 64
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Server.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be positive")
	}
	if c.Server.AuthAttempts <= 0 {
		return fmt.Errorf("server.auth_attempts must be positive")
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("server.send_queue must be positive")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be positive")
	}
	// A full-length message of 4-byte runes plus "SEND <recipient> ".
	if c.Server.MaxFrame < MinFrameFor(c.Chat.MaxMessageLength) {
		return fmt.Errorf("server.max_frame (%d bytes) too small for chat.max_message_length (%d runes); need %d",
			c.Server.MaxFrame, c.Chat.MaxMessageLength, MinFrameFor(c.Chat.MaxMessageLength))
	}
	switch c.Chat.DuplicateLogin {
	case DuplicateReject, DuplicateReplace:
	default:
		return fmt.Errorf("chat.duplicate_login must be %q or %q, got %q",
			DuplicateReject, DuplicateReplace, c.Chat.DuplicateLogin)
	}
	if c.Paths.Users == "" && c.Paths.Database == "" {
		return fmt.Errorf("one of paths.users or paths.database must be set")
	}
	if c.Security.ArgonTime == 0 || c.Security.ArgonMemoryKiB == 0 || c.Security.ArgonThreads == 0 {
		return fmt.Errorf("security argon parameters must be positive")
	}
	return nil
}
