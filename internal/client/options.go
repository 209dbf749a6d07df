package client

import (
	"time"

	"go.uber.org/zap"
)

// DefaultHeartbeatInterval is how often a connected client sends PING.
const DefaultHeartbeatInterval = 30 * time.Second

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	heartbeat    time.Duration
	dialTimeout  time.Duration
	replyTimeout time.Duration
	writeTimeout time.Duration
	maxFrame     int
	bufferSize   int
	historyLimit int
	logger       *zap.SugaredLogger
}

func defaultConfig() config {
	return config{
		heartbeat:    DefaultHeartbeatInterval,
		dialTimeout:  10 * time.Second,
		replyTimeout: 10 * time.Second,
		writeTimeout: 10 * time.Second,
		maxFrame:     64 * 1024,
		bufferSize:   64,
		historyLimit: 1000,
		logger:       zap.NewNop().Sugar(),
	}
}

// HeartbeatInterval sets the PING interval. Zero disables the heartbeat.
func HeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.heartbeat = d
	})
}

// DialTimeout bounds connection establishment.
func DialTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.dialTimeout = d
	})
}

// ReplyTimeout bounds how long calls without a context wait for the
// server. A timed out call drops the connection.
func ReplyTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.replyTimeout = d
	})
}

// BufferSize sets the capacity of the notification channels.
func BufferSize(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	})
}

// HistoryLimit caps the local message log; the oldest entries go first.
func HistoryLimit(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.historyLimit = n
		}
	})
}

// WithLogger sets the logger used for connection events.
func WithLogger(logger *zap.SugaredLogger) Option {
	return optionFunc(func(c *config) {
		c.logger = logger
	})
}
