package broker

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// DefaultQueue is the asynq queue tasks are enqueued to and served from.
const DefaultQueue = "default"

// Config holds the broker connection and server settings.
type Config struct {
	// URL takes precedence over Addr, Password and DB when set,
	// e.g. redis://:secret@localhost:6379/2.
	URL      string
	Addr     string
	Password string
	DB       int

	Queue           string
	Concurrency     int
	MaxRetry        int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		Queue:           DefaultQueue,
		Concurrency:     10,
		MaxRetry:        3,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" && c.URL == "" {
		c.Addr = def.Addr
	}
	if c.Queue == "" {
		c.Queue = def.Queue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetry < 0 {
		c.MaxRetry = def.MaxRetry
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// redisOptions resolves the connection settings shared by the asynq
// client, inspector, server and the ping client.
func (c Config) redisOptions() (*redis.Options, error) {
	if c.URL != "" {
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("broker: parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	}, nil
}

func asynqOpt(o *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   o.Network,
		Addr:      o.Addr,
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}
}
