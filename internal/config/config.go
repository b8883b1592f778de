// Package config loads the runtime knobs from the environment.
package config

import (
	"time"

	"github.com/JeremyLoy/config"
	"github.com/rotisserie/eris"
)

// Config carries every tunable the server and client runtime read.
type Config struct {
	ListenAddr    string `config:"LISTEN_ADDR"`
	World         string `config:"WORLD"`
	TickRate      int    `config:"TICK_RATE"`
	NetworkRate   int    `config:"NETWORK_RATE"`
	SaveInterval  int    `config:"SAVE_INTERVAL"`
	PingRate      int    `config:"PING_RATE"`
	AdminCode     string `config:"ADMIN_CODE"`
	MaxUploadMB   int64  `config:"PUBLIC_MAX_UPLOAD_SIZE"`
	RedisAddr     string `config:"REDIS_ADDR"`
	RedisPassword string `config:"REDIS_PASSWORD"`

	// ShowLocalNametag controls whether the local player renders its own
	// nametag. Remote players always render one.
	ShowLocalNametag bool `config:"SHOW_LOCAL_NAMETAG"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		World:        "world",
		TickRate:     50,
		NetworkRate:  8,
		SaveInterval: 60,
		PingRate:     1,
		MaxUploadMB:  100,
		RedisAddr:    "localhost:6379",
	}
}

// Load populates the defaults from the environment and validates them.
func Load() (Config, error) {
	cfg := Default()
	if err := config.FromEnv().To(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "load config from env")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the tick loop cannot run with.
func (c Config) Validate() error {
	if c.TickRate <= 0 {
		return eris.Errorf("tick rate must be positive, got %d", c.TickRate)
	}
	if c.NetworkRate <= 0 || c.NetworkRate > c.TickRate {
		return eris.Errorf("network rate must be in (0, %d], got %d", c.TickRate, c.NetworkRate)
	}
	if c.SaveInterval <= 0 {
		return eris.Errorf("save interval must be positive, got %d", c.SaveInterval)
	}
	if c.PingRate <= 0 {
		return eris.Errorf("ping rate must be positive, got %d", c.PingRate)
	}
	if c.MaxUploadMB <= 0 {
		return eris.Errorf("upload cap must be positive, got %d", c.MaxUploadMB)
	}
	return nil
}

// FixedStep returns the physics step duration.
func (c Config) FixedStep() float64 {
	return 1.0 / float64(c.TickRate)
}

// NetworkPeriod returns the pose broadcast period in seconds.
func (c Config) NetworkPeriod() float64 {
	return 1.0 / float64(c.NetworkRate)
}

// SavePeriod returns the persistence flush period.
func (c Config) SavePeriod() time.Duration {
	return time.Duration(c.SaveInterval) * time.Second
}

// PingPeriod returns the keepalive period.
func (c Config) PingPeriod() time.Duration {
	return time.Duration(c.PingRate) * time.Second
}
