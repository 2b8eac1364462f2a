// Package config defines the application configuration loaded from
// etc/pms.yaml through go-zero conf, with optional per-section files
// hydrated via confkit.
package config

import (
	"time"

	"github.com/zeromicro/go-zero/core/conf"

	"pms-api/pkg/confkit"
)

func init() {
	confkit.LoadDotenvOnce()
}

// PostgresConf carries the durable store connection.
type PostgresConf struct {
	DSN string `json:",optional"`
}

// RedisConf carries the shared KV / stream connection.
type RedisConf struct {
	Addr     string `json:",optional"`
	Password string `json:",optional"`
	DB       int    `json:",optional"`
}

// ExchangeConf selects the venue provider.
type ExchangeConf struct {
	// Provider is the venue implementation id; "sim" is the in-process
	// paper venue.
	Provider string `json:",default=sim"`
}

// RiskConf tunes the engine.
type RiskConf struct {
	PriceStalenessSec  int `json:",default=10"`
	BreakerThreshold   int `json:",default=5"`
	BreakerCooldownSec int `json:",default=30"`
}

// PriceStaleness returns the staleness window as a duration.
func (r RiskConf) PriceStaleness() time.Duration {
	return time.Duration(r.PriceStalenessSec) * time.Second
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (r RiskConf) BreakerCooldown() time.Duration {
	return time.Duration(r.BreakerCooldownSec) * time.Second
}

// StreamConf tunes the log consumers.
type StreamConf struct {
	EngineGroup     string `json:",default=pms-core"`
	BabysitterGroup string `json:",default=pms-babysitter"`
	Count           int64  `json:",default=16"`
	BlockMs         int    `json:",default=2000"`
	ClaimIdleMs     int    `json:",default=30000"`
}

// Block returns the blocking read window.
func (s StreamConf) Block() time.Duration {
	return time.Duration(s.BlockMs) * time.Millisecond
}

// ClaimIdle returns the auto-claim idle threshold.
func (s StreamConf) ClaimIdle() time.Duration {
	return time.Duration(s.ClaimIdleMs) * time.Millisecond
}

// Config is the application configuration.
type Config struct {
	// Env indicates the running environment: dev | prod.
	Env      string       `json:",default=dev"`
	Postgres PostgresConf `json:",optional"`
	Redis    RedisConf    `json:",optional"`
	Exchange ExchangeConf `json:",optional"`
	Stream   StreamConf   `json:",optional"`

	// Risk may live inline or in its own file.
	Risk confkit.Section[RiskConf] `json:",optional"`
}

// MustLoad reads the main config file and hydrates file-backed sections.
func MustLoad(path string) *Config {
	var c Config
	conf.MustLoad(path, &c, conf.UseEnv())
	if err := c.Risk.Hydrate(confkit.BaseDir(path)); err != nil {
		panic(err)
	}
	return &c
}

// RiskConf resolves the risk section with defaults when absent.
func (c *Config) RiskConf() RiskConf {
	if c.Risk.Value != nil {
		return *c.Risk.Value
	}
	return RiskConf{PriceStalenessSec: 10, BreakerThreshold: 5, BreakerCooldownSec: 30}
}
