// Package cli holds startup helpers for the pms binary.
package cli

import (
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"

	"pms-api/internal/config"
)

// ConfigSummaryLines returns human readable lines describing the loaded
// configuration.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}
	riskConf := cfg.RiskConf()
	return []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Redis: %s", presence(cfg.Redis.Addr != "")),
		fmt.Sprintf("Exchange provider: %s", cfg.Exchange.Provider),
		fmt.Sprintf("Price staleness: %s", riskConf.PriceStaleness()),
		fmt.Sprintf("Stream groups: %s / %s", cfg.Stream.EngineGroup, cfg.Stream.BabysitterGroup),
	}
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	logx.Info("configuration summary")
	for _, line := range ConfigSummaryLines(cfg) {
		logx.Infof("config • %s", line)
	}
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}
