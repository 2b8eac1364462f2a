// Package cache centralises the Redis key shapes and TTLs shared between this
// process and its sidecars. Any component observing fresh data may write
// these keys; last writer wins.
package cache

import (
	"strings"
	"time"
)

// Namespace is the Redis key prefix for the PMS application.
const Namespace = "pms"

// Key TTLs. Snapshots outlive prices because the sidecar UI tolerates older
// risk views but never stale marks.
const (
	SnapshotTTL = 120 * time.Second
	PriceTTL    = 30 * time.Second
	// ReconcileLockTTL bounds how long a crashed holder can block reconciles.
	ReconcileLockTTL = 15 * time.Second
)

// Stream names consumed by the engine.
const (
	// EngineEventStream carries fills, order updates and engine errors from
	// the execution engine.
	EngineEventStream = Namespace + ":engine:events"
	// BabysitterStream carries close intents for the babysitter consumer.
	BabysitterStream = Namespace + ":babysitter:actions"
)

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// RiskSnapshotKey holds the latest published RiskSnapshot per sub-account.
func RiskSnapshotKey(subAccountID string) string {
	return formatKey("risk", subAccountID)
}

// PriceKey holds the latest observed mark per symbol.
func PriceKey(symbol string) string {
	return formatKey("price", symbol)
}

// ReconcileLockKey is the SETNX lock taken before reconciling a symbol.
func ReconcileLockKey(key string) string {
	return formatKey("lock", "reconcile", key)
}
