// Package config assembles the engine's typed configuration: one
// EngineConfig struct built from per-component Default...Config()
// constructors, with an optional env-var override layer. This is not
// a file-based config loader; only env vars are read here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rivalapexmediation/settlementengine/internal/latency"
	"github.com/rivalapexmediation/settlementengine/internal/phantom"
	"github.com/rivalapexmediation/settlementengine/internal/settlement"
	"github.com/rivalapexmediation/settlementengine/internal/statestore"
	"github.com/rivalapexmediation/settlementengine/internal/twophase"
)

// EngineConfig bundles every component's tunables.
type EngineConfig struct {
	Latency    latency.Config
	Phantom    phantom.Config
	Settlement settlement.Config
	TwoPhase   twophase.Config
	StateStore statestore.Config

	ActorRetention time.Duration
}

// DefaultEngineConfig builds an EngineConfig from each component's own
// Default...Config(), the composition root every other constructor in
// this package assumes.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Latency:        latency.DefaultConfig(),
		Phantom:        phantom.DefaultConfig(),
		Settlement:     settlement.DefaultConfig(),
		TwoPhase:       twophase.DefaultConfig(),
		StateStore:     statestore.DefaultConfig(),
		ActorRetention: 5 * time.Minute,
	}
}

// FromEnv starts from DefaultEngineConfig and overrides individual
// tunables from environment variables when present.
func FromEnv() EngineConfig {
	cfg := DefaultEngineConfig()

	cfg.Phantom.DurationMs = getEnvInt64("MAX_AUCTION_DURATION_MS", cfg.Phantom.DurationMs)
	cfg.Phantom.RevealDelayMs = getEnvInt64("REVEAL_DELAY_MS", cfg.Phantom.RevealDelayMs)
	cfg.Phantom.MinParticipants = int(getEnvInt64("MIN_PARTICIPANTS", int64(cfg.Phantom.MinParticipants)))
	cfg.Phantom.MinImprovementBps = getEnvInt64("MIN_IMPROVEMENT_BPS", cfg.Phantom.MinImprovementBps)
	cfg.Phantom.MaxImprovementBps = getEnvInt64("MAX_IMPROVEMENT_BPS", cfg.Phantom.MaxImprovementBps)
	cfg.Phantom.HedgingEnabled = getEnvBool("PHANTOM_HEDGING_ENABLED", cfg.Phantom.HedgingEnabled)

	cfg.Settlement.MaxRetryAttempts = int(getEnvInt64("MAX_RETRY_ATTEMPTS", int64(cfg.Settlement.MaxRetryAttempts)))
	cfg.Settlement.FallbackThresholdMs = getEnvInt64("FALLBACK_THRESHOLD_MS", cfg.Settlement.FallbackThresholdMs)
	cfg.Settlement.MaxAuctionDurationMs = getEnvInt64("MAX_AUCTION_DURATION_MS", cfg.Settlement.MaxAuctionDurationMs)
	cfg.Settlement.MinImprovementBps = getEnvInt64("MIN_IMPROVEMENT_BPS", cfg.Settlement.MinImprovementBps)
	cfg.Settlement.FallbackEnabled = getEnvBool("FALLBACK_ENABLED", cfg.Settlement.FallbackEnabled)

	cfg.Latency.CircuitBreakerThresholdMs = getEnvInt64("CIRCUIT_BREAKER_THRESHOLD_MS", cfg.Latency.CircuitBreakerThresholdMs)
	cfg.Latency.CircuitFailureThreshold = int(getEnvInt64("CIRCUIT_FAILURE_THRESHOLD", int64(cfg.Latency.CircuitFailureThreshold)))
	cfg.Latency.CircuitSuccessThreshold = int(getEnvInt64("CIRCUIT_SUCCESS_THRESHOLD", int64(cfg.Latency.CircuitSuccessThreshold)))
	cfg.Latency.CircuitTimeoutMs = getEnvInt64("CIRCUIT_TIMEOUT_MS", cfg.Latency.CircuitTimeoutMs)
	cfg.Latency.BypassThresholdMs = getEnvInt64("BYPASS_THRESHOLD_MS", cfg.Latency.BypassThresholdMs)

	cfg.StateStore.StateSnapshotLimit = int(getEnvInt64("STATE_SNAPSHOT_LIMIT", int64(cfg.StateStore.StateSnapshotLimit)))
	cfg.StateStore.CheckpointRetention = int(getEnvInt64("CHECKPOINT_RETENTION", int64(cfg.StateStore.CheckpointRetention)))

	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return defaultValue
	}
}
