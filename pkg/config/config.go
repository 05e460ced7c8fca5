// Package config loads runtime configuration from the process environment.
// Secrets (signing keys, DSNs, tokens) arrive only through the environment;
// nothing secret is accepted on the command line or written to logs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	// Environment is dev, staging, or prod; it gates defaults only.
	Environment string

	// Broker. An empty endpoint runs the in-process broker; set it to a
	// Redis address to move the topics onto Redis Streams.
	BrokerEndpoint   string
	BrokerPartitions int

	// Ingestion.
	SigningKey        []byte
	IngestRatePerSec  float64
	IngestBurst       int
	IdempotencyWindow int

	// Rules.
	RulesetPath string

	// ML model serving endpoints, by model id. Empty means the pipeline runs
	// without ML and every claim carries a degraded-ML explanation.
	ModelEndpoints map[string]string

	// Audit.
	AuditDriver string // postgres or sqlite
	AuditDSN    string

	// Outbox.
	OutboxPath string

	// JournalPath is the local report journal written during the emergency
	// bypass, replayed by operators after recovery.
	JournalPath string

	// Feedback.
	ReviewerKey  []byte
	TrainingPath string

	// Redis capacity tracking; empty disables the shared tracker.
	RedisAddr     string
	RedisPassword string

	// Observability.
	OTLPEndpoint string
	LogLevel     string

	// Pipeline budgets.
	TotalBudget  time.Duration
	RuleBudget   time.Duration
	ModelTimeout time.Duration
	MLFanInCap   time.Duration

	// Decision thresholds.
	AutoApproveMaxAmount float64
	SeniorReviewAmount   float64
	RelatedClaimsTopN    int

	// QueueCapacities bounds the review queues for saturation tracking, by
	// queue name. A queue with no entry is unbounded and never reports
	// saturation.
	QueueCapacities map[string]int

	// SLABusinessHours restricts SLA deadline accrual to weekday business
	// hours instead of wall clock.
	SLABusinessHours bool
}

// Load reads configuration from the environment, applying defaults for
// everything optional. The signing key is required; there is no insecure
// default to fall back to.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:          getString("DCAL_ENV", "dev"),
		BrokerEndpoint:       getString("DCAL_BROKER_ENDPOINT", ""),
		BrokerPartitions:     getInt("DCAL_BROKER_PARTITIONS", 8),
		IngestRatePerSec:     getFloat("DCAL_INGEST_RATE_PER_SEC", 1000),
		IngestBurst:          getInt("DCAL_INGEST_BURST", 5000),
		IdempotencyWindow:    getInt("DCAL_IDEMPOTENCY_WINDOW", 1_000_000),
		RulesetPath:          getString("DCAL_RULESET_PATH", "rulesets/active.json"),
		ModelEndpoints:       getEndpoints("DCAL_MODEL_ENDPOINTS"),
		AuditDriver:          getString("DCAL_AUDIT_DRIVER", "sqlite"),
		AuditDSN:             getString("DCAL_AUDIT_DSN", "dcal-audit.db"),
		OutboxPath:           getString("DCAL_OUTBOX_PATH", "dcal-outbox.db"),
		JournalPath:          getString("DCAL_JOURNAL_PATH", "dcal-journal.jsonl"),
		TrainingPath:         getString("DCAL_TRAINING_PATH", "training.jsonl"),
		RedisAddr:            getString("DCAL_REDIS_ADDR", ""),
		RedisPassword:        getString("DCAL_REDIS_PASSWORD", ""),
		OTLPEndpoint:         getString("DCAL_OTLP_ENDPOINT", ""),
		LogLevel:             getString("DCAL_LOG_LEVEL", "info"),
		TotalBudget:          getDuration("DCAL_TOTAL_BUDGET", 2*time.Second),
		RuleBudget:           getDuration("DCAL_RULE_BUDGET", 50*time.Millisecond),
		ModelTimeout:         getDuration("DCAL_MODEL_TIMEOUT", 500*time.Millisecond),
		MLFanInCap:           getDuration("DCAL_ML_FANIN_CAP", time.Second),
		AutoApproveMaxAmount: getFloat("DCAL_AUTO_APPROVE_MAX_AMOUNT", 10_000),
		SeniorReviewAmount:   getFloat("DCAL_SENIOR_REVIEW_AMOUNT", 50_000),
		RelatedClaimsTopN:    getInt("DCAL_RELATED_CLAIMS_TOP_N", 5),
		QueueCapacities:      getCapacities("DCAL_QUEUE_CAPACITY"),
		SLABusinessHours:     getBool("DCAL_SLA_BUSINESS_HOURS", false),
	}

	key := os.Getenv("DCAL_SIGNING_KEY")
	if key == "" {
		return nil, errors.New("config: DCAL_SIGNING_KEY is required")
	}
	cfg.SigningKey = []byte(key)

	if rk := os.Getenv("DCAL_REVIEWER_KEY"); rk != "" {
		cfg.ReviewerKey = []byte(rk)
	}

	switch cfg.AuditDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("config: unsupported DCAL_AUDIT_DRIVER %q", cfg.AuditDriver)
	}
	return cfg, nil
}

// AuditSettings returns just the audit backend settings. Offline tooling
// (chain verification) uses this so it can run without the pipeline's full
// configuration, signing key included.
func AuditSettings() (driver, dsn string, err error) {
	driver = getString("DCAL_AUDIT_DRIVER", "sqlite")
	dsn = getString("DCAL_AUDIT_DSN", "dcal-audit.db")
	switch driver {
	case "postgres", "sqlite":
		return driver, dsn, nil
	default:
		return "", "", fmt.Errorf("config: unsupported DCAL_AUDIT_DRIVER %q", driver)
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEndpoints parses "id=url,id=url" pairs; malformed entries are skipped.
func getEndpoints(key string) map[string]string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || url == "" {
			continue
		}
		out[id] = url
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// getCapacities parses "QUEUE=N,QUEUE=N" pairs; malformed or non-positive
// entries are skipped.
func getCapacities(key string) map[string]int {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	out := map[string]int{}
	for _, pair := range strings.Split(raw, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil || n <= 0 {
			continue
		}
		out[name] = n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
