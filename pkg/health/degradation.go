package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the pipeline degradation level. Higher is worse; the strictest
// signal wins.
type Level int32

const (
	// LevelL0 is full service.
	LevelL0 Level = iota
	// LevelL1 runs without ML scoring; rule outcomes alone drive routing.
	LevelL1
	// LevelL2 is conservative mode: the auto-approve ceiling is halved.
	LevelL2
	// LevelL3 runs rules only; ML scoring is skipped entirely.
	LevelL3
	// LevelL4 sends every claim to manual review: the rule or decision
	// path is unusable.
	LevelL4
	// LevelL5 is the emergency bypass: the audit trail cannot be written,
	// so nothing publishes; intake continues into the local journal.
	LevelL5
)

var levelNames = map[Level]string{
	LevelL0: "L0_FULL",
	LevelL1: "L1_NO_ML",
	LevelL2: "L2_CONSERVATIVE",
	LevelL3: "L3_RULES_ONLY",
	LevelL4: "L4_MANUAL_ONLY",
	LevelL5: "L5_EMERGENCY",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "UNKNOWN"
}

// Dependency names tracked by the degradation manager.
const (
	DepAudit      = "audit_store"
	DepRuleEngine = "rule_engine"
	DepDecision   = "decision_engine"
	DepML         = "ml_models"
	DepPublisher  = "publisher"
	DepBroker     = "broker"
)

// Signals is one health poll input beyond breaker state.
type Signals struct {
	// ErrorRate is the rolling pipeline error rate in [0,1].
	ErrorRate float64
	// QueueSaturation is bounded-queue occupancy in [0,1].
	QueueSaturation float64
}

// SignalSource supplies rolling signals to the poll loop.
type SignalSource func() Signals

// TransitionObserver is notified of every level change so transitions can be
// audited without this package importing the audit store.
type TransitionObserver func(from, to Level, reason string)

// DegradationConfig tunes the derivation thresholds.
type DegradationConfig struct {
	ErrorRateForL3      float64
	QueueSaturationForL2 float64
	PollInterval        time.Duration
}

// DefaultDegradationConfig returns the production defaults.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		ErrorRateForL3:      0.10,
		QueueSaturationForL2: 0.90,
		PollInterval:        5 * time.Second,
	}
}

// Manager derives and publishes the current degradation level. The pipeline
// reads the level exactly once per claim via Current; a claim is processed
// end to end at the level it started with.
type Manager struct {
	registry  *Registry
	cfg       DegradationConfig
	level     atomic.Int32
	signals   SignalSource
	mu        sync.Mutex
	observers []TransitionObserver
	logger    *slog.Logger
}

// NewManager constructs a degradation manager over the breaker registry.
func NewManager(registry *Registry, cfg DegradationConfig) *Manager {
	return &Manager{
		registry: registry,
		cfg:      cfg,
		signals:  func() Signals { return Signals{} },
		logger:   slog.Default().With("component", "degradation_manager"),
	}
}

// WithSignalSource wires the rolling error-rate and saturation signals.
func (m *Manager) WithSignalSource(src SignalSource) *Manager {
	if src != nil {
		m.signals = src
	}
	return m
}

// OnTransition registers a level-change observer.
func (m *Manager) OnTransition(fn TransitionObserver) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
	return m
}

// Current returns the level in effect. Safe for concurrent readers.
func (m *Manager) Current() Level {
	return Level(m.level.Load())
}

// Reevaluate derives the level from breaker state and signals, applying the
// strictest match, and publishes it. Returns the level now in effect.
func (m *Manager) Reevaluate() Level {
	sig := m.signals()
	target, reason := m.derive(sig)

	prev := Level(m.level.Swap(int32(target)))
	if prev != target {
		m.logger.Warn("degradation level change",
			"from", prev.String(), "to", target.String(), "reason", reason)
		m.mu.Lock()
		observers := make([]TransitionObserver, len(m.observers))
		copy(observers, m.observers)
		m.mu.Unlock()
		for _, fn := range observers {
			fn(prev, target, reason)
		}
	}
	return target
}

func (m *Manager) derive(sig Signals) (Level, string) {
	switch {
	case !m.registry.Healthy(DepAudit):
		return LevelL5, "audit store unavailable"
	case !m.registry.Healthy(DepRuleEngine):
		return LevelL4, "rule engine unavailable"
	case !m.registry.Healthy(DepDecision):
		return LevelL4, "decision engine unavailable"
	case sig.ErrorRate > m.cfg.ErrorRateForL3:
		return LevelL3, "pipeline error rate above threshold"
	case sig.QueueSaturation >= m.cfg.QueueSaturationForL2:
		return LevelL2, "queue saturation above threshold"
	case !m.registry.Healthy(DepML):
		return LevelL1, "ml scoring unavailable"
	default:
		return LevelL0, "all dependencies healthy"
	}
}

// Run polls until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	m.Reevaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reevaluate()
		}
	}
}
