package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearpath-health/dcal/pkg/rules"
)

// CapacityTracker reports per-queue occupancy in [0,1]. Implementations must
// degrade to 0 rather than error the routing path: routing never blocks on
// the tracker backend.
type CapacityTracker interface {
	Saturation(queue Queue) float64
	Add(queue Queue, n int)
}

// standardFallbackThreshold is the STANDARD_REVIEW saturation at which new
// work spills to SENIOR_REVIEW.
const standardFallbackThreshold = 0.90

// Router assigns a synthesized report to a queue with a priority and an SLA
// deadline. Rules are checked in a fixed order; the first match wins.
type Router struct {
	capacity CapacityTracker
	sla      *SLATable
	logger   *slog.Logger
}

// NewRouter constructs a router over a capacity tracker and SLA table.
func NewRouter(capacity CapacityTracker, sla *SLATable) *Router {
	return &Router{
		capacity: capacity,
		sla:      sla,
		logger:   slog.Default().With("component", "queue_router"),
	}
}

// medicalDirectorAmount is the billed-amount floor above which medical
// necessity and coding triggers escalate to the medical director.
const medicalDirectorAmount = 50_000

// Route computes the queue, priority, and SLA deadline for a report. An
// empty queue hint means the ordered mapping rules pick the queue; a
// non-empty hint (auto decisions, demotions with a mandated destination)
// is taken as-is.
func (r *Router) Route(
	rep *IntelligenceReport,
	ruleRes *rules.EngineResult,
	queue Queue,
	priority Priority,
	th Thresholds,
	amount float64,
	now time.Time,
) (Routing, error) {
	if queue == "" {
		queue = r.assign(rep, ruleRes, th, amount)
	}

	routing := Routing{Queue: queue, Priority: priority}
	if queue == QueueStandardReview && r.capacity != nil {
		if sat := r.capacity.Saturation(QueueStandardReview); sat >= standardFallbackThreshold {
			routing.Queue = QueueSeniorReview
			routing.FallbackApplied = true
			routing.FallbackReason = fmt.Sprintf("standard review at %.0f%% capacity", sat*100)
			r.logger.Warn("capacity fallback applied",
				"claim_id", rep.ClaimID, "saturation", sat)
		}
	}

	deadline, err := r.sla.Deadline(routing.Queue, routing.Priority, now)
	if err != nil {
		return Routing{}, err
	}
	routing.SLADeadline = deadline

	// AUTO_PROCESS is a no-touch lane; only review queues count toward
	// reviewer capacity.
	if r.capacity != nil && routing.Queue != QueueAutoProcess {
		r.capacity.Add(routing.Queue, 1)
	}
	return routing, nil
}

// Assigned routes directly to a fixed queue, bypassing the mapping rules.
// Degraded-mode executors use it.
func (r *Router) Assigned(queue Queue, priority Priority, now time.Time) (Routing, error) {
	deadline, err := r.sla.Deadline(queue, priority, now)
	if err != nil {
		return Routing{}, err
	}
	if r.capacity != nil && queue != QueueAutoProcess {
		r.capacity.Add(queue, 1)
	}
	return Routing{Queue: queue, Priority: priority, SLADeadline: deadline}, nil
}

// assign applies the ordered mapping for manual-review outcomes; the first
// matching rule wins.
func (r *Router) assign(
	rep *IntelligenceReport,
	ruleRes *rules.EngineResult,
	th Thresholds,
	amount float64,
) Queue {
	if fraudTriggered(ruleRes, false) || rep.RiskScore >= th.HighRisk {
		return QueueFraudInvestigation
	}
	if (triggeredIn(ruleRes, rules.CategoryMedicalNecessity) || triggeredIn(ruleRes, rules.CategoryCodingValidation)) &&
		amount > medicalDirectorAmount {
		return QueueMedicalDirector
	}
	if triggeredIn(ruleRes, rules.CategoryPolicyCoverage) || triggeredIn(ruleRes, rules.CategoryCompliance) {
		return QueueComplianceReview
	}
	if amount > th.SeniorReviewAmount || len(ruleRes.Triggered) >= 3 || rep.RiskScore >= th.MediumRisk {
		return QueueSeniorReview
	}
	return QueueStandardReview
}

func triggeredIn(ruleRes *rules.EngineResult, cat rules.Category) bool {
	for _, r := range ruleRes.Triggered {
		if r.Category == cat {
			return true
		}
	}
	return false
}

func priorityFromRisk(risk float64, th Thresholds) Priority {
	switch {
	case risk >= th.HighRisk:
		return PriorityHigh
	case risk >= th.MediumRisk:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// MemoryCapacityTracker is the in-process tracker used in tests and when no
// shared backend is configured.
type MemoryCapacityTracker struct {
	mu       sync.RWMutex
	depth    map[Queue]int
	capacity map[Queue]int
}

// NewMemoryCapacityTracker constructs a tracker with per-queue capacities.
func NewMemoryCapacityTracker(capacity map[Queue]int) *MemoryCapacityTracker {
	return &MemoryCapacityTracker{depth: map[Queue]int{}, capacity: capacity}
}

// Saturation returns depth/capacity for the queue, 0 when unbounded.
func (t *MemoryCapacityTracker) Saturation(queue Queue) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.capacity[queue]
	if c <= 0 {
		return 0
	}
	return float64(t.depth[queue]) / float64(c)
}

// Add adjusts the tracked depth; negative n drains.
func (t *MemoryCapacityTracker) Add(queue Queue, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth[queue] += n
	if t.depth[queue] < 0 {
		t.depth[queue] = 0
	}
}

// RedisCapacityTracker shares queue depth across instances through Redis
// counters. Backend failures degrade to zero saturation so routing keeps
// flowing; depth drift self-corrects as reviewers drain queues.
type RedisCapacityTracker struct {
	client   *redis.Client
	capacity map[Queue]int
	prefix   string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRedisCapacityTracker constructs a tracker over an existing client.
func NewRedisCapacityTracker(client *redis.Client, capacity map[Queue]int) *RedisCapacityTracker {
	return &RedisCapacityTracker{
		client:   client,
		capacity: capacity,
		prefix:   "dcal:queue_depth:",
		timeout:  100 * time.Millisecond,
		logger:   slog.Default().With("component", "capacity_tracker"),
	}
}

// Saturation reads the shared depth counter for the queue.
func (t *RedisCapacityTracker) Saturation(queue Queue) float64 {
	c := t.capacity[queue]
	if c <= 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	depth, err := t.client.Get(ctx, t.prefix+string(queue)).Int()
	if err != nil {
		if err != redis.Nil {
			t.logger.Warn("capacity read failed, assuming empty", "queue", queue, "error", err)
		}
		return 0
	}
	return float64(depth) / float64(c)
}

// Add adjusts the shared depth counter; failures are logged and dropped.
func (t *RedisCapacityTracker) Add(queue Queue, n int) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.client.IncrBy(ctx, t.prefix+string(queue), int64(n)).Err(); err != nil {
		t.logger.Warn("capacity update failed", "queue", queue, "error", err)
	}
}
