package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/clearpath-health/dcal/pkg/audit"
	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/config"
	"github.com/clearpath-health/dcal/pkg/expr"
	"github.com/clearpath-health/dcal/pkg/feedback"
	"github.com/clearpath-health/dcal/pkg/health"
	"github.com/clearpath-health/dcal/pkg/ingest"
	"github.com/clearpath-health/dcal/pkg/ml"
	"github.com/clearpath-health/dcal/pkg/observability"
	"github.com/clearpath-health/dcal/pkg/pipeline"
	"github.com/clearpath-health/dcal/pkg/publish"
	"github.com/clearpath-health/dcal/pkg/rules"
	"github.com/clearpath-health/dcal/pkg/synthesis"
)

const gaugeInterval = 15 * time.Second

// eventBus is the broker shape serve needs: publish plus per-topic sources.
// Both the in-process broker and the Redis Streams broker satisfy it.
type eventBus interface {
	broker.Sink
	Subscribe(topic string) broker.Source
}

// queueCapacities lifts the config's queue-name keys onto the router's type.
func queueCapacities(raw map[string]int) map[synthesis.Queue]int {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[synthesis.Queue]int, len(raw))
	for name, n := range raw {
		out[synthesis.Queue(name)] = n
	}
	return out
}

func runServe(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		fmt.Fprintf(stderr, "observability setup: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Rules: a bad artifact is a refusal to start, not a degraded run.
	ruleStore := rules.NewStore()
	if err := ruleStore.LoadFile(cfg.RulesetPath); err != nil {
		fmt.Fprintf(stderr, "ruleset load: %v\n", err)
		return 2
	}
	evaluator, err := expr.NewEvaluator()
	if err != nil {
		fmt.Fprintf(stderr, "expression evaluator: %v\n", err)
		return 1
	}
	engineCfg := rules.DefaultEngineConfig()
	engineCfg.EngineBudget = cfg.RuleBudget
	engine := rules.NewEngine(ruleStore, evaluator, engineCfg)

	ingestor, err := ingest.NewIngestor(ingest.Config{
		SigningKey:        cfg.SigningKey,
		MaxSkew:           ingest.MaxClockSkew,
		RatePerSecond:     cfg.IngestRatePerSec,
		Burst:             cfg.IngestBurst,
		IdempotencyWindow: cfg.IdempotencyWindow,
	})
	if err != nil {
		fmt.Fprintf(stderr, "ingestor: %v\n", err)
		return 1
	}

	registry := health.NewRegistry(health.DefaultBreakerConfig())
	manager := health.NewManager(registry, health.DefaultDegradationConfig())

	aggCfg := ml.DefaultAggregatorConfig()
	aggCfg.PerModelTimeout = cfg.ModelTimeout
	aggCfg.FanInCap = cfg.MLFanInCap
	scorers := make([]ml.Scorer, 0, len(cfg.ModelEndpoints))
	for id, url := range cfg.ModelEndpoints {
		scorers = append(scorers, ml.NewHTTPScorer(id, url, cfg.ModelTimeout))
	}
	aggregator := ml.NewAggregator(scorers, aggCfg).
		WithFailureObserver(func(modelID string, err error) {
			registry.Get(health.DepML).Record(false)
		})
	if len(scorers) == 0 {
		logger.Warn("no model endpoints configured, running without ML scoring")
	}

	thresholds := synthesis.DefaultThresholds()
	thresholds.AutoApproveMaxAmount = cfg.AutoApproveMaxAmount
	thresholds.SeniorReviewAmount = cfg.SeniorReviewAmount
	thresholds.RelatedClaimsTopN = cfg.RelatedClaimsTopN

	capacities := queueCapacities(cfg.QueueCapacities)
	var capacity synthesis.CapacityTracker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		capacity = synthesis.NewRedisCapacityTracker(client, capacities)
		logger.Info("queue capacity tracking via redis", "addr", cfg.RedisAddr)
	} else {
		capacity = synthesis.NewMemoryCapacityTracker(capacities)
	}
	router := synthesis.NewRouter(capacity, synthesis.NewSLATable().WithBusinessHours(cfg.SLABusinessHours))
	synthesizer := synthesis.NewSynthesizer(synthesis.NewThresholdStore(thresholds), router)

	auditDB, auditStore, err := openAuditStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "audit store: %v\n", err)
		return 1
	}
	defer auditDB.Close()

	outboxDB, err := openSQLite(cfg.OutboxPath)
	if err != nil {
		fmt.Fprintf(stderr, "outbox: %v\n", err)
		return 1
	}
	defer outboxDB.Close()
	outbox := publish.NewOutbox(outboxDB)
	if err := outbox.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "outbox migrate: %v\n", err)
		return 1
	}

	var bus eventBus
	if cfg.BrokerEndpoint != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.BrokerEndpoint, Password: cfg.RedisPassword})
		defer client.Close()
		bus = broker.NewRedisBroker(client)
		logger.Info("event transport via redis streams", "addr", cfg.BrokerEndpoint)
	} else {
		bus = broker.NewMemoryBroker(cfg.BrokerPartitions)
	}
	publisher := publish.NewPublisher(bus, outbox, publish.DefaultConfig()).
		WithDeliveryObserver(func(analysisID string, success bool) {
			registry.Get(health.DepPublisher).Record(success)
			if success {
				obs.Metrics.EventsPublished.Add(ctx, 1)
			}
		})

	p := pipeline.New(ingestor, engine, aggregator, synthesizer, auditStore, publisher, manager, registry, pipeline.Budgets{
		Total:     cfg.TotalBudget,
		Synthesis: 100 * time.Millisecond,
		Audit:     200 * time.Millisecond,
		Publish:   100 * time.Millisecond,
	}).WithOutcomeObserver(func(out *pipeline.Outcome, elapsed time.Duration) {
		switch out.State {
		case synthesis.StatePublished:
			obs.Metrics.ClaimsAdmitted.Add(ctx, 1)
			obs.Metrics.ClaimsAnalyzed.Add(ctx, 1)
			obs.Metrics.PipelineLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond))
			if out.Report != nil {
				for _, st := range out.Report.Trace.Stages {
					if st.Stage == "RULES" {
						obs.Metrics.RuleEngineLatency.Record(ctx, float64(st.Duration)/float64(time.Millisecond))
					}
				}
			}
		case synthesis.StateRejected, synthesis.StateDropped:
			reason := ""
			if out.Rejection != nil {
				reason = out.Rejection.Reason
			}
			obs.Metrics.ClaimsRejected.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", reason)))
		}
	})
	journal, err := pipeline.NewJSONLJournal(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(stderr, "journal: %v\n", err)
		return 1
	}
	defer journal.Close()
	p.WithJournal(journal)

	consumer := pipeline.NewConsumer(bus.Subscribe(broker.TopicClaimSubmitted), p)

	// SIGHUP reloads the ruleset artifact; a bad artifact is refused and the
	// running snapshot stays in place.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := ruleStore.LoadFile(cfg.RulesetPath); err != nil {
					logger.Error("ruleset reload refused", "path", cfg.RulesetPath, "error", err)
					continue
				}
				snap := ruleStore.Current()
				logger.Info("ruleset reloaded",
					"version", snap.Ruleset.Version, "rules", len(snap.Rules()))
			}
		}
	})
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { publisher.Run(gctx); return nil })
	g.Go(func() error { manager.Run(gctx); return nil })
	g.Go(func() error { runGauges(gctx, obs.Metrics, manager, outbox); return nil })

	if len(cfg.ReviewerKey) > 0 {
		sink, err := feedback.NewJSONLSink(cfg.TrainingPath)
		if err != nil {
			fmt.Fprintf(stderr, "training sink: %v\n", err)
			return 1
		}
		defer sink.Close()
		fb := feedback.NewConsumer(bus.Subscribe(broker.TopicClaimReviewed), sink, cfg.ReviewerKey)
		g.Go(func() error { return fb.Run(gctx) })
	} else {
		logger.Info("reviewer key not configured, feedback loop disabled")
	}

	logger.Info("pipeline running",
		"environment", cfg.Environment,
		"audit_driver", cfg.AuditDriver,
		"models", len(scorers),
		"partitions", cfg.BrokerPartitions,
	)

	if err := g.Wait(); err != nil {
		logger.Error("pipeline stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// runGauges periodically publishes the level and backlog gauges.
func runGauges(ctx context.Context, m *observability.Metrics, manager *health.Manager, outbox *publish.Outbox) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DegradationLevel.Record(ctx, int64(manager.Current()))
			if n, err := outbox.PendingCount(ctx); err == nil {
				m.OutboxBacklog.Record(ctx, int64(n))
			}
		}
	}
}

func openAuditStore(ctx context.Context, cfg *config.Config) (*sql.DB, *audit.SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	dialect := audit.DialectSQLite
	switch cfg.AuditDriver {
	case "postgres":
		dialect = audit.DialectPostgres
		db, err = sql.Open("postgres", cfg.AuditDSN)
	default:
		db, err = openSQLite(cfg.AuditDSN)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	store := audit.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func openByDriver(driver, dsn string) (*sql.DB, error) {
	if driver == "postgres" {
		return sql.Open("postgres", dsn)
	}
	return openSQLite(dsn)
}

// openSQLite opens a single-connection handle; the modernc driver needs
// serialized writers.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
