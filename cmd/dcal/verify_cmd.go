package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/clearpath-health/dcal/pkg/audit"
	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/config"
	"github.com/clearpath-health/dcal/pkg/publish"
	"github.com/clearpath-health/dcal/pkg/rules"
)

// runVerifyAudit walks the audit chain and reports every break. The backend
// comes from DCAL_AUDIT_DRIVER / DCAL_AUDIT_DSN; connection strings never
// travel on the command line.
func runVerifyAudit(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		from       uint64
		to         uint64
		jsonOutput bool
	)
	cmd.Uint64Var(&from, "from", 0, "First sequence number to check (0 = start)")
	cmd.Uint64Var(&to, "to", 0, "Last sequence number to check (0 = head)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	driver, dsn, err := config.AuditSettings()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ctx := context.Background()

	db, err := openByDriver(driver, dsn)
	if err != nil {
		fmt.Fprintf(stderr, "open audit store: %v\n", err)
		return 1
	}
	defer db.Close()

	dialect := audit.DialectSQLite
	if driver == "postgres" {
		dialect = audit.DialectPostgres
	}
	res, err := audit.Verify(ctx, audit.NewSQLStore(db, dialect), from, to)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if res.OK() {
		fmt.Fprintf(stdout, "audit chain intact: %d records checked\n", res.Checked)
	} else {
		fmt.Fprintf(stdout, "audit chain BROKEN: %d records checked, %d breaks\n", res.Checked, len(res.Broken))
		for _, b := range res.Broken {
			fmt.Fprintf(stdout, "  seq %d: %s\n", b.SequenceNumber, b.Kind)
		}
	}
	if !res.OK() {
		return 3
	}
	return 0
}

// runVerifyRules loads a ruleset artifact through the same verification the
// server applies at startup: checksums, semver, exactly one active ruleset.
func runVerifyRules(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-rules", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Ruleset artifact path (default: DCAL_RULESET_PATH)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		file = os.Getenv("DCAL_RULESET_PATH")
	}
	if file == "" {
		fmt.Fprintln(stderr, "--file or DCAL_RULESET_PATH is required")
		return 2
	}

	store := rules.NewStore()
	if err := store.LoadFile(file); err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{"file": file, "valid": false, "error": err.Error()}, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "ruleset rejected: %v\n", err)
		}
		return 2
	}

	snap := store.Current()
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"file":            file,
			"valid":           true,
			"ruleset_version": snap.Ruleset.Version,
			"rules":           len(snap.Rules()),
		}, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "ruleset %s verified: %d rules\n", snap.Ruleset.Version, len(snap.Rules()))
	}
	return 0
}

// runReplayOutbox lists the undelivered event backlog, or with --drain
// re-drives it through the broker once and marks delivered rows.
func runReplayOutbox(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay-outbox", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		limit      int
		drain      bool
		jsonOutput bool
	)
	cmd.IntVar(&limit, "limit", 20, "Max rows to list or drain")
	cmd.BoolVar(&drain, "drain", false, "Publish pending rows to the broker at DCAL_BROKER_ENDPOINT")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	path := os.Getenv("DCAL_OUTBOX_PATH")
	if path == "" {
		path = "dcal-outbox.db"
	}
	db, err := openSQLite(path)
	if err != nil {
		fmt.Fprintf(stderr, "open outbox: %v\n", err)
		return 1
	}
	defer db.Close()

	ctx := context.Background()
	outbox := publish.NewOutbox(db)

	if drain {
		endpoint := os.Getenv("DCAL_BROKER_ENDPOINT")
		if endpoint == "" {
			fmt.Fprintln(stderr, "--drain needs a broker: set DCAL_BROKER_ENDPOINT")
			return 2
		}
		client := redis.NewClient(&redis.Options{
			Addr:     endpoint,
			Password: os.Getenv("DCAL_REDIS_PASSWORD"),
		})
		defer client.Close()
		return drainOutbox(ctx, outbox, broker.NewRedisBroker(client), limit, jsonOutput, stdout, stderr)
	}

	total, err := outbox.PendingCount(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "outbox: %v\n", err)
		return 1
	}
	staged, err := outbox.Pending(ctx, limit)
	if err != nil {
		fmt.Fprintf(stderr, "outbox: %v\n", err)
		return 1
	}

	if jsonOutput {
		rows := make([]map[string]any, 0, len(staged))
		for _, s := range staged {
			rows = append(rows, map[string]any{
				"analysis_id": s.AnalysisID,
				"topic":       s.Topic,
				"key":         s.Key,
				"attempts":    s.Attempts,
			})
		}
		data, _ := json.MarshalIndent(map[string]any{"pending": total, "rows": rows}, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "pending events: %d\n", total)
	for _, s := range staged {
		fmt.Fprintf(stdout, "  %s  %s  key=%s  attempts=%d\n", s.AnalysisID, s.Topic, s.Key, s.Attempts)
	}
	return 0
}

// drainOutbox runs one replay sweep against the given sink.
func drainOutbox(ctx context.Context, outbox *publish.Outbox, sink broker.Sink, limit int, jsonOutput bool, stdout, stderr io.Writer) int {
	cfg := publish.DefaultConfig()
	cfg.ReplayBatch = limit
	replayed, err := publish.NewPublisher(sink, outbox, cfg).ReplayPending(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "drain outbox: %v\n", err)
		return 1
	}
	remaining, err := outbox.PendingCount(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "outbox: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{"replayed": replayed, "pending": remaining}, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "replayed events: %d, still pending: %d\n", replayed, remaining)
	}
	if remaining > 0 {
		return 1
	}
	return 0
}
