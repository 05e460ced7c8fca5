package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearpath-health/dcal/pkg/audit"
	"github.com/clearpath-health/dcal/pkg/broker"
	"github.com/clearpath-health/dcal/pkg/publish"
	"github.com/clearpath-health/dcal/pkg/rules"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "verify-audit")
}

func writeArtifact(t *testing.T, mutate func(*rules.Artifact)) string {
	t.Helper()
	def := rules.Definition{
		RuleID:              "AMT-001",
		Version:             "1.0.0",
		Name:                "billed amount is positive",
		Category:            rules.CategoryCustom,
		Severity:            rules.SeverityMinor,
		Enabled:             true,
		ConditionExpression: "claim.billed_amount > 0.0",
		EffectiveDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	sum, err := rules.ComputeChecksum(&def)
	require.NoError(t, err)
	def.Checksum = sum

	art := &rules.Artifact{
		Rulesets: []rules.Ruleset{{
			Version:     "2026.08.1",
			Status:      rules.RulesetActive,
			RuleIDs:     []string{def.RuleID},
			ActivatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		}},
		Rules: []rules.Definition{def},
	}
	if mutate != nil {
		mutate(art)
	}

	body, err := json.Marshal(art)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ruleset.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))
	return path
}

func TestVerifyRulesAcceptsValidArtifact(t *testing.T) {
	path := writeArtifact(t, nil)
	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "verify-rules", "--file", path}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "2026.08.1")
}

func TestVerifyRulesRejectsTamperedArtifact(t *testing.T) {
	path := writeArtifact(t, func(art *rules.Artifact) {
		art.Rules[0].ConditionExpression = "true"
	})
	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "verify-rules", "--file", path}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "checksum")
}

func TestVerifyAuditIntactChain(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	t.Setenv("DCAL_AUDIT_DRIVER", "sqlite")
	t.Setenv("DCAL_AUDIT_DSN", dsn)

	ctx := context.Background()
	db, err := openSQLite(dsn)
	require.NoError(t, err)
	store := audit.NewSQLStore(db, audit.DialectSQLite)
	require.NoError(t, store.Migrate(ctx))
	for _, id := range []string{"an-1", "an-2"} {
		_, err := store.Append(ctx, audit.Entry{
			AnalysisID: id,
			ClaimID:    "CLM-2026-000000001",
			Report:     json.RawMessage(`{"recommendation":"MANUAL_REVIEW"}`),
		})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "verify-audit"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "2 records checked")
}

func TestReplayOutboxEmptyBacklog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	t.Setenv("DCAL_OUTBOX_PATH", path)

	db, err := openSQLite(path)
	require.NoError(t, err)
	require.NoError(t, publish.NewOutbox(db).Migrate(context.Background()))
	require.NoError(t, db.Close())

	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "replay-outbox"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "pending events: 0")
}

func TestReplayOutboxDrainNeedsBrokerEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	t.Setenv("DCAL_OUTBOX_PATH", path)
	t.Setenv("DCAL_BROKER_ENDPOINT", "")

	db, err := openSQLite(path)
	require.NoError(t, err)
	require.NoError(t, publish.NewOutbox(db).Migrate(context.Background()))
	require.NoError(t, db.Close())

	var out, errOut bytes.Buffer
	code := Run([]string{"dcal", "replay-outbox", "--drain"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "DCAL_BROKER_ENDPOINT")
}

// captureSink records published messages in place of a live broker.
type captureSink struct {
	msgs []*broker.Message
}

func (c *captureSink) Publish(_ context.Context, msg *broker.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestDrainOutboxDeliversAndMarks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	db, err := openSQLite(path)
	require.NoError(t, err)
	defer db.Close()

	outbox := publish.NewOutbox(db)
	require.NoError(t, outbox.Migrate(ctx))
	require.NoError(t, outbox.Stage(ctx, "an-1", broker.TopicClaimAnalyzed, "CLM-2026-000000001", []byte(`{"analysis_id":"an-1"}`)))
	require.NoError(t, outbox.Stage(ctx, "an-2", broker.TopicClaimAnalyzed, "CLM-2026-000000002", []byte(`{"analysis_id":"an-2"}`)))

	sink := &captureSink{}
	var out, errOut bytes.Buffer
	code := drainOutbox(ctx, outbox, sink, 20, false, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "replayed events: 2, still pending: 0")

	require.Len(t, sink.msgs, 2)
	assert.Equal(t, broker.TopicClaimAnalyzed, sink.msgs[0].Topic)
	assert.Equal(t, "CLM-2026-000000001", sink.msgs[0].Key)

	remaining, err := outbox.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining, "drained rows are marked delivered")
}
