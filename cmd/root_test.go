package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "job", "dlq", "quarantine", "catalog"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "catalog-enricher", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	cases := map[string][]string{
		"job":        {"run", "status", "signal"},
		"dlq":        {"list", "requeue", "retry"},
		"quarantine": {"list", "resolve", "auto-resolve"},
		"catalog":    {"import"},
	}
	for parent, children := range cases {
		cmd, _, err := rootCmd.Find([]string{parent})
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, c := range cmd.Commands() {
			names[c.Name()] = true
		}
		for _, child := range children {
			assert.True(t, names[child], "%s should have subcommand %q", parent, child)
		}
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestListCommands_Flags(t *testing.T) {
	assert.Equal(t, "100", dlqListCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "0", dlqRetryCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "pending", quarantineListCmd.Flags().Lookup("status").DefValue)
	assert.Equal(t, "500", catalogImportCmd.Flags().Lookup("batch").DefValue)
	for _, name := range []string{"value", "by"} {
		assert.NotNil(t, quarantineResolveCmd.Flags().Lookup(name), "resolve should have --%s", name)
	}
}

func TestParseSignal(t *testing.T) {
	for _, s := range []string{"run", "pause", "stop"} {
		sig, err := parseSignal(s)
		require.NoError(t, err)
		assert.Equal(t, model.ControlSignal(s), sig)
	}
	_, err := parseSignal("restart")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestFormatCheckpoints(t *testing.T) {
	hb := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatCheckpoints(&buf, []model.Checkpoint{{
		JobName:         "comics_enrichment",
		ControlSignal:   model.SignalPause,
		IsRunning:       true,
		SyncCycle:       3,
		CurrentOffset:   1200,
		TotalProcessed:  5000,
		LastHeartbeatAt: &hb,
	}})

	out := buf.String()
	assert.Contains(t, out, "JOB")
	assert.Contains(t, out, "comics_enrichment")
	assert.Contains(t, out, "pause")
	assert.Contains(t, out, "2026-03-10 12:30")
}

func TestFormatQuarantine(t *testing.T) {
	var buf bytes.Buffer
	formatQuarantine(&buf, []model.QuarantineEntry{{
		ID:       "q1",
		EntityID: 7,
		Field:    model.FieldReleaseYear,
		Reason:   model.ReasonConflictingSources,
		Score:    0.5,
		Status:   model.QuarantinePending,
		Candidates: []model.Candidate{
			{Value: "1988", Provenance: model.Provenance{Source: model.SourceMetron}},
			{Value: "1987", Provenance: model.Provenance{Source: model.SourceGCD}},
		},
	}})
	assert.Contains(t, buf.String(), "metron=1988; gcd=1987")
}

func TestFormatDLQ(t *testing.T) {
	var buf bytes.Buffer
	formatDLQ(&buf, []model.DLQEntry{{
		ID:            "d1",
		EntityID:      9,
		Source:        model.SourceComicVine,
		JobName:       "comics_enrichment",
		ErrorCategory: model.ErrorTransient,
		Status:        model.DLQPending,
		RetryCount:    1,
		MaxRetries:    3,
		Error:         "503 from upstream",
	}})
	out := buf.String()
	assert.Contains(t, out, "comicvine")
	assert.Contains(t, out, "1/3")
	assert.Contains(t, out, "503 from upstream")
}
