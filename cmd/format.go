package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// formatCheckpoints writes one row per job checkpoint to out.
func formatCheckpoints(out io.Writer, cps []model.Checkpoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tSIGNAL\tRUNNING\tCYCLE\tOFFSET\tPROCESSED\tERRORS\tHEARTBEAT\tFINISHED\tLAST ERROR")
	for _, cp := range cps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			cp.JobName,
			cp.ControlSignal,
			cp.IsRunning,
			cp.SyncCycle,
			cp.CurrentOffset,
			cp.TotalProcessed,
			cp.TotalErrors,
			fmtTime(cp.LastHeartbeatAt),
			fmtTime(cp.FinishedAt),
			truncate(cp.LastError, 60),
		)
	}
	_ = w.Flush()
}

// formatDLQ writes dead letter entries to out.
func formatDLQ(out io.Writer, entries []model.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tSOURCE\tJOB\tCATEGORY\tSTATUS\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		next := e.NextRetryAt
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID,
			e.EntityID,
			e.Source,
			e.JobName,
			e.ErrorCategory,
			e.Status,
			e.RetryCount, e.MaxRetries,
			fmtTime(&next),
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// formatQuarantine writes quarantine entries with their candidate values to out.
func formatQuarantine(out io.Writer, entries []model.QuarantineEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tENTITY\tFIELD\tREASON\tSCORE\tSTATUS\tCANDIDATES")
	for _, e := range entries {
		cands := make([]string, len(e.Candidates))
		for i, c := range e.Candidates {
			cands[i] = fmt.Sprintf("%s=%s", c.Provenance.Source, c.Value)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f\t%s\t%s\n",
			e.ID,
			e.EntityID,
			e.Field,
			e.Reason,
			e.Score,
			e.Status,
			truncate(strings.Join(cands, "; "), 80),
		)
	}
	_ = w.Flush()
}
