package format

import (
	"fmt"
	"strings"
	"time"

	"dossier/internal/store"
	"dossier/pkg/pipeline"
)

// StageTable lists a sequence's stages in ordinal order.
func StageTable(m Mode, descs []pipeline.StageDescriptor) string {
	tb := NewTable(m)
	tb.Header("#", "Stage", "Depends on", "Timeout", "Call timeout", "On failure", "Description")
	tb.Columns(
		ColumnConfig{Number: 1, Align: AlignRight},
		ColumnConfig{Number: 7, MaxWidth: 48},
	)
	for _, d := range descs {
		deps := make([]string, len(d.DependsOn))
		for i, s := range d.DependsOn {
			deps[i] = string(s)
		}
		onFailure := string(d.OnFailure)
		if d.OnFailure == pipeline.FailRetry {
			onFailure = fmt.Sprintf("retry x%d", d.StageRetries)
		}
		tb.Row(d.Ordinal, d.ID, orDash(strings.Join(deps, ", ")), Duration(d.Timeout),
			Duration(d.CallTimeout), onFailure, d.Description)
	}
	return tb.String()
}

// TimingTable lists per-stage timings grouped by attempt, with a total footer.
func TimingTable(m Mode, timings []pipeline.StageTiming) string {
	tb := NewTable(m)
	tb.Header("Attempt", "Stage", "Status", "Tries", "Elapsed", "Error")
	tb.Columns(
		ColumnConfig{Number: 1, Align: AlignRight},
		ColumnConfig{Number: 4, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
		ColumnConfig{Number: 6, MaxWidth: 60},
	)
	var total time.Duration
	var tries int
	for _, t := range timings {
		tb.Row(t.Attempt, t.Stage, t.Status, t.Tries, Duration(t.Elapsed), Truncate(t.Error, 60))
		total += t.Elapsed
		tries += t.Tries
	}
	tb.Footer("", "TOTAL", "", tries, Duration(total), "")
	return tb.String()
}

// AttemptTable lists attempts with their re-entry point and gate deficiencies.
func AttemptTable(m Mode, attempts []pipeline.AttemptSummary) string {
	tb := NewTable(m)
	tb.Header("Attempt", "Re-entry", "Status", "Gate", "Elapsed", "Deficiencies")
	tb.Columns(ColumnConfig{Number: 1, Align: AlignRight}, ColumnConfig{Number: 6, MaxWidth: 60})
	for _, a := range attempts {
		var defs []string
		if a.Verdict != nil {
			for _, d := range a.Verdict.Deficiencies {
				defs = append(defs, d.Predicate)
			}
		}
		gate := "-"
		if a.Verdict != nil {
			gate = BoolMark(a.Verdict.Go)
		}
		tb.Row(a.Number, a.Reentry, a.Status, gate, Duration(a.Elapsed), orDash(strings.Join(defs, ", ")))
	}
	return tb.String()
}

// RunTable lists journaled runs, most recent first as the store returns them.
func RunTable(m Mode, runs []*store.RunRecord, now time.Time) string {
	tb := NewTable(m)
	tb.Header("Run", "Subject", "Domain", "Status", "Attempts", "Started", "Elapsed", "Cache hits")
	tb.Columns(
		ColumnConfig{Number: 2, MaxWidth: 40},
		ColumnConfig{Number: 5, Align: AlignRight},
		ColumnConfig{Number: 7, Align: AlignRight},
		ColumnConfig{Number: 8, Align: AlignRight},
	)
	for _, r := range runs {
		tb.Row(r.ID, Truncate(r.Subject, 40), orDash(r.Domain), r.Status, r.Attempts,
			Ago(r.Started, now), Duration(r.Elapsed()), Count(r.CacheHits))
	}
	return tb.String()
}

// CallTable lists external call attempts with a per-outcome footer.
func CallTable(m Mode, calls []pipeline.CallRecord) string {
	tb := NewTable(m)
	tb.Header("Stage", "Service", "Try", "Outcome", "Latency", "Error")
	tb.Columns(
		ColumnConfig{Number: 3, Align: AlignRight},
		ColumnConfig{Number: 5, Align: AlignRight},
		ColumnConfig{Number: 6, MaxWidth: 50},
	)
	failed := 0
	for _, c := range calls {
		if c.Outcome != pipeline.OutcomeSuccess {
			failed++
		}
		tb.Row(orDash(string(c.Stage)), c.Service, c.Attempt, c.Outcome, Duration(c.Latency), Truncate(c.Error, 50))
	}
	tb.Footer("", "", len(calls), fmt.Sprintf("%d failed", failed), "", "")
	return tb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
