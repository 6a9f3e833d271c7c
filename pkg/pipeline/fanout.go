package pipeline

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// SubQuery is one independent unit of a fan-out stage.
type SubQuery struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Label string `json:"label,omitempty"`
}

// SubResult pairs a sub-query with its outcome. Results keep dispatch order.
type SubResult struct {
	QueryID  string   `json:"query_id"`
	Query    string   `json:"query"`
	Response Response `json:"response"`
	Err      string   `json:"error,omitempty"`
	// Fatal marks a failure no later attempt can fix.
	Fatal bool `json:"fatal,omitempty"`
}

// OK reports whether the sub-query succeeded.
func (r SubResult) OK() bool { return r.Err == "" }

// FanOutResult is the Data payload of a fan-out stage's output.
type FanOutResult struct {
	Results   []SubResult `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// FanOut dispatches independent sub-queries concurrently and merges the
// results in dispatch order, tolerating failures down to MinSuccess.
type FanOut struct {
	// Queries derives the sub-queries from upstream state.
	Queries func(v View) ([]SubQuery, error)
	// Run executes one sub-query.
	Run func(ctx context.Context, x *Exec, q SubQuery) (Response, error)

	MaxConcurrency int
	MinSuccess     int
}

// Execute implements Stage.
func (f FanOut) Execute(ctx context.Context, x *Exec) (StageOutput, error) {
	queries, err := f.Queries(x.View)
	if err != nil {
		return StageOutput{}, err
	}
	if len(queries) == 0 {
		return StageOutput{}, ErrNoSubQueries
	}

	results := make([]SubResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	if f.MaxConcurrency > 0 {
		g.SetLimit(f.MaxConcurrency)
	}
	for i, q := range queries {
		g.Go(func() error {
			results[i] = SubResult{QueryID: q.ID, Query: q.Query}
			defer func() {
				if p := recover(); p != nil {
					results[i].fail(panicked(p))
				}
			}()
			if err := gctx.Err(); err != nil {
				results[i].fail(err)
				return nil
			}
			resp, err := f.Run(gctx, x, q)
			if err != nil {
				results[i].fail(err)
				return nil
			}
			results[i].Response = resp
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return StageOutput{}, err
	}
	return f.merge(results)
}

func (r *SubResult) fail(err error) {
	r.Err = err.Error()
	r.Fatal = KindOf(err) == KindFatal
}

func (f FanOut) merge(results []SubResult) (StageOutput, error) {
	need := f.MinSuccess
	if need < 1 {
		need = 1
	}

	merged := FanOutResult{Results: results}
	var findings []Finding
	var failed []string
	allFatal := true
	for _, r := range results {
		if !r.OK() {
			merged.Failed++
			if !r.Fatal {
				allFatal = false
			}
			failed = append(failed, fmt.Sprintf("%s: %s", r.QueryID, r.Err))
			continue
		}
		merged.Succeeded++
		if len(r.Response.Findings) == 0 && r.Response.Text != "" {
			findings = append(findings, Finding{QueryID: r.QueryID, Query: r.Query, Text: r.Response.Text})
			continue
		}
		for _, fd := range r.Response.Findings {
			fd.QueryID = r.QueryID
			if fd.Query == "" {
				fd.Query = r.Query
			}
			findings = append(findings, fd)
		}
	}

	if merged.Succeeded < need {
		err := fmt.Errorf("%w: %d of %d succeeded, need %d (%s)",
			ErrInsufficientResults, merged.Succeeded, len(results), need, strings.Join(failed, "; "))
		// No later attempt recovers when every branch failed for good.
		if allFatal {
			return StageOutput{}, Fatal(err)
		}
		return StageOutput{}, err
	}
	return StageOutput{
		Data:     merged,
		Findings: findings,
		Partial:  merged.Failed > 0,
	}, nil
}
