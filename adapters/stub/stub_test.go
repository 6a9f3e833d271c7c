package stub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dossier/pkg/pipeline"
)

func TestReasoner_Failures(t *testing.T) {
	r := &Reasoner{Failures: map[pipeline.StageID]Failure{
		"risk_assessment": {Err: pipeline.ErrRateLimited, Times: 2},
		"hidden_gems":     {Err: pipeline.ErrAuth},
	}}
	ctx := context.Background()

	var errs []error
	for i := 0; i < 3; i++ {
		_, err := r.Call(ctx, pipeline.Request{Stage: "risk_assessment", Subject: "Acme"})
		errs = append(errs, err)
	}
	if !errors.Is(errs[0], pipeline.ErrRateLimited) || !errors.Is(errs[1], pipeline.ErrRateLimited) || errs[2] != nil {
		t.Errorf("risk_assessment errors = %v, want two rate limits then success", errs)
	}

	for i := 0; i < 4; i++ {
		if _, err := r.Call(ctx, pipeline.Request{Stage: "hidden_gems"}); !errors.Is(err, pipeline.ErrAuth) {
			t.Fatalf("hidden_gems call %d: err = %v, want ErrAuth every time", i+1, err)
		}
	}
	if got := r.Calls("risk_assessment"); got != 3 {
		t.Errorf("Calls(risk_assessment) = %d, want 3", got)
	}
	if got := r.Total(); got != 7 {
		t.Errorf("Total = %d, want 7", got)
	}
}

func TestReasoner_Replies(t *testing.T) {
	r := &Reasoner{
		Questions: 2,
		Replies:   map[pipeline.StageID]string{"executive_summary": "fixed"},
	}
	ctx := context.Background()

	resp, err := r.Call(ctx, pipeline.Request{Stage: "question_generation", Subject: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(resp.Text, "```json\n"), "\n```")
	var qs []map[string]string
	if err := json.Unmarshal([]byte(body), &qs); err != nil {
		t.Fatalf("questions are not JSON: %v\n%s", err, resp.Text)
	}
	if len(qs) != 2 || qs[1]["research_query"] != "Acme factor 2" {
		t.Errorf("questions = %v", qs)
	}

	resp, err = r.Call(ctx, pipeline.Request{Stage: "executive_summary", Subject: "Acme"})
	if err != nil || resp.Text != "fixed" {
		t.Errorf("override reply = %q, %v", resp.Text, err)
	}

	resp, _ = r.Call(ctx, pipeline.Request{Stage: "initial_analysis", Subject: "Acme"})
	if resp.Text != "initial analysis analysis of Acme." {
		t.Errorf("default reply = %q", resp.Text)
	}
}

func TestResearcher_Deterministic(t *testing.T) {
	req := pipeline.Request{Queries: []string{"Acme revenue", "Acme outlook"}}
	a := &Researcher{FindingsPerQuery: 2}
	b := &Researcher{FindingsPerQuery: 2}

	ra, err := a.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	rb, err := b.Call(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ra, rb); diff != "" {
		t.Errorf("two researchers disagree (-a +b):\n%s", diff)
	}
	if len(ra.Findings) != 4 || ra.Findings[2].Query != "Acme outlook" {
		t.Errorf("findings = %+v", ra.Findings)
	}
}

func TestResearcher_EmptyAndFailures(t *testing.T) {
	r := &Researcher{
		Empty:    []string{"obscure"},
		Failures: map[string]Failure{"flaky": {Err: pipeline.ErrUnavailable, Times: 1}},
	}
	ctx := context.Background()

	resp, err := r.Call(ctx, pipeline.Request{Queries: []string{"obscure fact"}})
	if err != nil || len(resp.Findings) != 0 {
		t.Errorf("empty query = %+v, %v", resp, err)
	}

	if _, err := r.Call(ctx, pipeline.Request{Queries: []string{"flaky source"}}); !errors.Is(err, pipeline.ErrUnavailable) {
		t.Errorf("first flaky call err = %v, want ErrUnavailable", err)
	}
	if _, err := r.Call(ctx, pipeline.Request{Queries: []string{"flaky source"}}); err != nil {
		t.Errorf("second flaky call err = %v, want recovery", err)
	}
	if got := r.Total(); got != 3 {
		t.Errorf("Total = %d, want 3", got)
	}
}

func TestResearcher_JitterHonoursCancel(t *testing.T) {
	r := &Researcher{Jitter: time.Hour, Seed: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Call(ctx, pipeline.Request{Queries: []string{"q"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
