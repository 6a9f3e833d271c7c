package dossier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dossier/adapters/stub"
	"dossier/pkg/pipeline"
)

func TestNewBuilder_PacesResearchFromDomain(t *testing.T) {
	svc := Services{Reasoning: &stub.Reasoner{}, Research: &stub.Researcher{}}

	d := builtin(t, "sports")
	b, err := newBuilder(d, svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	p, ok := b.svc.Research.(*pacedService)
	if !ok {
		t.Fatalf("research service = %T, want paced", b.svc.Research)
	}
	if got := float64(p.limiter.Limit()); got != d.Research.RequestsPerSecond {
		t.Errorf("limit = %v, want %v", got, d.Research.RequestsPerSecond)
	}
	if p.Name() != "stub-research" {
		t.Errorf("Name = %q", p.Name())
	}

	b, err = newBuilder(builtin(t, "general"), svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.svc.Research.(*pacedService); ok {
		t.Error("general sets no rate but research is paced")
	}
}

func TestPacedService_ThrottleIsRateLimited(t *testing.T) {
	research := &stub.Researcher{}
	p := paced(research, 0.5)
	req := pipeline.Request{Queries: []string{"q"}}

	if _, err := p.Call(context.Background(), req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Call(ctx, req)
	if !errors.Is(err, pipeline.ErrRateLimited) {
		t.Fatalf("second call err = %v, want ErrRateLimited", err)
	}
	if research.Total() != 1 {
		t.Errorf("research calls = %d, want 1", research.Total())
	}
}

func TestEngine_DomainModelsReachServices(t *testing.T) {
	d := builtin(t, "general")
	d.Analyst.Model = "analyst-model"
	d.Researcher.Model = "research-model"
	reasoner := &stub.Reasoner{}
	researcher := &stub.Researcher{}
	e := testEngine(t, reasoner, researcher, nil)

	out := execute(t, e, "Acme Corp", d)
	if out.Status != pipeline.StatusDelivered {
		t.Fatalf("status = %s, failure = %v", out.Status, out.Failure)
	}
	for _, stage := range []pipeline.StageID{InitialAnalysis, ExecutiveSummary} {
		if got := reasoner.Model(stage); got != "analyst-model" {
			t.Errorf("%s model = %q, want analyst-model", stage, got)
		}
	}
	if diff := cmp.Diff([]string{"research-model"}, researcher.Models()); diff != "" {
		t.Errorf("research models mismatch (-want +got):\n%s", diff)
	}
}
