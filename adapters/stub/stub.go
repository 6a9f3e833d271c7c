// Package stub provides deterministic reasoning and research services for
// tests, demos and offline runs. Replies are derived from the request so a
// run over the same subject always produces the same dossier.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"dossier/pkg/pipeline"
)

// Failure injects an error into matching calls. Times is how many calls
// fail before the service recovers; zero or less fails every call.
type Failure struct {
	Err   error
	Times int
}

type injector struct {
	mu    sync.Mutex
	calls map[string]int
}

// fire reports the error for the n-th call on key, counting the call.
func (in *injector) fire(key string, f Failure) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.calls == nil {
		in.calls = make(map[string]int)
	}
	in.calls[key]++
	if f.Times <= 0 || in.calls[key] <= f.Times {
		return f.Err
	}
	return nil
}

func (in *injector) count(key string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calls[key]
}

// Reasoner answers every stage with a plausible reply in the shape the
// stage expects.
type Reasoner struct {
	// Replies overrides the reply for a stage.
	Replies map[pipeline.StageID]string
	// Failures injects errors per stage.
	Failures map[pipeline.StageID]Failure
	// Questions is how many research questions question_generation returns.
	Questions int

	inj    injector
	mu     sync.Mutex
	total  int
	models map[pipeline.StageID]string
}

func (r *Reasoner) Name() string { return "stub-reasoning" }

// Model returns the model the stage's last call asked for.
func (r *Reasoner) Model(stage pipeline.StageID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[stage]
}

// Calls returns how many calls the stage made, failed ones included.
func (r *Reasoner) Calls(stage pipeline.StageID) int { return r.inj.count(string(stage)) }

// Total returns the number of calls across all stages.
func (r *Reasoner) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Reasoner) Call(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	r.mu.Lock()
	r.total++
	if r.models == nil {
		r.models = make(map[pipeline.StageID]string)
	}
	r.models[req.Stage] = req.Model
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return pipeline.Response{}, err
	}
	key := string(req.Stage)
	f, ok := r.Failures[req.Stage]
	if !ok {
		f = Failure{Times: -1}
	}
	if err := r.inj.fire(key, f); err != nil {
		return pipeline.Response{}, err
	}
	if reply, ok := r.Replies[req.Stage]; ok {
		return pipeline.Response{Text: reply}, nil
	}
	return pipeline.Response{Text: r.reply(req)}, nil
}

func (r *Reasoner) reply(req pipeline.Request) string {
	subject := req.Subject
	switch req.Stage {
	case "question_generation":
		n := r.Questions
		if n <= 0 {
			n = 3
		}
		qs := make([]map[string]string, n)
		for i := range qs {
			qs[i] = map[string]string{
				"question":       fmt.Sprintf("What decides factor %d for %s?", i+1, subject),
				"research_query": fmt.Sprintf("%s factor %d", subject, i+1),
			}
		}
		return "```json\n" + mustJSON(qs) + "\n```"
	case "contradiction_check":
		return `{"contradictions": []}`
	case "risk_assessment":
		return mustJSON(map[string]any{"risks": []map[string]string{
			{"severity": "medium", "detail": "Late changes could shift the picture for " + subject},
		}})
	case "ethics_review":
		return `{"concerns": []}`
	case "narrative_synthesis":
		return mustJSON(map[string]string{
			"overview": "Overview of " + subject + ".",
			"analysis": "Analysis of " + subject + " grounded in the consolidated evidence.",
			"outlook":  "Outlook for " + subject + ".",
		})
	case "hidden_gems":
		return mustJSON([]map[string]string{
			{"title": "Schedule load", "detail": "Recent workload around " + subject + " is underrated.", "impact": "medium"},
		})
	case "alternative_perspectives":
		return mustJSON([]map[string]any{
			{"focus": "Contrarian view", "summary": "The consensus on " + subject + " may be overstated.", "arguments": []string{"thin sample"}},
		})
	case "executive_summary":
		return "Executive summary for " + subject + "."
	}
	return fmt.Sprintf("%s analysis of %s.", strings.ReplaceAll(string(req.Stage), "_", " "), subject)
}

// Researcher answers each query with deterministic findings. Jitter adds a
// random delay per call, seeded so a test can replay it.
type Researcher struct {
	// Failures injects errors for queries containing the key.
	Failures map[string]Failure
	// Empty lists query substrings that get an empty answer.
	Empty []string
	// FindingsPerQuery defaults to one.
	FindingsPerQuery int
	Jitter           time.Duration
	Seed             int64

	inj    injector
	mu     sync.Mutex
	rng    *rand.Rand
	total  int
	models map[string]bool
}

func (r *Researcher) Name() string { return "stub-research" }

// Models returns every model requested so far, sorted.
func (r *Researcher) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.models))
	for m := range r.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Total returns the number of calls made.
func (r *Researcher) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Researcher) Call(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	r.mu.Lock()
	r.total++
	if r.models == nil {
		r.models = make(map[string]bool)
	}
	r.models[req.Model] = true
	var delay time.Duration
	if r.Jitter > 0 {
		if r.rng == nil {
			r.rng = rand.New(rand.NewSource(r.Seed))
		}
		delay = time.Duration(r.rng.Int63n(int64(r.Jitter)))
	}
	r.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return pipeline.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Response{}, err
	}

	query := strings.Join(req.Queries, " | ")
	for key, f := range r.Failures {
		if strings.Contains(query, key) {
			if err := r.inj.fire(key, f); err != nil {
				return pipeline.Response{}, err
			}
		}
	}
	for _, key := range r.Empty {
		if strings.Contains(query, key) {
			return pipeline.Response{}, nil
		}
	}

	n := r.FindingsPerQuery
	if n <= 0 {
		n = 1
	}
	var resp pipeline.Response
	for _, q := range req.Queries {
		for i := 0; i < n; i++ {
			resp.Findings = append(resp.Findings, pipeline.Finding{
				Query:   q,
				Text:    fmt.Sprintf("Finding %d on %q.", i+1, q),
				Sources: []string{fmt.Sprintf("https://research.example/%08x/%d", hash(q), i+1)},
			})
		}
	}
	return resp, nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
