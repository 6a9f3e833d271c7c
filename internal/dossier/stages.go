package dossier

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"dossier/internal/config"
	"dossier/pkg/pipeline"
)

// builder turns a domain bundle and the two services into stage descriptors.
type builder struct {
	domain  config.Domain
	svc     Services
	prompts *Prompts
	pattern *regexp.Regexp
	now     func() time.Time
}

func newBuilder(d config.Domain, svc Services, now func() time.Time) (*builder, error) {
	if svc.Reasoning == nil || svc.Research == nil {
		return nil, errors.New("dossier: reasoning and research services are required")
	}
	prompts, err := NewPrompts(d)
	if err != nil {
		return nil, err
	}
	if rps := d.Research.RequestsPerSecond; rps > 0 {
		svc.Research = paced(svc.Research, rps)
	}
	b := &builder{domain: d, svc: svc, prompts: prompts, now: now}
	if d.SubjectPattern != "" {
		if b.pattern, err = regexp.Compile(d.SubjectPattern); err != nil {
			return nil, fmt.Errorf("dossier: subject_pattern: %w", err)
		}
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Stages returns the descriptors of the nineteen working stages for a
// domain. The terminal validation gate is built by Gate.
func Stages(d config.Domain, svc Services) ([]pipeline.StageDescriptor, error) {
	b, err := newBuilder(d, svc, nil)
	if err != nil {
		return nil, err
	}
	return b.stages(), nil
}

func (b *builder) stages() []pipeline.StageDescriptor {
	r := b.domain.Research
	research := pipeline.FanOut{
		Queries:        b.researchQueries,
		Run:            func(ctx context.Context, x *pipeline.Exec, q pipeline.SubQuery) (pipeline.Response, error) { return b.lookup(ctx, x, q.Query) },
		MaxConcurrency: r.MaxConcurrency,
		MinSuccess:     r.MinSuccess,
	}

	return []pipeline.StageDescriptor{
		b.describe(SubjectIntake, "normalize and validate the subject",
			pipeline.StageFunc(b.intake)),
		b.describe(BaselineFacts, "research baseline facts",
			pipeline.StageFunc(b.baseline), SubjectIntake),
		b.describe(InitialAnalysis, "first analysis of the baseline",
			pipeline.StageFunc(b.initialAnalysis), SubjectIntake, BaselineFacts),
		b.describe(NewsSynthesis, "fold recent news into the analysis",
			pipeline.StageFunc(b.news), SubjectIntake, InitialAnalysis),
		b.describe(SentimentScan, "research public sentiment",
			b.researchStage(SentimentScan), SubjectIntake),
		b.describe(OutlookSignals, "research forecasts and predictions",
			b.researchStage(OutlookSignals), SubjectIntake),
		b.describe(QuestionGeneration, "derive deep research questions",
			pipeline.StageFunc(b.questions), SubjectIntake, InitialAnalysis, NewsSynthesis),
		b.describe(DeepResearch, "answer the questions in parallel",
			research, SubjectIntake, QuestionGeneration),
		b.describe(FindingIntegration, "integrate research findings one by one",
			pipeline.StageFunc(b.integrate), SubjectIntake, NewsSynthesis, DeepResearch),
		b.describe(EvidenceConsolidation, "deduplicate evidence and citations",
			pipeline.StageFunc(b.consolidate), BaselineFacts, NewsSynthesis, SentimentScan, OutlookSignals, DeepResearch),
		b.describe(ContradictionCheck, "flag contradictions in the evidence",
			pipeline.StageFunc(b.contradictions), SubjectIntake, FindingIntegration, EvidenceConsolidation),
		b.describe(RiskAssessment, "assess risks to the conclusions",
			b.assessStage(RiskAssessment, "risks", FlagRisk), SubjectIntake, FindingIntegration, ContradictionCheck),
		b.describe(EthicsReview, "annotate ethical concerns",
			b.assessStage(EthicsReview, "concerns", FlagEthics), SubjectIntake, FindingIntegration),
		b.describe(NarrativeSynthesis, "write the narrative sections",
			pipeline.StageFunc(b.narrative), SubjectIntake, SentimentScan, OutlookSignals, FindingIntegration,
			EvidenceConsolidation, ContradictionCheck, RiskAssessment),
		b.describe(HiddenGems, "surface overlooked factors",
			pipeline.StageFunc(b.hiddenGems), SubjectIntake, NarrativeSynthesis),
		b.describe(AlternativePerspectives, "argue alternative readings",
			pipeline.StageFunc(b.perspectives), SubjectIntake, NarrativeSynthesis),
		b.describe(ExecutiveSummary, "summarize for the reader",
			pipeline.StageFunc(b.summary), SubjectIntake, NarrativeSynthesis, HiddenGems, AlternativePerspectives),
		b.describe(DossierStructuring, "assemble and validate the structured dossier",
			pipeline.StageFunc(b.structure), SubjectIntake, EvidenceConsolidation, ContradictionCheck, RiskAssessment,
			EthicsReview, NarrativeSynthesis, HiddenGems, AlternativePerspectives, ExecutiveSummary),
		b.describe(ProvenanceStamp, "stamp engine and generation time",
			pipeline.StageFunc(b.provenance), DossierStructuring),
	}
}

func (b *builder) describe(id pipeline.StageID, desc string, stage pipeline.Stage, deps ...pipeline.StageID) pipeline.StageDescriptor {
	sc := b.domain.Stage(string(id))
	d := pipeline.StageDescriptor{
		ID:           id,
		Ordinal:      slices.Index(Order, id) + 1,
		DependsOn:    deps,
		Description:  desc,
		Stage:        stage,
		Timeout:      sc.Timeout.Std(),
		CallTimeout:  sc.CallTimeout.Std(),
		Retry:        pipeline.DefaultRetryPolicy(),
		OnFailure:    pipeline.FailurePolicy(sc.OnFailure),
		StageRetries: sc.StageRetries,
	}
	if sc.Retry != nil {
		d.Retry = sc.Retry.Policy()
	}
	return d
}

// intake normalizes whitespace and checks the subject against the domain
// pattern. A subject the domain cannot handle ends the run.
func (b *builder) intake(_ context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	subject := x.Subject()
	name := strings.Join(strings.Fields(subject.ID), " ")
	if name == "" {
		return pipeline.StageOutput{}, pipeline.Fatalf("empty %s id", b.domain.SubjectNoun)
	}
	if b.pattern != nil && !b.pattern.MatchString(name) {
		return pipeline.StageOutput{}, pipeline.Fatalf("%s %q does not match %s", b.domain.SubjectNoun, name, b.pattern)
	}
	if display := strings.TrimSpace(subject.Name); display != "" {
		name = display
	}
	in := Intake{ID: subject.ID, Name: name, Noun: b.domain.SubjectNoun, Domain: b.domain.Name}
	return pipeline.StageOutput{Text: name, Data: in}, nil
}

// baseline is the one research lookup the rest of the run cannot do
// without, so any failure is fatal.
func (b *builder) baseline(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	query, err := b.render(x, string(BaselineFacts))
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	resp, err := b.lookup(ctx, x, query)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.StageOutput{}, err
		}
		return pipeline.StageOutput{}, pipeline.Fatal(fmt.Errorf("baseline facts unavailable: %w", err))
	}
	findings := attribute(resp, "baseline", query)
	return pipeline.StageOutput{Text: joinFindings(findings), Findings: findings}, nil
}

func (b *builder) initialAnalysis(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	base, _ := x.Output(BaselineFacts)
	text, err := b.reason(ctx, x, string(InitialAnalysis), "Baseline facts:\n"+formatFindings(base.Findings), false)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	return pipeline.StageOutput{Text: text}, nil
}

// news looks up recent news and folds it into the initial analysis. The
// stage's text is the updated analysis; its findings are the news items.
func (b *builder) news(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	query, err := b.render(x, "news_query")
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	resp, err := b.lookup(ctx, x, query)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	findings := attribute(resp, "news", query)

	initial, _ := x.Output(InitialAnalysis)
	text, err := b.reason(ctx, x, string(NewsSynthesis),
		"Current analysis:\n"+initial.Text+"\n\nRecent news:\n"+formatFindings(findings), false)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	return pipeline.StageOutput{Text: text, Findings: findings}, nil
}

// researchStage is a single cached research lookup whose prompt is named
// after the stage.
func (b *builder) researchStage(id pipeline.StageID) pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
		query, err := b.render(x, string(id))
		if err != nil {
			return pipeline.StageOutput{}, err
		}
		resp, err := b.lookup(ctx, x, query)
		if err != nil {
			return pipeline.StageOutput{}, err
		}
		findings := attribute(resp, string(id), query)
		return pipeline.StageOutput{Text: joinFindings(findings), Findings: findings}, nil
	})
}

func (b *builder) questions(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	analysis, _ := x.Output(NewsSynthesis)
	if strings.TrimSpace(analysis.Text) == "" {
		analysis, _ = x.Output(InitialAnalysis)
	}
	text, err := b.reason(ctx, x, string(QuestionGeneration), "Analysis:\n"+analysis.Text, true)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	var raw []Question
	if err := ExtractList(text, &raw); err != nil {
		return pipeline.StageOutput{}, err
	}
	qs := make([]Question, 0, len(raw))
	for _, q := range raw {
		q.Question = strings.TrimSpace(q.Question)
		q.ResearchQuery = strings.TrimSpace(q.ResearchQuery)
		if q.ResearchQuery == "" {
			q.ResearchQuery = q.Question
		}
		if q.ResearchQuery == "" {
			continue
		}
		if q.Question == "" {
			q.Question = q.ResearchQuery
		}
		qs = append(qs, q)
	}
	if limit := b.domain.Research.MaxQueries; limit > 0 && len(qs) > limit {
		qs = qs[:limit]
	}
	if len(qs) == 0 {
		return pipeline.StageOutput{}, fmt.Errorf("%w: no usable research questions", pipeline.ErrMalformedResponse)
	}
	lines := make([]string, len(qs))
	for i, q := range qs {
		lines[i] = fmt.Sprintf("%d. %s", i+1, q.Question)
	}
	return pipeline.StageOutput{Text: strings.Join(lines, "\n"), Data: qs}, nil
}

func (b *builder) researchQueries(v pipeline.View) ([]pipeline.SubQuery, error) {
	out, ok := v.Output(QuestionGeneration)
	if !ok {
		return nil, fmt.Errorf("%s output missing", QuestionGeneration)
	}
	qs, _ := out.Data.([]Question)
	subs := make([]pipeline.SubQuery, len(qs))
	for i, q := range qs {
		subs[i] = pipeline.SubQuery{ID: fmt.Sprintf("q%d", i+1), Query: q.ResearchQuery, Label: q.Question}
	}
	return subs, nil
}

// integrate folds each research finding into the analysis in dispatch order.
func (b *builder) integrate(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	current, _ := x.Output(NewsSynthesis)
	analysis := current.Text
	research, _ := x.Output(DeepResearch)
	for _, f := range research.Findings {
		finding := fmt.Sprintf("[%s] %s\n%s", f.QueryID, f.Query, f.Text)
		if len(f.Sources) > 0 {
			finding += "\nSources: " + strings.Join(f.Sources, ", ")
		}
		next, err := b.reason(ctx, x, string(FindingIntegration),
			"Current analysis:\n"+analysis+"\n\nNew research finding:\n"+finding, false)
		if err != nil {
			return pipeline.StageOutput{}, fmt.Errorf("integrate %s: %w", f.QueryID, err)
		}
		analysis = next
	}
	return pipeline.StageOutput{Text: analysis}, nil
}

func (b *builder) consolidate(_ context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	ev := Consolidate(x.Findings())
	lines := make([]string, len(ev.Citations))
	for i, c := range ev.Citations {
		lines[i] = fmt.Sprintf("[%s] %s", c.ID, c.Text)
	}
	return pipeline.StageOutput{Text: strings.Join(lines, "\n"), Data: ev}, nil
}

// Consolidate merges findings with the same normalized text, keeping the
// first wording and the union of sources. Citation ids follow first
// appearance.
func Consolidate(findings []pipeline.Finding) Evidence {
	var ev Evidence
	index := make(map[string]int)
	sources := make(map[string]bool)
	for _, f := range findings {
		key := normalize(f.Text)
		if key == "" {
			continue
		}
		i, ok := index[key]
		if !ok {
			i = len(ev.Citations)
			index[key] = i
			ev.Citations = append(ev.Citations, Citation{
				ID:    fmt.Sprintf("E%d", i+1),
				Text:  strings.TrimSpace(f.Text),
				Query: f.Query,
			})
		}
		for _, s := range f.Sources {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !slices.Contains(ev.Citations[i].Sources, s) {
				ev.Citations[i].Sources = append(ev.Citations[i].Sources, s)
			}
			if !sources[s] {
				sources[s] = true
				ev.Sources = append(ev.Sources, s)
			}
		}
	}
	return ev
}

func (b *builder) contradictions(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	analysis, _ := x.Output(FindingIntegration)
	evidence, _ := x.Output(EvidenceConsolidation)
	text, err := b.reason(ctx, x, string(ContradictionCheck),
		"Analysis:\n"+analysis.Text+"\n\nEvidence:\n"+evidence.Text, true)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	var resp struct {
		Contradictions []Contradiction `json:"contradictions"`
	}
	if err := ExtractObject(text, &resp); err != nil {
		return pipeline.StageOutput{}, err
	}
	var flags []pipeline.RiskFlag
	for _, c := range resp.Contradictions {
		if strings.TrimSpace(c.Detail) == "" {
			continue
		}
		detail := strings.TrimSpace(c.Detail)
		if c.Resolved && c.Resolution != "" {
			detail += " (resolved: " + strings.TrimSpace(c.Resolution) + ")"
		}
		flags = append(flags, pipeline.RiskFlag{Code: pipeline.Contradiction, Detail: detail, Resolved: c.Resolved, Stage: ContradictionCheck})
	}
	return pipeline.StageOutput{Data: resp.Contradictions, RiskFlags: flags}, nil
}

// assessStage asks for a JSON object holding a list of assessments under
// key and turns each into a risk flag with the given code.
func (b *builder) assessStage(id pipeline.StageID, key, code string) pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
		analysis, _ := x.Output(FindingIntegration)
		input := "Analysis:\n" + analysis.Text
		if prior := x.RiskFlags(); len(prior) > 0 {
			input += "\n\nKnown issues:\n" + formatFlags(prior)
		}
		text, err := b.reason(ctx, x, string(id), input, true)
		if err != nil {
			return pipeline.StageOutput{}, err
		}
		var items []Assessment
		if err := ExtractList(text, &items); err != nil {
			var obj map[string][]Assessment
			if objErr := ExtractObject(text, &obj); objErr != nil {
				return pipeline.StageOutput{}, err
			}
			items = obj[key]
		}
		var flags []pipeline.RiskFlag
		for _, a := range items {
			if strings.TrimSpace(a.Detail) == "" {
				continue
			}
			flags = append(flags, pipeline.RiskFlag{
				Code:     code,
				Severity: strings.ToLower(strings.TrimSpace(a.Severity)),
				Detail:   strings.TrimSpace(a.Detail),
				Stage:    id,
			})
		}
		return pipeline.StageOutput{Data: items, RiskFlags: flags}, nil
	})
}

func (b *builder) narrative(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	analysis, _ := x.Output(FindingIntegration)
	evidence, _ := x.Output(EvidenceConsolidation)
	sentiment, _ := x.Output(SentimentScan)
	outlook, _ := x.Output(OutlookSignals)

	var ctxb strings.Builder
	fmt.Fprintf(&ctxb, "Analysis:\n%s\n\nEvidence:\n%s\n\nSentiment:\n%s\n\nOutlook:\n%s\n",
		analysis.Text, evidence.Text, formatFindings(sentiment.Findings), formatFindings(outlook.Findings))
	if flags := x.RiskFlags(); len(flags) > 0 {
		fmt.Fprintf(&ctxb, "\nRisks and contradictions:\n%s", formatFlags(flags))
	}

	text, err := b.reason(ctx, x, string(NarrativeSynthesis), ctxb.String(), true)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	var raw map[string]any
	if err := ExtractObject(text, &raw); err != nil {
		return pipeline.StageOutput{}, err
	}
	sections := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		sections[sectionKey(k)] = strings.TrimSpace(s)
	}
	if len(sections) == 0 {
		return pipeline.StageOutput{}, fmt.Errorf("%w: narrative has no sections", pipeline.ErrMalformedResponse)
	}
	return pipeline.StageOutput{Sections: sections}, nil
}

func (b *builder) hiddenGems(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	text, err := b.reason(ctx, x, string(HiddenGems), narrativeContext(x.View), true)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	var gems []Insight
	if err := ExtractList(text, &gems); err != nil {
		return pipeline.StageOutput{}, err
	}
	gems = slices.DeleteFunc(gems, func(g Insight) bool { return strings.TrimSpace(g.Title) == "" })
	return pipeline.StageOutput{Data: gems}, nil
}

func (b *builder) perspectives(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	text, err := b.reason(ctx, x, string(AlternativePerspectives), narrativeContext(x.View), true)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	var ps []Perspective
	if err := ExtractList(text, &ps); err != nil {
		return pipeline.StageOutput{}, err
	}
	ps = slices.DeleteFunc(ps, func(p Perspective) bool { return strings.TrimSpace(p.Focus) == "" })
	return pipeline.StageOutput{Data: ps}, nil
}

func (b *builder) summary(ctx context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	var ctxb strings.Builder
	ctxb.WriteString(narrativeContext(x.View))
	if gems := dataOf[[]Insight](x.View, HiddenGems); len(gems) > 0 {
		ctxb.WriteString("\nHidden gems:\n")
		for _, g := range gems {
			fmt.Fprintf(&ctxb, "- %s: %s\n", g.Title, g.Detail)
		}
	}
	if ps := dataOf[[]Perspective](x.View, AlternativePerspectives); len(ps) > 0 {
		ctxb.WriteString("\nAlternative perspectives:\n")
		for _, p := range ps {
			fmt.Fprintf(&ctxb, "- %s: %s\n", p.Focus, p.Summary)
		}
	}
	text, err := b.reason(ctx, x, string(ExecutiveSummary), ctxb.String(), false)
	if err != nil {
		return pipeline.StageOutput{}, err
	}
	return pipeline.StageOutput{Text: text, Sections: map[string]string{SectionExecutiveSummary: text}}, nil
}

func (b *builder) structure(_ context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	in := intakeOf(x.View)
	ev := dataOf[Evidence](x.View, EvidenceConsolidation)
	s := Structured{
		Title:        in.Name,
		Subject:      in.ID,
		Domain:       b.domain.Name,
		Sections:     OrderSections(x.Sections(), b.domain.Acceptance.RequiredSections),
		HiddenGems:   dataOf[[]Insight](x.View, HiddenGems),
		Perspectives: dataOf[[]Perspective](x.View, AlternativePerspectives),
		Annotations:  x.RiskFlags(),
		Citations:    ev.Citations,
	}
	if err := ValidateStructured(s); err != nil {
		return pipeline.StageOutput{}, err
	}
	return pipeline.StageOutput{Text: s.Title, Data: s}, nil
}

func (b *builder) provenance(_ context.Context, x *pipeline.Exec) (pipeline.StageOutput, error) {
	p := Provenance{
		Engine:      b.domain.Engine,
		Domain:      b.domain.Name,
		RunID:       x.RunID,
		Attempt:     x.Attempt(),
		GeneratedAt: b.now().UTC(),
	}
	return pipeline.StageOutput{Text: p.Engine, Data: p}, nil
}

// render executes a prompt for the stage's subject. A template that cannot
// execute is a configuration problem no retry will fix.
func (b *builder) render(x *pipeline.Exec, name string) (string, error) {
	in := intakeOf(x.View)
	if in.Name == "" {
		in.Name = x.Subject().ID
	}
	text, err := b.prompts.Render(name, PromptData{
		Subject:    in.Name,
		Noun:       b.domain.SubjectNoun,
		Domain:     b.domain.Name,
		MaxQueries: b.domain.Research.MaxQueries,
	})
	if err != nil {
		return "", pipeline.Fatal(err)
	}
	return text, nil
}

func (b *builder) reason(ctx context.Context, x *pipeline.Exec, prompt, input string, asJSON bool) (string, error) {
	instruction, err := b.render(x, prompt)
	if err != nil {
		return "", err
	}
	resp, err := x.Invoke(ctx, b.svc.Reasoning, pipeline.Request{
		Model:       b.domain.Analyst.Model,
		Persona:     b.domain.Analyst.Persona,
		Instruction: instruction,
		Context:     input,
		JSON:        asJSON,
	})
	if err != nil {
		return "", escalate(err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reasoning response", pipeline.ErrMalformedResponse)
	}
	return text, nil
}

// lookup runs one research query through the run cache, so stages and
// attempts asking the same thing share one call.
func (b *builder) lookup(ctx context.Context, x *pipeline.Exec, query string) (pipeline.Response, error) {
	svc := b.svc.Research
	return pipeline.Cached(ctx, x.Cache(), pipeline.CacheKey(svc.Name(), query), func(ctx context.Context) (pipeline.Response, error) {
		resp, err := x.Invoke(ctx, svc, pipeline.Request{
			Model:   b.domain.Researcher.Model,
			Persona: b.domain.Researcher.Persona,
			Queries: []string{query},
		})
		if err != nil {
			return pipeline.Response{}, escalate(err)
		}
		if len(resp.Findings) == 0 && strings.TrimSpace(resp.Text) == "" {
			return pipeline.Response{}, fmt.Errorf("%w: research returned nothing for %q", pipeline.ErrMalformedResponse, snippet(query))
		}
		return resp, nil
	})
}

// escalate makes credential and quota failures fatal: no later attempt can
// succeed where they occurred.
func escalate(err error) error {
	if errors.Is(err, pipeline.ErrAuth) || errors.Is(err, pipeline.ErrQuota) {
		return pipeline.Fatal(err)
	}
	return err
}

func attribute(resp pipeline.Response, id, query string) []pipeline.Finding {
	if len(resp.Findings) == 0 {
		return []pipeline.Finding{{QueryID: id, Query: query, Text: strings.TrimSpace(resp.Text)}}
	}
	out := make([]pipeline.Finding, len(resp.Findings))
	for i, f := range resp.Findings {
		if f.QueryID == "" {
			f.QueryID = id
		}
		if f.Query == "" {
			f.Query = query
		}
		out[i] = f
	}
	return out
}

func intakeOf(v pipeline.View) Intake {
	return dataOf[Intake](v, SubjectIntake)
}

func dataOf[T any](v pipeline.View, id pipeline.StageID) T {
	var zero T
	out, ok := v.Output(id)
	if !ok {
		return zero
	}
	t, ok := out.Data.(T)
	if !ok {
		return zero
	}
	return t
}

func narrativeContext(v pipeline.View) string {
	var b strings.Builder
	for _, s := range OrderSections(v.Sections(), nil) {
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.Name, s.Body)
	}
	return b.String()
}

// OrderSections lists non-blank sections in reading order: the executive
// summary, then the names in preferred, then the rest alphabetically.
func OrderSections(sections map[string]string, preferred []string) []Section {
	seen := make(map[string]bool)
	var out []Section
	add := func(name string) {
		if seen[name] {
			return
		}
		body := strings.TrimSpace(sections[name])
		if body == "" {
			return
		}
		seen[name] = true
		out = append(out, Section{Name: name, Body: body})
	}
	add(SectionExecutiveSummary)
	for _, name := range preferred {
		add(name)
	}
	rest := make([]string, 0, len(sections))
	for name := range sections {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return out
}

func sectionKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Join(strings.FieldsFunc(k, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func formatFindings(fs []pipeline.Finding) string {
	if len(fs) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, f := range fs {
		fmt.Fprintf(&b, "- %s", strings.TrimSpace(f.Text))
		if len(f.Sources) > 0 {
			fmt.Fprintf(&b, " (sources: %s)", strings.Join(f.Sources, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func joinFindings(fs []pipeline.Finding) string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		if t := strings.TrimSpace(f.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

func formatFlags(flags []pipeline.RiskFlag) string {
	var b strings.Builder
	for _, f := range flags {
		state := ""
		if f.Code == pipeline.Contradiction && !f.Resolved {
			state = " (unresolved)"
		}
		if f.Severity != "" {
			fmt.Fprintf(&b, "- [%s/%s] %s%s\n", f.Code, f.Severity, f.Detail, state)
		} else {
			fmt.Fprintf(&b, "- [%s] %s%s\n", f.Code, f.Detail, state)
		}
	}
	return b.String()
}
