package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"dossier/pkg/pipeline"
)

// Domain is the configuration bundle for one deployment domain: personas,
// per-stage instructions, acceptance policy, re-entry policy and budgets.
// A Domain is a value; StartRun receives its own copy.
type Domain struct {
	Name           string `yaml:"name" toml:"name" json:"name"`
	Description    string `yaml:"description" toml:"description" json:"description"`
	Engine         string `yaml:"engine" toml:"engine" json:"engine"`
	SubjectPattern string `yaml:"subject_pattern" toml:"subject_pattern" json:"subject_pattern"`
	SubjectNoun    string `yaml:"subject_noun" toml:"subject_noun" json:"subject_noun"`

	Analyst    Persona `yaml:"analyst" toml:"analyst" json:"analyst"`
	Researcher Persona `yaml:"researcher" toml:"researcher" json:"researcher"`

	Defaults StageConfig            `yaml:"defaults" toml:"defaults" json:"defaults"`
	Stages   map[string]StageConfig `yaml:"stages" toml:"stages" json:"stages"`

	Research   Research   `yaml:"research" toml:"research" json:"research"`
	Acceptance Acceptance `yaml:"acceptance" toml:"acceptance" json:"acceptance"`
	Reentry    Reentry    `yaml:"reentry" toml:"reentry" json:"reentry"`
	Budget     Budget     `yaml:"budget" toml:"budget" json:"budget"`
}

// Persona is the model and voice used for one family of calls. An empty
// Model leaves the client's default in place.
type Persona struct {
	Model   string `yaml:"model" toml:"model" json:"model"`
	Persona string `yaml:"persona" toml:"persona" json:"persona"`
}

// StageConfig overrides limits and instruction text for a stage.
type StageConfig struct {
	Instruction  string   `yaml:"instruction" toml:"instruction" json:"instruction,omitempty"`
	Timeout      Duration `yaml:"timeout" toml:"timeout" json:"timeout,omitempty"`
	CallTimeout  Duration `yaml:"call_timeout" toml:"call_timeout" json:"call_timeout,omitempty"`
	OnFailure    string   `yaml:"on_failure" toml:"on_failure" json:"on_failure,omitempty"`
	StageRetries int      `yaml:"stage_retries" toml:"stage_retries" json:"stage_retries,omitempty"`
	Retry        *Retry   `yaml:"retry" toml:"retry" json:"retry,omitempty"`
}

// Retry mirrors pipeline.RetryPolicy with config-friendly durations.
type Retry struct {
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay" toml:"initial_delay" json:"initial_delay"`
	Multiplier   float64  `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	Jitter       *bool    `yaml:"jitter" toml:"jitter" json:"jitter,omitempty"`
}

// Policy converts to the pipeline representation.
func (r Retry) Policy() pipeline.RetryPolicy {
	p := pipeline.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay.Std(),
		Jitter:       true,
	}
	if r.Jitter != nil {
		p.Jitter = *r.Jitter
	}
	return p
}

// Research bounds the fan-out stage. RequestsPerSecond paces every research
// call of a run; zero leaves only the client's own limit.
type Research struct {
	MaxQueries        int     `yaml:"max_queries" toml:"max_queries" json:"max_queries"`
	MaxConcurrency    int     `yaml:"max_concurrency" toml:"max_concurrency" json:"max_concurrency"`
	MinSuccess        int     `yaml:"min_success" toml:"min_success" json:"min_success"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`
}

// Acceptance is the gate policy.
type Acceptance struct {
	MinEvidence         int      `yaml:"min_evidence" toml:"min_evidence" json:"min_evidence"`
	RequiredSections    []string `yaml:"required_sections" toml:"required_sections" json:"required_sections"`
	AllowContradictions bool     `yaml:"allow_contradictions" toml:"allow_contradictions" json:"allow_contradictions"`
	RequireAllStages    *bool    `yaml:"require_all_stages" toml:"require_all_stages" json:"require_all_stages,omitempty"`
	Rules               []Rule   `yaml:"rules" toml:"rules" json:"rules"`
}

// Rule is an expression predicate evaluated against the accumulated state.
type Rule struct {
	Name       string   `yaml:"name" toml:"name" json:"name"`
	Expr       string   `yaml:"expr" toml:"expr" json:"expr"`
	Detail     string   `yaml:"detail" toml:"detail" json:"detail"`
	Implicates []string `yaml:"implicates" toml:"implicates" json:"implicates"`
}

// Reentry maps predicates to the stage a new attempt starts from.
type Reentry struct {
	Fallback    string            `yaml:"fallback" toml:"fallback" json:"fallback"`
	ByPredicate map[string]string `yaml:"by_predicate" toml:"by_predicate" json:"by_predicate"`
}

// Budget bounds a run.
type Budget struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	WallClock   Duration `yaml:"wall_clock" toml:"wall_clock" json:"wall_clock"`
}

// Default values applied by WithDefaults.
const (
	DefaultEngine         = "dossier"
	DefaultMaxQueries     = 5
	DefaultMaxConcurrency = 3
	DefaultMinSuccess     = 1
	DefaultMinEvidence    = 3
	DefaultMaxAttempts    = 3
	DefaultWallClock      = 15 * time.Minute
	DefaultStageTimeout   = 3 * time.Minute
)

// WithDefaults returns a copy with every unset knob filled in.
func (d Domain) WithDefaults() Domain {
	if d.Engine == "" {
		d.Engine = DefaultEngine
	}
	if d.SubjectNoun == "" {
		d.SubjectNoun = "subject"
	}
	if d.Defaults.Timeout == 0 {
		d.Defaults.Timeout = Duration(DefaultStageTimeout)
	}
	if d.Defaults.OnFailure == "" {
		d.Defaults.OnFailure = string(pipeline.FailDefer)
	}
	if d.Defaults.Retry == nil {
		def := pipeline.DefaultRetryPolicy()
		d.Defaults.Retry = &Retry{
			MaxAttempts:  def.MaxAttempts,
			InitialDelay: Duration(def.InitialDelay),
			Multiplier:   def.Multiplier,
			MaxDelay:     Duration(def.MaxDelay),
		}
	}
	if d.Research.MaxQueries == 0 {
		d.Research.MaxQueries = DefaultMaxQueries
	}
	if d.Research.MaxConcurrency == 0 {
		d.Research.MaxConcurrency = DefaultMaxConcurrency
	}
	if d.Research.MinSuccess == 0 {
		d.Research.MinSuccess = DefaultMinSuccess
	}
	if d.Acceptance.MinEvidence == 0 {
		d.Acceptance.MinEvidence = DefaultMinEvidence
	}
	if d.Budget.MaxAttempts == 0 {
		d.Budget.MaxAttempts = DefaultMaxAttempts
	}
	if d.Budget.WallClock == 0 {
		d.Budget.WallClock = Duration(DefaultWallClock)
	}

	stages := make(map[string]StageConfig, len(d.Stages))
	for k, v := range d.Stages {
		stages[k] = v
	}
	d.Stages = stages
	return d
}

// Stage returns the effective settings for a stage: its own entry layered
// over Defaults.
func (d Domain) Stage(id string) StageConfig {
	eff := d.Defaults
	s, ok := d.Stages[id]
	if !ok {
		return eff
	}
	if s.Instruction != "" {
		eff.Instruction = s.Instruction
	}
	if s.Timeout != 0 {
		eff.Timeout = s.Timeout
	}
	if s.CallTimeout != 0 {
		eff.CallTimeout = s.CallTimeout
	}
	if s.OnFailure != "" {
		eff.OnFailure = s.OnFailure
	}
	if s.StageRetries != 0 {
		eff.StageRetries = s.StageRetries
	}
	if s.Retry != nil {
		eff.Retry = s.Retry
	}
	return eff
}

// RequireAll reports whether the gate checks that every stage produced output.
func (a Acceptance) RequireAll() bool {
	return a.RequireAllStages == nil || *a.RequireAllStages
}

// Validate reports every problem in the bundle. known lists the stage ids
// that references may point to; empty skips reference checks.
func (d Domain) Validate(known ...string) error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.SubjectPattern != "" {
		if _, err := regexp.Compile(d.SubjectPattern); err != nil {
			errs = append(errs, fmt.Errorf("subject_pattern: %w", err))
		}
	}
	if d.Budget.MaxAttempts < 0 {
		errs = append(errs, errors.New("budget.max_attempts must not be negative"))
	}
	if d.Research.MinSuccess > d.Research.MaxQueries && d.Research.MaxQueries > 0 {
		errs = append(errs, fmt.Errorf("research.min_success %d exceeds max_queries %d", d.Research.MinSuccess, d.Research.MaxQueries))
	}
	if d.Research.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("research.requests_per_second must not be negative"))
	}
	if d.Acceptance.MinEvidence < 0 {
		errs = append(errs, errors.New("acceptance.min_evidence must not be negative"))
	}
	checkPolicy := func(where, p string) {
		switch pipeline.FailurePolicy(p) {
		case "", pipeline.FailDefer, pipeline.FailRetry:
		default:
			errs = append(errs, fmt.Errorf("%s.on_failure: unknown policy %q", where, p))
		}
	}
	checkPolicy("defaults", d.Defaults.OnFailure)

	names := make(map[string]bool)
	for i, r := range d.Acceptance.Rules {
		if r.Name == "" || r.Expr == "" {
			errs = append(errs, fmt.Errorf("acceptance.rules[%d]: name and expr are required", i))
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("acceptance.rules[%d]: duplicate name %q", i, r.Name))
		}
		names[r.Name] = true
	}

	if len(known) > 0 {
		set := make(map[string]bool, len(known))
		for _, k := range known {
			set[k] = true
		}
		ref := func(where, id string) {
			if id != "" && !set[id] {
				errs = append(errs, fmt.Errorf("%s: unknown stage %q", where, id))
			}
		}
		for _, id := range sortedKeys(d.Stages) {
			ref("stages", id)
			checkPolicy("stages."+id, d.Stages[id].OnFailure)
		}
		ref("reentry.fallback", d.Reentry.Fallback)
		for _, pred := range sortedKeys(d.Reentry.ByPredicate) {
			ref("reentry.by_predicate."+pred, d.Reentry.ByPredicate[pred])
		}
		for _, r := range d.Acceptance.Rules {
			for _, id := range r.Implicates {
				ref("acceptance.rules."+r.Name+".implicates", id)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: domain %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
