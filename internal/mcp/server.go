// Package mcp exposes dossier runs as Model Context Protocol tools: start a
// run, follow its progress, fetch the document or failure report, cancel it.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"dossier/internal/config"
	"dossier/internal/dossier"
	"dossier/internal/logging"
)

// DefaultResultTimeout bounds how long get_result waits when the caller
// gives no timeout.
var DefaultResultTimeout = 30 * time.Second

// Server wraps the MCP SDK server around a dossier engine.
type Server struct {
	MCPServer *sdkmcp.Server

	engine  *dossier.Engine
	events  *EventLog
	resolve func(string) (config.Domain, error)
	log     *slog.Logger

	// Runs outlive the tool call that started them; they are cancelled
	// together on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithResolver replaces config.Resolve for mapping a domain argument to a bundle.
func WithResolver(fn func(string) (config.Domain, error)) Option {
	return func(s *Server) { s.resolve = fn }
}

// NewServer registers the dossier tools. events may be nil, in which case
// get_events reports nothing; pass the same log the orchestrator observes.
func NewServer(engine *dossier.Engine, events *EventLog, version string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  engine,
		events:  events,
		resolve: config.Resolve,
		log:     logging.New("mcp"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = NewEventLog(0)
	}
	if version == "" {
		version = "dev"
	}
	s.MCPServer = sdkmcp.NewServer(&sdkmcp.Implementation{Name: "dossier", Version: version}, nil)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "start_run",
		Description: "Start a dossier run for a subject. Returns immediately with the run id; poll run_status or call get_result.",
	}, s.handleStartRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_status",
		Description: "Current status, attempt and stage of a run.",
	}, s.handleRunStatus)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_result",
		Description: "Wait for a run to finish and return the dossier, or the failure report when it was not delivered.",
	}, s.handleGetResult)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "cancel_run",
		Description: "Abort a running run. The run finishes FATAL.",
	}, s.handleCancelRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_events",
		Description: "Read a run's pipeline events, or events since a given index.",
	}, s.handleGetEvents)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_runs",
		Description: "List runs started by this server, most recent first.",
	}, s.handleListRuns)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "list_stages",
		Description: "List the stage sequence of a domain bundle with dependencies and limits.",
	}, s.handleListStages)
}

// --- Tool input/output types ---

type startRunInput struct {
	Subject string `json:"subject" jsonschema:"the subject to research, e.g. a company, person or fixture"`
	Domain  string `json:"domain,omitempty" jsonschema:"built-in domain name or path to a bundle file (default general)"`
}

type startRunOutput struct {
	RunID  string `json:"run_id"`
	Domain string `json:"domain"`
	Status string `json:"status"`
}

type runInput struct {
	RunID string `json:"run_id" jsonschema:"run id from start_run"`
}

type runStatusOutput struct {
	RunID   string `json:"run_id"`
	Subject string `json:"subject"`
	Domain  string `json:"domain"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
	Stage   string `json:"stage,omitempty"`
	Done    bool   `json:"done"`
	Elapsed string `json:"elapsed"`
}

type getResultInput struct {
	RunID     string `json:"run_id" jsonschema:"run id from start_run"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"max wait in milliseconds (0 = server default)"`
	Format    string `json:"format,omitempty" jsonschema:"markdown (default) or json"`
}

type getResultOutput struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Done     bool   `json:"done"`
	Document string `json:"document,omitempty"`
	Failure  string `json:"failure,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

type cancelRunOutput struct {
	OK     string `json:"ok"`
	Status string `json:"status"`
}

type getEventsInput struct {
	RunID string `json:"run_id" jsonschema:"run id from start_run"`
	Since int    `json:"since,omitempty" jsonschema:"return events from this index onward (0-based)"`
}

type getEventsOutput struct {
	Events []Signal `json:"events,omitempty"`
	Total  int      `json:"total"`
}

type listRunsInput struct{}

type runSummary struct {
	RunID   string `json:"run_id"`
	Subject string `json:"subject"`
	Domain  string `json:"domain"`
	Status  string `json:"status"`
	Started string `json:"started"`
}

type listRunsOutput struct {
	Runs []runSummary `json:"runs,omitempty"`
}

type listStagesInput struct {
	Domain string `json:"domain,omitempty" jsonschema:"built-in domain name or path to a bundle file (default general)"`
}

type stageInfo struct {
	Ordinal     int      `json:"ordinal"`
	ID          string   `json:"id"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Description string   `json:"description"`
	Timeout     string   `json:"timeout"`
	OnFailure   string   `json:"on_failure"`
}

type listStagesOutput struct {
	Domain string      `json:"domain"`
	Stages []stageInfo `json:"stages"`
}

// --- Tool handlers ---

func (s *Server) handleStartRun(_ context.Context, _ *sdkmcp.CallToolRequest, input startRunInput) (*sdkmcp.CallToolResult, startRunOutput, error) {
	d, err := s.resolve(input.Domain)
	if err != nil {
		return nil, startRunOutput{}, err
	}
	h, err := s.engine.StartRun(s.ctx, input.Subject, d)
	if err != nil {
		return nil, startRunOutput{}, fmt.Errorf("start_run: %w", err)
	}
	s.log.Info("run started over mcp", "run", h.ID(), "domain", d.Name)
	return nil, startRunOutput{RunID: h.ID(), Domain: d.Name, Status: string(h.Status())}, nil
}

func (s *Server) handleRunStatus(_ context.Context, _ *sdkmcp.CallToolRequest, input runInput) (*sdkmcp.CallToolResult, runStatusOutput, error) {
	run, err := s.lookup(input.RunID)
	if err != nil {
		return nil, runStatusOutput{}, err
	}
	p := run.Handle.Progress()
	out := runStatusOutput{
		RunID:   input.RunID,
		Subject: run.Handle.Subject().ID,
		Domain:  run.Domain,
		Status:  string(p.Status),
		Attempt: p.Attempt,
		Stage:   string(p.Stage),
	}
	if o, done := run.Handle.Outcome(); done {
		out.Done = true
		out.Elapsed = o.Elapsed().Round(time.Millisecond).String()
	} else {
		out.Elapsed = time.Since(run.Started).Round(time.Millisecond).String()
	}
	return nil, out, nil
}

func (s *Server) handleGetResult(ctx context.Context, _ *sdkmcp.CallToolRequest, input getResultInput) (*sdkmcp.CallToolResult, getResultOutput, error) {
	run, err := s.lookup(input.RunID)
	if err != nil {
		return nil, getResultOutput{}, err
	}
	if input.Format != "" && input.Format != "markdown" && input.Format != "json" {
		return nil, getResultOutput{}, fmt.Errorf("unknown format %q (want markdown or json)", input.Format)
	}

	timeout := DefaultResultTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	o, err := run.Wait(wctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, getResultOutput{}, ctx.Err()
		}
		return nil, getResultOutput{RunID: input.RunID, Status: string(run.Handle.Status())}, nil
	}

	out := getResultOutput{RunID: input.RunID, Status: string(o.Status), Done: true}
	if !o.Delivered() {
		out.Failure = dossier.RenderFailure(o)
		if o.Failure != nil {
			out.Kind = string(o.Failure.Kind)
		}
		return nil, out, nil
	}
	doc, err := dossier.Assemble(o)
	if err != nil {
		return nil, getResultOutput{}, fmt.Errorf("get_result: %w", err)
	}
	if input.Format == "json" {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, getResultOutput{}, err
		}
		out.Document = string(b)
	} else {
		out.Document = dossier.RenderMarkdown(doc)
	}
	return nil, out, nil
}

func (s *Server) handleCancelRun(_ context.Context, _ *sdkmcp.CallToolRequest, input runInput) (*sdkmcp.CallToolResult, cancelRunOutput, error) {
	run, err := s.lookup(input.RunID)
	if err != nil {
		return nil, cancelRunOutput{}, err
	}
	if _, done := run.Handle.Outcome(); done {
		return nil, cancelRunOutput{OK: "run already finished", Status: string(run.Handle.Status())}, nil
	}
	run.Handle.Cancel()
	s.log.Info("run cancelled over mcp", "run", input.RunID)
	return nil, cancelRunOutput{OK: "cancel requested", Status: string(run.Handle.Status())}, nil
}

func (s *Server) handleGetEvents(_ context.Context, _ *sdkmcp.CallToolRequest, input getEventsInput) (*sdkmcp.CallToolResult, getEventsOutput, error) {
	if _, err := s.lookup(input.RunID); err != nil {
		return nil, getEventsOutput{}, err
	}
	events, total := s.events.Since(input.RunID, input.Since)
	return nil, getEventsOutput{Events: events, Total: total}, nil
}

func (s *Server) handleListRuns(_ context.Context, _ *sdkmcp.CallToolRequest, _ listRunsInput) (*sdkmcp.CallToolResult, listRunsOutput, error) {
	var out listRunsOutput
	for _, r := range s.engine.Runs() {
		out.Runs = append(out.Runs, runSummary{
			RunID:   r.Handle.ID(),
			Subject: r.Handle.Subject().ID,
			Domain:  r.Domain,
			Status:  string(r.Handle.Status()),
			Started: r.Started.UTC().Format(time.RFC3339),
		})
	}
	return nil, out, nil
}

func (s *Server) handleListStages(_ context.Context, _ *sdkmcp.CallToolRequest, input listStagesInput) (*sdkmcp.CallToolResult, listStagesOutput, error) {
	d, err := s.resolve(input.Domain)
	if err != nil {
		return nil, listStagesOutput{}, err
	}
	plan, err := s.engine.Plan(d.WithDefaults())
	if err != nil {
		return nil, listStagesOutput{}, err
	}
	out := listStagesOutput{Domain: d.Name}
	for _, sd := range plan.Sequence.Stages() {
		info := stageInfo{
			Ordinal:     sd.Ordinal,
			ID:          string(sd.ID),
			Description: sd.Description,
			Timeout:     sd.Timeout.String(),
			OnFailure:   string(sd.OnFailure),
		}
		for _, dep := range sd.DependsOn {
			info.DependsOn = append(info.DependsOn, string(dep))
		}
		out.Stages = append(out.Stages, info)
	}
	return nil, out, nil
}

// Shutdown cancels every run started over MCP. Safe to call more than once.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		s.cancel()
		for _, r := range s.engine.Runs() {
			<-r.Settled()
		}
	})
}

var errUnknownRun = errors.New("unknown run_id (call start_run first)")

func (s *Server) lookup(id string) (*dossier.Run, error) {
	if id == "" {
		return nil, errors.New("run_id is required")
	}
	run, ok := s.engine.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownRun, id)
	}
	return run, nil
}
