package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"reqgenie/pkg/agents"
	"reqgenie/pkg/invoke"
	"reqgenie/pkg/llm"
	"reqgenie/pkg/llmerrors"
	"reqgenie/pkg/proto"
)

// routingClient serves canned responses keyed by a substring of the system
// prompt. Fan-out agents run concurrently, so a scripted queue would assign
// responses nondeterministically.
type routingClient struct {
	mu        sync.Mutex
	responses map[string]string
	errors    map[string]error
	calls     map[string]int
}

func newRoutingClient() *routingClient {
	return &routingClient{
		responses: make(map[string]string),
		errors:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (c *routingClient) on(key, response string) { c.responses[key] = response }

func (c *routingClient) failWith(key string, err error) { c.errors[key] = err }

func (c *routingClient) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func (c *routingClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	system := ""
	for i := range req.Messages {
		if req.Messages[i].Role == llm.RoleSystem {
			system = req.Messages[i].Content
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, err := range c.errors {
		if strings.Contains(system, key) {
			c.calls[key]++
			return llm.CompletionResponse{}, err
		}
	}
	for key, resp := range c.responses {
		if strings.Contains(system, key) {
			c.calls[key]++
			return llm.CompletionResponse{Content: resp}, nil
		}
	}
	c.calls["unmatched"]++
	return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "no canned response for prompt")
}

func (c *routingClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Content: resp.Content}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (c *routingClient) GetModelName() string { return "routing-mock" }

// Routing keys, one distinctive phrase per agent prompt.
const (
	keyElaborator    = "requirement analysis expert"
	keyNFRElaborator = "non-functional requirements analyst"
	keyValidator     = "senior technical reviewer. Review"
	keyNFRValidator  = "reviewer focused on non-functional"
	keyFinalizer     = "business analyst"
	keyUseCase       = "extracts use cases"
	keyTestGen       = "QA expert"
	keyCodeGen       = "full-stack developer"
	keyReviewer      = "specializing in code review"
	keyTickets       = "tracker integration specialist"
	keyDiagram       = "cloud architecture expert"
	keyJudge         = "judge whether an input"
)

func happyClient() *routingClient {
	c := newRoutingClient()
	c.on(keyElaborator, "## Requirements\nDetailed.\n## Assumptions\nSome.\n## Edge Cases\nMany.")
	c.on(keyNFRElaborator, "Performance: p95 under 200ms.")
	c.on(keyValidator, `{"score": "pass", "feedback": "complete", "improvement_areas": []}`)
	c.on(keyNFRValidator, `{"score": "pass", "feedback": "nfr ok", "improvement_areas": []}`)
	c.on(keyFinalizer, "Final specification for the login system with acceptance criteria.")
	c.on(keyUseCase, `{"cases": [{"id": "UC-001", "title": "Log in", "primary_actor": "User", "description": "A registered user signs in.", "main_flow": ["open login page", "submit credentials"]}]}`)
	c.on(keyTestGen, `{"cases": [{"id": "TC-001", "description": "login happy path", "steps": ["open page"], "expected": "logged in", "type": "Functional", "priority": "High"}]}`)
	c.on(keyCodeGen, "def login(): pass")
	c.on(keyReviewer, `{"summary": "solid", "findings": [], "recommendations": ["add rate limiting"]}`)
	c.on(keyTickets, `{"epic": {"type": "epic", "summary": "Login System", "description": "..."}, "stories": [], "tasks": [], "tests": []}`)
	c.on(keyDiagram, `{"imports": ["from diagrams.gcp.compute import Functions"], "nodes": [{"name": "api", "type": "Functions", "label": "API"}], "clusters": [], "connections": []}`)
	c.on(keyJudge, `{"is_valid": true, "reasoning": "plausible requirement"}`)
	return c
}

func newProcessor(c *routingClient, guards GuardrailConfig, tickets TicketSubmitter) *Processor {
	return New(invoke.NewInvoker(c, nil), guards, tickets, nil)
}

func loginRequirement() proto.Requirement {
	return proto.Requirement{
		Text:    "Build a login system with email and password",
		AppType: "Web Application",
	}
}

func TestProcess_SpineOrderAndAggregation(t *testing.T) {
	p := newProcessor(happyClient(), GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting, proto.StageDiagramming},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != proto.StatusAggregated {
		t.Fatalf("expected AGGREGATED, got %s (%s)", run.Status, run.AbortReason)
	}
	if !run.Terminal() {
		t.Errorf("run must be terminal")
	}

	// The spine is strictly ordered; fan-out results follow it.
	want := []proto.Stage{proto.StageElaborating, proto.StageValidating, proto.StageFinalizing}
	if len(run.Order) < 3 {
		t.Fatalf("expected at least 3 stages, got %v", run.Order)
	}
	for i, st := range want {
		if run.Order[i] != st {
			t.Errorf("order[%d] = %s, want %s", i, run.Order[i], st)
		}
	}

	for _, st := range []proto.Stage{proto.StageTesting, proto.StageDiagramming} {
		res, ok := run.Result(st)
		if !ok || !res.Succeeded() {
			t.Errorf("stage %s should have succeeded: %+v", st, res)
		}
	}

	// Unrequested stages are absent, not failed.
	for _, st := range []proto.Stage{proto.StageCoding, proto.StageTicketing, proto.StageReviewing} {
		if _, ok := run.Result(st); ok {
			t.Errorf("unrequested stage %s must be absent from the run", st)
		}
	}

	if run.Final == nil || run.Final.Document == "" {
		t.Errorf("final specification must be assembled")
	}
	if run.FinishedAt.IsZero() {
		t.Errorf("finished timestamp must be set")
	}
}

func TestProcess_FanoutIsolation(t *testing.T) {
	c := happyClient()
	c.failWith(keyTickets, llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "tracker agent down"))
	p := newProcessor(c, GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting, proto.StageCoding, proto.StageTicketing, proto.StageDiagramming},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != proto.StatusAggregated {
		t.Fatalf("one failed fan-out stage must not abort the run, got %s", run.Status)
	}

	ticketing, _ := run.Result(proto.StageTicketing)
	if ticketing == nil || ticketing.Status != proto.StageFailed {
		t.Errorf("ticketing should be failed: %+v", ticketing)
	}
	if ticketing.Err == "" {
		t.Errorf("failed stage must record a reason")
	}

	for _, st := range []proto.Stage{proto.StageTesting, proto.StageCoding, proto.StageDiagramming} {
		res, _ := run.Result(st)
		if res == nil || !res.Succeeded() {
			t.Errorf("sibling stage %s must be unaffected: %+v", st, res)
		}
	}
}

func TestProcess_GuardrailTripwireAborts(t *testing.T) {
	c := happyClient()
	c.on(keyJudge, `{"is_valid": false, "reasoning": "not a software requirement"}`)
	p := newProcessor(c, GuardrailConfig{MinWords: 3, JudgeInput: true}, nil)

	run, err := p.Process(context.Background(), proto.Requirement{
		Text: "how is the weather in rome today",
	}, Options{
		Fanout: []proto.Stage{proto.StageTesting, proto.StageCoding},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != proto.StatusAborted {
		t.Fatalf("tripwire must abort the run, got %s", run.Status)
	}
	if !strings.Contains(run.AbortReason, "not a software requirement") {
		t.Errorf("abort reason should carry the verdict reasoning, got %q", run.AbortReason)
	}

	elab, _ := run.Result(proto.StageElaborating)
	if elab == nil || elab.Verdict == nil || !elab.Verdict.TripwireTriggered {
		t.Errorf("tripping verdict must be recorded on the stage: %+v", elab)
	}

	// No fan-out stage may be dispatched after an abort.
	if c.callCount(keyTestGen) != 0 || c.callCount(keyCodeGen) != 0 {
		t.Errorf("fan-out agents must not be invoked after an abort")
	}
	if c.callCount(keyElaborator) != 0 {
		t.Errorf("elaborator must not be invoked after an input tripwire")
	}
	if _, ok := run.Result(proto.StageTesting); ok {
		t.Errorf("no fan-out result may be recorded on an aborted run")
	}
}

func TestProcess_SpineUnavailableAborts(t *testing.T) {
	c := happyClient()
	c.failWith(keyFinalizer, llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "provider down"))
	p := newProcessor(c, GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != proto.StatusAborted {
		t.Fatalf("spine failure must abort, got %s", run.Status)
	}
	if c.callCount(keyTestGen) != 0 {
		t.Errorf("fan-out must not run after a spine failure")
	}
	if c.callCount(keyFinalizer) != 1 {
		t.Errorf("unavailability must not be retried, got %d calls", c.callCount(keyFinalizer))
	}
}

func TestProcess_FinalizerOutputGuardAbortsBeforeFanout(t *testing.T) {
	c := happyClient()
	c.on(keyFinalizer, "too short")
	p := newProcessor(c, GuardrailConfig{MinWords: 3}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting, proto.StageCoding},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != proto.StatusAborted {
		t.Fatalf("finalizer output tripwire must abort the run, got %s", run.Status)
	}
	final, _ := run.Result(proto.StageFinalizing)
	if final == nil || final.Status != proto.StageFailed {
		t.Fatalf("finalizing must be recorded as failed: %+v", final)
	}
	if final.Verdict == nil || !final.Verdict.TripwireTriggered {
		t.Errorf("tripping verdict must be recorded on the stage: %+v", final.Verdict)
	}

	if c.callCount(keyTestGen) != 0 || c.callCount(keyCodeGen) != 0 {
		t.Errorf("fan-out agents must not be invoked after a finalizing abort")
	}
	for _, st := range []proto.Stage{proto.StageTesting, proto.StageCoding} {
		if _, ok := run.Result(st); ok {
			t.Errorf("no %s result may be recorded on an aborted run", st)
		}
	}
}

func TestProcess_FinalizingCarriesUseCases(t *testing.T) {
	c := happyClient()
	p := newProcessor(c, GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != proto.StatusAggregated {
		t.Fatalf("expected AGGREGATED, got %s (%s)", run.Status, run.AbortReason)
	}
	if c.callCount(keyUseCase) != 1 {
		t.Errorf("use-case sub-agent should run once, got %d", c.callCount(keyUseCase))
	}

	final, _ := run.Result(proto.StageFinalizing)
	var doc agents.FinalDocument
	if err := json.Unmarshal(final.Payload, &doc); err != nil {
		t.Fatalf("finalizing payload should decode: %v", err)
	}
	if !strings.Contains(doc.Document, "Final specification") {
		t.Errorf("payload should carry the finalizer document, got %q", doc.Document)
	}
	if len(doc.UseCases) != 1 || doc.UseCases[0].ID != "UC-001" {
		t.Errorf("payload should carry the derived use cases, got %+v", doc.UseCases)
	}
	if run.Final.Document != final.Raw {
		t.Errorf("final specification must stay the plain document text")
	}
}

func TestProcess_NFRRunsParallelSubAgents(t *testing.T) {
	c := happyClient()
	p := newProcessor(c, GuardrailConfig{}, nil)

	req := loginRequirement()
	req.NFRContent = "p95 latency under 200ms; OWASP top ten mitigations"

	run, err := p.Process(context.Background(), req, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != proto.StatusAggregated {
		t.Fatalf("expected AGGREGATED, got %s (%s)", run.Status, run.AbortReason)
	}

	if c.callCount(keyNFRElaborator) != 1 {
		t.Errorf("NFR elaboration sub-agent should run once, got %d", c.callCount(keyNFRElaborator))
	}
	if c.callCount(keyNFRValidator) != 1 {
		t.Errorf("NFR validation sub-agent should run once, got %d", c.callCount(keyNFRValidator))
	}

	elab, _ := run.Result(proto.StageElaborating)
	if !strings.Contains(elab.Text(), "p95 under 200ms") {
		t.Errorf("NFR analysis should be merged into the elaboration: %q", elab.Text())
	}
	if run.Final.NFRAnalysis == "" {
		t.Errorf("final specification should carry the NFR analysis")
	}
}

func TestProcess_ReviewSkippedWithoutCoding(t *testing.T) {
	p := newProcessor(happyClient(), GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting},
		Review: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	review, ok := run.Result(proto.StageReviewing)
	if !ok {
		t.Fatalf("requested review must be recorded")
	}
	if review.Status != proto.StageSkipped {
		t.Errorf("review without coding must be skipped, got %s", review.Status)
	}
}

func TestProcess_ReviewRunsAfterCoding(t *testing.T) {
	c := happyClient()
	p := newProcessor(c, GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageCoding},
		Review: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	review, _ := run.Result(proto.StageReviewing)
	if review == nil || !review.Succeeded() {
		t.Errorf("review should run and succeed after coding: %+v", review)
	}
	if c.callCount(keyReviewer) != 1 {
		t.Errorf("reviewer should be invoked once, got %d", c.callCount(keyReviewer))
	}
}

func TestProcess_ReviewSkippedAfterCodingFailure(t *testing.T) {
	c := happyClient()
	c.failWith(keyCodeGen, llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "coder down"))
	p := newProcessor(c, GuardrailConfig{}, nil)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageCoding},
		Review: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	review, _ := run.Result(proto.StageReviewing)
	if review == nil || review.Status != proto.StageSkipped {
		t.Errorf("review after failed coding must be skipped: %+v", review)
	}
	if c.callCount(keyReviewer) != 0 {
		t.Errorf("reviewer must not be invoked without code")
	}
}

type fakeSubmitter struct {
	err   error
	plans []*agents.TicketPlan
}

func (f *fakeSubmitter) SubmitPlan(_ context.Context, plan *agents.TicketPlan) (string, error) {
	f.plans = append(f.plans, plan)
	if f.err != nil {
		return "", f.err
	}
	return "created epic REQ-1", nil
}

func TestProcess_TicketSubmission(t *testing.T) {
	sub := &fakeSubmitter{}
	p := newProcessor(happyClient(), GuardrailConfig{}, sub)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTicketing},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ticketing, _ := run.Result(proto.StageTicketing)
	if ticketing == nil || !ticketing.Succeeded() {
		t.Fatalf("ticketing should succeed: %+v", ticketing)
	}
	if len(sub.plans) != 1 || sub.plans[0].Epic.Summary != "Login System" {
		t.Errorf("plan should reach the submitter: %+v", sub.plans)
	}
	if ticketing.Raw != "created epic REQ-1" {
		t.Errorf("submission summary should be recorded, got %q", ticketing.Raw)
	}
}

func TestProcess_TicketSubmissionFailureIsolated(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("tracker returned 503")}
	p := newProcessor(happyClient(), GuardrailConfig{}, sub)

	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTicketing, proto.StageTesting},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != proto.StatusAggregated {
		t.Fatalf("submission failure must not abort the run")
	}

	ticketing, _ := run.Result(proto.StageTicketing)
	if ticketing == nil || ticketing.Status != proto.StageFailed {
		t.Errorf("ticketing should be failed after submission error: %+v", ticketing)
	}
	testing_, _ := run.Result(proto.StageTesting)
	if testing_ == nil || !testing_.Succeeded() {
		t.Errorf("sibling stage must be unaffected: %+v", testing_)
	}
}

func TestProcess_EventsStreamInOrder(t *testing.T) {
	p := newProcessor(happyClient(), GuardrailConfig{}, nil)

	events := make(chan proto.RunEvent, 256)
	run, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageTesting},
		Events: events,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(events)

	var lifecycle []proto.RunEvent
	for ev := range events {
		if ev.Type == proto.EventPartialOutput {
			continue
		}
		lifecycle = append(lifecycle, ev)
		if ev.RunID != run.ID {
			t.Errorf("event carries wrong run ID: %+v", ev)
		}
	}

	// Spine lifecycle events arrive strictly in spine order.
	wantPrefix := []struct {
		typ   proto.EventType
		stage proto.Stage
	}{
		{proto.EventStageStarted, proto.StageElaborating},
		{proto.EventStageCompleted, proto.StageElaborating},
		{proto.EventStageStarted, proto.StageValidating},
		{proto.EventStageCompleted, proto.StageValidating},
		{proto.EventStageStarted, proto.StageFinalizing},
		{proto.EventStageCompleted, proto.StageFinalizing},
	}
	if len(lifecycle) < len(wantPrefix)+1 {
		t.Fatalf("too few lifecycle events: %d", len(lifecycle))
	}
	for i, want := range wantPrefix {
		if lifecycle[i].Type != want.typ || lifecycle[i].Stage != want.stage {
			t.Errorf("event[%d] = %s/%s, want %s/%s", i, lifecycle[i].Type, lifecycle[i].Stage, want.typ, want.stage)
		}
	}
	last := lifecycle[len(lifecycle)-1]
	if last.Type != proto.EventRunFinished || last.RunStatus != proto.StatusAggregated {
		t.Errorf("last event must be run finished: %+v", last)
	}
}

func TestProcess_RejectsNonFanoutStage(t *testing.T) {
	p := newProcessor(happyClient(), GuardrailConfig{}, nil)
	_, err := p.Process(context.Background(), loginRequirement(), Options{
		Fanout: []proto.Stage{proto.StageValidating},
	})
	if err == nil {
		t.Fatalf("spine stages must be rejected as fan-out selections")
	}
}

func TestValidateTransition(t *testing.T) {
	valid := [][2]Phase{
		{PhaseInit, PhaseElaborating},
		{PhaseElaborating, PhaseValidating},
		{PhaseValidating, PhaseFinalizing},
		{PhaseFinalizing, PhaseFanout},
		{PhaseFanout, PhaseAggregated},
		{PhaseValidating, PhaseAborted},
	}
	for _, tr := range valid {
		if err := ValidateTransition(tr[0], tr[1]); err != nil {
			t.Errorf("transition %s -> %s should be valid: %v", tr[0], tr[1], err)
		}
	}

	invalid := [][2]Phase{
		{PhaseInit, PhaseFanout},
		{PhaseFanout, PhaseAborted},
		{PhaseAggregated, PhaseElaborating},
		{PhaseValidating, PhaseElaborating},
	}
	for _, tr := range invalid {
		if err := ValidateTransition(tr[0], tr[1]); err == nil {
			t.Errorf("transition %s -> %s should be rejected", tr[0], tr[1])
		}
	}

	if !PhaseAggregated.Terminal() || !PhaseAborted.Terminal() {
		t.Errorf("terminal phases misreported")
	}
	if PhaseFanout.Terminal() {
		t.Errorf("fan-out is not terminal")
	}
}
