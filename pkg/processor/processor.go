// Package processor orchestrates pipeline runs: the strictly ordered spine
// (elaborate, validate, finalize) followed by an independent fan-out of
// artifact generation stages.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"reqgenie/pkg/agents"
	"reqgenie/pkg/guardrail"
	"reqgenie/pkg/invoke"
	"reqgenie/pkg/logx"
	"reqgenie/pkg/proto"
	"reqgenie/pkg/stage"
)

// TicketSubmitter pushes a generated ticket plan to a tracker. Implemented
// by the ticket package; nil disables submission.
type TicketSubmitter interface {
	SubmitPlan(ctx context.Context, plan *agents.TicketPlan) (string, error)
}

// GuardrailConfig bounds the raw requirement and the final document.
// Zero values disable the corresponding guardrail.
type GuardrailConfig struct {
	// MinWords is the minimum word count for the raw requirement.
	MinWords int
	// MaxInputTokens bounds the raw requirement size.
	MaxInputTokens int
	// RequiredSections must appear in the elaborated requirements.
	RequiredSections []string
	// JudgeInput enables the agent-judged requirement format guardrail.
	JudgeInput bool
}

// DefaultGuardrails returns the stock guardrail bounds.
func DefaultGuardrails() GuardrailConfig {
	return GuardrailConfig{
		MinWords:         3,
		MaxInputTokens:   4000,
		RequiredSections: []string{"Requirements", "Assumptions", "Edge Cases"},
		JudgeInput:       true,
	}
}

// Options selects the work a single run performs.
type Options struct {
	// Fanout lists the requested artifact stages. Unlisted stages are not
	// run and not recorded.
	Fanout []proto.Stage
	// Review runs the code review stage after a successful Coding stage.
	Review bool
	// Events receives run progress events. Nil disables streaming. The
	// channel is not closed by the processor.
	Events chan<- proto.RunEvent
}

// Processor executes pipeline runs. Safe for concurrent use; each run keeps
// its own state.
type Processor struct {
	invoker *invoke.Invoker
	guards  GuardrailConfig
	tickets TicketSubmitter
	logger  *logx.Logger
}

// New creates a processor. tickets may be nil.
func New(invoker *invoke.Invoker, guards GuardrailConfig, tickets TicketSubmitter, logger *logx.Logger) *Processor {
	if logger == nil {
		logger = logx.NewLogger("processor")
	}
	return &Processor{invoker: invoker, guards: guards, tickets: tickets, logger: logger}
}

// Process runs the pipeline for one requirement. The returned run is always
// non-nil and terminal; aborts are recorded on the run, not returned as
// errors. The error is reserved for invalid options.
func (p *Processor) Process(ctx context.Context, req proto.Requirement, opts Options) (*proto.PipelineRun, error) {
	for _, st := range opts.Fanout {
		if !st.IsFanout() {
			return nil, fmt.Errorf("stage %s is not a fan-out stage", st)
		}
	}

	run := proto.NewPipelineRun(req)
	logger := p.logger.WithID(run.ID)
	exec := stage.NewExecutor(p.invoker, run.ID, opts.Events, logger)
	settings := agents.Settings{
		AppType:  req.AppType,
		Language: req.Language,
		CloudEnv: req.CloudEnv,
	}

	logger.Info("run started")
	phase := PhaseInit

	abort := func(from Phase, err error) *proto.PipelineRun {
		if terr := ValidateTransition(from, PhaseAborted); terr != nil {
			logger.Error("illegal abort transition: %v", terr)
		}
		run.Status = proto.StatusAborted
		run.AbortReason = err.Error()
		run.FinishedAt = time.Now().UTC()
		logger.Warn("run aborted: %v", err)
		p.emit(opts, finishedEvent(run))
		return run
	}

	// Spine: each stage feeds the next, any failure aborts the run.
	type spineStep struct {
		phase Phase
		build func() (stage.Spec, string)
	}
	steps := []spineStep{
		{PhaseElaborating, func() (stage.Spec, string) { return p.elaboratingSpec(run, settings), elaborationInput(req) }},
		{PhaseValidating, func() (stage.Spec, string) { return p.validatingSpec(req, settings), validationInput(run, req) }},
		{PhaseFinalizing, func() (stage.Spec, string) { return p.finalizingSpec(settings), finalizationInput(run, req) }},
	}

	for _, step := range steps {
		if err := ValidateTransition(phase, step.phase); err != nil {
			return nil, err
		}
		phase = step.phase

		if ctx.Err() != nil {
			return abort(phase, fmt.Errorf("run canceled: %w", ctx.Err())), nil
		}

		spec, input := step.build()
		p.emit(opts, startedEvent(run.ID, spec.Stage))
		res, err := exec.Run(ctx, spec, input)
		run.Record(res)
		p.emit(opts, completedEvent(run.ID, res))
		if err != nil {
			return abort(phase, err), nil
		}
		logger.DebugDomain(spec.Stage.String(), "stage succeeded in %s", res.Finished.Sub(res.Started))
	}

	run.Final = p.assembleFinal(run, req)

	if err := ValidateTransition(phase, PhaseFanout); err != nil {
		return nil, err
	}
	phase = PhaseFanout

	p.runFanout(ctx, run, exec, settings, opts)

	if err := ValidateTransition(phase, PhaseAggregated); err != nil {
		return nil, err
	}
	run.Status = proto.StatusAggregated
	run.FinishedAt = time.Now().UTC()
	logger.Info("run aggregated with %d stages", len(run.Order))
	p.emit(opts, finishedEvent(run))
	return run, nil
}

// runFanout executes the requested artifact stages concurrently. Each stage
// records its own outcome; one failure never touches its siblings. Stages
// already started survive run cancellation.
func (p *Processor) runFanout(ctx context.Context, run *proto.PipelineRun, exec *stage.Executor, settings agents.Settings, opts Options) {
	requested := make(map[proto.Stage]bool, len(opts.Fanout))
	for _, st := range opts.Fanout {
		requested[st] = true
	}

	input := fanoutInput(run.Final)
	fanctx := context.WithoutCancel(ctx)

	results := make(map[proto.Stage]*proto.StageResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, st := range proto.FanoutStages() {
		if !requested[st] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(st proto.Stage) {
			defer wg.Done()
			p.emit(opts, startedEvent(run.ID, st))
			res, _ := exec.Run(fanctx, p.fanoutSpec(st, settings), input)
			if st == proto.StageTicketing && res.Succeeded() {
				p.submitTickets(fanctx, res)
			}
			mu.Lock()
			results[st] = res
			mu.Unlock()
			p.emit(opts, completedEvent(run.ID, res))
		}(st)
	}
	wg.Wait()

	// The run log is appended sequentially, in canonical stage order.
	for _, st := range proto.FanoutStages() {
		if res, ok := results[st]; ok {
			run.Record(res)
		}
	}

	if opts.Review {
		p.runReview(fanctx, run, exec, settings, opts, requested)
	}
}

// runReview executes the dependent review stage. It consumes the Coding
// output, so it is skipped rather than failed when that output is missing.
func (p *Processor) runReview(ctx context.Context, run *proto.PipelineRun, exec *stage.Executor, settings agents.Settings, opts Options, requested map[proto.Stage]bool) {
	skip := func(reason string) {
		now := time.Now().UTC()
		res := &proto.StageResult{
			Stage:    proto.StageReviewing,
			Status:   proto.StageSkipped,
			Err:      reason,
			Started:  now,
			Finished: now,
		}
		run.Record(res)
		p.emit(opts, completedEvent(run.ID, res))
	}

	if !requested[proto.StageCoding] {
		skip("code review skipped: coding stage not requested")
		return
	}
	coding, ok := run.Result(proto.StageCoding)
	if !ok || !coding.Succeeded() {
		skip("code review skipped: coding stage produced no code")
		return
	}

	input := fmt.Sprintf("Final specification:\n%s\n\nGenerated code:\n%s", run.Final.Document, coding.Text())
	p.emit(opts, startedEvent(run.ID, proto.StageReviewing))
	res, _ := exec.Run(ctx, stage.Spec{
		Stage:  proto.StageReviewing,
		Agents: []invoke.AgentDef{agents.CodeReviewer(settings)},
	}, input)
	run.Record(res)
	p.emit(opts, completedEvent(run.ID, res))
}

// submitTickets pushes the generated plan to the tracker. A submission
// failure demotes the Ticketing stage to failed; the run is untouched.
func (p *Processor) submitTickets(ctx context.Context, res *proto.StageResult) {
	if p.tickets == nil {
		return
	}
	var plan agents.TicketPlan
	if err := json.Unmarshal(res.Payload, &plan); err != nil {
		// Raw-fallback payloads cannot be submitted; keep the text result.
		return
	}
	summary, err := p.tickets.SubmitPlan(ctx, &plan)
	if err != nil {
		res.Status = proto.StageFailed
		res.Err = fmt.Sprintf("ticket submission failed: %v", err)
		return
	}
	res.Raw = summary
}

func (p *Processor) elaboratingSpec(run *proto.PipelineRun, settings agents.Settings) stage.Spec {
	defs := []invoke.AgentDef{agents.Elaborator(settings)}
	if run.Requirement.NFRContent != "" {
		defs = append(defs, agents.NFRElaborator(settings))
	}

	var inputGuards []guardrail.Guardrail
	if p.guards.MinWords > 0 {
		inputGuards = append(inputGuards, guardrail.MinWords{Min: p.guards.MinWords})
	}
	if p.guards.MaxInputTokens > 0 {
		inputGuards = append(inputGuards, guardrail.MaxTokens{Limit: p.guards.MaxInputTokens})
	}
	if p.guards.JudgeInput {
		inputGuards = append(inputGuards, &guardrail.Judge{
			Invoker:  p.invoker,
			Def:      judgeDef(),
			RunID:    run.ID,
			Stage:    proto.StageElaborating,
			Tripwire: true,
		})
	}

	var outputGuards []guardrail.Guardrail
	if len(p.guards.RequiredSections) > 0 {
		outputGuards = append(outputGuards, guardrail.RequiredSections{Sections: p.guards.RequiredSections})
	}

	return stage.Spec{
		Stage:        proto.StageElaborating,
		Agents:       defs,
		InputGuards:  inputGuards,
		OutputGuards: outputGuards,
		Merge:        stage.Texts,
	}
}

func (p *Processor) validatingSpec(req proto.Requirement, settings agents.Settings) stage.Spec {
	defs := []invoke.AgentDef{agents.FunctionalValidator(settings)}
	if req.NFRContent != "" {
		defs = append(defs, agents.NFRValidator(settings))
	}
	return stage.Spec{
		Stage:  proto.StageValidating,
		Agents: defs,
		Merge:  stage.Evaluations,
	}
}

func (p *Processor) finalizingSpec(settings agents.Settings) stage.Spec {
	var outputGuards []guardrail.Guardrail
	if p.guards.MinWords > 0 {
		outputGuards = append(outputGuards, guardrail.MinWords{Min: p.guards.MinWords})
	}
	return stage.Spec{
		Stage:        proto.StageFinalizing,
		Agents:       []invoke.AgentDef{agents.Finalizer(settings), agents.UseCaseGenerator(settings)},
		OutputGuards: outputGuards,
		Merge:        stage.Final,
	}
}

func (p *Processor) fanoutSpec(st proto.Stage, settings agents.Settings) stage.Spec {
	switch st {
	case proto.StageTesting:
		return stage.Spec{
			Stage:            proto.StageTesting,
			Agents:           []invoke.AgentDef{agents.TestGenerator(settings)},
			Merge:            stage.TestSuites,
			AllowRawFallback: true,
		}
	case proto.StageCoding:
		return stage.Spec{
			Stage:  proto.StageCoding,
			Agents: []invoke.AgentDef{agents.CodeGenerator(settings)},
		}
	case proto.StageTicketing:
		return stage.Spec{
			Stage:  proto.StageTicketing,
			Agents: []invoke.AgentDef{agents.TicketPlanner(settings)},
		}
	case proto.StageDiagramming:
		return stage.Spec{
			Stage:  proto.StageDiagramming,
			Agents: []invoke.AgentDef{agents.DiagramDesigner(settings)},
		}
	default:
		return stage.Spec{Stage: st}
	}
}

// judgeDef wires the format judge's verdict schema expected by the guardrail.
func judgeDef() invoke.AgentDef {
	def := agents.FormatJudge()
	def.NewOutput = func() any { return &guardrail.JudgeVerdict{} }
	return def
}

// assembleFinal builds the final specification from the spine results.
// Callers only reach this after the finalizer's output guardrails passed.
func (p *Processor) assembleFinal(run *proto.PipelineRun, req proto.Requirement) *proto.FinalSpecification {
	elab, _ := run.Result(proto.StageElaborating)
	valid, _ := run.Result(proto.StageValidating)
	final, _ := run.Result(proto.StageFinalizing)

	spec := &proto.FinalSpecification{
		OriginalRequirement: req.Text,
		Elaboration:         elab.Text(),
		Validation:          valid.Text(),
		Document:            final.Text(),
	}
	if req.NFRContent != "" {
		spec.NFRAnalysis = extractSection(elab.Text(), "nfr_elaborator")
	}
	return spec
}

// extractSection returns the body under "## <name>" in a Texts-merged
// output, or empty when absent.
func extractSection(merged, name string) string {
	header := "## " + name + "\n\n"
	idx := strings.Index(merged, header)
	if idx < 0 {
		return ""
	}
	body := merged[idx+len(header):]
	if next := strings.Index(body, "\n\n## "); next >= 0 {
		body = body[:next]
	}
	return strings.TrimSpace(body)
}

func elaborationInput(req proto.Requirement) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Requirement: %s", req.Text)
	if req.AppType != "" {
		fmt.Fprintf(&sb, "\nApplication type: %s", req.AppType)
	}
	if req.NFRContent != "" {
		fmt.Fprintf(&sb, "\n\nNon-functional requirements document:\n%s", req.NFRContent)
	}
	return sb.String()
}

func validationInput(run *proto.PipelineRun, req proto.Requirement) string {
	elab, _ := run.Result(proto.StageElaborating)
	return fmt.Sprintf("Original requirement: %s\n\nElaborated requirements:\n%s", req.Text, elab.Text())
}

func finalizationInput(run *proto.PipelineRun, req proto.Requirement) string {
	elab, _ := run.Result(proto.StageElaborating)
	valid, _ := run.Result(proto.StageValidating)
	return fmt.Sprintf("Original requirement: %s\n\nElaborated requirements:\n%s\n\nValidation feedback:\n%s",
		req.Text, elab.Text(), valid.Text())
}

func fanoutInput(final *proto.FinalSpecification) string {
	return fmt.Sprintf("Original requirement: %s\n\nFinal specification:\n%s",
		final.OriginalRequirement, final.Document)
}

func (p *Processor) emit(opts Options, ev proto.RunEvent) {
	if opts.Events == nil {
		return
	}
	opts.Events <- ev
}

func startedEvent(runID string, st proto.Stage) proto.RunEvent {
	return proto.NewRunEvent(proto.EventStageStarted, runID, st)
}

func completedEvent(runID string, res *proto.StageResult) proto.RunEvent {
	ev := proto.NewRunEvent(proto.EventStageCompleted, runID, res.Stage)
	ev.Status = res.Status
	return ev
}

func finishedEvent(run *proto.PipelineRun) proto.RunEvent {
	ev := proto.NewRunEvent(proto.EventRunFinished, run.ID, "")
	ev.RunStatus = run.Status
	return ev
}
