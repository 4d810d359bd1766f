// Package proto defines the shared data model for the requirement analysis
// pipeline: requirements, stage results, guardrail verdicts, and pipeline runs.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage identifies one named step of the pipeline.
type Stage string

const (
	// StageElaborating expands the raw requirement into detailed requirements.
	StageElaborating Stage = "ELABORATING"
	// StageValidating reviews the elaborated requirements.
	StageValidating Stage = "VALIDATING"
	// StageFinalizing produces the final specification document.
	StageFinalizing Stage = "FINALIZING"
	// StageTesting generates test cases from the final specification.
	StageTesting Stage = "TESTING"
	// StageCoding generates sample code from the final specification.
	StageCoding Stage = "CODING"
	// StageTicketing creates tracker tickets from the final specification.
	StageTicketing Stage = "TICKETING"
	// StageDiagramming generates an architecture diagram specification.
	StageDiagramming Stage = "DIAGRAMMING"
	// StageReviewing reviews generated code; depends on StageCoding output.
	StageReviewing Stage = "REVIEWING"
)

// SpineStages are the strictly ordered stages preceding fan-out.
func SpineStages() []Stage {
	return []Stage{StageElaborating, StageValidating, StageFinalizing}
}

// FanoutStages are the mutually independent stages that consume the final
// specification. StageReviewing is excluded: it joins on StageCoding.
func FanoutStages() []Stage {
	return []Stage{StageTesting, StageCoding, StageTicketing, StageDiagramming}
}

// IsFanout reports whether s is one of the independent fan-out stages.
func (s Stage) IsFanout() bool {
	for _, f := range FanoutStages() {
		if s == f {
			return true
		}
	}
	return false
}

// String returns the stage name.
func (s Stage) String() string {
	return string(s)
}

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	// StatusRunning indicates the run is still in progress.
	StatusRunning RunStatus = "RUNNING"
	// StatusAggregated indicates the spine completed and every requested
	// fan-out stage was attempted, each with its own recorded outcome.
	StatusAggregated RunStatus = "AGGREGATED"
	// StatusAborted indicates a spine guardrail tripwire or an unrecoverable
	// spine-stage failure stopped the run.
	StatusAborted RunStatus = "ABORTED"
)

// StageStatus represents the outcome of a single stage within a run.
type StageStatus string

const (
	// StageSucceeded indicates the stage produced a usable result.
	StageSucceeded StageStatus = "SUCCEEDED"
	// StageFailed indicates the stage failed; the reason is recorded.
	StageFailed StageStatus = "FAILED"
	// StageSkipped indicates the stage was not requested or its dependency
	// was unavailable; distinct from failure.
	StageSkipped StageStatus = "SKIPPED"
)

// Requirement is the immutable pipeline input.
type Requirement struct {
	// Text is the raw free-text requirement.
	Text string `json:"text"`
	// AppType tags the target application type (e.g. "Web Application").
	AppType string `json:"app_type,omitempty"`
	// NFRContent is optional non-functional requirement document content.
	NFRContent string `json:"nfr_content,omitempty"`
	// Language is the output language for generated content.
	Language string `json:"language,omitempty"`
	// CloudEnv selects the cloud environment for architecture diagrams.
	CloudEnv string `json:"cloud_env,omitempty"`
}

// AgentTrace records per-sub-agent diagnostics for a stage.
type AgentTrace struct {
	Agent    string        `json:"agent"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// StageResult is the output of one stage: a structured payload, a raw-text
// fallback, or a failure. Exactly one of Payload/Raw is meaningful on
// success; Err is set on failure.
type StageResult struct {
	Stage    Stage            `json:"stage"`
	Status   StageStatus      `json:"status"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
	Raw      string           `json:"raw,omitempty"`
	Err      string           `json:"error,omitempty"`
	Verdict  *GuardrailVerdict `json:"verdict,omitempty"`
	Agents   []AgentTrace     `json:"agents,omitempty"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
}

// Text returns the textual content of the result: the raw fallback if set,
// otherwise the payload JSON. Used to thread one stage's output into the
// next stage's prompt.
func (r *StageResult) Text() string {
	if r.Raw != "" {
		return r.Raw
	}
	return string(r.Payload)
}

// Succeeded reports whether the stage produced a usable result.
func (r *StageResult) Succeeded() bool {
	return r.Status == StageSucceeded
}

// GuardrailVerdict is the outcome of evaluating a guardrail against a
// candidate value. Ephemeral: produced and consumed within one stage
// evaluation, recorded on the run only when a tripwire aborts it.
type GuardrailVerdict struct {
	Passed            bool   `json:"passed"`
	Reasoning         string `json:"reasoning"`
	TripwireTriggered bool   `json:"tripwire_triggered"`
}

// Merge folds another verdict into v. A failed or tripped verdict is sticky.
func (v *GuardrailVerdict) Merge(other GuardrailVerdict) {
	if !other.Passed {
		v.Passed = false
	}
	if other.TripwireTriggered {
		v.TripwireTriggered = true
	}
	if other.Reasoning != "" {
		if v.Reasoning != "" {
			v.Reasoning += "; "
		}
		v.Reasoning += other.Reasoning
	}
}

// FinalSpecification aggregates the spine outputs. It is the sole input to
// the fan-out stages and is only assembled after the Finalizer's output
// guardrails passed.
type FinalSpecification struct {
	OriginalRequirement string `json:"original_requirement"`
	Elaboration         string `json:"elaboration"`
	NFRAnalysis         string `json:"nfr_analysis,omitempty"`
	Validation          string `json:"validation"`
	Document            string `json:"document"`
}

// PipelineRun is the orchestrator's working state for one invocation.
// The stage log is appended to only by the orchestrator, sequentially.
type PipelineRun struct {
	ID          string                 `json:"id"`
	Requirement Requirement            `json:"requirement"`
	Status      RunStatus              `json:"status"`
	Stages      map[Stage]*StageResult `json:"stages"`
	Order       []Stage                `json:"order"`
	AbortReason string                 `json:"abort_reason,omitempty"`
	Final       *FinalSpecification    `json:"final,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// NewPipelineRun creates a run in the RUNNING state with a fresh ID.
func NewPipelineRun(req Requirement) *PipelineRun {
	return &PipelineRun{
		ID:          uuid.New().String(),
		Requirement: req,
		Status:      StatusRunning,
		Stages:      make(map[Stage]*StageResult),
		StartedAt:   time.Now().UTC(),
	}
}

// Record appends a stage result to the run log. Later stages never observe
// a result before it is recorded here.
func (p *PipelineRun) Record(res *StageResult) {
	p.Stages[res.Stage] = res
	p.Order = append(p.Order, res.Stage)
}

// Result returns the recorded result for a stage, if any.
func (p *PipelineRun) Result(stage Stage) (*StageResult, bool) {
	res, ok := p.Stages[stage]
	return res, ok
}

// Terminal reports whether the run has reached a terminal status.
func (p *PipelineRun) Terminal() bool {
	return p.Status == StatusAggregated || p.Status == StatusAborted
}

// ToJSON serializes the run for event sinks and archives.
func (p *PipelineRun) ToJSON() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize pipeline run: %w", err)
	}
	return data, nil
}

// RunFromJSON parses a serialized pipeline run.
func RunFromJSON(data []byte) (*PipelineRun, error) {
	var run PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline run: %w", err)
	}
	return &run, nil
}
