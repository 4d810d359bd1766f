package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"reqgenie/pkg/agents"
	"reqgenie/pkg/guardrail"
	"reqgenie/pkg/invoke"
	"reqgenie/pkg/llm"
	"reqgenie/pkg/llmerrors"
	"reqgenie/pkg/proto"
)

func newExecutor(mock *llm.MockClient) *Executor {
	return NewExecutor(invoke.NewInvoker(mock, nil), "run-1", nil, nil)
}

func TestRun_SingleAgentSuccess(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "Elaborated requirements with sections."},
	}, nil)
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage:  proto.StageElaborating,
		Agents: []invoke.AgentDef{{Name: "elaborator", Instructions: "Elaborate."}},
	}, "build a login system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("stage should succeed: %+v", res)
	}
	if res.Raw != "Elaborated requirements with sections." {
		t.Errorf("unexpected output: %q", res.Raw)
	}
	if len(res.Agents) != 1 || res.Agents[0].Agent != "elaborator" {
		t.Errorf("agent trace missing: %+v", res.Agents)
	}
}

func TestRun_InputGuardTripwire(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{{Content: "never used"}}, nil)
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage:       proto.StageElaborating,
		Agents:      []invoke.AgentDef{{Name: "elaborator"}},
		InputGuards: []guardrail.Guardrail{guardrail.MinWords{Min: 50}},
	}, "hi")

	var ge *GuardrailError
	if !errors.As(err, &ge) {
		t.Fatalf("expected guardrail error, got %v", err)
	}
	if ge.Phase != "input" {
		t.Errorf("expected input phase, got %s", ge.Phase)
	}
	if res.Status != proto.StageFailed {
		t.Errorf("stage must be failed: %+v", res)
	}
	if res.Verdict == nil || !res.Verdict.TripwireTriggered {
		t.Errorf("tripwire verdict must be recorded: %+v", res.Verdict)
	}
	if mock.Calls() != 0 {
		t.Errorf("no agent may be invoked after an input tripwire, got %d calls", mock.Calls())
	}
}

func TestRun_UnavailableAgentFailsStage(t *testing.T) {
	mock := llm.NewMockClient(nil, []error{
		llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "connection refused"),
	})
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage:  proto.StageTesting,
		Agents: []invoke.AgentDef{{Name: "test_generator"}},
	}, "final spec")

	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if ue.Agent != "test_generator" || ue.Stage != proto.StageTesting {
		t.Errorf("error must carry sub-agent identity: %+v", ue)
	}
	if res.Status != proto.StageFailed {
		t.Errorf("stage must be failed")
	}
}

func TestRun_SchemaMismatchCarriesIdentityAndRaw(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "not json"},
		{Content: "still not json"},
	}, nil)
	e := newExecutor(mock)

	_, err := e.Run(context.Background(), Spec{
		Stage: proto.StageValidating,
		Agents: []invoke.AgentDef{{
			Name:      "validator",
			NewOutput: func() any { return &agents.Evaluation{} },
		}},
	}, "elaboration")

	var se *SchemaMismatchError
	if !errors.As(err, &se) {
		t.Fatalf("expected schema mismatch error, got %v", err)
	}
	if se.Agent != "validator" {
		t.Errorf("error must carry sub-agent identity: %+v", se)
	}
	if se.Raw != "still not json" {
		t.Errorf("raw fallback must be preserved, got %q", se.Raw)
	}
}

func TestRun_RawFallbackDegrades(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "prose test plan"},
		{Content: "still prose"},
	}, nil)
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage: proto.StageTesting,
		Agents: []invoke.AgentDef{{
			Name:      "test_generator",
			NewOutput: func() any { return &agents.TestSuite{} },
		}},
		AllowRawFallback: true,
	}, "final spec")
	if err != nil {
		t.Fatalf("raw fallback should succeed: %v", err)
	}
	if !res.Succeeded() {
		t.Errorf("stage should succeed in degraded mode")
	}
	if res.Raw != "still prose" {
		t.Errorf("raw text should become the stage output, got %q", res.Raw)
	}
}

func TestRun_FailedAgentAppearsInTrace(t *testing.T) {
	mock := llm.NewMockClient(nil, []error{
		llmerrors.NewError(llmerrors.ErrorTypeUnavailable, "connection refused"),
	})
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage:  proto.StageTesting,
		Agents: []invoke.AgentDef{{Name: "test_generator"}},
	}, "final spec")
	if err == nil {
		t.Fatal("expected stage failure")
	}
	if len(res.Agents) != 1 {
		t.Fatalf("failed sub-agent must still be traced, got %+v", res.Agents)
	}
	trace := res.Agents[0]
	if trace.Agent != "test_generator" {
		t.Errorf("trace must name the agent, got %q", trace.Agent)
	}
	if trace.Err == "" || !strings.Contains(trace.Err, "connection refused") {
		t.Errorf("trace must carry the failure, got %q", trace.Err)
	}
	if trace.Attempts != 1 {
		t.Errorf("trace must count the attempt, got %d", trace.Attempts)
	}
}

func TestRun_ConcurrentValidatorsMerge(t *testing.T) {
	// Two validators run concurrently; the mock serves both from its script.
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: `{"score": "pass", "feedback": "functional ok", "improvement_areas": []}`},
		{Content: `{"score": "needs_improvement", "feedback": "latency unspecified", "improvement_areas": ["performance"]}`},
	}, nil)
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage: proto.StageValidating,
		Agents: []invoke.AgentDef{
			{Name: "validator", NewOutput: func() any { return &agents.Evaluation{} }},
			{Name: "nfr_validator", NewOutput: func() any { return &agents.Evaluation{} }},
		},
		Merge: Evaluations,
	}, "elaboration")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var combined agents.Evaluation
	if err := json.Unmarshal(res.Payload, &combined); err != nil {
		t.Fatalf("payload should decode: %v", err)
	}
	if combined.Score != "needs_improvement" {
		t.Errorf("one failing validator must fail the combined score")
	}
	if !strings.Contains(combined.Feedback, "ok") || !strings.Contains(combined.Feedback, "latency") {
		t.Errorf("feedback should concatenate, got %q", combined.Feedback)
	}
	if len(combined.ImprovementAreas) != 1 || combined.ImprovementAreas[0] != "performance" {
		t.Errorf("improvement areas should union, got %v", combined.ImprovementAreas)
	}
}

func TestRun_OutputGuardFails(t *testing.T) {
	mock := llm.NewMockClient([]llm.CompletionResponse{
		{Content: "no sections here"},
	}, nil)
	e := newExecutor(mock)

	res, err := e.Run(context.Background(), Spec{
		Stage:        proto.StageElaborating,
		Agents:       []invoke.AgentDef{{Name: "elaborator"}},
		OutputGuards: []guardrail.Guardrail{guardrail.RequiredSections{Sections: []string{"Requirements"}}},
	}, "build a login system")

	var ge *GuardrailError
	if !errors.As(err, &ge) {
		t.Fatalf("expected guardrail error, got %v", err)
	}
	if ge.Phase != "output" {
		t.Errorf("expected output phase, got %s", ge.Phase)
	}
	if res.Verdict == nil || res.Verdict.TripwireTriggered {
		t.Errorf("required-sections failure should not trip the wire: %+v", res.Verdict)
	}
}

func TestFinal_CombinesDocumentAndUseCases(t *testing.T) {
	payload, raw, err := Final([]SubResult{
		{
			Def: invoke.AgentDef{Name: "finalizer"},
			Res: invoke.Result{Raw: "Final specification document."},
		},
		{
			Def: invoke.AgentDef{Name: "usecase_generator"},
			Res: invoke.Result{Output: &agents.UseCaseSet{Cases: []agents.UseCase{
				{ID: "UC-001", Title: "Log in"},
			}}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "Final specification document." {
		t.Errorf("raw must stay the finalizer document, got %q", raw)
	}

	var doc agents.FinalDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("payload should decode: %v", err)
	}
	if doc.Document != "Final specification document." {
		t.Errorf("payload must carry the document, got %q", doc.Document)
	}
	if len(doc.UseCases) != 1 || doc.UseCases[0].ID != "UC-001" {
		t.Errorf("payload must carry the use cases, got %+v", doc.UseCases)
	}
}

func TestFinal_RequiresDocumentProducer(t *testing.T) {
	_, _, err := Final([]SubResult{{
		Def: invoke.AgentDef{Name: "usecase_generator"},
		Res: invoke.Result{Output: &agents.UseCaseSet{}},
	}})
	if err == nil {
		t.Fatal("merge without a document producer must fail")
	}
}

func TestTestSuites_KeyedUnion(t *testing.T) {
	mk := func(name string, suite *agents.TestSuite) SubResult {
		return SubResult{
			Def: invoke.AgentDef{Name: name},
			Res: invoke.Result{Output: suite},
		}
	}

	payload, raw, err := TestSuites([]SubResult{
		mk("functional_tests", &agents.TestSuite{Cases: []agents.TestCase{
			{ID: "TC-001", Description: "login happy path"},
			{ID: "TC-002", Description: "wrong password"},
		}}),
		mk("nfr_tests", &agents.TestSuite{Cases: []agents.TestCase{
			{ID: "TC-002", Description: "duplicate, first wins"},
			{ID: "TC-003", Description: "latency under load"},
		}}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "" {
		t.Errorf("structured merge should not produce raw text")
	}

	var combined agents.TestSuite
	if err := json.Unmarshal(payload, &combined); err != nil {
		t.Fatalf("payload should decode: %v", err)
	}
	if len(combined.Cases) != 3 {
		t.Fatalf("expected 3 unioned cases, got %d", len(combined.Cases))
	}
	if combined.Cases[1].Description != "wrong password" {
		t.Errorf("first case must win on ID collision, got %q", combined.Cases[1].Description)
	}
}
