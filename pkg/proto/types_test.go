package proto

import (
	"testing"
	"time"
)

func TestStageIsFanout(t *testing.T) {
	for _, st := range FanoutStages() {
		if !st.IsFanout() {
			t.Errorf("%s should be a fan-out stage", st)
		}
	}
	for _, st := range []Stage{StageElaborating, StageValidating, StageFinalizing, StageReviewing} {
		if st.IsFanout() {
			t.Errorf("%s should not be a fan-out stage", st)
		}
	}
}

func TestGuardrailVerdictMergeIsSticky(t *testing.T) {
	v := GuardrailVerdict{Passed: true}
	v.Merge(GuardrailVerdict{Passed: true, Reasoning: "long enough"})
	if !v.Passed || v.TripwireTriggered {
		t.Errorf("merging passing verdicts changed the outcome: %+v", v)
	}

	v.Merge(GuardrailVerdict{Passed: false, Reasoning: "missing sections", TripwireTriggered: true})
	if v.Passed || !v.TripwireTriggered {
		t.Errorf("failed verdict did not stick: %+v", v)
	}

	// A later pass never clears an earlier failure.
	v.Merge(GuardrailVerdict{Passed: true})
	if v.Passed {
		t.Error("a passing merge cleared a recorded failure")
	}
	if v.Reasoning != "long enough; missing sections" {
		t.Errorf("reasoning = %q", v.Reasoning)
	}
}

func TestPipelineRunRecordPreservesOrder(t *testing.T) {
	run := NewPipelineRun(Requirement{Text: "build it"})
	if run.Status != StatusRunning || run.ID == "" {
		t.Fatalf("unexpected new run: %+v", run)
	}

	for _, st := range []Stage{StageElaborating, StageValidating, StageFinalizing} {
		run.Record(&StageResult{Stage: st, Status: StageSucceeded})
	}

	if len(run.Order) != 3 || run.Order[0] != StageElaborating || run.Order[2] != StageFinalizing {
		t.Errorf("order = %v", run.Order)
	}
	if _, ok := run.Result(StageTesting); ok {
		t.Error("unrecorded stage should not resolve")
	}
}

func TestStageResultText(t *testing.T) {
	res := &StageResult{Raw: "raw text", Payload: []byte(`{"a":1}`)}
	if res.Text() != "raw text" {
		t.Errorf("raw should win: %q", res.Text())
	}
	res.Raw = ""
	if res.Text() != `{"a":1}` {
		t.Errorf("payload fallback: %q", res.Text())
	}
}

func TestRunJSONRoundTrip(t *testing.T) {
	run := NewPipelineRun(Requirement{Text: "round trip", AppType: "Web Service"})
	run.Record(&StageResult{
		Stage:   StageElaborating,
		Status:  StageSucceeded,
		Raw:     "elaborated",
		Started: time.Now().UTC(),
	})
	run.Status = StatusAggregated

	data, err := run.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	parsed, err := RunFromJSON(data)
	if err != nil {
		t.Fatalf("RunFromJSON failed: %v", err)
	}
	if parsed.ID != run.ID || parsed.Status != StatusAggregated {
		t.Errorf("parsed run = %s/%s", parsed.ID, parsed.Status)
	}
	res, ok := parsed.Result(StageElaborating)
	if !ok || res.Raw != "elaborated" {
		t.Errorf("stage result lost in round trip: %+v", res)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := NewRunEvent(EventStageCompleted, "run-9", StageTesting)
	ev.Status = StageSucceeded

	data, err := ev.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	parsed, err := EventFromJSON(data)
	if err != nil {
		t.Fatalf("EventFromJSON failed: %v", err)
	}
	if parsed.Type != EventStageCompleted || parsed.Stage != StageTesting || parsed.Status != StageSucceeded {
		t.Errorf("parsed event = %+v", parsed)
	}
}

func TestTerminal(t *testing.T) {
	run := NewPipelineRun(Requirement{Text: "x"})
	if run.Terminal() {
		t.Error("running run must not be terminal")
	}
	run.Status = StatusAborted
	if !run.Terminal() {
		t.Error("aborted run must be terminal")
	}
}
