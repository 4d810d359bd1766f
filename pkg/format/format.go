// Package format renders a finished pipeline run as a human-readable
// report. Formatting is total and deterministic: any terminal run formats
// without error, and formatting the same run twice yields identical text.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"reqgenie/pkg/agents"
	"reqgenie/pkg/proto"
)

// Format renders the whole run: header, spine outputs, fan-out artifacts.
func Format(run *proto.PipelineRun) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Requirement Analysis Report\n\n")
	fmt.Fprintf(&sb, "Run: %s\n", run.ID)
	fmt.Fprintf(&sb, "Status: %s\n", run.Status)
	fmt.Fprintf(&sb, "Requirement: %s\n", run.Requirement.Text)
	if run.Requirement.AppType != "" {
		fmt.Fprintf(&sb, "Application type: %s\n", run.Requirement.AppType)
	}
	if run.Status == proto.StatusAborted {
		fmt.Fprintf(&sb, "Abort reason: %s\n", run.AbortReason)
	}

	for _, st := range run.Order {
		res, ok := run.Result(st)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s — %s\n\n", stageTitle(st), statusLine(res))
		if res.Status == proto.StageSucceeded {
			sb.WriteString(renderPayload(st, res))
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func stageTitle(st proto.Stage) string {
	switch st {
	case proto.StageElaborating:
		return "Elaborated Requirements"
	case proto.StageValidating:
		return "Validation"
	case proto.StageFinalizing:
		return "Final Specification"
	case proto.StageTesting:
		return "Test Cases"
	case proto.StageCoding:
		return "Generated Code"
	case proto.StageTicketing:
		return "Tracker Tickets"
	case proto.StageDiagramming:
		return "Architecture Diagram"
	case proto.StageReviewing:
		return "Code Review"
	default:
		return st.String()
	}
}

func statusLine(res *proto.StageResult) string {
	switch res.Status {
	case proto.StageSucceeded:
		return "succeeded"
	case proto.StageFailed:
		return "failed: " + res.Err
	case proto.StageSkipped:
		if res.Err != "" {
			return "skipped: " + res.Err
		}
		return "skipped: not requested"
	default:
		return string(res.Status)
	}
}

// renderPayload renders a stage's structured payload when the shape is
// known, and degrades to the raw text or a JSON dump otherwise.
func renderPayload(st proto.Stage, res *proto.StageResult) string {
	if len(res.Payload) == 0 {
		return res.Raw
	}

	switch st {
	case proto.StageFinalizing:
		var doc agents.FinalDocument
		if json.Unmarshal(res.Payload, &doc) == nil && doc.Document != "" {
			return renderFinal(&doc)
		}
	case proto.StageValidating:
		var ev agents.Evaluation
		if json.Unmarshal(res.Payload, &ev) == nil && ev.Score != "" {
			return renderEvaluation(&ev)
		}
	case proto.StageTesting:
		var suite agents.TestSuite
		if json.Unmarshal(res.Payload, &suite) == nil && len(suite.Cases) > 0 {
			return renderTestSuite(&suite)
		}
	case proto.StageTicketing:
		var plan agents.TicketPlan
		if json.Unmarshal(res.Payload, &plan) == nil && plan.Epic.Summary != "" {
			return renderTicketPlan(&plan, res.Raw)
		}
	case proto.StageDiagramming:
		var spec agents.DiagramSpec
		if json.Unmarshal(res.Payload, &spec) == nil && len(spec.Nodes) > 0 {
			return renderDiagram(&spec)
		}
	case proto.StageReviewing:
		var review agents.CodeReview
		if json.Unmarshal(res.Payload, &review) == nil && review.Summary != "" {
			return renderReview(&review)
		}
	}

	return jsonDump(res.Payload)
}

func renderFinal(doc *agents.FinalDocument) string {
	var sb strings.Builder
	sb.WriteString(doc.Document)
	for i := range doc.UseCases {
		uc := &doc.UseCases[i]
		fmt.Fprintf(&sb, "\n\n### Use case %s: %s\n", uc.ID, uc.Title)
		if uc.PrimaryActor != "" {
			fmt.Fprintf(&sb, "\nPrimary actor: %s\n", uc.PrimaryActor)
		}
		if uc.Description != "" {
			fmt.Fprintf(&sb, "\n%s\n", uc.Description)
		}
		if len(uc.MainFlow) > 0 {
			sb.WriteString("\nMain flow:\n")
			for j, step := range uc.MainFlow {
				fmt.Fprintf(&sb, "%d. %s\n", j+1, step)
			}
		}
		if len(uc.AlternativeFlows) > 0 {
			sb.WriteString("\nAlternative flows:\n")
			for _, f := range uc.AlternativeFlows {
				fmt.Fprintf(&sb, "- %s\n", f)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderEvaluation(ev *agents.Evaluation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Score: %s\n\n%s", ev.Score, ev.Feedback)
	if len(ev.ImprovementAreas) > 0 {
		sb.WriteString("\n\nImprovement areas:\n")
		for _, area := range ev.ImprovementAreas {
			fmt.Fprintf(&sb, "- %s\n", area)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTestSuite(suite *agents.TestSuite) string {
	var sb strings.Builder
	for i := range suite.Cases {
		c := &suite.Cases[i]
		fmt.Fprintf(&sb, "### %s (%s, %s)\n\n%s\n", c.ID, c.Type, c.Priority, c.Description)
		if len(c.Preconditions) > 0 {
			fmt.Fprintf(&sb, "\nPreconditions:\n")
			for _, p := range c.Preconditions {
				fmt.Fprintf(&sb, "- %s\n", p)
			}
		}
		if len(c.Steps) > 0 {
			fmt.Fprintf(&sb, "\nSteps:\n")
			for j, s := range c.Steps {
				fmt.Fprintf(&sb, "%d. %s\n", j+1, s)
			}
		}
		if c.Expected != "" {
			fmt.Fprintf(&sb, "\nExpected: %s\n", c.Expected)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTicketPlan(plan *agents.TicketPlan, submission string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Epic: %s\n", plan.Epic.Summary)
	renderTickets(&sb, "Stories", plan.Stories)
	renderTickets(&sb, "Tasks", plan.Tasks)
	renderTickets(&sb, "Tests", plan.Tests)
	if submission != "" {
		fmt.Fprintf(&sb, "\nSubmission: %s\n", submission)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTickets(sb *strings.Builder, label string, tickets []agents.Ticket) {
	if len(tickets) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", label)
	for i := range tickets {
		t := &tickets[i]
		fmt.Fprintf(sb, "- %s", t.Summary)
		if t.StoryPoints > 0 {
			fmt.Fprintf(sb, " (%d points)", t.StoryPoints)
		}
		if t.Priority != "" {
			fmt.Fprintf(sb, " [%s]", t.Priority)
		}
		sb.WriteString("\n")
	}
}

func renderDiagram(spec *agents.DiagramSpec) string {
	var sb strings.Builder
	if spec.Explanation != "" {
		fmt.Fprintf(&sb, "%s\n\n", spec.Explanation)
	}
	fmt.Fprintf(&sb, "```python\n%s\n```", spec.Code())
	return sb.String()
}

func renderReview(review *agents.CodeReview) string {
	var sb strings.Builder
	sb.WriteString(review.Summary)
	if len(review.Findings) > 0 {
		sb.WriteString("\n\nFindings:\n")
		for _, f := range review.Findings {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}
	if len(review.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range review.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// jsonDump pretty-prints an unknown payload shape.
func jsonDump(payload json.RawMessage) string {
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return string(payload)
	}
	return strings.TrimRight(buf.String(), "\n")
}
