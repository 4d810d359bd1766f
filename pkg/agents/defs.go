// Package agents defines the specialized agents of the requirement analysis
// pipeline: their instructions, sampling parameters, and output schemas.
package agents

import (
	"fmt"
	"strings"

	"reqgenie/pkg/invoke"
	"reqgenie/pkg/llm"
)

const elaboratorInstructions = `You are a requirement analysis expert. When given a single line requirement and application type:
1. Expand it into detailed functional requirements, considering:
   - If Web Application: UI/UX, frontend components, user interactions
   - If Web Service: API endpoints, data formats, integration points
2. Consider provided Non-Functional Requirements (NFRs)
3. List any assumptions made under a "Assumptions" heading
4. Identify potential edge cases under an "Edge Cases" heading
5. Suggest acceptance criteria

Structure your answer with "Requirements", "Assumptions" and "Edge Cases" sections.`

const nfrElaboratorInstructions = `You are a non-functional requirements analyst. Given an NFR document and the target application type:
1. Identify and list all NFR categories present (Performance, Security, Scalability, ...)
2. For each category provide: description, specific requirements, quantifiable
   metrics, implementation guidelines, validation criteria, and dependencies
   on other NFRs
3. Describe cross-cutting concerns: category interactions, conflicts, priority order
4. Describe implementation impact on architecture, process, and resources

Format the response in a clear, categorical structure that can be referenced in subsequent analyses.`

const validatorInstructions = `You are a senior technical reviewer. Review the elaborated requirements and:
1. Identify any gaps or inconsistencies
2. Check if all edge cases are covered
3. Validate if the acceptance criteria are testable
4. Provide specific improvement suggestions

Respond with a JSON object: {"score": "pass" | "needs_improvement", "feedback": "...", "improvement_areas": ["..."]}`

const nfrValidatorInstructions = `You are a senior technical reviewer focused on non-functional requirements. Review the elaborated requirements and NFR analysis and:
1. Verify compliance with the stated Non-Functional Requirements
2. Check that NFR metrics are quantifiable and testable
3. Identify NFR categories that the functional requirements ignore
4. Provide specific improvement suggestions

Respond with a JSON object: {"score": "pass" | "needs_improvement", "feedback": "...", "improvement_areas": ["..."]}`

const finalizerInstructions = `You are a senior business analyst who finalizes requirements. Given the elaborated requirements and validation feedback:
1. Incorporate the validator's feedback
2. Refine and consolidate the requirements
3. Present a clear, final set of requirements in a structured format
4. Include:
   - Final functional requirements
   - Non-Functional Requirements compliance
   - Refined acceptance criteria
   - Key assumptions
   - Addressed edge cases`

const useCaseInstructions = `You are a requirements analyst who extracts use cases. From the elaborated requirements and validation feedback, derive the main use cases of the system: actors, flows, and outcomes.

Respond with a JSON object:
{"cases": [{"id": "UC-001", "title": "...", "primary_actor": "...", "description": "...", "preconditions": ["..."], "main_flow": ["..."], "alternative_flows": ["..."], "postconditions": ["..."]}]}`

const testGeneratorInstructions = `You are a QA expert who creates comprehensive test cases. Based on the final requirements, create detailed test cases covering happy path scenarios, edge cases, error scenarios, security considerations, and Non-Functional Requirements validation.

Respond with a JSON object:
{"cases": [{"id": "TC-001", "description": "...", "preconditions": ["..."], "steps": ["..."], "expected": "...", "type": "Functional" | "Non-functional", "priority": "High" | "Medium" | "Low"}]}`

const codeGeneratorInstructions = `You are a senior full-stack developer specializing in web applications, with extensive experience in test-driven development and writing clean, maintainable code.

Follow this process when generating code from the final requirements:
1. Requirements analysis: understand all validated requirements and NFRs,
   identify core functionality and technical constraints, plan the
   architecture
2. Tests first: create unit tests for happy paths, edge cases, and NFR
   validation using an appropriate framework for the selected language
3. Implementation: a well-structured application following MVC/MVVM, all
   required endpoints/routes, input validation and error handling, security
   measures, and clear documentation`

const codeReviewerInstructions = `You are a senior software engineer specializing in code review. Given the requirements and generated code, review for compliance with functional and non-functional requirements, code quality, security vulnerabilities, performance, and test coverage.

Respond with a JSON object: {"summary": "...", "findings": ["..."], "recommendations": ["..."]}`

const ticketInstructions = `You are a tracker integration specialist responsible for creating well-structured tickets. From the requirements analysis:
1. Create one epic for the overall requirement with business context
2. Break functional requirements into user stories ("As a [role], I want [feature] so that [benefit]") with story points (1, 2, 3, 5, 8, 13)
3. Create technical tasks linked to their stories, including NFR work
4. Create test tickets for each major functionality

Respond with a JSON object:
{"epic": {"type": "epic", "summary": "...", "description": "..."},
 "stories": [{"type": "story", "summary": "...", "description": "...", "story_points": 5, "priority": "High"}],
 "tasks": [{"type": "task", "summary": "...", "description": "...", "parent_key": "..."}],
 "tests": [{"type": "test", "summary": "...", "description": "...", "parent_key": "..."}]}`

const diagramInstructions = `You are a cloud architecture expert who designs architecture diagrams. From the final requirements, produce a diagram for the requested cloud environment.

Respond with a JSON object:
{"diagram_type": "...", "explanation": "...",
 "imports": ["from diagrams.gcp.compute import Functions"],
 "nodes": [{"name": "api", "type": "Functions", "label": "API", "cluster": "backend"}],
 "clusters": [{"name": "backend", "label": "Backend Services"}],
 "connections": [{"from": "api", "to": "db", "edge_attrs": {"label": "reads"}}]}

Node names must be valid identifiers and every connection must reference declared nodes.`

const formatJudgeInstructions = `You judge whether an input is a plausible software requirement that this pipeline can analyze. Greetings, questions about unrelated topics, and prose with no buildable intent are invalid.

Respond with a JSON object: {"is_valid": true | false, "reasoning": "..."}`

// Settings carries the per-run knobs that are threaded into prompts.
type Settings struct {
	// AppType tags the target application type ("Web Application", "Web Service").
	AppType string
	// Language is the output language for generated content.
	Language string
	// CloudEnv selects the provider vocabulary for diagrams ("GCP", "AWS", "Azure").
	CloudEnv string
}

// withSettings appends run settings to the base instructions.
func withSettings(instructions string, s Settings, parts ...string) string {
	var extra []string
	if s.AppType != "" {
		extra = append(extra, fmt.Sprintf("The application type is: %s.", s.AppType))
	}
	if s.Language != "" && !strings.EqualFold(s.Language, "english") {
		extra = append(extra, fmt.Sprintf("Respond in %s.", s.Language))
	}
	extra = append(extra, parts...)
	if len(extra) == 0 {
		return instructions
	}
	return instructions + "\n\n" + strings.Join(extra, "\n")
}

// Elaborator expands a raw requirement into detailed functional requirements.
func Elaborator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "elaborator",
		Instructions: withSettings(elaboratorInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
	}
}

// NFRElaborator analyzes a non-functional requirements document.
func NFRElaborator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "nfr_elaborator",
		Instructions: withSettings(nfrElaboratorInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
	}
}

// FunctionalValidator reviews elaborated requirements for gaps.
func FunctionalValidator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "validator",
		Instructions: withSettings(validatorInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
		NewOutput:    func() any { return &Evaluation{} },
	}
}

// NFRValidator reviews NFR compliance of the elaborated requirements.
func NFRValidator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "nfr_validator",
		Instructions: withSettings(nfrValidatorInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
		NewOutput:    func() any { return &Evaluation{} },
	}
}

// Finalizer consolidates elaboration and validation into the final document.
func Finalizer(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "finalizer",
		Instructions: withSettings(finalizerInstructions, s),
		MaxTokens:    llm.GeneratorMaxTokens,
	}
}

// UseCaseGenerator derives structured use cases alongside the finalizer.
func UseCaseGenerator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "usecase_generator",
		Instructions: withSettings(useCaseInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
		Temperature:  llm.TemperatureDeterministic,
		NewOutput:    func() any { return &UseCaseSet{} },
	}
}

// TestGenerator creates test cases from the final specification.
func TestGenerator(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "test_generator",
		Instructions: withSettings(testGeneratorInstructions, s),
		MaxTokens:    llm.GeneratorMaxTokens,
		Temperature:  llm.TemperatureDeterministic,
		NewOutput:    func() any { return &TestSuite{} },
	}
}

// CodeGenerator produces sample application code from the final specification.
func CodeGenerator(s Settings) invoke.AgentDef {
	lang := s.Language
	if lang == "" {
		lang = "Python"
	}
	return invoke.AgentDef{
		Name: "code_generator",
		Instructions: withSettings(codeGeneratorInstructions, Settings{AppType: s.AppType},
			fmt.Sprintf("Generate the code in %s.", lang)),
		MaxTokens:   llm.GeneratorMaxTokens,
		Temperature: llm.TemperatureDeterministic,
	}
}

// CodeReviewer reviews generated code against the requirements.
func CodeReviewer(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "code_reviewer",
		Instructions: withSettings(codeReviewerInstructions, s),
		MaxTokens:    llm.DefaultMaxTokens,
		NewOutput:    func() any { return &CodeReview{} },
	}
}

// TicketPlanner turns the final specification into a tracker ticket plan.
func TicketPlanner(s Settings) invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "ticket_planner",
		Instructions: withSettings(ticketInstructions, s),
		MaxTokens:    llm.GeneratorMaxTokens,
		Temperature:  llm.TemperatureDeterministic,
		NewOutput:    func() any { return &TicketPlan{} },
	}
}

// DiagramDesigner produces a declarative architecture diagram.
func DiagramDesigner(s Settings) invoke.AgentDef {
	cloud := s.CloudEnv
	if cloud == "" {
		cloud = "GCP"
	}
	return invoke.AgentDef{
		Name: "diagram_designer",
		Instructions: withSettings(diagramInstructions, Settings{AppType: s.AppType, Language: s.Language},
			fmt.Sprintf("Target cloud environment: %s. Use only node classes from that provider's diagrams modules.", cloud)),
		MaxTokens:   llm.GeneratorMaxTokens,
		Temperature: llm.TemperatureDeterministic,
		NewOutput:   func() any { return &DiagramSpec{} },
	}
}

// FormatJudge decides whether the raw input is a software requirement at all.
// Used as the input guardrail of the first spine stage.
func FormatJudge() invoke.AgentDef {
	return invoke.AgentDef{
		Name:         "format_judge",
		Instructions: formatJudgeInstructions,
		MaxTokens:    1024,
	}
}
