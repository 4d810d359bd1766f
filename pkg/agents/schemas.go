package agents

import (
	"fmt"
	"sort"
	"strings"
)

// Evaluation is the structured verdict of a validator agent on a
// requirements document.
type Evaluation struct {
	// Score is "pass" or "needs_improvement".
	Score            string   `json:"score"`
	Feedback         string   `json:"feedback"`
	ImprovementAreas []string `json:"improvement_areas"`
}

// Validate enforces the score enum.
func (e *Evaluation) Validate() error {
	if e.Score != "pass" && e.Score != "needs_improvement" {
		return fmt.Errorf("score must be \"pass\" or \"needs_improvement\", got %q", e.Score)
	}
	return nil
}

// Passed reports whether the evaluation is a pass.
func (e *Evaluation) Passed() bool {
	return e.Score == "pass"
}

// UseCase is a structured use case derived from the final specification.
type UseCase struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	PrimaryActor     string   `json:"primary_actor"`
	Description      string   `json:"description"`
	Preconditions    []string `json:"preconditions"`
	MainFlow         []string `json:"main_flow"`
	AlternativeFlows []string `json:"alternative_flows"`
	Postconditions   []string `json:"postconditions"`
}

// UseCaseSet is the use-case portion of the Finalizing stage payload.
type UseCaseSet struct {
	Cases []UseCase `json:"cases"`
}

// Validate requires at least one case, each with an ID and a title.
func (u *UseCaseSet) Validate() error {
	if len(u.Cases) == 0 {
		return fmt.Errorf("use case set must contain at least one case")
	}
	for i := range u.Cases {
		if u.Cases[i].ID == "" {
			return fmt.Errorf("use case %d has no ID", i)
		}
		if u.Cases[i].Title == "" {
			return fmt.Errorf("use case %s has no title", u.Cases[i].ID)
		}
	}
	return nil
}

// FinalDocument is the Finalizing stage payload: the consolidated
// specification document plus the use cases derived from it.
type FinalDocument struct {
	Document string    `json:"document"`
	UseCases []UseCase `json:"use_cases,omitempty"`
}

// TestCase is one generated test case.
type TestCase struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	Preconditions []string `json:"preconditions"`
	Steps         []string `json:"steps"`
	Expected      string   `json:"expected"`
	// Type is "Functional" or "Non-functional".
	Type string `json:"type"`
	// Priority is "High", "Medium" or "Low".
	Priority string `json:"priority"`
}

// TestSuite is the Testing stage payload.
type TestSuite struct {
	Cases []TestCase `json:"cases"`
}

// Validate requires at least one case and unique IDs.
func (s *TestSuite) Validate() error {
	if len(s.Cases) == 0 {
		return fmt.Errorf("test suite must contain at least one case")
	}
	seen := make(map[string]bool, len(s.Cases))
	for i := range s.Cases {
		id := s.Cases[i].ID
		if id == "" {
			return fmt.Errorf("test case %d has no ID", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate test case ID %q", id)
		}
		seen[id] = true
	}
	return nil
}

// Ticket is one tracker ticket in a generated plan.
type Ticket struct {
	// Type is "epic", "story", "task" or "test".
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	StoryPoints int    `json:"story_points,omitempty"`
	ParentKey   string `json:"parent_key,omitempty"`
	EpicLink    string `json:"epic_link,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// TicketPlan is the Ticketing stage payload: one epic with linked stories,
// technical tasks, and test tickets.
type TicketPlan struct {
	Epic    Ticket   `json:"epic"`
	Stories []Ticket `json:"stories"`
	Tasks   []Ticket `json:"tasks"`
	Tests   []Ticket `json:"tests"`
}

// Validate requires an epic with a summary.
func (p *TicketPlan) Validate() error {
	if p.Epic.Summary == "" {
		return fmt.Errorf("ticket plan must have an epic with a summary")
	}
	return nil
}

// DiagramNode is a node in an architecture diagram.
type DiagramNode struct {
	// Name is the variable name for this node (a valid identifier).
	Name string `json:"name"`
	// Type is the provider class for this node (e.g. "Functions", "SQL").
	Type string `json:"type"`
	// Label is the display label.
	Label string `json:"label"`
	// Cluster is the cluster this node belongs to, empty for top level.
	Cluster string `json:"cluster,omitempty"`
}

// DiagramCluster groups nodes in a diagram.
type DiagramCluster struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	// Parent is the parent cluster, empty for top level.
	Parent string `json:"parent,omitempty"`
}

// DiagramConnection is a directed edge between two nodes.
type DiagramConnection struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	EdgeAttrs map[string]string `json:"edge_attrs,omitempty"`
}

// DiagramSpec is the Diagramming stage payload: a declarative architecture
// diagram that renders to Python "diagrams" source.
type DiagramSpec struct {
	DiagramType string              `json:"diagram_type,omitempty"`
	Explanation string              `json:"explanation,omitempty"`
	Imports     []string            `json:"imports"`
	Nodes       []DiagramNode       `json:"nodes"`
	Clusters    []DiagramCluster    `json:"clusters"`
	Connections []DiagramConnection `json:"connections"`
}

// Validate requires at least one node and resolvable connections.
func (d *DiagramSpec) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("diagram must contain at least one node")
	}
	names := make(map[string]bool, len(d.Nodes))
	for i := range d.Nodes {
		if d.Nodes[i].Name == "" {
			return fmt.Errorf("diagram node %d has no name", i)
		}
		names[d.Nodes[i].Name] = true
	}
	for i := range d.Connections {
		c := &d.Connections[i]
		if !names[c.From] || !names[c.To] {
			return fmt.Errorf("connection %d references unknown node (%s -> %s)", i, c.From, c.To)
		}
	}
	return nil
}

func (d *DiagramSpec) hasCluster(name string) bool {
	for i := range d.Clusters {
		if d.Clusters[i].Name == name || d.Clusters[i].Label == name {
			return true
		}
	}
	return false
}

// Code renders the diagram as Python "diagrams" source. Rendering is
// deterministic: identical specs always produce identical source.
func (d *DiagramSpec) Code() string {
	var code []string

	imports := d.Imports
	hasBase := false
	for _, imp := range imports {
		if strings.Contains(imp, "from diagrams import") {
			hasBase = true
			break
		}
	}
	if !hasBase {
		code = append(code, "from diagrams import Diagram, Cluster, Edge")
	}
	for _, imp := range imports {
		if strings.HasPrefix(imp, "from ") && strings.Contains(imp, " import ") {
			code = append(code, strings.TrimSpace(imp))
		}
	}
	code = append(code, "")

	title := d.DiagramType
	if title == "" {
		title = "Architecture Diagram"
	}
	code = append(code, fmt.Sprintf(`with Diagram(%q, show=False, filename="diagram", outformat="png", direction="LR"):`, title))

	indent := "    "
	for i := range d.Clusters {
		code = append(code, fmt.Sprintf("%swith Cluster(%q):", indent, d.Clusters[i].Label))
		inner := indent + "    "
		members := 0
		for j := range d.Nodes {
			node := &d.Nodes[j]
			if node.Cluster == d.Clusters[i].Name || node.Cluster == d.Clusters[i].Label {
				code = append(code, fmt.Sprintf("%s%s = %s(%q)", inner, node.Name, node.Type, node.Label))
				members++
			}
		}
		if members == 0 {
			code = append(code, inner+"pass")
		}
	}

	// Nodes outside any declared cluster sit at the top level.
	for i := range d.Nodes {
		node := &d.Nodes[i]
		if node.Cluster != "" && d.hasCluster(node.Cluster) {
			continue
		}
		code = append(code, fmt.Sprintf("%s%s = %s(%q)", indent, node.Name, node.Type, node.Label))
	}

	if len(d.Connections) > 0 {
		code = append(code, "")
	}
	for i := range d.Connections {
		conn := &d.Connections[i]
		if len(conn.EdgeAttrs) == 0 {
			code = append(code, fmt.Sprintf("%s%s >> %s", indent, conn.From, conn.To))
			continue
		}
		keys := make([]string, 0, len(conn.EdgeAttrs))
		for k := range conn.EdgeAttrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]string, 0, len(keys))
		for _, k := range keys {
			attrs = append(attrs, fmt.Sprintf("%s=%q", k, conn.EdgeAttrs[k]))
		}
		code = append(code, fmt.Sprintf("%s%s >> Edge(%s) >> %s", indent, conn.From, strings.Join(attrs, ", "), conn.To))
	}

	return strings.Join(code, "\n")
}

// CodeReview is the Reviewing stage payload.
type CodeReview struct {
	Summary         string   `json:"summary"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
}
