package models

// DiagramKind identifies the diagram family a prompt maps to.
type DiagramKind string

// Supported diagram kinds.
const (
	DiagramBubbleMap       DiagramKind = "bubble_map"
	DiagramDoubleBubbleMap DiagramKind = "double_bubble_map"
	DiagramTreeMap         DiagramKind = "tree_map"
	DiagramBraceMap        DiagramKind = "brace_map"
	DiagramMindMap         DiagramKind = "mind_map"
)

// Valid reports whether k is a known diagram kind.
func (k DiagramKind) Valid() bool {
	switch k {
	case DiagramBubbleMap, DiagramDoubleBubbleMap, DiagramTreeMap, DiagramBraceMap, DiagramMindMap:
		return true
	}
	return false
}

// Stages returns the palette stage sequence for the kind. Flat kinds have a
// single unnamed stage; hierarchical kinds progress through locked stages.
func (k DiagramKind) Stages() []string {
	switch k {
	case DiagramTreeMap:
		return []string{"dimensions", "categories", "children"}
	case DiagramBraceMap:
		return []string{"parts", "subparts"}
	default:
		return []string{"main"}
	}
}

// DiagramResult is the response body of one-shot generation.
type DiagramResult struct {
	Type DiagramKind    `json:"type"`
	Spec map[string]any `json:"spec"`
}

// DoubleBubbleSpec is the typed form of a double_bubble_map spec.
type DoubleBubbleSpec struct {
	Left             string   `json:"left"`
	Right            string   `json:"right"`
	Similarities     []string `json:"similarities"`
	LeftDifferences  []string `json:"left_differences"`
	RightDifferences []string `json:"right_differences"`
}

// BubbleSpec is the typed form of a bubble_map spec.
type BubbleSpec struct {
	Topic      string   `json:"topic"`
	Attributes []string `json:"attributes"`
}

// TreeSpec is the typed form of a tree_map spec.
type TreeSpec struct {
	Topic      string              `json:"topic"`
	Dimension  string              `json:"dimension,omitempty"`
	Categories map[string][]string `json:"categories"`
}

// BraceSpec is the typed form of a brace_map spec.
type BraceSpec struct {
	Whole string              `json:"whole"`
	Parts map[string][]string `json:"parts"`
}
