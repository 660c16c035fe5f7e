package attacktree

import "fmt"

// Tree is the stored attack tree graph: React Flow shaped nodes and edges.
type Tree struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Node struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data *NodeData `json:"data"`
}

type NodeData struct {
	Label    string `json:"label"`
	GateType string `json:"gateType,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Severity string `json:"severity,omitempty"`
}

type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type,omitempty"`
}

const (
	NodeRoot       = "root"
	NodeAndGate    = "and-gate"
	NodeOrGate     = "or-gate"
	NodeLeafAttack = "leaf-attack"
)

var gateTypes = map[string]string{
	NodeAndGate: "AND",
	NodeOrGate:  "OR",
}

var attackPhases = map[string]struct{}{
	"reconnaissance":       {},
	"initial-access":       {},
	"execution":            {},
	"persistence":          {},
	"privilege-escalation": {},
	"exfiltration":         {},
	"impact":               {},
}

var severities = map[string]struct{}{
	"low":      {},
	"medium":   {},
	"high":     {},
	"critical": {},
}

var edgeTypes = map[string]struct{}{
	"default":    {},
	"straight":   {},
	"step":       {},
	"smoothstep": {},
}

// Validate checks the structural invariants of a tree before it is accepted
// for storage. It fails fast: the return is ok plus the first violation
// message, not an aggregate report.
func Validate(tree Tree) (bool, string) {
	if tree.Nodes == nil {
		return false, "nodes array is required"
	}
	if tree.Edges == nil {
		return false, "edges array is required"
	}

	seen := make(map[string]struct{}, len(tree.Nodes))
	rootCount := 0
	for i, node := range tree.Nodes {
		if node.ID == "" {
			return false, fmt.Sprintf("node %d has no id", i)
		}
		if _, dup := seen[node.ID]; dup {
			return false, fmt.Sprintf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = struct{}{}

		if node.Data == nil || node.Data.Label == "" {
			return false, fmt.Sprintf("node %q has no label", node.ID)
		}

		switch node.Type {
		case NodeRoot:
			rootCount++
			if rootCount > 1 {
				return false, fmt.Sprintf("multiple root nodes: %q is a second root", node.ID)
			}
			if i != 0 {
				return false, "root node must be the first node"
			}
		case NodeAndGate, NodeOrGate:
			if node.Data.GateType != gateTypes[node.Type] {
				return false, fmt.Sprintf("node %q: gateType %q does not match node type %q", node.ID, node.Data.GateType, node.Type)
			}
		case NodeLeafAttack:
			if _, ok := attackPhases[node.Data.Phase]; !ok {
				return false, fmt.Sprintf("node %q has invalid phase %q", node.ID, node.Data.Phase)
			}
			if _, ok := severities[node.Data.Severity]; !ok {
				return false, fmt.Sprintf("node %q has invalid severity %q", node.ID, node.Data.Severity)
			}
		default:
			return false, fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type)
		}
	}
	if rootCount != 1 {
		return false, "exactly one root node is required"
	}

	for i, edge := range tree.Edges {
		if _, ok := seen[edge.Source]; !ok {
			return false, fmt.Sprintf("edge %d references unknown source %q", i, edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return false, fmt.Sprintf("edge %d references unknown target %q", i, edge.Target)
		}
		if edge.Type != "" {
			if _, ok := edgeTypes[edge.Type]; !ok {
				return false, fmt.Sprintf("edge %d has unknown type %q", i, edge.Type)
			}
		}
	}
	return true, ""
}
