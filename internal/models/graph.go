// Package models defines shared types for FlowBot: flow graphs, sessions,
// group sessions, endpoint records, periodic tasks, and API envelopes.
package models

import "fmt"

// NodeType identifies the handler used to execute a node. The set is open:
// new types can be registered at startup without touching the dispatch loop.
type NodeType string

// Known node types.
const (
	NodeTypeStart             NodeType = "start"
	NodeTypeMessage           NodeType = "message"
	NodeTypeKeyboard          NodeType = "keyboard"
	NodeTypeCondition         NodeType = "condition"
	NodeTypeEnd               NodeType = "end"
	NodeTypeForm              NodeType = "form"
	NodeTypeDelay             NodeType = "delay"
	NodeTypeVariable          NodeType = "variable"
	NodeTypeFile              NodeType = "file"
	NodeTypeRandom            NodeType = "random"
	NodeTypeWebhook           NodeType = "webhook"
	NodeTypeNewMessage        NodeType = "new_message"
	NodeTypeEndpoint          NodeType = "endpoint"
	NodeTypeBroadcast         NodeType = "broadcast"
	NodeTypeLocation          NodeType = "location"
	NodeTypeCalculator        NodeType = "calculator"
	NodeTypeTransform         NodeType = "transform"
	NodeTypeGroupCreate       NodeType = "group_create"
	NodeTypeGroupJoin         NodeType = "group_join"
	NodeTypeGroupAction       NodeType = "group_action"
	NodeTypeGroupLeave        NodeType = "group_leave"
	NodeTypeAISingle          NodeType = "ai_single"
	NodeTypeAIChat            NodeType = "ai_chat"
	NodeTypePeriodicExecution NodeType = "periodic_execution"
	NodeTypePeriodicControl   NodeType = "periodic_control"
)

// Button is a single keyboard button shown to the end user.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// RandomOption is one weighted outcome of a random node. The label selects
// the outgoing edge carrying the same branch label.
type RandomOption struct {
	Label  string `json:"label"`
	Weight int    `json:"weight"`
}

// FormField is one step of a form node: the prompt sent to the user and the
// variable the reply is bound to.
type FormField struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// NodeData is the type-specific configuration payload of a node. It is a
// superset of all handler configurations; each handler reads only the fields
// it documents. Unknown fields are preserved by JSON round-trips.
type NodeData struct {
	// Shared / messaging
	Text        string   `json:"text,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
	FileURL     string   `json:"fileUrl,omitempty"`
	Caption     string   `json:"caption,omitempty"`

	// new_message matching
	CaseSensitive bool `json:"caseSensitive,omitempty"`

	// condition / calculator / transform / group aggregate
	Variable       string   `json:"variable,omitempty"`
	Value          string   `json:"value,omitempty"`
	Operator       string   `json:"operator,omitempty"`
	Operation      string   `json:"operation,omitempty"`
	Operands       []string `json:"operands,omitempty"`
	ResultVariable string   `json:"resultVariable,omitempty"`

	// delay / location / group collect timeouts
	DelaySeconds   int `json:"delaySeconds,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	// webhook / endpoint
	URL       string `json:"url,omitempty"`
	Method    string `json:"method,omitempty"`
	AccessKey string `json:"accessKey,omitempty"`

	// random
	Options []RandomOption `json:"options,omitempty"`

	// form
	Fields []FormField `json:"fields,omitempty"`

	// group
	GroupVariable string `json:"groupVariable,omitempty"`
	AggregateAs   string `json:"aggregateAs,omitempty"`
	WaitForAll    bool   `json:"waitForAll,omitempty"`
	Scope         string `json:"scope,omitempty"`
	ExcludeSelf   bool   `json:"excludeSelf,omitempty"`
	Role          string `json:"role,omitempty"`

	// ai
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UserPrompt   string `json:"userPrompt,omitempty"`
	Model        string `json:"model,omitempty"`
	MaxRetries   int    `json:"maxRetries,omitempty"`
	Streaming    bool   `json:"streaming,omitempty"`
	HistoryVar   string `json:"historyVariable,omitempty"`

	// periodic
	Interval      int    `json:"interval,omitempty"`
	IntervalUnit  string `json:"intervalUnit,omitempty"`
	CronExpr      string `json:"cronExpr,omitempty"`
	MaxExecutions int    `json:"maxExecutions,omitempty"`
	ControlAction string `json:"controlAction,omitempty"`
	TargetNodeID  string `json:"targetNodeId,omitempty"`
}

// Node is a typed step in a flow graph. Nodes are read-only to the
// interpreter.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge is a directed transition between two nodes. SourceHandle or Label
// encode branch tags (e.g. "true"/"false") for conditional nodes.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// BranchLabel returns the branch tag of the edge: SourceHandle when set,
// otherwise Label.
func (e Edge) BranchLabel() string {
	if e.SourceHandle != "" {
		return e.SourceHandle
	}
	return e.Label
}

// FlowGraph is the immutable node-and-edge program of one bot activation.
// Node declaration order is preserved because entry-node tie-breaking
// depends on it.
type FlowGraph struct {
	ID    string `json:"id"`
	BotID string `json:"botId"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	index map[string]int
}

// NewFlowGraph builds a graph and validates that every edge references
// existing nodes.
func NewFlowGraph(id, botID string, nodes []Node, edges []Edge) (*FlowGraph, error) {
	g := &FlowGraph{ID: id, BotID: botID, Nodes: nodes, Edges: edges}
	g.buildIndex()
	for _, e := range edges {
		if _, ok := g.index[e.Source]; !ok {
			return nil, fmt.Errorf("edge references unknown source node %q", e.Source)
		}
		if _, ok := g.index[e.Target]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %q", e.Target)
		}
	}
	return g, nil
}

func (g *FlowGraph) buildIndex() {
	g.index = make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		g.index[n.ID] = i
	}
}

// Node returns the node with the given id, if present.
func (g *FlowGraph) Node(id string) (Node, bool) {
	if g.index == nil {
		g.buildIndex()
	}
	i, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// OutgoingEdges returns the edges leaving nodeID in declaration order.
func (g *FlowGraph) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges entering nodeID in declaration order.
func (g *FlowGraph) IncomingEdges(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// NodesOfType returns all nodes of the given type in declaration order.
func (g *FlowGraph) NodesOfType(t NodeType) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// IsBranchStart reports whether nodeID has no incoming edges, or only
// incoming edges originating from start nodes. Branch-start nodes are the
// only new_message nodes eligible for free-text entry matching.
func (g *FlowGraph) IsBranchStart(nodeID string) bool {
	for _, e := range g.IncomingEdges(nodeID) {
		src, ok := g.Node(e.Source)
		if !ok || src.Type != NodeTypeStart {
			return false
		}
	}
	return true
}
