package models

import "testing"

func TestNewFlowGraphValidatesEdges(t *testing.T) {
	nodes := []Node{
		{ID: "a", Type: NodeTypeStart},
		{ID: "b", Type: NodeTypeMessage},
	}
	if _, err := NewFlowGraph("g1", "bot1", nodes, []Edge{{Source: "a", Target: "b"}}); err != nil {
		t.Fatalf("expected valid graph, got error: %v", err)
	}
	if _, err := NewFlowGraph("g2", "bot1", nodes, []Edge{{Source: "a", Target: "missing"}}); err == nil {
		t.Error("expected error for edge with unknown target")
	}
	if _, err := NewFlowGraph("g3", "bot1", nodes, []Edge{{Source: "missing", Target: "b"}}); err == nil {
		t.Error("expected error for edge with unknown source")
	}
}

func TestFlowGraphLookups(t *testing.T) {
	g, err := NewFlowGraph("g", "bot", []Node{
		{ID: "s", Type: NodeTypeStart},
		{ID: "m1", Type: NodeTypeMessage},
		{ID: "m2", Type: NodeTypeMessage},
	}, []Edge{
		{Source: "s", Target: "m1"},
		{Source: "m1", Target: "m2", Label: "next"},
	})
	if err != nil {
		t.Fatalf("NewFlowGraph failed: %v", err)
	}

	if _, ok := g.Node("m1"); !ok {
		t.Error("expected to find node m1")
	}
	if _, ok := g.Node("nope"); ok {
		t.Error("did not expect to find node nope")
	}

	out := g.OutgoingEdges("m1")
	if len(out) != 1 || out[0].Target != "m2" {
		t.Errorf("unexpected outgoing edges for m1: %+v", out)
	}
	in := g.IncomingEdges("m2")
	if len(in) != 1 || in[0].Source != "m1" {
		t.Errorf("unexpected incoming edges for m2: %+v", in)
	}

	msgs := g.NodesOfType(NodeTypeMessage)
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("NodesOfType should preserve declaration order, got %+v", msgs)
	}
}

func TestIsBranchStart(t *testing.T) {
	g, err := NewFlowGraph("g", "bot", []Node{
		{ID: "s", Type: NodeTypeStart},
		{ID: "entry", Type: NodeTypeNewMessage},
		{ID: "fromStart", Type: NodeTypeNewMessage},
		{ID: "mid", Type: NodeTypeNewMessage},
		{ID: "msg", Type: NodeTypeMessage},
	}, []Edge{
		{Source: "s", Target: "fromStart"},
		{Source: "msg", Target: "mid"},
	})
	if err != nil {
		t.Fatalf("NewFlowGraph failed: %v", err)
	}

	cases := []struct {
		nodeID string
		want   bool
	}{
		{"entry", true},     // no incoming edges
		{"fromStart", true}, // only incoming edge is from a start node
		{"mid", false},      // incoming edge from a message node
	}
	for _, tc := range cases {
		if got := g.IsBranchStart(tc.nodeID); got != tc.want {
			t.Errorf("IsBranchStart(%q) = %v, want %v", tc.nodeID, got, tc.want)
		}
	}
}

func TestEdgeBranchLabel(t *testing.T) {
	e := Edge{SourceHandle: "true", Label: "yes"}
	if got := e.BranchLabel(); got != "true" {
		t.Errorf("BranchLabel should prefer SourceHandle, got %q", got)
	}
	e = Edge{Label: "no"}
	if got := e.BranchLabel(); got != "no" {
		t.Errorf("BranchLabel should fall back to Label, got %q", got)
	}
}

func TestStartCmdDefault(t *testing.T) {
	if got := (Bot{ID: "b"}).StartCmd(); got != DefaultStartCommand {
		t.Errorf("expected default start command, got %q", got)
	}
	if got := (Bot{ID: "b", StartCommand: "/go"}).StartCmd(); got != "/go" {
		t.Errorf("expected configured start command, got %q", got)
	}
}

func TestRemainingBudget(t *testing.T) {
	unlimited := PeriodicTask{}
	if got := unlimited.RemainingBudget(); got != -1 {
		t.Errorf("unlimited task should report -1, got %d", got)
	}
	partial := PeriodicTask{MaxExecutions: 5, ExecutionCount: 3}
	if got := partial.RemainingBudget(); got != 2 {
		t.Errorf("expected remaining budget 2, got %d", got)
	}
	spent := PeriodicTask{MaxExecutions: 2, ExecutionCount: 4}
	if got := spent.RemainingBudget(); got != 0 {
		t.Errorf("overspent task should report 0, got %d", got)
	}
}
