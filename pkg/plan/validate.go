package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/leadflowhq/leadflow/pkg/duration"
)

// ValidationError aggregates every defect found in a plan so authors can
// fix them in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Issues, "; "))
}

// Validate checks id uniqueness, start-node existence, transition target
// existence, condition well-formedness and delay parseability. Plans are
// rejected here, at load time, so the engine never has to reject one at
// tick time.
func (p *Plan) Validate() error {
	var issues []string

	if p.StartNodeID == "" {
		issues = append(issues, "start_node_id is required")
	}
	if len(p.Nodes) == 0 {
		issues = append(issues, "plan has no nodes")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			issues = append(issues, fmt.Sprintf("unknown timezone %q", p.Timezone))
		}
	}

	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.ID == "" {
			issues = append(issues, "node with empty id")
			continue
		}
		if n.ID == TargetEnd {
			issues = append(issues, fmt.Sprintf("node id %q is reserved", TargetEnd))
		}
		if seen[n.ID] {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
	}

	if p.StartNodeID != "" {
		if _, ok := p.FindNode(p.StartNodeID); !ok {
			issues = append(issues, fmt.Sprintf("start node %q does not exist", p.StartNodeID))
		}
	}

	for name, timer := range p.DefaultTimers {
		if _, err := duration.Parse(timer); err != nil {
			issues = append(issues, fmt.Sprintf("default timer %q: unparseable duration %q", name, timer))
		}
	}

	for _, n := range p.Nodes {
		issues = append(issues, p.validateNode(n, seen)...)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (p *Plan) validateNode(n Node, ids map[string]bool) []string {
	var issues []string

	if n.Channel != ChannelEmail {
		issues = append(issues, fmt.Sprintf("node %q: unsupported channel %q", n.ID, n.Channel))
	}
	if n.Action != ActionSend {
		issues = append(issues, fmt.Sprintf("node %q: unsupported action %q", n.ID, n.Action))
	}
	if _, err := duration.Parse(n.Schedule.Delay); err != nil {
		issues = append(issues, fmt.Sprintf("node %q: unparseable delay %q", n.ID, n.Schedule.Delay))
	}

	for i, tr := range n.Transitions {
		if tr.Target != TargetEnd && !ids[tr.Target] {
			issues = append(issues, fmt.Sprintf("node %q: transition %d targets unknown node %q", n.ID, i, tr.Target))
		}
		switch tr.Condition.Type {
		case ConditionAlways, ConditionReplyReceived:
		case ConditionNoReplyAfter:
			if _, err := p.ResolveTimer(tr.Condition.After); err != nil {
				issues = append(issues, fmt.Sprintf("node %q: transition %d: %v", n.ID, i, err))
			}
		default:
			issues = append(issues, fmt.Sprintf("node %q: transition %d: unknown condition type %q", n.ID, i, tr.Condition.Type))
		}
	}

	return issues
}
