package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/leadflowhq/leadflow/pkg/duration"
)

// TargetEnd is the explicit terminal transition target.
const TargetEnd = "end"

// Supported channels and actions. The plan format reserves room for
// other channels but only email is implemented.
const (
	ChannelEmail = "email"
	ActionSend   = "send"
)

// Plan is the immutable declarative definition of a campaign: a node
// graph plus the calendar context it is scheduled in. A running
// campaign instance pins to a plan's content hash, so editing a plan
// never alters instances already in flight.
type Plan struct {
	Version       int               `json:"version"`
	Timezone      string            `json:"timezone"`
	QuietHours    duration.Window   `json:"quiet_hours,omitempty"`
	DefaultTimers map[string]string `json:"default_timers,omitempty"`
	StartNodeID   string            `json:"start_node_id"`
	Nodes         []Node            `json:"nodes"`
}

// Node is one step in the sequence. A node with no transitions is
// terminal.
type Node struct {
	ID          string       `json:"id"`
	Channel     string       `json:"channel"`
	Action      string       `json:"action"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Schedule    Schedule     `json:"schedule"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Schedule carries the node's ISO-8601 delay relative to the previous
// step.
type Schedule struct {
	Delay string `json:"delay"`
}

// Transition is a rule for leaving a node. Transitions are evaluated in
// declared order and the first matching one is taken.
type Transition struct {
	Condition Condition `json:"condition"`
	Target    string    `json:"target"`
}

// ConditionType tags the condition variants.
type ConditionType string

const (
	// ConditionAlways matches unconditionally.
	ConditionAlways ConditionType = "always"
	// ConditionReplyReceived matches when an inbound reply has been
	// recorded against the instance since the node's send.
	ConditionReplyReceived ConditionType = "reply_received"
	// ConditionNoReplyAfter matches when no reply has been recorded and
	// the configured time has elapsed since the node's send.
	ConditionNoReplyAfter ConditionType = "no_reply_after"
)

// Condition is a tagged variant; After is only meaningful for
// no_reply_after and holds either an ISO-8601 duration or the name of a
// timer from the plan's DefaultTimers.
type Condition struct {
	Type  ConditionType `json:"type"`
	After string        `json:"after,omitempty"`
}

// FindNode returns the node with the given id.
func (p *Plan) FindNode(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// ResolveTimer resolves a condition's After field to a duration: first
// as a literal ISO-8601 string, then as a named timer.
func (p *Plan) ResolveTimer(after string) (string, error) {
	if _, err := duration.Parse(after); err == nil {
		return after, nil
	}
	if named, ok := p.DefaultTimers[after]; ok {
		if _, err := duration.Parse(named); err != nil {
			return "", fmt.Errorf("timer %q resolves to unparseable duration %q", after, named)
		}
		return named, nil
	}
	return "", fmt.Errorf("unknown timer or duration %q", after)
}

// Hash computes the content-addressed identity of the plan: the SHA-256
// of its canonical JSON form. encoding/json emits struct fields in
// declared order and map keys sorted, so logically identical plans hash
// identically regardless of load order.
func (p *Plan) Hash() (string, error) {
	canonical, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Ref pins a campaign instance to one exact plan revision.
type Ref struct {
	Version int    `json:"version"`
	Hash    string `json:"hash"`
}
