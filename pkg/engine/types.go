package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/leadflowhq/leadflow/pkg/plan"
)

// Status is the lifecycle state of a campaign instance.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Outcome is the result of one execution attempt.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetrying Outcome = "retrying"
	OutcomeFailed   Outcome = "failed"
)

// Instance is one live run of a plan for one (tenant, contact) pair.
// NextWakeAt is nil only when the instance is no longer active.
type Instance struct {
	ID            uuid.UUID
	TenantID      string
	ContactID     string
	LeadID        string
	ContactEmail  string
	Channel       string
	PlanRef       plan.Ref
	CurrentNodeID string
	Status        Status
	NextWakeAt    *time.Time
	LastSentAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attempt records one firing of a node. AttemptNumber increases
// monotonically per (instance, node); ProviderMessageID is set only on
// a sent outcome.
type Attempt struct {
	ID                uuid.UUID
	InstanceID        uuid.UUID
	NodeID            string
	AttemptNumber     int
	Outcome           Outcome
	ProviderMessageID string
	ProviderThreadID  string
	Subject           string
	LastError         string
	SentAt            *time.Time
	CreatedAt         time.Time
}
