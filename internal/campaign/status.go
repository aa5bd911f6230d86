package campaign

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle status of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AllStatuses lists campaign statuses in lifecycle order
var AllStatuses = []Status{StatusDraft, StatusScheduled, StatusRunning, StatusPaused, StatusCompleted, StatusFailed}

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusScheduled:
		return 1
	case StatusRunning, StatusPaused:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// CanTransition reports whether s may move to next.
// Statuses only move forward, except running and paused which alternate.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if (s == StatusRunning && next == StatusPaused) || (s == StatusPaused && next == StatusRunning) {
		return true
	}
	return next.rank() > s.rank()
}

// RecipientStatus represents per-recipient delivery state
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
	RecipientSkipped   RecipientStatus = "skipped"
)

// funnel position; failed and skipped sit outside the funnel
func (s RecipientStatus) step() int {
	switch s {
	case RecipientPending:
		return 0
	case RecipientSent:
		return 1
	case RecipientDelivered:
		return 2
	case RecipientRead:
		return 3
	}
	return -1
}

// Valid reports whether s is a known recipient status
func (s RecipientStatus) Valid() bool {
	return s.step() >= 0 || s == RecipientFailed || s == RecipientSkipped
}

// Absorbing reports whether s admits no further transition
func (s RecipientStatus) Absorbing() bool {
	return s == RecipientFailed || s == RecipientSkipped
}

// Final reports whether s is a resting state for experiment evaluation
func (s RecipientStatus) Final() bool {
	return s == RecipientRead || s.Absorbing()
}

// VariantType is the kind of payload a variant carries
type VariantType string

const (
	VariantText     VariantType = "text"
	VariantMedia    VariantType = "media"
	VariantTemplate VariantType = "template"
	VariantMixed    VariantType = "mixed"
)

// Valid reports whether t is a known variant type
func (t VariantType) Valid() bool {
	switch t {
	case VariantText, VariantMedia, VariantTemplate, VariantMixed:
		return true
	}
	return false
}

// ScheduleType selects how the first send time is resolved
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleDelayed   ScheduleType = "delayed"
	ScheduleScheduled ScheduleType = "scheduled"
)

// DelayUnit is the unit of Schedule.CustomDelay
type DelayUnit string

const (
	UnitSeconds DelayUnit = "seconds"
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

// Mode is the strategy mode
type Mode string

const (
	ModeSingle Mode = "single"
	ModeAB     Mode = "ab"
)

// Allocation controls how sampled recipients are spread over variants
type Allocation string

const (
	// AllocationUniform samples uniformly at random (seeded by campaign id)
	AllocationUniform Allocation = "uniform"
	// AllocationRoundRobin samples in audience order and interleaves variants
	AllocationRoundRobin Allocation = "round_robin"
)

// Criteria selects the experiment winner
type Criteria string

const (
	CriteriaHighestDelivered    Criteria = "highest_delivered"
	CriteriaHighestRead         Criteria = "highest_read"
	CriteriaHighestDeliveryRate Criteria = "highest_delivery_rate"
	CriteriaHighestReadRate     Criteria = "highest_read_rate"
	CriteriaLowestFailed        Criteria = "lowest_failed"
)

// Valid reports whether c is a known criteria
func (c Criteria) Valid() bool {
	switch c {
	case CriteriaHighestDelivered, CriteriaHighestRead, CriteriaHighestDeliveryRate,
		CriteriaHighestReadRate, CriteriaLowestFailed:
		return true
	}
	return false
}

// DelayType controls ramp-up delays
type DelayType string

const (
	DelayFixed  DelayType = "fixed"
	DelayRandom DelayType = "random"
)

// Phase is the experiment phase of an ab campaign
type Phase string

const (
	PhaseSampling         Phase = "sampling"
	PhaseAwaitingDecision Phase = "awaiting_decision"
	PhasePromoted         Phase = "promoted"
	PhaseCancelled        Phase = "cancelled"
)

// Priority orders jobs in the dispatch queue
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = []string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name. An empty name means normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityLow || p > PriorityUrgent {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
