package queue

import (
	"context"
	"time"

	"github.com/foxzi/herald/internal/campaign"
)

// JobState is where a job currently sits in the dispatcher
type JobState string

const (
	// StateWaiting jobs have a NotBefore in the future
	StateWaiting JobState = "waiting"
	// StateReady jobs are eligible and ordered by priority
	StateReady JobState = "ready"
	// StateParked jobs belong to a paused or held campaign
	StateParked JobState = "parked"
	// StateInFlight is the job currently handed to the provider
	StateInFlight JobState = "in_flight"
)

// Job is one rendered message to one recipient. Its ID is the recipient id,
// so a recipient is never queued twice.
type Job struct {
	ID          string               `json:"id"`
	CampaignID  string               `json:"campaign_id"`
	AccountID   string               `json:"account_id"`
	VariantName string               `json:"variant_name"`
	Phone       string               `json:"phone"`
	Type        campaign.VariantType `json:"type"`
	Content     campaign.Content     `json:"content"`
	Priority    campaign.Priority    `json:"priority"`
	NotBefore   time.Time            `json:"not_before"`
	// Attempt counts failed send attempts so far
	Attempt   int                `json:"attempt"`
	RateLimit campaign.RateLimit `json:"rate_limit"`

	state JobState
	seq   uint64
}

// Task is a timed callback driven by the dispatcher loop, used for
// experiment evaluation and hold release instead of free-running timers
type Task struct {
	Name       string
	CampaignID string
	Due        time.Time
	Run        func(ctx context.Context)
}

// Stats describes the queue of one account
type Stats struct {
	AccountID string `json:"account_id"`
	Ready     int    `json:"ready"`
	Waiting   int    `json:"waiting"`
	Parked    int    `json:"parked"`
	Tasks     int    `json:"tasks"`
	InFlight  bool   `json:"in_flight"`
}

// JobInfo is a snapshot of a queued job
type JobInfo struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}
