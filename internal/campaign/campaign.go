package campaign

import (
	"encoding/json"
	"time"
)

// Campaign is a declarative outbound campaign and its persisted delivery state
type Campaign struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	AccountID    string            `json:"account_id"`
	Name         string            `json:"name"`
	CampaignType string            `json:"campaign_type,omitempty"`
	Strategy     Strategy          `json:"strategy"`
	Variants     []*MessageVariant `json:"message_variants"`
	Audience     Audience          `json:"audience"`
	Schedule     Schedule          `json:"schedule"`
	RateLimit    RateLimit         `json:"rate_limit"`
	Priority     Priority          `json:"priority"`
	Metrics      Metrics           `json:"metrics"` // sum of the variant metrics
	AudienceSize int               `json:"audience_size"`
	Rejected     int               `json:"rejected"` // contacts with invalid or repeated numbers
	Status       Status            `json:"status"`
	Experiment   *Experiment       `json:"experiment,omitempty"`
	Holdout      []*Recipient      `json:"holdout,omitempty"` // outside every variant, not in Metrics
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartsAt     *time.Time        `json:"starts_at,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Strategy describes single-variant or A/B delivery
type Strategy struct {
	Mode                    Mode       `json:"mode"`
	Allocation              Allocation `json:"allocation,omitempty"`
	Weights                 []Weight   `json:"weights,omitempty"`
	SampleSizePercent       *int       `json:"sample_size_percent,omitempty"` // nil means 100
	WinningCriteria         Criteria   `json:"winning_criteria,omitempty"`
	EvaluationWindowMinutes int        `json:"evaluation_window_minutes,omitempty"`
	AutoPromoteWinner       bool       `json:"auto_promote_winner"`
	RampUp                  RampUp     `json:"ramp_up"`
}

// SamplePercent returns the share of the audience placed in the experiment
func (s Strategy) SamplePercent() int {
	if s.SampleSizePercent == nil {
		return 100
	}
	return *s.SampleSizePercent
}

// Percent returns a pointer to p, for Strategy.SampleSizePercent
func Percent(p int) *int {
	return &p
}

// Weight is the allocation weight of one variant
type Weight struct {
	VariantName string `json:"variant_name"`
	Weight      int    `json:"weight"`
}

// RampUp throttles an experiment as it progresses
type RampUp struct {
	Enabled   bool       `json:"enabled"`
	Plan      []RampStep `json:"plan,omitempty"`
	DelayType DelayType  `json:"delay_type,omitempty"`
	// DelayValue is the spacing in seconds between experiment sends while ramping
	DelayValue int `json:"delay_value,omitempty"`
}

// RampStep pauses dispatch once AtPercentSent of the sample has been sent
type RampStep struct {
	AtPercentSent int `json:"at_percent_sent"`
	DelayMinutes  int `json:"delay_minutes"`
}

// MessageVariant is one message payload and the recipients assigned to it
type MessageVariant struct {
	Name       string       `json:"variant_name"`
	Type       VariantType  `json:"type"`
	Content    Content      `json:"content"`
	Recipients []*Recipient `json:"recipients,omitempty"`
	Metrics    Metrics      `json:"metrics"`
	RateLimit  *RateLimit   `json:"rate_limit,omitempty"`
}

// Content is the payload handed to the send primitive
type Content struct {
	Text           string   `json:"text,omitempty"`
	Caption        string   `json:"caption,omitempty"`
	MediaURL       string   `json:"media_url,omitempty"`
	MimeType       string   `json:"mime_type,omitempty"`
	FileName       string   `json:"file_name,omitempty"`
	TemplateName   string   `json:"template_name,omitempty"`
	TemplateParams []string `json:"template_params,omitempty"`
}

// Audience references the contacts a campaign targets
type Audience struct {
	ListID   string    `json:"list_id,omitempty"`
	Contacts []Contact `json:"contacts,omitempty"`
}

// Contact is one audience member before assignment
type Contact struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Schedule resolves the first send time
type Schedule struct {
	Type          ScheduleType `json:"type"`
	ScheduledDate string       `json:"scheduled_date,omitempty"`
	Timezone      string       `json:"timezone,omitempty"`
	CustomDelay   int          `json:"custom_delay,omitempty"`
	DelayUnit     DelayUnit    `json:"delay_unit,omitempty"`
}

// RateLimit holds per-campaign (or per-variant) send limits
type RateLimit struct {
	MessagesPerMinute int  `json:"messages_per_minute"`
	MaxRetries        int  `json:"max_retries"`
	RandomDelay       bool `json:"random_delay"`
}

// Metrics are cumulative delivery counters
type Metrics struct {
	TotalRecipients int `json:"total_recipients"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Read            int `json:"read"`
	Failed          int `json:"failed"`
	Skipped         int `json:"skipped"`
}

// Recipient is one audience member assigned to a variant
type Recipient struct {
	ID                string            `json:"id"`
	Phone             string            `json:"phone"`
	Name              string            `json:"name,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`
	Status            RecipientStatus   `json:"status"`
	LastError         string            `json:"last_error,omitempty"`
	Retries           int               `json:"retries"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `json:"read_at,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Response          json.RawMessage   `json:"response,omitempty"`
	Reply             string            `json:"reply,omitempty"`
}

// Experiment is the A/B state of an ab-mode campaign
type Experiment struct {
	Phase          Phase      `json:"phase"`
	SampleSize     int        `json:"sample_size"`
	FirstSentAt    *time.Time `json:"first_sent_at,omitempty"`
	RampStepsFired int        `json:"ramp_steps_fired"`
	HoldUntil      *time.Time `json:"hold_until,omitempty"` // dispatch paused by the ramp until then
	Suggested      string     `json:"suggested,omitempty"`
	Winner         string     `json:"winner,omitempty"`
	EvaluatedAt    *time.Time `json:"evaluated_at,omitempty"`
}

// Counts holds the number of campaigns per status
type Counts struct {
	Draft     int `json:"draft"`
	Scheduled int `json:"scheduled"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

func (c *Counts) add(s Status) {
	c.Total++
	switch s {
	case StatusDraft:
		c.Draft++
	case StatusScheduled:
		c.Scheduled++
	case StatusRunning:
		c.Running++
	case StatusPaused:
		c.Paused++
	case StatusCompleted:
		c.Completed++
	case StatusFailed:
		c.Failed++
	}
}

// ListFilter represents filter options for listing campaigns
type ListFilter struct {
	Status    Status
	AccountID string
	Limit     int
	Offset    int
}

// Variant returns the variant with the given name
func (c *Campaign) Variant(name string) *MessageVariant {
	for _, v := range c.Variants {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// FindRecipient locates a recipient by id. The variant is nil for held-back recipients.
func (c *Campaign) FindRecipient(id string) (*MessageVariant, *Recipient) {
	for _, v := range c.Variants {
		for _, r := range v.Recipients {
			if r.ID == id {
				return v, r
			}
		}
	}
	for _, r := range c.Holdout {
		if r.ID == id {
			return nil, r
		}
	}
	return nil, nil
}

// Recipients calls fn for every recipient including held-back ones
func (c *Campaign) Recipients(fn func(v *MessageVariant, r *Recipient)) {
	for _, v := range c.Variants {
		for _, r := range v.Recipients {
			fn(v, r)
		}
	}
	for _, r := range c.Holdout {
		fn(nil, r)
	}
}

// EffectiveRateLimit returns the variant override if set, else the campaign limit
func (c *Campaign) EffectiveRateLimit(v *MessageVariant) RateLimit {
	rl := c.RateLimit
	if v == nil || v.RateLimit == nil {
		return rl
	}
	o := v.RateLimit
	if o.MessagesPerMinute > 0 {
		rl.MessagesPerMinute = o.MessagesPerMinute
	}
	if o.MaxRetries > 0 {
		rl.MaxRetries = o.MaxRetries
	}
	rl.RandomDelay = o.RandomDelay || rl.RandomDelay
	return rl
}

// Transition moves the campaign to next, enforcing forward-only status changes
func (c *Campaign) Transition(next Status, now time.Time) error {
	if !c.Status.CanTransition(next) {
		return &TransitionError{From: string(c.Status), To: string(next)}
	}
	c.Status = next
	c.UpdatedAt = now
	switch next {
	case StatusRunning:
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	case StatusCompleted, StatusFailed:
		c.CompletedAt = &now
	}
	return nil
}

// Record applies the counter increments for statuses newly reached by a
// recipient of v, on both the variant and the campaign aggregate. Recipients
// outside every variant (v == nil) are not counted.
func (c *Campaign) Record(v *MessageVariant, reached []RecipientStatus) {
	if v == nil {
		return
	}
	for _, s := range reached {
		v.Metrics.add(s)
		c.Metrics.add(s)
	}
}

// Assign adds n recipients to the totals of v and of the campaign
func (c *Campaign) Assign(v *MessageVariant, n int) {
	v.Metrics.TotalRecipients += n
	c.Metrics.TotalRecipients += n
}

// VariantMetrics returns the sum of the variant metrics
func (c *Campaign) VariantMetrics() Metrics {
	var sum Metrics
	for _, v := range c.Variants {
		sum.TotalRecipients += v.Metrics.TotalRecipients
		sum.Sent += v.Metrics.Sent
		sum.Delivered += v.Metrics.Delivered
		sum.Read += v.Metrics.Read
		sum.Failed += v.Metrics.Failed
		sum.Skipped += v.Metrics.Skipped
	}
	return sum
}

func (m *Metrics) add(s RecipientStatus) {
	switch s {
	case RecipientSent:
		m.Sent++
	case RecipientDelivered:
		m.Delivered++
	case RecipientRead:
		m.Read++
	case RecipientFailed:
		m.Failed++
	case RecipientSkipped:
		m.Skipped++
	}
}

// Pending reports whether any assigned recipient still awaits a send
func (c *Campaign) Pending() bool {
	for _, v := range c.Variants {
		for _, r := range v.Recipients {
			if r.Status == RecipientPending {
				return true
			}
		}
	}
	return false
}

// RefreshCompletion completes an active campaign once nothing is left to send
func (c *Campaign) RefreshCompletion(now time.Time) bool {
	if c.Status != StatusRunning && c.Status != StatusScheduled {
		return false
	}
	if c.Pending() {
		return false
	}
	if exp := c.Experiment; exp != nil && exp.Phase != PhasePromoted && exp.Phase != PhaseCancelled {
		return false
	}
	return c.Transition(StatusCompleted, now) == nil
}

// SampledFinal reports whether every recipient assigned to a variant has
// reached a final state
func (c *Campaign) SampledFinal() bool {
	for _, v := range c.Variants {
		for _, r := range v.Recipients {
			if !r.Status.Final() {
				return false
			}
		}
	}
	return true
}
