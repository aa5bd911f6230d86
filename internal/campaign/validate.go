package campaign

import (
	"time"
)

// Defaults fills campaign fields left empty by the caller
type Defaults struct {
	MaxRetries              int
	EvaluationWindowMinutes int
}

// ApplyDefaults normalizes optional fields
func (c *Campaign) ApplyDefaults(d Defaults) {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Schedule.Type == "" {
		c.Schedule.Type = ScheduleImmediate
	}
	if c.Strategy.Mode == "" {
		c.Strategy.Mode = ModeSingle
	}
	if c.RateLimit.MaxRetries == 0 {
		c.RateLimit.MaxRetries = d.MaxRetries
	}
	if c.Strategy.Mode != ModeAB {
		return
	}
	if c.Strategy.Allocation == "" {
		c.Strategy.Allocation = AllocationUniform
	}
	if c.Strategy.SampleSizePercent == nil {
		c.Strategy.SampleSizePercent = Percent(100)
	}
	if c.Strategy.WinningCriteria == "" {
		c.Strategy.WinningCriteria = CriteriaHighestDelivered
	}
	if c.Strategy.EvaluationWindowMinutes == 0 {
		c.Strategy.EvaluationWindowMinutes = d.EvaluationWindowMinutes
	}
	if c.Strategy.RampUp.DelayType == "" {
		c.Strategy.RampUp.DelayType = DelayFixed
	}
}

// Validate checks a campaign before activation. Every failure wraps ErrInvalid.
func (c *Campaign) Validate() error {
	if c.AccountID == "" {
		return invalidf("account_id is required")
	}
	if len(c.Variants) == 0 {
		return invalidf("at least one message variant is required")
	}

	seen := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if v.Name == "" {
			return invalidf("variant_name is required")
		}
		if seen[v.Name] {
			return invalidf("duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
		if err := v.validate(); err != nil {
			return err
		}
	}

	if err := c.Strategy.validate(seen); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	if c.RateLimit.MessagesPerMinute < 0 {
		return invalidf("rate_limit.messages_per_minute must not be negative")
	}
	if c.RateLimit.MaxRetries < 0 {
		return invalidf("rate_limit.max_retries must not be negative")
	}
	if c.Priority < PriorityLow || c.Priority > PriorityUrgent {
		return invalidf("unknown priority %d", int(c.Priority))
	}
	return nil
}

func (v *MessageVariant) validate() error {
	if !v.Type.Valid() {
		return invalidf("variant %q: unknown type %q", v.Name, v.Type)
	}
	c := v.Content
	switch v.Type {
	case VariantText:
		if c.Text == "" {
			return invalidf("variant %q: text is required", v.Name)
		}
	case VariantMedia:
		if c.MediaURL == "" {
			return invalidf("variant %q: media_url is required", v.Name)
		}
	case VariantTemplate:
		if c.TemplateName == "" {
			return invalidf("variant %q: template_name is required", v.Name)
		}
	case VariantMixed:
		if c.Text == "" && c.MediaURL == "" {
			return invalidf("variant %q: text or media_url is required", v.Name)
		}
	}
	if v.RateLimit != nil && (v.RateLimit.MessagesPerMinute < 0 || v.RateLimit.MaxRetries < 0) {
		return invalidf("variant %q: rate_limit must not be negative", v.Name)
	}
	return nil
}

func (s *Strategy) validate(variants map[string]bool) error {
	switch s.Mode {
	case ModeSingle:
		if len(variants) != 1 {
			return invalidf("single mode requires exactly one variant, got %d", len(variants))
		}
		return nil
	case ModeAB:
	default:
		return invalidf("unknown strategy mode %q", s.Mode)
	}

	if len(variants) < 2 {
		return invalidf("ab mode requires at least two variants")
	}
	switch s.Allocation {
	case AllocationUniform, AllocationRoundRobin:
	default:
		return invalidf("unknown allocation %q", s.Allocation)
	}

	sum := 0
	weighted := make(map[string]bool, len(s.Weights))
	for _, w := range s.Weights {
		if !variants[w.VariantName] {
			return invalidf("weight references unknown variant %q", w.VariantName)
		}
		if weighted[w.VariantName] {
			return invalidf("duplicate weight for variant %q", w.VariantName)
		}
		if w.Weight < 0 {
			return invalidf("weight for variant %q must not be negative", w.VariantName)
		}
		weighted[w.VariantName] = true
		sum += w.Weight
	}
	if sum != 100 {
		return ErrInvalidWeights
	}

	if p := s.SamplePercent(); p < 0 || p > 100 {
		return invalidf("sample_size_percent must be between 0 and 100")
	}
	if !s.WinningCriteria.Valid() {
		return invalidf("unknown winning_criteria %q", s.WinningCriteria)
	}
	if s.EvaluationWindowMinutes < 0 {
		return invalidf("evaluation_window_minutes must not be negative")
	}

	r := s.RampUp
	if !r.Enabled {
		return nil
	}
	if r.DelayType != DelayFixed && r.DelayType != DelayRandom {
		return invalidf("unknown ramp_up.delay_type %q", r.DelayType)
	}
	if r.DelayValue < 0 {
		return invalidf("ramp_up.delay_value must not be negative")
	}
	last := 0
	for _, step := range r.Plan {
		if step.AtPercentSent <= last || step.AtPercentSent > 100 {
			return invalidf("ramp_up.plan must have strictly increasing at_percent_sent within 1..100")
		}
		if step.DelayMinutes < 0 {
			return invalidf("ramp_up.plan delay_minutes must not be negative")
		}
		last = step.AtPercentSent
	}
	return nil
}

func (s *Schedule) validate() error {
	switch s.Type {
	case ScheduleImmediate:
		return nil
	case ScheduleDelayed:
		if s.CustomDelay <= 0 {
			return invalidf("custom_delay must be positive for delayed schedules")
		}
		if _, err := s.delayUnit(); err != nil {
			return err
		}
		return nil
	case ScheduleScheduled:
		_, err := s.scheduledAt()
		return err
	}
	return invalidf("unknown schedule type %q", s.Type)
}

func (s *Schedule) delayUnit() (time.Duration, error) {
	switch s.DelayUnit {
	case UnitSeconds:
		return time.Second, nil
	case UnitMinutes, "":
		return time.Minute, nil
	case UnitHours:
		return time.Hour, nil
	case UnitDays:
		return 24 * time.Hour, nil
	}
	return 0, invalidf("unknown delay_unit %q", s.DelayUnit)
}

// scheduledDate layouts accepted in addition to RFC 3339
var scheduledLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

func (s *Schedule) scheduledAt() (time.Time, error) {
	if s.ScheduledDate == "" {
		return time.Time{}, invalidf("scheduled_date is required for scheduled campaigns")
	}
	if t, err := time.Parse(time.RFC3339, s.ScheduledDate); err == nil {
		return t.UTC(), nil
	}

	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return time.Time{}, invalidf("unknown timezone %q", s.Timezone)
		}
		loc = l
	}
	for _, layout := range scheduledLayouts {
		if t, err := time.ParseInLocation(layout, s.ScheduledDate, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalidf("cannot parse scheduled_date %q", s.ScheduledDate)
}

// StartTime resolves the first send time against now. Scheduled dates in the
// past resolve to now.
func (s *Schedule) StartTime(now time.Time) (time.Time, error) {
	switch s.Type {
	case ScheduleImmediate, "":
		return now, nil
	case ScheduleDelayed:
		unit, err := s.delayUnit()
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(time.Duration(s.CustomDelay) * unit), nil
	case ScheduleScheduled:
		t, err := s.scheduledAt()
		if err != nil {
			return time.Time{}, err
		}
		if t.Before(now) {
			return now, nil
		}
		return t, nil
	}
	return time.Time{}, invalidf("unknown schedule type %q", s.Type)
}
