// Package orchestrator turns a campaign into recipients and send jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/herald/internal/abtest"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/phone"
	"github.com/foxzi/herald/internal/queue"
)

// ErrAudience wraps audience resolution failures. They fail the whole campaign.
var ErrAudience = errors.New("audience resolution failed")

const (
	reasonInvalidPhone   = "invalid phone number"
	reasonDuplicatePhone = "duplicate phone number"
)

// AudienceResolver returns the contacts a campaign targets
type AudienceResolver interface {
	Resolve(ctx context.Context, c *campaign.Campaign) ([]campaign.Contact, error)
}

// InlineAudience resolves the contacts embedded in the campaign
type InlineAudience struct{}

// Resolve implements AudienceResolver
func (InlineAudience) Resolve(ctx context.Context, c *campaign.Campaign) ([]campaign.Contact, error) {
	if c.Audience.ListID != "" && len(c.Audience.Contacts) == 0 {
		return nil, fmt.Errorf("audience list %q is not available", c.Audience.ListID)
	}
	return c.Audience.Contacts, nil
}

// Plan is the outcome of activating a campaign
type Plan struct {
	StartAt    time.Time
	Jobs       []*queue.Job
	Sampled    int
	HeldBack   int
	Invalid    int
	Duplicates int
}

// Orchestrator expands campaigns into jobs
type Orchestrator struct {
	audience AudienceResolver
	regions  func(accountID string) string
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates an orchestrator. regions returns the default phone region of an account.
func New(audience AudienceResolver, regions func(accountID string) string, logger *slog.Logger) *Orchestrator {
	if audience == nil {
		audience = InlineAudience{}
	}
	if regions == nil {
		regions = func(string) string { return "" }
	}
	return &Orchestrator{
		audience: audience,
		regions:  regions,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Activate resolves the audience of a draft campaign, assigns every recipient
// to a variant or the holdout, and returns the jobs of the assigned ones.
// It mutates c; the caller persists it.
func (o *Orchestrator) Activate(ctx context.Context, c *campaign.Campaign) (*Plan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	now := o.now()
	start, err := c.Schedule.StartTime(now)
	if err != nil {
		return nil, err
	}

	contacts, err := o.audience.Resolve(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAudience, err)
	}

	plan := &Plan{StartAt: start}
	valid, rejected := o.recipients(c, contacts, now, plan)

	assignment := abtest.Assign(c, valid)
	c.Metrics = campaign.Metrics{}
	for _, v := range c.Variants {
		v.Recipients = assignment.Variants[v.Name]
		v.Metrics = campaign.Metrics{}
		c.Assign(v, len(v.Recipients))
		plan.Sampled += len(v.Recipients)
	}
	plan.HeldBack = len(assignment.Holdout)
	c.Holdout = assignment.Holdout
	c.AudienceSize = len(contacts)
	c.Rejected = len(rejected)

	// single mode charges rejected contacts to its only variant; an
	// experiment keeps them out of every variant so they cannot sway it
	if c.Strategy.Mode == campaign.ModeAB {
		c.Holdout = append(rejected, c.Holdout...)
	} else if len(c.Variants) > 0 {
		v := c.Variants[0]
		v.Recipients = append(v.Recipients, rejected...)
		c.Assign(v, len(rejected))
		for _, r := range rejected {
			c.Record(v, []campaign.RecipientStatus{r.Status})
		}
	}

	if c.Strategy.Mode == campaign.ModeAB {
		c.Experiment = &campaign.Experiment{
			Phase:      campaign.PhaseSampling,
			SampleSize: plan.Sampled,
		}
	}
	c.StartsAt = &start

	for _, v := range c.Variants {
		plan.Jobs = append(plan.Jobs, BuildJobs(c, v, v.Recipients, start)...)
	}

	o.logger.Info("campaign expanded",
		"campaign_id", c.ID,
		"recipients", len(contacts),
		"sampled", plan.Sampled,
		"held_back", plan.HeldBack,
		"invalid", plan.Invalid,
		"duplicates", plan.Duplicates,
		"start_at", start,
	)
	return plan, nil
}

// recipients normalizes contact phones. Invalid and repeated numbers come
// back as rejected recipients already marked failed or skipped.
func (o *Orchestrator) recipients(c *campaign.Campaign, contacts []campaign.Contact, now time.Time, plan *Plan) (valid, rejected []*campaign.Recipient) {
	region := o.regions(c.AccountID)
	seen := make(map[string]bool, len(contacts))

	for _, ct := range contacts {
		r := &campaign.Recipient{
			ID:        o.newID(),
			Phone:     ct.Phone,
			Name:      ct.Name,
			Variables: ct.Variables,
			Status:    campaign.RecipientPending,
		}

		e164, err := phone.Normalize(ct.Phone, region)
		switch {
		case err != nil:
			r.Advance(campaign.RecipientFailed, now)
			r.LastError = reasonInvalidPhone
			rejected = append(rejected, r)
			plan.Invalid++
		case seen[e164]:
			r.Phone = e164
			r.Advance(campaign.RecipientSkipped, now)
			r.LastError = reasonDuplicatePhone
			rejected = append(rejected, r)
			plan.Duplicates++
		default:
			seen[e164] = true
			r.Phone = e164
			valid = append(valid, r)
		}
	}
	return valid, rejected
}

// BuildJobs renders the variant for each pending recipient
func BuildJobs(c *campaign.Campaign, v *campaign.MessageVariant, recipients []*campaign.Recipient, notBefore time.Time) []*queue.Job {
	rl := c.EffectiveRateLimit(v)
	jobs := make([]*queue.Job, 0, len(recipients))
	for _, r := range recipients {
		if r.Status != campaign.RecipientPending {
			continue
		}
		jobs = append(jobs, &queue.Job{
			ID:          r.ID,
			CampaignID:  c.ID,
			AccountID:   c.AccountID,
			VariantName: v.Name,
			Phone:       r.Phone,
			Type:        v.Type,
			Content:     v.Content.Render(campaign.MergeVariables(r)),
			Priority:    c.Priority,
			NotBefore:   notBefore,
			Attempt:     r.Retries,
			RateLimit:   rl,
		})
	}
	return jobs
}

// PendingJobs rebuilds the jobs of every assigned recipient still waiting to be
// sent, used to refill the queues after a restart
func PendingJobs(c *campaign.Campaign, now time.Time) []*queue.Job {
	notBefore := now
	if c.StartsAt != nil && c.StartsAt.After(now) {
		notBefore = *c.StartsAt
	}
	var jobs []*queue.Job
	for _, v := range c.Variants {
		jobs = append(jobs, BuildJobs(c, v, v.Recipients, notBefore)...)
	}
	return jobs
}
