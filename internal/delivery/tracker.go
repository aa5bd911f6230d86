// Package delivery records per-recipient delivery state and rolls it up into
// variant and campaign metrics.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/provider"
)

// ErrNotPending is returned when a send outcome arrives for a recipient that
// is no longer waiting to be sent
var ErrNotPending = errors.New("recipient is not pending")

// Event describes a recipient transition, delivered to listeners after it is persisted
type Event struct {
	CampaignID  string
	VariantName string
	RecipientID string
	Reached     []campaign.RecipientStatus
	// FirstSend is set on the first send of an experiment
	FirstSend bool
	// Completed is set when the transition completed the campaign
	Completed bool
	Campaign  *campaign.Campaign
}

// Listener observes recipient transitions
type Listener func(ctx context.Context, ev Event)

// Status is the delivery state of one job
type Status struct {
	CampaignID  string             `json:"campaign_id"`
	VariantName string             `json:"variant_name,omitempty"`
	Recipient   campaign.Recipient `json:"recipient"`
}

// Tracker applies send outcomes and receipts to the campaign store
type Tracker struct {
	store  *campaign.BoltStorage
	logger *slog.Logger

	clockMu sync.RWMutex
	clock   func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewTracker creates a delivery tracker
func NewTracker(store *campaign.BoltStorage, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock replaces the time source
func (t *Tracker) SetClock(now func() time.Time) {
	t.clockMu.Lock()
	t.clock = now
	t.clockMu.Unlock()
}

func (t *Tracker) now() time.Time {
	t.clockMu.RLock()
	defer t.clockMu.RUnlock()
	return t.clock()
}

// OnChange registers a listener for every persisted transition
func (t *Tracker) OnChange(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

func (t *Tracker) notify(ctx context.Context, ev Event) {
	if len(ev.Reached) == 0 && !ev.Completed {
		return
	}
	t.mu.RLock()
	listeners := t.listeners
	t.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, ev)
	}
}

// update runs fn on a recipient and notifies listeners of what it reached
func (t *Tracker) update(ctx context.Context, jobID string, fn func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error) (*Event, error) {
	ev := &Event{RecipientID: jobID}
	c, err := t.store.UpdateRecipient(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient) error {
		ev.CampaignID = c.ID
		if v != nil {
			ev.VariantName = v.Name
		}
		return fn(c, v, r, ev)
	})
	if err != nil {
		return nil, err
	}
	ev.Campaign = c
	t.notify(ctx, *ev)
	return ev, nil
}

// RecordSent marks a recipient sent and stores the provider message id.
// The first send moves a scheduled campaign to running.
func (t *Tracker) RecordSent(ctx context.Context, jobID string, res *provider.Result) error {
	_, err := t.update(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error {
		if r.Status != campaign.RecipientPending {
			return fmt.Errorf("recipient %s is %s: %w", r.ID, r.Status, ErrNotPending)
		}
		now := t.now()
		reached, err := r.Advance(campaign.RecipientSent, now)
		if err != nil {
			return err
		}
		r.ProviderMessageID = res.MessageID
		r.Response = res.Response
		r.LastError = ""
		c.Record(v, reached)
		ev.Reached = reached

		if c.Status == campaign.StatusScheduled {
			if err := c.Transition(campaign.StatusRunning, now); err != nil {
				return err
			}
		}
		if exp := c.Experiment; exp != nil && exp.FirstSentAt == nil && v != nil {
			exp.FirstSentAt = &now
			ev.FirstSend = true
		}
		ev.Completed = c.RefreshCompletion(now)
		return nil
	})
	return err
}

// RecordDeliveryReceipt applies a provider receipt. Receipts for steps the
// recipient already passed are ignored, so redelivered acks never double count.
func (t *Tracker) RecordDeliveryReceipt(ctx context.Context, jobID string, status campaign.RecipientStatus, at time.Time) error {
	switch status {
	case campaign.RecipientDelivered, campaign.RecipientRead, campaign.RecipientFailed:
	default:
		return fmt.Errorf("%w: receipt status %q", campaign.ErrInvalid, status)
	}
	if at.IsZero() {
		at = t.now()
	}

	ev, err := t.update(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error {
		if r.Status == campaign.RecipientPending {
			return fmt.Errorf("receipt for unsent recipient %s: %w", r.ID, campaign.ErrInvalidTransition)
		}
		reached, err := r.Advance(status, at)
		if err != nil {
			return err
		}
		if status == campaign.RecipientFailed && len(reached) > 0 {
			r.LastError = "failed receipt from provider"
		}
		c.Record(v, reached)
		ev.Reached = reached
		return nil
	})
	if err != nil {
		return err
	}

	for _, s := range ev.Reached {
		metrics.IncReceipts(string(s))
	}
	if len(ev.Reached) == 0 {
		t.logger.Debug("duplicate receipt ignored", "job_id", jobID, "status", status)
	}
	return nil
}

// RecordReceiptByProviderID applies a receipt addressed by provider message id
func (t *Tracker) RecordReceiptByProviderID(ctx context.Context, providerMessageID string, status campaign.RecipientStatus, at time.Time) (string, error) {
	jobID, err := t.store.FindByProviderID(ctx, providerMessageID)
	if err != nil {
		return "", err
	}
	return jobID, t.RecordDeliveryReceipt(ctx, jobID, status, at)
}

// RecordRetry counts a failed attempt and returns the new retry count
func (t *Tracker) RecordRetry(ctx context.Context, jobID, cause string) (int, error) {
	var retries int
	_, err := t.update(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error {
		if r.Status != campaign.RecipientPending {
			return fmt.Errorf("recipient %s is %s: %w", r.ID, r.Status, ErrNotPending)
		}
		r.Retries++
		r.LastError = cause
		retries = r.Retries
		return nil
	})
	return retries, err
}

// RecordFailed marks a recipient failed
func (t *Tracker) RecordFailed(ctx context.Context, jobID, cause string) error {
	_, err := t.update(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error {
		now := t.now()
		reached, err := r.Advance(campaign.RecipientFailed, now)
		if err != nil {
			return err
		}
		r.LastError = cause
		c.Record(v, reached)
		ev.Reached = reached
		ev.Completed = c.RefreshCompletion(now)
		return nil
	})
	return err
}

// RecordSkipped marks a pending recipient skipped
func (t *Tracker) RecordSkipped(ctx context.Context, jobID, reason string) error {
	ev, err := t.update(ctx, jobID, func(c *campaign.Campaign, v *campaign.MessageVariant, r *campaign.Recipient, ev *Event) error {
		now := t.now()
		reached, err := r.Advance(campaign.RecipientSkipped, now)
		if err != nil {
			return err
		}
		r.LastError = reason
		c.Record(v, reached)
		ev.Reached = reached
		ev.Completed = c.RefreshCompletion(now)
		return nil
	})
	if err == nil && len(ev.Reached) > 0 {
		metrics.AddMessagesSkipped(ev.Campaign.AccountID, 1)
	}
	return err
}

// SkipPending marks every pending recipient of a campaign skipped, including
// the held-back ones, and returns how many were skipped. Held-back recipients
// stay out of the campaign metrics.
func (t *Tracker) SkipPending(ctx context.Context, campaignID, reason string) (int, error) {
	skipped := 0
	c, err := t.store.Update(ctx, campaignID, func(c *campaign.Campaign) error {
		now := t.now()
		c.Recipients(func(v *campaign.MessageVariant, r *campaign.Recipient) {
			if r.Status != campaign.RecipientPending {
				return
			}
			reached, err := r.Advance(campaign.RecipientSkipped, now)
			if err != nil {
				return
			}
			r.LastError = reason
			c.Record(v, reached)
			skipped++
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.AddMessagesSkipped(c.AccountID, skipped)
	return skipped, nil
}

// GetStatus returns the delivery state of a job
func (t *Tracker) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	campaignID, err := t.store.CampaignOf(ctx, jobID)
	if err != nil {
		return nil, err
	}
	c, err := t.store.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	v, r := c.FindRecipient(jobID)
	if r == nil {
		return nil, fmt.Errorf("recipient %s: %w", jobID, campaign.ErrNotFound)
	}
	st := &Status{CampaignID: c.ID, Recipient: *r}
	if v != nil {
		st.VariantName = v.Name
	}
	return st, nil
}
