// Package engine runs campaigns: it owns their lifecycle, feeds the account
// dispatchers and reacts to delivery progress of A/B experiments.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/herald/internal/abtest"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/delivery"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/orchestrator"
	"github.com/foxzi/herald/internal/queue"
)

// ErrUnknownAccount is returned for campaigns of an account with no dispatcher
var ErrUnknownAccount = errors.New("unknown account")

const (
	reasonCancelled = "campaign cancelled"
	taskEvaluate    = "evaluate"
)

// JobStatus combines the delivery state of a job with its queue position
type JobStatus struct {
	delivery.Status
	Queue *queue.JobInfo `json:"queue,omitempty"`
}

// Decision is the outcome of an experiment evaluation
type Decision struct {
	CampaignID string         `json:"campaign_id"`
	Suggested  string         `json:"suggested,omitempty"`
	Winner     string         `json:"winner,omitempty"`
	Phase      campaign.Phase `json:"phase"`
	Promoted   int            `json:"promoted"`
}

// Engine coordinates campaigns across accounts
type Engine struct {
	store    *campaign.BoltStorage
	tracker  *delivery.Tracker
	orch     *orchestrator.Orchestrator
	defaults campaign.Defaults
	logger   *slog.Logger

	clockMu sync.RWMutex
	clock   func() time.Time

	mu          sync.RWMutex
	dispatchers map[string]*queue.Dispatcher
}

// New creates an engine and subscribes it to delivery progress
func New(store *campaign.BoltStorage, tracker *delivery.Tracker, orch *orchestrator.Orchestrator, defaults campaign.Defaults, logger *slog.Logger) *Engine {
	e := &Engine{
		store:       store,
		tracker:     tracker,
		orch:        orch,
		defaults:    defaults,
		logger:      logger,
		clock:       time.Now,
		dispatchers: make(map[string]*queue.Dispatcher),
	}
	tracker.OnChange(e.onChange)
	return e
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.clockMu.Lock()
	e.clock = now
	e.clockMu.Unlock()
}

func (e *Engine) now() time.Time {
	e.clockMu.RLock()
	defer e.clockMu.RUnlock()
	return e.clock()
}

// AddDispatcher registers the dispatcher of an account
func (e *Engine) AddDispatcher(d *queue.Dispatcher) {
	e.mu.Lock()
	e.dispatchers[d.AccountID()] = d
	e.mu.Unlock()
}

func (e *Engine) dispatcher(accountID string) (*queue.Dispatcher, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.dispatchers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return d, nil
}

// Create stores a new draft campaign. With activate set it is activated at once.
func (e *Engine) Create(ctx context.Context, c *campaign.Campaign, activate bool) (*campaign.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = campaign.StatusDraft
	c.ApplyDefaults(e.defaults)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.dispatcher(c.AccountID); err != nil {
		return nil, err
	}

	now := e.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Metrics = campaign.Metrics{}
	c.AudienceSize = len(c.Audience.Contacts)
	if err := e.store.Create(ctx, c); err != nil {
		return nil, err
	}
	e.logger.Info("campaign created", "campaign_id", c.ID, "account", c.AccountID, "mode", c.Strategy.Mode)

	if !activate {
		return c, nil
	}
	return e.Activate(ctx, c.ID)
}

// Activate expands a draft campaign into jobs and queues them
func (e *Engine) Activate(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != campaign.StatusDraft {
		return nil, &campaign.TransitionError{From: string(c.Status), To: string(campaign.StatusRunning)}
	}
	d, err := e.dispatcher(c.AccountID)
	if err != nil {
		return nil, err
	}

	plan, err := e.orch.Activate(ctx, c)
	if errors.Is(err, orchestrator.ErrAudience) {
		e.markFailed(ctx, id, err)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	now := e.now()
	next := campaign.StatusRunning
	if plan.StartAt.After(now) {
		next = campaign.StatusScheduled
	}
	if err := c.Transition(next, now); err != nil {
		return nil, err
	}
	c.RefreshCompletion(now)

	c, err = e.store.Update(ctx, id, func(cur *campaign.Campaign) error {
		if cur.Status != campaign.StatusDraft {
			return &campaign.TransitionError{From: string(cur.Status), To: string(next)}
		}
		*cur = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	queued := 0
	for _, job := range plan.Jobs {
		if d.Enqueue(job) {
			queued++
		}
	}
	e.logger.Info("campaign activated",
		"campaign_id", id,
		"status", c.Status,
		"queued", queued,
		"start_at", plan.StartAt,
	)

	// nothing to sample: the experiment can be decided right away
	if exp := c.Experiment; exp != nil && plan.Sampled == 0 {
		if _, err := e.Evaluate(ctx, id); err != nil {
			e.logger.Error("failed to evaluate empty experiment", "campaign_id", id, "error", err)
		}
		return e.store.Get(ctx, id)
	}
	return c, nil
}

func (e *Engine) markFailed(ctx context.Context, id string, cause error) {
	_, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		c.LastError = cause.Error()
		return c.Transition(campaign.StatusFailed, e.now())
	})
	if err != nil {
		e.logger.Error("failed to mark campaign failed", "campaign_id", id, "error", err)
		return
	}
	e.logger.Error("campaign failed", "campaign_id", id, "error", cause)
}

// Pause stops dispatch of a campaign. Queued jobs are kept.
func (e *Engine) Pause(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		return c.Transition(campaign.StatusPaused, e.now())
	})
	if err != nil {
		return nil, err
	}
	if d, err := e.dispatcher(c.AccountID); err == nil {
		d.Pause(id)
	}
	e.logger.Info("campaign paused", "campaign_id", id)
	return c, nil
}

// Resume continues a paused campaign
func (e *Engine) Resume(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		return c.Transition(campaign.StatusRunning, e.now())
	})
	if err != nil {
		return nil, err
	}
	if d, err := e.dispatcher(c.AccountID); err == nil {
		d.Resume(id)
	}
	e.logger.Info("campaign resumed", "campaign_id", id)
	return c, nil
}

// Cancel drops the queued jobs of a campaign, skips its pending recipients and
// completes it
func (e *Engine) Cancel(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, &campaign.TransitionError{From: string(c.Status), To: string(campaign.StatusCompleted)}
	}

	dropped := 0
	if d, err := e.dispatcher(c.AccountID); err == nil {
		dropped = len(d.Cancel(id))
	}
	skipped, err := e.tracker.SkipPending(ctx, id, reasonCancelled)
	if err != nil {
		return nil, err
	}

	c, err = e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		if exp := c.Experiment; exp != nil && exp.Phase != campaign.PhasePromoted {
			exp.Phase = campaign.PhaseCancelled
		}
		if c.Status.Terminal() {
			return nil
		}
		return c.Transition(campaign.StatusCompleted, e.now())
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("campaign cancelled", "campaign_id", id, "dropped_jobs", dropped, "skipped", skipped)
	return c, nil
}

// Delete cancels a campaign that is still sending and removes it
func (e *Engine) Delete(ctx context.Context, id string) error {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case campaign.StatusScheduled, campaign.StatusRunning, campaign.StatusPaused:
		if _, err := e.Cancel(ctx, id); err != nil {
			return fmt.Errorf("failed to cancel campaign: %w", err)
		}
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("campaign deleted", "campaign_id", id)
	return nil
}

// Get returns a campaign
func (e *Engine) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	return e.store.Get(ctx, id)
}

// List returns campaigns matching filter
func (e *Engine) List(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	return e.store.List(ctx, filter)
}

// Counts returns the number of campaigns per status
func (e *Engine) Counts(ctx context.Context, accountID string) (*campaign.Counts, error) {
	return e.store.Counts(ctx, accountID)
}

// Evaluate decides the experiment of a campaign now. With auto promotion the
// held-back recipients are queued on the winner.
func (e *Engine) Evaluate(ctx context.Context, id string) (*Decision, error) {
	var moved []*campaign.Recipient
	var suggested string
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		var err error
		suggested, moved, err = abtest.Decide(c, e.now())
		if err != nil {
			return err
		}
		c.RefreshCompletion(e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := string(c.Experiment.Phase)
	if suggested == "" {
		result = "no_winner"
	}
	metrics.IncExperimentsEvaluated(result)
	e.logger.Info("experiment evaluated",
		"campaign_id", id,
		"suggested", suggested,
		"phase", c.Experiment.Phase,
		"promoted", len(moved),
	)

	e.queueWinner(c, moved)
	return decision(c, len(moved)), nil
}

// Promote closes the experiment of a campaign in favour of variant
func (e *Engine) Promote(ctx context.Context, id, variant string) (*Decision, error) {
	var moved []*campaign.Recipient
	c, err := e.store.Update(ctx, id, func(c *campaign.Campaign) error {
		var err error
		moved, err = abtest.Promote(c, variant)
		if err != nil {
			return err
		}
		c.RefreshCompletion(e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncExperimentsEvaluated("manual")
	e.logger.Info("variant promoted", "campaign_id", id, "winner", variant, "promoted", len(moved))

	e.queueWinner(c, moved)
	return decision(c, len(moved)), nil
}

func decision(c *campaign.Campaign, promoted int) *Decision {
	exp := c.Experiment
	return &Decision{
		CampaignID: c.ID,
		Suggested:  exp.Suggested,
		Winner:     exp.Winner,
		Phase:      exp.Phase,
		Promoted:   promoted,
	}
}

func (e *Engine) queueWinner(c *campaign.Campaign, moved []*campaign.Recipient) {
	if len(moved) == 0 {
		return
	}
	d, err := e.dispatcher(c.AccountID)
	if err != nil {
		e.logger.Error("cannot queue promoted recipients", "campaign_id", c.ID, "error", err)
		return
	}
	v := c.Variant(c.Experiment.Winner)
	for _, job := range orchestrator.BuildJobs(c, v, moved, e.now()) {
		d.Enqueue(job)
	}
}

// RecordReceipt applies a delivery receipt addressed by job id or, when jobID
// is empty, by provider message id. It returns the job id.
func (e *Engine) RecordReceipt(ctx context.Context, jobID, providerMessageID string, status campaign.RecipientStatus, at time.Time) (string, error) {
	if jobID != "" {
		return jobID, e.tracker.RecordDeliveryReceipt(ctx, jobID, status, at)
	}
	if providerMessageID == "" {
		return "", fmt.Errorf("%w: job_id or provider_message_id is required", campaign.ErrInvalid)
	}
	return e.tracker.RecordReceiptByProviderID(ctx, providerMessageID, status, at)
}

// JobStatus returns the delivery state of a job and, while queued, its position
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	st, err := e.tracker.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := &JobStatus{Status: *st}

	c, err := e.store.Get(ctx, st.CampaignID)
	if err != nil {
		return out, nil
	}
	if d, err := e.dispatcher(c.AccountID); err == nil {
		if info, ok := d.Lookup(jobID); ok {
			out.Queue = info
		}
	}
	return out, nil
}

// QueueStats returns the queue statistics of every account, sorted by account
func (e *Engine) QueueStats() []queue.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make([]queue.Stats, 0, len(e.dispatchers))
	for _, d := range e.dispatchers {
		stats = append(stats, d.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].AccountID < stats[j].AccountID })
	return stats
}

// Recover refills the dispatchers from the store after a restart
func (e *Engine) Recover(ctx context.Context) error {
	now := e.now()
	for _, status := range []campaign.Status{campaign.StatusScheduled, campaign.StatusRunning, campaign.StatusPaused} {
		list, err := e.store.List(ctx, campaign.ListFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to list %s campaigns: %w", status, err)
		}
		for _, c := range list {
			d, err := e.dispatcher(c.AccountID)
			if err != nil {
				e.logger.Warn("skipping campaign of unknown account", "campaign_id", c.ID, "account", c.AccountID)
				continue
			}
			if c.Status == campaign.StatusPaused {
				d.Pause(c.ID)
			}
			if exp := c.Experiment; exp != nil && exp.Phase == campaign.PhaseSampling &&
				exp.HoldUntil != nil && exp.HoldUntil.After(now) {
				d.Hold(c.ID, *exp.HoldUntil)
			}
			jobs := orchestrator.PendingJobs(c, now)
			for _, job := range jobs {
				d.Enqueue(job)
			}
			if at, ok := abtest.EvaluationAt(c); ok && c.Experiment.Phase == campaign.PhaseSampling {
				e.scheduleEvaluation(d, c.ID, at)
			}
			e.logger.Info("campaign recovered", "campaign_id", c.ID, "status", c.Status, "queued", len(jobs))
		}
	}
	return nil
}

func (e *Engine) scheduleEvaluation(d *queue.Dispatcher, id string, at time.Time) {
	d.Schedule(&queue.Task{
		Name:       taskEvaluate,
		CampaignID: id,
		Due:        at,
		Run: func(ctx context.Context) {
			c, err := e.store.Get(ctx, id)
			if err != nil || !abtest.Due(c, e.now()) {
				return
			}
			if _, err := e.Evaluate(ctx, id); err != nil {
				e.logger.Error("scheduled evaluation failed", "campaign_id", id, "error", err)
			}
		},
	})
}

// onChange paces and evaluates experiments as their recipients progress
func (e *Engine) onChange(ctx context.Context, ev delivery.Event) {
	c := ev.Campaign
	exp := c.Experiment
	if exp == nil || exp.Phase != campaign.PhaseSampling {
		return
	}
	d, err := e.dispatcher(c.AccountID)
	if err != nil {
		return
	}
	now := e.now()

	if ev.FirstSend {
		if at, ok := abtest.EvaluationAt(c); ok {
			e.scheduleEvaluation(d, c.ID, at)
		}
	}
	if ev.VariantName != "" && slices.Contains(ev.Reached, campaign.RecipientSent) {
		e.ramp(ctx, d, c, now)
	}

	if c.SampledFinal() {
		if _, err := e.Evaluate(ctx, c.ID); err != nil && !errors.Is(err, abtest.ErrDecided) {
			e.logger.Error("evaluation failed", "campaign_id", c.ID, "error", err)
		}
	}
}

// ramp holds the experiment when it crosses a ramp step, and spaces sends
// while steps remain
func (e *Engine) ramp(ctx context.Context, d *queue.Dispatcher, c *campaign.Campaign, now time.Time) {
	r := c.Strategy.RampUp
	exp := c.Experiment
	hold, fired := abtest.RampHold(r, exp.RampStepsFired, abtest.ExperimentSent(c), exp.SampleSize)
	stepped := fired != exp.RampStepsFired

	if abtest.Ramping(r, fired) && r.DelayValue > 0 {
		hold = max(hold, time.Duration(r.DelayValue)*time.Second)
	}
	if !stepped && hold <= 0 {
		return
	}

	// the hold is stored so a restart resumes it
	until := now.Add(hold)
	_, err := e.store.Update(ctx, c.ID, func(cur *campaign.Campaign) error {
		if cur.Experiment == nil {
			return nil
		}
		cur.Experiment.RampStepsFired = fired
		if hold > 0 && (cur.Experiment.HoldUntil == nil || until.After(*cur.Experiment.HoldUntil)) {
			cur.Experiment.HoldUntil = &until
		}
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record ramp state", "campaign_id", c.ID, "error", err)
	}
	if stepped {
		e.logger.Info("ramp step reached", "campaign_id", c.ID, "steps", fired, "hold", hold)
	}
	if hold > 0 {
		d.Hold(c.ID, until)
	}
}
