// Package queue orders send jobs per account and drives them through the
// session gate, the rate limiter and the provider, one send at a time.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/provider"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/session"
)

// Tracker records the outcome of send attempts
type Tracker interface {
	RecordSent(ctx context.Context, jobID string, res *provider.Result) error
	// RecordRetry counts a failed attempt and returns the new retry count
	RecordRetry(ctx context.Context, jobID, cause string) (int, error)
	RecordFailed(ctx context.Context, jobID, cause string) error
}

// Session gates sends on the connectivity of the account
type Session interface {
	Status() session.State
	Subscribe() (<-chan session.State, func())
	HandleDisconnected(reason string)
	HandleUnauthorized(message string)
}

// Limiter decides whether a send may proceed now
type Limiter interface {
	TryAcquire(ctx context.Context, req *ratelimit.Request) ratelimit.Result
}

// Config contains dispatcher configuration
type Config struct {
	// Wait before re-checking a session that is not connected
	SessionBackoff time.Duration `yaml:"session_backoff"`
	// Base of the exponential retry backoff
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	// Used when the job carries no retry limit
	MaxRetries  int           `yaml:"max_retries"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	// Longest sleep when nothing is queued
	IdleWait time.Duration `yaml:"idle_wait,omitempty"`
}

// gate blocks dispatch of one campaign
type gate struct {
	paused    bool
	holdUntil time.Time
}

// Dispatcher serializes all sends of one account
type Dispatcher struct {
	accountID string
	sender    provider.Sender
	limiter   Limiter
	session   Session
	tracker   Tracker
	presence  *Presence
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	waiting  waitHeap
	ready    readyHeap
	parked   map[string][]*Job // campaign id -> jobs
	gates    map[string]*gate
	jobs     map[string]*Job // every queued or in-flight job by id
	inFlight *Job
	seq      uint64

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for one account
func NewDispatcher(accountID string, sender provider.Sender, limiter Limiter, sess Session, tracker Tracker, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.SessionBackoff <= 0 {
		cfg.SessionBackoff = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Minute
	}

	return &Dispatcher{
		accountID: accountID,
		sender:    sender,
		limiter:   limiter,
		session:   sess,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger.With("account", accountID),
		now:       time.Now,
		parked:    make(map[string][]*Job),
		gates:     make(map[string]*gate),
		jobs:      make(map[string]*Job),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// SetPresence enables presence emulation before every send
func (d *Dispatcher) SetPresence(p *Presence) {
	d.presence = p
}

// SetClock replaces the time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// AccountID returns the account the dispatcher sends for
func (d *Dispatcher) AccountID() string {
	return d.accountID
}

// Start starts the dispatch loop
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher")
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop stops the dispatch loop and waits for the in-flight send
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	updates, cancel := d.session.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		wait := d.step(ctx)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.stopCh:
			timer.Stop()
			return
		case <-d.wake:
		case <-updates:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// step performs at most one unit of work: a due task, a rate limit deferral
// or a send. It returns how long the loop may sleep before the next step.
func (d *Dispatcher) step(ctx context.Context) time.Duration {
	d.mu.Lock()
	now := d.now()

	if task := d.promote(now); task != nil {
		d.mu.Unlock()
		d.logger.Debug("running task", "task", task.Name, "campaign_id", task.CampaignID)
		task.Run(ctx)
		return 0
	}

	job := d.ready.peek()
	if job == nil {
		wait := d.untilNext(now)
		d.mu.Unlock()
		return wait
	}

	// jobs stay queued while the session is down
	if !d.session.Status().Connected() {
		wait := min(d.cfg.SessionBackoff, d.untilNext(now))
		d.mu.Unlock()
		return wait
	}

	res := d.limiter.TryAcquire(ctx, &ratelimit.Request{
		AccountID:         d.accountID,
		Priority:          job.Priority,
		MessagesPerMinute: job.RateLimit.MessagesPerMinute,
		RandomDelay:       job.RateLimit.RandomDelay,
	})
	heap.Pop(&d.ready)

	if !res.Allowed {
		job.NotBefore = now.Add(res.RetryAfter)
		d.pushWaiting(job)
		d.mu.Unlock()

		metrics.IncRateLimitExceeded(d.accountID)
		d.logger.Debug("job deferred by rate limit",
			"job_id", job.ID,
			"campaign_id", job.CampaignID,
			"retry_after", res.RetryAfter,
		)
		return 0
	}

	job.state = StateInFlight
	d.inFlight = job
	d.mu.Unlock()

	d.send(ctx, job)
	return 0
}

// promote moves due entries out of the waiting heap and returns the first due task
func (d *Dispatcher) promote(now time.Time) *Task {
	for e := d.waiting.peek(); e != nil && !e.due.After(now); e = d.waiting.peek() {
		heap.Pop(&d.waiting)
		if e.task != nil {
			return e.task
		}
		d.admit(e.job, now)
	}
	return nil
}

// admit moves a due job to the ready heap, or parks it if its campaign is gated
func (d *Dispatcher) admit(job *Job, now time.Time) {
	if d.gated(job.CampaignID, now) {
		job.state = StateParked
		d.parked[job.CampaignID] = append(d.parked[job.CampaignID], job)
		return
	}
	job.state = StateReady
	heap.Push(&d.ready, job)
}

func (d *Dispatcher) gated(campaignID string, now time.Time) bool {
	g, ok := d.gates[campaignID]
	return ok && (g.paused || now.Before(g.holdUntil))
}

func (d *Dispatcher) untilNext(now time.Time) time.Duration {
	if e := d.waiting.peek(); e != nil {
		return max(e.due.Sub(now), time.Millisecond)
	}
	return d.cfg.IdleWait
}

func (d *Dispatcher) pushWaiting(job *Job) {
	d.seq++
	job.seq = d.seq
	job.state = StateWaiting
	heap.Push(&d.waiting, &entry{due: job.NotBefore, seq: d.seq, job: job})
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// send hands the job to the provider and routes the outcome
func (d *Dispatcher) send(ctx context.Context, job *Job) {
	logger := d.logger.With(
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"variant", job.VariantName,
	)

	if d.presence != nil {
		d.presence.Before(ctx, d.accountID, job.Phone)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	res, err := d.sender.Send(sendCtx, &provider.Message{
		ID:        job.ID,
		AccountID: job.AccountID,
		To:        job.Phone,
		Type:      job.Type,
		Content:   job.Content,
	})
	cancel()

	switch {
	case err == nil:
		d.finish(job)
		if res == nil {
			res = &provider.Result{}
		}
		if err := d.tracker.RecordSent(ctx, job.ID, res); err != nil {
			logger.Error("failed to record sent message", "error", err)
		}
		metrics.IncMessagesSent(d.accountID)
		logger.Info("message sent", "to", job.Phone, "provider_message_id", res.MessageID)

	case ctx.Err() != nil:
		// shutting down, the attempt does not count
		d.requeue(job, d.now())

	case provider.IsHold(err):
		d.hold(job, err, logger)

	case provider.IsPermanent(err):
		d.finish(job)
		d.fail(ctx, job, err, "permanent", logger)

	default:
		d.retry(ctx, job, err, logger)
	}
}

// hold puts the job back without consuming a retry
func (d *Dispatcher) hold(job *Job, err error, logger *slog.Logger) {
	reason := "session"
	switch {
	case errors.Is(err, provider.ErrUnauthorized):
		reason = "unauthorized"
		d.session.HandleUnauthorized(err.Error())
	case errors.Is(err, provider.ErrSessionNotConnected):
		d.session.HandleDisconnected(err.Error())
	case errors.Is(err, provider.ErrRateLimited):
		reason = "provider_rate_limited"
	}

	wait := max(provider.RetryAfter(err), d.cfg.SessionBackoff)
	d.requeue(job, d.now().Add(wait))
	metrics.IncMessagesDeferred(d.accountID, reason)
	logger.Warn("send held", "reason", reason, "error", err, "wait", wait)
}

// retry counts a transient failure and requeues with exponential backoff
// until the retry limit is reached
func (d *Dispatcher) retry(ctx context.Context, job *Job, err error, logger *slog.Logger) {
	maxRetries := job.RateLimit.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	if job.Attempt >= maxRetries {
		d.finish(job)
		d.fail(ctx, job, err, "retries_exhausted", logger)
		return
	}

	retries, rerr := d.tracker.RecordRetry(ctx, job.ID, err.Error())
	if rerr != nil {
		// recipient no longer pending, typically a cancelled campaign
		d.finish(job)
		logger.Warn("dropping job", "error", rerr, "send_error", err)
		return
	}
	job.Attempt = retries

	if retries >= maxRetries {
		d.finish(job)
		d.fail(ctx, job, err, "retries_exhausted", logger)
		return
	}

	backoff := Backoff(d.cfg.RetryInterval, d.cfg.MaxBackoff, retries)
	d.requeue(job, d.now().Add(backoff))
	metrics.IncMessagesDeferred(d.accountID, "retry")
	logger.Warn("send failed, retrying",
		"error", err,
		"retries", retries,
		"max_retries", maxRetries,
		"backoff", backoff,
	)
}

func (d *Dispatcher) fail(ctx context.Context, job *Job, err error, errorType string, logger *slog.Logger) {
	if rerr := d.tracker.RecordFailed(ctx, job.ID, err.Error()); rerr != nil {
		logger.Error("failed to record failed message", "error", rerr)
	}
	metrics.IncMessagesFailed(d.accountID, errorType)
	logger.Error("message failed", "error", err, "error_type", errorType, "retries", job.Attempt)
}

// requeue returns the in-flight job to the waiting heap unless its campaign
// was cancelled meanwhile
func (d *Dispatcher) requeue(job *Job, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight == job {
		d.inFlight = nil
	}
	if _, ok := d.jobs[job.ID]; !ok {
		return
	}
	job.NotBefore = at
	d.pushWaiting(job)
	d.signal()
}

// finish forgets a job that reached a final outcome
func (d *Dispatcher) finish(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight == job {
		d.inFlight = nil
	}
	delete(d.jobs, job.ID)
}

// Enqueue adds a job. It returns false if a job with the same id is already queued.
func (d *Dispatcher) Enqueue(job *Job) bool {
	d.mu.Lock()
	if _, exists := d.jobs[job.ID]; exists {
		d.mu.Unlock()
		return false
	}
	d.jobs[job.ID] = job
	d.pushWaiting(job)
	d.mu.Unlock()

	d.signal()
	return true
}

// Schedule registers a task run by the dispatch loop once it is due
func (d *Dispatcher) Schedule(task *Task) {
	d.mu.Lock()
	d.seq++
	heap.Push(&d.waiting, &entry{due: task.Due, seq: d.seq, task: task})
	d.mu.Unlock()

	d.signal()
}

// Pause stops dispatch of a campaign. Queued jobs are kept.
func (d *Dispatcher) Pause(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate(campaignID).paused = true
	d.parkReady(campaignID)
}

// Resume re-admits the jobs of a paused campaign
func (d *Dispatcher) Resume(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.gates[campaignID]
	if !ok {
		return
	}
	g.paused = false
	d.release(campaignID, d.now())
	d.signal()
}

// Hold stops dispatch of a campaign until the given time
func (d *Dispatcher) Hold(campaignID string, until time.Time) {
	d.mu.Lock()
	g := d.gate(campaignID)
	if until.After(g.holdUntil) {
		g.holdUntil = until
	}
	d.parkReady(campaignID)
	d.mu.Unlock()

	d.Schedule(&Task{
		Name:       "release",
		CampaignID: campaignID,
		Due:        until,
		Run: func(ctx context.Context) {
			d.mu.Lock()
			d.release(campaignID, d.now())
			d.mu.Unlock()
		},
	})
}

// Cancel drops every queued job and task of a campaign and returns the dropped job ids.
// A send already in flight completes but its job is not requeued.
func (d *Dispatcher) Cancel(campaignID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	drop := func(j *Job) {
		ids = append(ids, j.ID)
		delete(d.jobs, j.ID)
	}

	for _, j := range d.ready.removeJobs(func(j *Job) bool { return j.CampaignID == campaignID }) {
		drop(j)
	}
	for _, e := range d.waiting.removeEntries(func(e *entry) bool { return e.campaignID() == campaignID }) {
		if e.job != nil {
			drop(e.job)
		}
	}
	for _, j := range d.parked[campaignID] {
		drop(j)
	}
	delete(d.parked, campaignID)
	delete(d.gates, campaignID)

	if d.inFlight != nil && d.inFlight.CampaignID == campaignID {
		delete(d.jobs, d.inFlight.ID)
	}
	return ids
}

func (d *Dispatcher) gate(campaignID string) *gate {
	g, ok := d.gates[campaignID]
	if !ok {
		g = &gate{}
		d.gates[campaignID] = g
	}
	return g
}

func (d *Dispatcher) parkReady(campaignID string) {
	for _, j := range d.ready.removeJobs(func(j *Job) bool { return j.CampaignID == campaignID }) {
		j.state = StateParked
		d.parked[campaignID] = append(d.parked[campaignID], j)
	}
}

// release moves parked jobs back to the waiting heap once the campaign is no longer gated
func (d *Dispatcher) release(campaignID string, now time.Time) {
	if d.gated(campaignID, now) {
		return
	}
	delete(d.gates, campaignID)
	for _, j := range d.parked[campaignID] {
		d.pushWaiting(j)
	}
	delete(d.parked, campaignID)
}

// Lookup returns a snapshot of a queued job
func (d *Dispatcher) Lookup(jobID string) (*JobInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[jobID]
	if !ok {
		return nil, false
	}
	return &JobInfo{Job: *j, State: j.state}, true
}

// Stats returns queue statistics
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		AccountID: d.accountID,
		Ready:     len(d.ready),
		InFlight:  d.inFlight != nil,
	}
	for _, e := range d.waiting {
		if e.task != nil {
			stats.Tasks++
		} else {
			stats.Waiting++
		}
	}
	for _, jobs := range d.parked {
		stats.Parked += len(jobs)
	}
	return stats
}

// Backoff returns the exponential retry delay interval * 2^(retries-1), capped at max
func Backoff(interval, maxBackoff time.Duration, retries int) time.Duration {
	shift := retries - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}

	backoff := interval * time.Duration(1<<shift)
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
