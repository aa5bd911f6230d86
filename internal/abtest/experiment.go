package abtest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/foxzi/herald/internal/campaign"
)

var (
	// ErrNoExperiment is returned for campaigns without an A/B experiment
	ErrNoExperiment = errors.New("campaign has no experiment")
	// ErrDecided is returned when the experiment already has a winner
	ErrDecided = errors.New("experiment already decided")
)

// RampHold returns how long dispatch of the experiment must pause after sent
// of sample recipients were sent, and the new number of fired ramp steps.
// Every step crossed since the last call adds its delay.
func RampHold(r campaign.RampUp, fired, sent, sample int) (time.Duration, int) {
	if !r.Enabled || sample <= 0 {
		return 0, fired
	}

	var hold time.Duration
	for fired < len(r.Plan) && sent*100 >= r.Plan[fired].AtPercentSent*sample {
		delay := time.Duration(r.Plan[fired].DelayMinutes) * time.Minute
		if r.DelayType == campaign.DelayRandom && delay > 0 {
			delay = rand.N(delay + 1)
		}
		hold += delay
		fired++
	}
	return hold, fired
}

// Ramping reports whether the experiment still has ramp steps ahead
func Ramping(r campaign.RampUp, fired int) bool {
	return r.Enabled && fired < len(r.Plan)
}

// ExperimentSent returns how many sampled recipients have been sent
func ExperimentSent(c *campaign.Campaign) int {
	sent := 0
	for _, v := range c.Variants {
		sent += v.Metrics.Sent
	}
	return sent
}

// Due reports whether the experiment can be evaluated: the evaluation window
// elapsed since the first send, or every sampled recipient is final
func Due(c *campaign.Campaign, now time.Time) bool {
	exp := c.Experiment
	if exp == nil || exp.Phase != campaign.PhaseSampling || exp.FirstSentAt == nil {
		return false
	}
	window := time.Duration(c.Strategy.EvaluationWindowMinutes) * time.Minute
	return !now.Before(exp.FirstSentAt.Add(window)) || c.SampledFinal()
}

// EvaluationAt returns when the evaluation window of the experiment closes
func EvaluationAt(c *campaign.Campaign) (time.Time, bool) {
	exp := c.Experiment
	if exp == nil || exp.FirstSentAt == nil {
		return time.Time{}, false
	}
	return exp.FirstSentAt.Add(time.Duration(c.Strategy.EvaluationWindowMinutes) * time.Minute), true
}

// score returns the value ranked by criteria; higher is better
func score(m campaign.Metrics, criteria campaign.Criteria) float64 {
	rate := func(n int) float64 {
		if m.Sent == 0 {
			return 0
		}
		return float64(n) / float64(m.Sent)
	}
	switch criteria {
	case campaign.CriteriaHighestRead:
		return float64(m.Read)
	case campaign.CriteriaHighestDeliveryRate:
		return rate(m.Delivered)
	case campaign.CriteriaHighestReadRate:
		return rate(m.Read)
	case campaign.CriteriaLowestFailed:
		return -float64(m.Failed)
	default:
		return float64(m.Delivered)
	}
}

// Evaluate returns the winning variant under the campaign criteria, ties going
// to the earliest variant. It returns "" when no variant sent anything.
func Evaluate(c *campaign.Campaign) string {
	winner := ""
	var best float64
	for _, v := range c.Variants {
		if v.Metrics.Sent == 0 {
			continue
		}
		s := score(v.Metrics, c.Strategy.WinningCriteria)
		if winner == "" || s > best {
			winner, best = v.Name, s
		}
	}
	return winner
}

// Decide evaluates the experiment and records the outcome. With auto promotion
// and a winner, the held-back recipients are moved onto the winner and returned.
// Otherwise the experiment waits for a manual decision.
func Decide(c *campaign.Campaign, now time.Time) (string, []*campaign.Recipient, error) {
	exp := c.Experiment
	if exp == nil {
		return "", nil, ErrNoExperiment
	}
	if exp.Phase != campaign.PhaseSampling && exp.Phase != campaign.PhaseAwaitingDecision {
		return "", nil, ErrDecided
	}

	winner := Evaluate(c)
	exp.Suggested = winner
	exp.EvaluatedAt = &now

	if winner == "" || !c.Strategy.AutoPromoteWinner {
		exp.Phase = campaign.PhaseAwaitingDecision
		return winner, nil, nil
	}

	moved, err := Promote(c, winner)
	return winner, moved, err
}

// Promote assigns every pending held-back recipient to the winner and closes
// the experiment. Held-back recipients that are no longer pending stay where they are.
func Promote(c *campaign.Campaign, winner string) ([]*campaign.Recipient, error) {
	exp := c.Experiment
	if exp == nil {
		return nil, ErrNoExperiment
	}
	if exp.Phase == campaign.PhasePromoted || exp.Phase == campaign.PhaseCancelled {
		return nil, ErrDecided
	}
	v := c.Variant(winner)
	if v == nil {
		return nil, fmt.Errorf("variant %q: %w", winner, campaign.ErrNotFound)
	}

	var moved, kept []*campaign.Recipient
	for _, r := range c.Holdout {
		if r.Status == campaign.RecipientPending {
			moved = append(moved, r)
		} else {
			kept = append(kept, r)
		}
	}

	v.Recipients = append(v.Recipients, moved...)
	c.Assign(v, len(moved))
	c.Holdout = kept
	exp.Winner = winner
	exp.Phase = campaign.PhasePromoted
	return moved, nil
}
