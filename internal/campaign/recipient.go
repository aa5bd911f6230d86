package campaign

import "time"

// Advance moves the recipient towards to and returns the statuses newly
// reached, in funnel order. A receipt implies the earlier funnel steps, so a
// read receipt for a sent recipient reaches delivered and read. Duplicates
// and late receipts for steps already passed return nil with no error.
func (r *Recipient) Advance(to RecipientStatus, at time.Time) ([]RecipientStatus, error) {
	switch to {
	case RecipientSent, RecipientDelivered, RecipientRead:
		return r.advanceFunnel(to, at)
	case RecipientFailed:
		switch r.Status {
		case RecipientFailed:
			return nil, nil
		case RecipientRead, RecipientSkipped:
			return nil, &TransitionError{From: string(r.Status), To: string(to)}
		}
		r.Status = RecipientFailed
		return []RecipientStatus{RecipientFailed}, nil
	case RecipientSkipped:
		switch r.Status {
		case RecipientSkipped:
			return nil, nil
		case RecipientPending:
			r.Status = RecipientSkipped
			return []RecipientStatus{RecipientSkipped}, nil
		}
		return nil, &TransitionError{From: string(r.Status), To: string(to)}
	}
	return nil, &TransitionError{From: string(r.Status), To: string(to)}
}

func (r *Recipient) advanceFunnel(to RecipientStatus, at time.Time) ([]RecipientStatus, error) {
	if r.Status.Absorbing() {
		return nil, &TransitionError{From: string(r.Status), To: string(to)}
	}
	from, target := r.Status.step(), to.step()
	if target <= from {
		return nil, nil
	}

	var reached []RecipientStatus
	for step := from + 1; step <= target; step++ {
		switch step {
		case 1:
			t := at
			r.SentAt = &t
			reached = append(reached, RecipientSent)
		case 2:
			t := notBefore(at, r.SentAt)
			r.DeliveredAt = &t
			reached = append(reached, RecipientDelivered)
		case 3:
			t := notBefore(at, r.DeliveredAt)
			r.ReadAt = &t
			reached = append(reached, RecipientRead)
		}
	}
	r.Status = to
	return reached, nil
}

// notBefore keeps receipt timestamps monotonic
func notBefore(at time.Time, prev *time.Time) time.Time {
	if prev != nil && at.Before(*prev) {
		return *prev
	}
	return at
}
