package campaign

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *BoltStorage {
	t.Helper()
	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "campaigns.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func storedCampaign(id string, status Status, created time.Time) *Campaign {
	c := abCampaign()
	c.ID = id
	c.Status = status
	c.CreatedAt = created
	c.Variants[0].Recipients = []*Recipient{{ID: id + "-r1", Phone: "+15550000001", Status: RecipientPending}}
	c.Variants[1].Recipients = []*Recipient{{ID: id + "-r2", Phone: "+15550000002", Status: RecipientPending}}
	c.Holdout = []*Recipient{{ID: id + "-h1", Phone: "+15550000003", Status: RecipientPending}}
	return c
}

func TestBoltStorage(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	c := storedCampaign("c1", StatusDraft, time.Now())
	if err := storage.Create(ctx, c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := storage.Create(ctx, c); !errors.Is(err, ErrExists) {
		t.Fatalf("Create() duplicate error = %v, want ErrExists", err)
	}

	got, err := storage.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Variants[0].Recipients[0].Phone != "+15550000001" {
		t.Errorf("Get() recipients not persisted: %+v", got.Variants[0].Recipients)
	}

	if _, err := storage.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}

	// Update aborts on fn error
	_, err = storage.Update(ctx, "c1", func(c *Campaign) error {
		c.Name = "changed"
		return ErrInvalid
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = storage.Get(ctx, "c1")
	if got.Name == "changed" {
		t.Error("Update() persisted an aborted change")
	}

	updated, err := storage.Update(ctx, "c1", func(c *Campaign) error {
		return c.Transition(StatusRunning, time.Now())
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != StatusRunning {
		t.Errorf("Update() status = %v", updated.Status)
	}
}

func TestBoltStorageSetClockWhileUpdating(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	if err := storage.Create(ctx, storedCampaign("c1", StatusDraft, time.Now())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 50 {
			at := base.Add(time.Duration(i) * time.Minute)
			storage.SetClock(func() time.Time { return at })
		}
	}()
	for range 50 {
		if _, err := storage.Update(ctx, "c1", func(*Campaign) error { return nil }); err != nil {
			t.Fatalf("Update() error = %v", err)
		}
	}
	wg.Wait()

	storage.SetClock(func() time.Time { return base })
	got, err := storage.Update(ctx, "c1", func(*Campaign) error { return nil })
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, base)
	}
}

func TestBoltStorageUpdateRecipient(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.Create(ctx, storedCampaign("c1", StatusRunning, time.Now())); err != nil {
		t.Fatal(err)
	}

	c, err := storage.UpdateRecipient(ctx, "c1-r2", func(c *Campaign, v *MessageVariant, r *Recipient) error {
		if v == nil || v.Name != "B" {
			t.Errorf("variant = %v, want B", v)
		}
		reached, err := r.Advance(RecipientSent, time.Now())
		if err != nil {
			return err
		}
		r.ProviderMessageID = "wamid.42"
		c.Record(v, reached)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRecipient() error = %v", err)
	}
	if c.Metrics.Sent != 1 || c.Variants[1].Metrics.Sent != 1 {
		t.Errorf("metrics = %+v / %+v", c.Metrics, c.Variants[1].Metrics)
	}

	id, err := storage.FindByProviderID(ctx, "wamid.42")
	if err != nil {
		t.Fatalf("FindByProviderID() error = %v", err)
	}
	if id != "c1-r2" {
		t.Errorf("FindByProviderID() = %q, want c1-r2", id)
	}

	// held-back recipients are addressable with a nil variant
	_, err = storage.UpdateRecipient(ctx, "c1-h1", func(c *Campaign, v *MessageVariant, r *Recipient) error {
		if v != nil {
			t.Errorf("holdout variant = %v, want nil", v.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRecipient(holdout) error = %v", err)
	}

	if _, err := storage.UpdateRecipient(ctx, "nope", func(*Campaign, *MessageVariant, *Recipient) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRecipient(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBoltStorageListAndCounts(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	base := time.Now()

	for i, st := range []Status{StatusDraft, StatusRunning, StatusRunning, StatusPaused, StatusScheduled} {
		c := storedCampaign(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))
		if i == 4 {
			c.AccountID = "other"
		}
		if err := storage.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := storage.Counts(ctx, "")
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	want := Counts{Draft: 1, Running: 2, Paused: 1, Scheduled: 1, Total: 5}
	if *counts != want {
		t.Errorf("Counts() = %+v, want %+v", *counts, want)
	}

	counts, _ = storage.Counts(ctx, "acc")
	if counts.Total != 4 || counts.Scheduled != 0 {
		t.Errorf("Counts(acc) = %+v", *counts)
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].ID != "e" {
		t.Errorf("List() newest first, got first %s of %d", all[0].ID, len(all))
	}

	running, _ := storage.List(ctx, ListFilter{Status: StatusRunning})
	if len(running) != 2 {
		t.Errorf("List(running) = %d, want 2", len(running))
	}

	page, _ := storage.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "d" {
		t.Errorf("List(limit 2 offset 1) = %d items", len(page))
	}
}

func TestBoltStorageDeleteAndCleanup(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	old := storedCampaign("old", StatusCompleted, now.Add(-48*time.Hour))
	finished := now.Add(-30 * time.Hour)
	old.CompletedAt = &finished
	fresh := storedCampaign("fresh", StatusCompleted, now)
	recent := now.Add(-time.Hour)
	fresh.CompletedAt = &recent
	running := storedCampaign("running", StatusRunning, now.Add(-72*time.Hour))

	for _, c := range []*Campaign{old, fresh, running} {
		if err := storage.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := storage.CleanupFinished(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupFinished() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("CleanupFinished() = %d, want 1", deleted)
	}
	if _, err := storage.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old campaign still present: %v", err)
	}
	if _, err := storage.CampaignOf(ctx, "old-r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("recipient index not cleaned: %v", err)
	}

	if err := storage.Delete(ctx, "running"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := storage.Delete(ctx, "running"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrNotFound", err)
	}

	counts, _ := storage.Counts(ctx, "")
	if counts.Total != 1 {
		t.Errorf("Total = %d, want 1", counts.Total)
	}
}
