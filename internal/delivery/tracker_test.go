package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/provider"
)

type fixture struct {
	store   *campaign.BoltStorage
	tracker *Tracker
	now     time.Time
	events  []Event
}

func newFixture(t *testing.T, c *campaign.Campaign) *fixture {
	t.Helper()
	store, err := campaign.NewBoltStorage(filepath.Join(t.TempDir(), "campaigns.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f := &fixture{
		store: store,
		now:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.tracker.SetClock(func() time.Time { return f.now })
	f.tracker.OnChange(func(ctx context.Context, ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *fixture) campaign(t *testing.T) *campaign.Campaign {
	t.Helper()
	c, err := f.store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return c
}

func pending(id string) *campaign.Recipient {
	return &campaign.Recipient{ID: id, Phone: "+1555000" + id, Status: campaign.RecipientPending}
}

func testCampaign() *campaign.Campaign {
	return &campaign.Campaign{
		ID:        "c1",
		AccountID: "acc",
		Status:    campaign.StatusScheduled,
		Strategy:  campaign.Strategy{Mode: campaign.ModeAB},
		Variants: []*campaign.MessageVariant{
			{Name: "A", Type: campaign.VariantText, Recipients: []*campaign.Recipient{pending("a1"), pending("a2")}},
			{Name: "B", Type: campaign.VariantText, Recipients: []*campaign.Recipient{pending("b1")}},
		},
		Holdout:    []*campaign.Recipient{pending("h1")},
		Experiment: &campaign.Experiment{Phase: campaign.PhaseSampling, SampleSize: 3},
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRecordSent(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	if err := f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.a1"}); err != nil {
		t.Fatalf("RecordSent() error = %v", err)
	}

	c := f.campaign(t)
	if c.Status != campaign.StatusRunning || c.StartedAt == nil {
		t.Errorf("campaign status = %v, started %v", c.Status, c.StartedAt)
	}
	if c.Experiment.FirstSentAt == nil || !c.Experiment.FirstSentAt.Equal(f.now) {
		t.Errorf("FirstSentAt = %v", c.Experiment.FirstSentAt)
	}
	v, r := c.FindRecipient("a1")
	if r.Status != campaign.RecipientSent || r.ProviderMessageID != "wamid.a1" || !r.SentAt.Equal(f.now) {
		t.Errorf("recipient = %+v", r)
	}
	if v.Metrics.Sent != 1 || c.Metrics.Sent != 1 {
		t.Errorf("sent metrics variant %d campaign %d", v.Metrics.Sent, c.Metrics.Sent)
	}

	if len(f.events) != 1 || !f.events[0].FirstSend || f.events[0].VariantName != "A" {
		t.Errorf("events = %+v", f.events)
	}

	// a second send of the same recipient is rejected
	err := f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.again"})
	if !errors.Is(err, ErrNotPending) {
		t.Errorf("RecordSent() again error = %v, want ErrNotPending", err)
	}

	// the next send is not the first one
	f.tracker.RecordSent(ctx, "b1", &provider.Result{MessageID: "wamid.b1"})
	if f.events[len(f.events)-1].FirstSend {
		t.Error("second send flagged as first")
	}

	jobID, err := f.tracker.RecordReceiptByProviderID(ctx, "wamid.b1", campaign.RecipientDelivered, time.Time{})
	if err != nil || jobID != "b1" {
		t.Errorf("RecordReceiptByProviderID() = %q, %v", jobID, err)
	}
}

func TestReceiptIdempotent(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.a1"})

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Second)
		if err := f.tracker.RecordDeliveryReceipt(ctx, "a1", campaign.RecipientDelivered, f.now); err != nil {
			t.Fatalf("RecordDeliveryReceipt() error = %v", err)
		}
	}

	c := f.campaign(t)
	if c.Metrics.Delivered != 1 || c.Variant("A").Metrics.Delivered != 1 {
		t.Errorf("delivered = %d / %d, want 1", c.Metrics.Delivered, c.Variant("A").Metrics.Delivered)
	}
	_, r := c.FindRecipient("a1")
	if !r.DeliveredAt.Equal(f.now.Add(-2 * time.Second)) {
		t.Errorf("DeliveredAt = %v, first receipt time kept", r.DeliveredAt)
	}
}

func TestReadReceiptImpliesDelivered(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.a1"})
	// read arrives before delivered, with an earlier clock than the send
	if err := f.tracker.RecordDeliveryReceipt(ctx, "a1", campaign.RecipientRead, f.now.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.RecordDeliveryReceipt(ctx, "a1", campaign.RecipientDelivered, f.now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	c := f.campaign(t)
	m := c.Metrics
	if m.Sent != 1 || m.Delivered != 1 || m.Read != 1 {
		t.Errorf("metrics = %+v, want 1/1/1", m)
	}
	_, r := c.FindRecipient("a1")
	if r.SentAt.After(*r.DeliveredAt) || r.DeliveredAt.After(*r.ReadAt) {
		t.Errorf("timestamps not monotonic: %v %v %v", r.SentAt, r.DeliveredAt, r.ReadAt)
	}
}

func TestReceiptErrors(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	if err := f.tracker.RecordDeliveryReceipt(ctx, "a1", campaign.RecipientDelivered, time.Time{}); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("receipt for pending recipient error = %v", err)
	}
	if err := f.tracker.RecordDeliveryReceipt(ctx, "a1", campaign.RecipientSkipped, time.Time{}); !errors.Is(err, campaign.ErrInvalid) {
		t.Errorf("receipt with skipped status error = %v", err)
	}
	if err := f.tracker.RecordDeliveryReceipt(ctx, "missing", campaign.RecipientRead, time.Time{}); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("receipt for unknown job error = %v", err)
	}
	if _, err := f.tracker.RecordReceiptByProviderID(ctx, "wamid.unknown", campaign.RecipientRead, time.Time{}); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("receipt for unknown provider id error = %v", err)
	}
}

func TestRetryAndFailure(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	for want := 1; want <= 2; want++ {
		got, err := f.tracker.RecordRetry(ctx, "a2", "gateway busy")
		if err != nil || got != want {
			t.Fatalf("RecordRetry() = %d, %v, want %d", got, err, want)
		}
	}
	if err := f.tracker.RecordFailed(ctx, "a2", "gateway busy"); err != nil {
		t.Fatalf("RecordFailed() error = %v", err)
	}

	c := f.campaign(t)
	_, r := c.FindRecipient("a2")
	if r.Status != campaign.RecipientFailed || r.Retries != 2 || r.LastError != "gateway busy" {
		t.Errorf("recipient = %+v", r)
	}
	if c.Metrics.Failed != 1 || c.Variant("A").Metrics.Failed != 1 {
		t.Errorf("failed metrics = %+v", c.Metrics)
	}

	if _, err := f.tracker.RecordRetry(ctx, "a2", "late"); !errors.Is(err, ErrNotPending) {
		t.Errorf("RecordRetry() on failed error = %v", err)
	}
}

func TestSingleCampaignCompletes(t *testing.T) {
	c := testCampaign()
	c.Strategy = campaign.Strategy{Mode: campaign.ModeSingle}
	c.Variants = c.Variants[:1]
	c.Holdout = nil
	c.Experiment = nil
	c.Status = campaign.StatusRunning

	f := newFixture(t, c)
	ctx := context.Background()

	f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.a1"})
	if f.campaign(t).Status != campaign.StatusRunning {
		t.Fatal("campaign completed with pending recipients")
	}
	f.tracker.RecordFailed(ctx, "a2", "invalid number")

	got := f.campaign(t)
	if got.Status != campaign.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %v, completed %v", got.Status, got.CompletedAt)
	}
	if last := f.events[len(f.events)-1]; !last.Completed {
		t.Errorf("last event = %+v, want completed", last)
	}
}

func TestSkip(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	if err := f.tracker.RecordSkipped(ctx, "b1", "cancelled"); err != nil {
		t.Fatalf("RecordSkipped() error = %v", err)
	}
	f.tracker.RecordSent(ctx, "a1", &provider.Result{MessageID: "wamid.a1"})

	n, err := f.tracker.SkipPending(ctx, "c1", "campaign cancelled")
	if err != nil {
		t.Fatalf("SkipPending() error = %v", err)
	}
	// a2 and the held-back h1
	if n != 2 {
		t.Errorf("SkipPending() = %d, want 2", n)
	}

	c := f.campaign(t)
	// the held-back h1 is skipped but counted on no variant
	if c.Metrics.Skipped != 2 || c.Variant("A").Metrics.Skipped != 1 || c.Variant("B").Metrics.Skipped != 1 {
		t.Errorf("skipped metrics = %+v / %+v / %+v", c.Metrics, c.Variant("A").Metrics, c.Variant("B").Metrics)
	}
	if got := c.VariantMetrics(); got != c.Metrics {
		t.Errorf("variant sum = %+v, campaign = %+v", got, c.Metrics)
	}
	if c.Pending() {
		t.Error("campaign still has pending recipients")
	}
	_, r := c.FindRecipient("a1")
	if r.Status != campaign.RecipientSent {
		t.Errorf("sent recipient skipped: %v", r.Status)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t, testCampaign())
	ctx := context.Background()

	f.tracker.RecordSent(ctx, "b1", &provider.Result{MessageID: "wamid.b1"})

	st, err := f.tracker.GetStatus(ctx, "b1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.CampaignID != "c1" || st.VariantName != "B" || st.Recipient.Status != campaign.RecipientSent {
		t.Errorf("GetStatus() = %+v", st)
	}

	st, err = f.tracker.GetStatus(ctx, "h1")
	if err != nil || st.VariantName != "" || st.Recipient.Status != campaign.RecipientPending {
		t.Errorf("GetStatus(holdout) = %+v, %v", st, err)
	}

	if _, err := f.tracker.GetStatus(ctx, "nope"); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("GetStatus(nope) error = %v", err)
	}
}
