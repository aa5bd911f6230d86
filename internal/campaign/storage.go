package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns   = []byte("campaigns")
	bucketRecipients  = []byte("recipients")   // recipient id -> campaign id
	bucketProviderIDs = []byte("provider_ids") // provider message id -> recipient id
)

// BoltStorage persists campaign documents in BoltDB
type BoltStorage struct {
	db *bolt.DB

	clockMu sync.RWMutex
	clock   func() time.Time
}

// NewBoltStorage opens (or creates) the campaign database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketRecipients, bucketProviderIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, clock: time.Now}, nil
}

// SetClock replaces the time source used for UpdatedAt and retention
func (s *BoltStorage) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	s.clock = now
	s.clockMu.Unlock()
}

func (s *BoltStorage) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock()
}

// DB returns the underlying database so other components can keep their
// buckets in the same file
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Close closes the database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// Create stores a new campaign
func (s *BoltStorage) Create(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketCampaigns).Get([]byte(c.ID)) != nil {
			return ErrExists
		}
		if err := put(tx, c); err != nil {
			return err
		}
		return index(tx, c)
	})
}

// Get retrieves a campaign by id
func (s *BoltStorage) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = get(tx, id)
		return err
	})
	return c, err
}

// Update loads a campaign, applies fn and writes it back in one transaction.
// Returning an error from fn aborts the write.
func (s *BoltStorage) Update(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error) {
	var c *Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		c, err = get(tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := put(tx, c); err != nil {
			return err
		}
		return index(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateRecipient applies fn to one recipient and its campaign in one
// transaction. The variant passed to fn is nil for held-back recipients.
func (s *BoltStorage) UpdateRecipient(ctx context.Context, recipientID string, fn func(c *Campaign, v *MessageVariant, r *Recipient) error) (*Campaign, error) {
	var c *Campaign
	err := s.db.Update(func(tx *bolt.Tx) error {
		campaignID := tx.Bucket(bucketRecipients).Get([]byte(recipientID))
		if campaignID == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, ErrNotFound)
		}
		var err error
		c, err = get(tx, string(campaignID))
		if err != nil {
			return err
		}
		v, r := c.FindRecipient(recipientID)
		if r == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, ErrNotFound)
		}
		if err := fn(c, v, r); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := put(tx, c); err != nil {
			return err
		}
		if r.ProviderMessageID != "" {
			if err := tx.Bucket(bucketProviderIDs).Put([]byte(r.ProviderMessageID), []byte(r.ID)); err != nil {
				return fmt.Errorf("failed to index provider id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindByProviderID returns the recipient id a provider message id was issued for
func (s *BoltStorage) FindByProviderID(ctx context.Context, providerID string) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProviderIDs).Get([]byte(providerID))
		if v == nil {
			return fmt.Errorf("provider message %s: %w", providerID, ErrNotFound)
		}
		id = string(v)
		return nil
	})
	return id, err
}

// CampaignOf returns the campaign id a recipient belongs to
func (s *BoltStorage) CampaignOf(ctx context.Context, recipientID string) (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecipients).Get([]byte(recipientID))
		if v == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, ErrNotFound)
		}
		id = string(v)
		return nil
	})
	return id, err
}

// List returns campaigns newest first with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.Status != "" && c.Status != filter.Status {
				return nil
			}
			if filter.AccountID != "" && c.AccountID != filter.AccountID {
				return nil
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(campaigns, func(i, j int) bool {
		return campaigns[i].CreatedAt.After(campaigns[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(campaigns) {
			return nil, nil
		}
		campaigns = campaigns[filter.Offset:]
	}
	if filter.Limit > 0 && len(campaigns) > filter.Limit {
		campaigns = campaigns[:filter.Limit]
	}
	return campaigns, nil
}

// Counts returns the number of campaigns per status. An empty accountID counts all.
func (s *BoltStorage) Counts(ctx context.Context, accountID string) (*Counts, error) {
	counts := &Counts{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			// status and account are enough, skip decoding recipients
			var head struct {
				AccountID string `json:"account_id"`
				Status    Status `json:"status"`
			}
			if err := json.Unmarshal(v, &head); err != nil {
				return nil
			}
			if accountID != "" && head.AccountID != accountID {
				return nil
			}
			counts.add(head.Status)
			return nil
		})
	})

	return counts, err
}

// Delete removes a campaign and its indexes
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := get(tx, id)
		if err != nil {
			return err
		}
		return remove(tx, c)
	})
}

// CleanupFinished removes completed and failed campaigns that finished more
// than maxAge ago
func (s *BoltStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []*Campaign
		err := tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if !c.Status.Terminal() {
				return nil
			}
			finished := c.UpdatedAt
			if c.CompletedAt != nil {
				finished = *c.CompletedAt
			}
			if finished.Before(cutoff) {
				expired = append(expired, &c)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids deleting while iterating with ForEach
		for _, c := range expired {
			if err := remove(tx, c); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

func get(tx *bolt.Tx, id string) (*Campaign, error) {
	data := tx.Bucket(bucketCampaigns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign: %w", err)
	}
	return &c, nil
}

func put(tx *bolt.Tx, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := tx.Bucket(bucketCampaigns).Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}
	return nil
}

func index(tx *bolt.Tx, c *Campaign) error {
	recipients := tx.Bucket(bucketRecipients)
	providerIDs := tx.Bucket(bucketProviderIDs)
	var err error
	c.Recipients(func(_ *MessageVariant, r *Recipient) {
		if err != nil {
			return
		}
		if err = recipients.Put([]byte(r.ID), []byte(c.ID)); err != nil {
			err = fmt.Errorf("failed to index recipient: %w", err)
			return
		}
		if r.ProviderMessageID != "" {
			if err = providerIDs.Put([]byte(r.ProviderMessageID), []byte(r.ID)); err != nil {
				err = fmt.Errorf("failed to index provider id: %w", err)
			}
		}
	})
	return err
}

func remove(tx *bolt.Tx, c *Campaign) error {
	recipients := tx.Bucket(bucketRecipients)
	providerIDs := tx.Bucket(bucketProviderIDs)
	var errs []error
	c.Recipients(func(_ *MessageVariant, r *Recipient) {
		errs = append(errs, recipients.Delete([]byte(r.ID)))
		if r.ProviderMessageID != "" {
			errs = append(errs, providerIDs.Delete([]byte(r.ProviderMessageID)))
		}
	})
	errs = append(errs, tx.Bucket(bucketCampaigns).Delete([]byte(c.ID)))
	return errors.Join(errs...)
}
