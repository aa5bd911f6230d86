package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/herald/internal/campaign"
)

var (
	bucketSandbox     = []byte("sandbox")
	// job id -> key of its latest capture
	bucketSandboxJobs = []byte("sandbox_jobs")
)

// Message represents a message captured instead of being sent
type Message struct {
	ID                string               `json:"id"`
	AccountID         string               `json:"account_id"`
	To                string               `json:"to"`
	Type              campaign.VariantType `json:"type"`
	Content           campaign.Content     `json:"content"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	CapturedAt        time.Time            `json:"captured_at"`
	SimulatedErr      string               `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the sandbox buckets in an open database
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSandbox, bucketSandboxJobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a capture. Every attempt of a job is kept; the job index points at the latest.
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := captureKey(msg.CapturedAt, msg.ID)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSandbox).Put(key, data); err != nil {
			return err
		}
		jobs := tx.Bucket(bucketSandboxJobs)
		if prev := jobs.Get([]byte(msg.ID)); prev != nil && bytes.Compare(prev, key) > 0 {
			return nil
		}
		return jobs.Put([]byte(msg.ID), key)
	})
}

// Get returns the latest capture of a job, or nil when there is none
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketSandboxJobs).Get([]byte(id))
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketSandbox).Get(key)
		if data == nil {
			return nil
		}
		msg = &Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	AccountID string
	To        string
	Limit     int
	Offset    int
}

func (f ListFilter) match(m *Message) bool {
	return (f.AccountID == "" || m.AccountID == f.AccountID) && (f.To == "" || m.To == f.To)
}

// List returns messages matching the filter, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil || !filter.match(&msg) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages of an account (all when empty) captured more than
// olderThan ago (all when zero)
func (s *Storage) Clear(ctx context.Context, accountID string, olderThan time.Duration) (int, error) {
	var end []byte
	if olderThan > 0 {
		end = captureKey(time.Now().Add(-olderThan), "")
	}

	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		jobs := tx.Bucket(bucketSandboxJobs)

		var doomed [][]byte
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if accountID != "" && msg.AccountID != accountID {
				continue
			}
			doomed = append(doomed, k)
			if bytes.Equal(jobs.Get([]byte(msg.ID)), k) {
				if err := jobs.Delete([]byte(msg.ID)); err != nil {
					return err
				}
			}
		}

		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		count = len(doomed)
		return nil
	})

	return count, err
}

// Stats summarizes captured messages
type Stats struct {
	Total     int64            `json:"total"`
	Failed    int64            `json:"failed"`
	ByAccount map[string]int64 `json:"by_account"`
	ByType    map[string]int64 `json:"by_type"`
	OldestAt  time.Time        `json:"oldest_at,omitempty"`
	NewestAt  time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sandbox statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByAccount: make(map[string]int64),
		ByType:    make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		// keys are time ordered, so the first and last captures bound the range
		return tx.Bucket(bucketSandbox).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			stats.Total++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}
			stats.ByAccount[msg.AccountID]++
			stats.ByType[string(msg.Type)]++
			if stats.OldestAt.IsZero() {
				stats.OldestAt = msg.CapturedAt
			}
			stats.NewestAt = msg.CapturedAt
			return nil
		})
	})

	return stats, err
}

// captureKey sorts by capture time: 8 bytes of big endian unix nanos, then the job id
func captureKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}
