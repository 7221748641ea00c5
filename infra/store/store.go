// Package store is the durable order state behind the engine. Orders
// live in a single pebble keyspace and survive process restarts; the
// in-memory books are rebuilt from here on every warm start.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"tradestream/domain/order"
)

var ErrNotFound = errors.New("store: order not found")

const lockStripes = 64

// Store persists resting orders and the processed-message table.
type Store struct {
	db *pebble.DB

	// Striped row locks stand in for the pessimistic write lock the
	// engine holds while applying a fill or cancel to one row.
	rows [lockStripes]sync.Mutex
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// keys: order/<16-byte-uuid>, msg/<topic>/<16-byte-uuid>
func orderKey(id uuid.UUID) []byte {
	return append([]byte("order/"), id[:]...)
}

func msgKey(topic string, id uuid.UUID) []byte {
	k := append([]byte("msg/"), topic...)
	k = append(k, '/')
	return append(k, id[:]...)
}

// -------------------- Orders --------------------

// Save writes the order row durably. The updated-at stamp is owned by
// the store, not the caller.
func (s *Store) Save(o *order.RestingOrder) error {
	o.UpdatedAt = time.Now().UTC()
	if err := s.db.Set(orderKey(o.ID), encodeOrder(o), pebble.Sync); err != nil {
		return fmt.Errorf("store: save order %s: %w", o.ID, err)
	}
	return nil
}

// Find reads one order row. Returns ErrNotFound when absent.
func (s *Store) Find(id uuid.UUID) (*order.RestingOrder, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find order %s: %w", id, err)
	}
	defer closer.Close()
	return decodeOrder(val)
}

// FindByIDForUpdate reads one order row under its exclusive row lock.
// The caller must invoke release after saving (or abandoning) the row.
func (s *Store) FindByIDForUpdate(id uuid.UUID) (*order.RestingOrder, func(), error) {
	mu := &s.rows[binary.BigEndian.Uint32(id[:4])%lockStripes]
	mu.Lock()
	o, err := s.Find(id)
	if err != nil {
		mu.Unlock()
		return nil, nil, err
	}
	return o, mu.Unlock, nil
}

// LockRow takes the row lock for an order that is about to be written
// for the first time or is already held in memory.
func (s *Store) LockRow(id uuid.UUID) func() {
	mu := &s.rows[binary.BigEndian.Uint32(id[:4])%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// FindAllActive scans every order whose status is ACTIVE or
// PARTIALLY_FILLED. Used once, at warm start.
func (s *Store) FindAllActive() ([]*order.RestingOrder, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("order/"),
		UpperBound: []byte("order0"), // '0' is the byte after '/'
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan orders: %w", err)
	}
	defer iter.Close()

	var out []*order.RestingOrder
	for iter.First(); iter.Valid(); iter.Next() {
		o, err := decodeOrder(iter.Value())
		if err != nil {
			return nil, err
		}
		if o.Status == order.StatusActive || o.Status == order.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, iter.Error()
}

// -------------------- Processed messages --------------------

// Seen reports whether a message id was already applied for a topic.
// This is the engine's at-most-once intake boundary.
func (s *Store) Seen(topic string, id uuid.UUID) (bool, error) {
	_, closer, err := s.db.Get(msgKey(topic, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("store: seen %s: %w", id, err)
	}
	closer.Close()
	return true, nil
}

// MarkProcessed records a message id as applied.
func (s *Store) MarkProcessed(topic string, id uuid.UUID, at time.Time) error {
	val := binary.BigEndian.AppendUint64(nil, uint64(at.UnixNano()))
	if err := s.db.Set(msgKey(topic, id), val, pebble.Sync); err != nil {
		return fmt.Errorf("store: mark processed %s: %w", id, err)
	}
	return nil
}
