// Package outbox is the durable hand-off between the matching critical
// section and Kafka. A trade is written here, synchronously, in the
// same step that persists the resting side; the broadcaster drains it
// out-of-band. No trade event is lost between match commit and publish.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StatePending State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64

	// Key is the Kafka partition key (the instrument); Payload is the
	// serialized trade-execution event.
	Key     []byte
	Payload []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:4][key][payload]
func encodeRecord(r *Record) []byte {
	buf := make([]byte, 0, 17+len(r.Key)+len(r.Payload))
	buf = append(buf, byte(r.State))
	buf = binary.BigEndian.AppendUint32(buf, r.Retries)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.LastAttempt))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Key)))
	buf = append(buf, r.Key...)
	return append(buf, r.Payload...)
}

func decodeRecord(b []byte) (*Record, error) {
	if len(b) < 17 {
		return nil, errors.New("outbox: short record")
	}
	keyLen := binary.BigEndian.Uint32(b[13:17])
	if len(b) < int(17+keyLen) {
		return nil, errors.New("outbox: truncated record key")
	}
	return &Record{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte(nil), b[17:17+keyLen]...),
		Payload:     append([]byte(nil), b[17+keyLen:]...),
	}, nil
}

// -------------------- Outbox --------------------

type Outbox struct {
	db  *pebble.DB
	seq atomic.Uint64
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	o := &Outbox{db: db}
	if err := o.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) recoverSeq() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		o.seq.Store(seq)
	}
	return iter.Error()
}

// -------------------- API --------------------

// Put appends a pending trade durably and returns its sequence.
// Called from inside the match critical section; pebble.Sync makes it
// part of the atomic match step.
func (o *Outbox) Put(key, payload []byte) (uint64, error) {
	seq := o.seq.Add(1)
	rec := &Record{Seq: seq, State: StatePending, Key: key, Payload: payload}
	if err := o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, fmt.Errorf("outbox: put seq %d: %w", seq, err)
	}
	return seq, nil
}

// MarkSent flags a record before the publish attempt.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.transition(seq, StateSent)
}

// MarkAcked flags a record after the broker acknowledged it.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.transition(seq, StateAcked)
}

func (o *Outbox) transition(seq uint64, state State) error {
	rec, err := o.get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	if state == StateSent {
		rec.Retries++
	}
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

func (o *Outbox) get(seq uint64) (*Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return nil, fmt.Errorf("outbox: get seq %d: %w", seq, err)
	}
	defer closer.Close()
	rec, err := decodeRecord(val)
	if err != nil {
		return nil, err
	}
	rec.Seq = seq
	return rec, nil
}

// ScanUnacked visits every record not yet acknowledged, in sequence
// order. SENT records are included so a crash between send and ack is
// retried (publishing is at-least-once; consumers dedup by trade id).
func (o *Outbox) ScanUnacked(fn func(*Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if rec.Seq, err = parseKey(iter.Key()); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// DeleteAcked removes acknowledged records. Cleanup, run periodically.
func (o *Outbox) DeleteAcked() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("trade/"),
		UpperBound: []byte("trade0"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State != StateAcked {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		if err := o.db.Delete(key, pebble.NoSync); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("trade/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("trade/"))), "%d", &seq)
	return seq, err
}
