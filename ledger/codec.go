/*
codec.go - Key encodings for every ordering

PURPOSE:
  Maps a logical (store, goods, batch, date, kind, id, dependent) tuple to a
  byte string whose lexicographic order is the iteration order a topology
  wants. All fields are fixed width and big-endian, so comparing keys byte
  by byte compares the tuples field by field.

FIELD WIDTHS:
  date       8  unsigned milliseconds since the Unix epoch
  store     16  UUID
  goods     16  UUID
  batch     24  8-byte batch date + 16-byte batch id
  kind       1  Receive=1, Inventory=2, Issue=3
  id        16  operation UUID
  dependent  1  0 for caller operations, 1 for engine-synthesized ones

LAYOUTS:
  ops_store_date   store | date | goods | batch | kind | id | dep
  ops_date_store   date | store | goods | batch | kind | id | dep
  ops_store_goods  store | goods | batch | date | kind | id | dep
  cps_store_date   store | date | goods | batch
  cps_date_store   date | store | goods | batch

Within every layout the trailing (date, kind, id, dep) order of one chain is
preserved, which is what BalanceBefore and OperationsAfter rely on.
*/
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Upper sentinels. maxUUID and maxKind sort after every real id and kind,
// so a probe built from them lands after every record sharing its prefix.
var maxUUID = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

const (
	maxMillis uint64 = math.MaxUint64
	maxKind   OpKind = 0xff
)

// =============================================================================
// KEY BUILDER
// =============================================================================

type key []byte

func newKey(size int) key { return make(key, 0, size) }

func (k key) clone() key { return append(make(key, 0, opKeySize), k...) }

func (k key) id(u uuid.UUID) key { return append(k, u[:]...) }

func (k key) millis(ms uint64) key { return binary.BigEndian.AppendUint64(k, ms) }

func (k key) date(t time.Time) key { return k.millis(toMillis(t)) }

func (k key) batch(b Batch) key { return k.date(b.Date).id(b.ID) }

func (k key) kind(kind OpKind) key { return append(k, byte(kind)) }

func (k key) dependent(d bool) key {
	if d {
		return append(k, 1)
	}
	return append(k, 0)
}

// tail appends the chain-order suffix shared by every operation layout.
func (k key) tail(op Op) key {
	return k.kind(op.Operation.Kind).id(op.ID).dependent(op.IsDependent)
}

const opKeySize = 8 + 16 + 16 + 24 + 1 + 16 + 1

// after returns the smallest key strictly greater than k.
func after(k []byte) []byte {
	out := make([]byte, len(k)+1)
	copy(out, k)
	return out
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// inclusiveTill converts an inclusive upper date to the exclusive millis
// bound used in keys.
func inclusiveTill(t time.Time) uint64 {
	ms := toMillis(t)
	if ms == maxMillis {
		return ms
	}
	return ms + 1
}

// =============================================================================
// OPERATION LAYOUTS
// =============================================================================

func storeDateKey(op Op) []byte {
	return newKey(opKeySize).id(op.Store).date(op.Date).id(op.Goods).batch(op.Batch).tail(op)
}

func dateStoreKey(op Op) []byte {
	return newKey(opKeySize).date(op.Date).id(op.Store).id(op.Goods).batch(op.Batch).tail(op)
}

func storeGoodsKey(op Op) []byte {
	return newKey(opKeySize).id(op.Store).id(op.Goods).batch(op.Batch).date(op.Date).tail(op)
}

// storeGoodsChainSize is the length of a storeGoodsChain prefix.
const storeGoodsChainSize = 16 + 16 + 24

// storeGoodsChain is the prefix shared by every key of one chain.
func storeGoodsChain(store, goods uuid.UUID, b Batch) key {
	return newKey(opKeySize).id(store).id(goods).batch(b)
}

// =============================================================================
// CHECKPOINT LAYOUTS
// =============================================================================

const cpKeySize = 8 + 16 + 16 + 24

func cpStoreDateKey(b Balance) []byte {
	return newKey(cpKeySize).id(b.Store).date(b.Date).id(b.Goods).batch(b.Batch)
}

func cpDateStoreKey(b Balance) []byte {
	return newKey(cpKeySize).date(b.Date).id(b.Store).id(b.Goods).batch(b.Batch)
}

// =============================================================================
// VALUES
// =============================================================================

func encodeRecord(op Op, balance BalanceForGoods) ([]byte, error) {
	return json.Marshal(Record{Op: op, Balance: balance})
}

func decodeRecord(keyspace string, k, v []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(v, &r); err != nil {
		return Record{}, &DecodeError{Keyspace: keyspace, Key: append([]byte(nil), k...), Err: err}
	}
	return r, nil
}

func encodeBalance(b Balance) ([]byte, error) { return json.Marshal(b) }

func decodeBalance(keyspace string, k, v []byte) (Balance, error) {
	var b Balance
	if err := json.Unmarshal(v, &b); err != nil {
		return Balance{}, &DecodeError{Keyspace: keyspace, Key: append([]byte(nil), k...), Err: err}
	}
	return b, nil
}
