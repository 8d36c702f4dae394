package weft

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestApplyAdd(t *testing.T) {
	// numeric add per tag
	v, err := applyAdd(Count(2), Count(3), KindCount)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), v.Count())

	v, err = applyAdd(Integer(-2), Integer(5), KindInteger)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(3), v.Integer())

	v, err = applyAdd(Real(1.5), Real(2.5), KindReal)
	assert.Equal(t, nil, err)
	assert.Equal(t, 4.0, v.Real())

	// timestamp moves by timespan
	base := time.Unix(1000, 0)
	v, err = applyAdd(Timestamp(base), Timespan(time.Second), KindTimestamp)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, v.Time().Equal(base.Add(time.Second)))

	// string concatenation
	v, err = applyAdd(String("ab"), String("cd"), KindString)
	assert.Equal(t, nil, err)
	assert.Equal(t, "abcd", v.Str())

	// set union
	v, err = applyAdd(Set(Count(1)), Count(2), KindSet)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(Count(1), Count(2)).Equal(v))

	// table merge, latest write wins
	v, err = applyAdd(
		Table(TableEntry{Key: String("k"), Val: Count(1)}),
		List(String("k"), Count(9)),
		KindTable,
	)
	assert.Equal(t, nil, err)
	found, _ := v.Find(String("k"))
	assert.Equal(t, uint64(9), found.Count())

	// list appends one element
	v, err = applyAdd(List(Count(1)), Count(2), KindList)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, List(Count(1), Count(2)).Equal(v))

	// absent key initializes to the neutral element of the init kind
	v, err = applyAdd(None(), Count(4), KindCount)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(4), v.Count())

	v, err = applyAdd(None(), String("x"), KindString)
	assert.Equal(t, nil, err)
	assert.Equal(t, "x", v.Str())

	// the init kind, not the operand kind, decides what an absent key
	// becomes: a table operand is itself a 2-element list, and a set or
	// list operand is a bare element
	v, err = applyAdd(None(), List(String("k"), Count(9)), KindTable)
	assert.Equal(t, nil, err)
	assert.Equal(t, KindTable, v.Kind())
	found, ok := v.Find(String("k"))
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(9), found.Count())

	v, err = applyAdd(None(), Integer(5), KindList)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, List(Integer(5)).Equal(v))

	v, err = applyAdd(None(), Integer(5), KindSet)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(Integer(5)).Equal(v))

	// absent key without an init kind is a type clash
	_, err = applyAdd(None(), Count(1), KindNone)
	assert.Equal(t, true, IsError(err, ErrorTypeClash))

	// mixed operand types clash
	_, err = applyAdd(Count(1), String("x"), KindCount)
	assert.Equal(t, true, IsError(err, ErrorTypeClash))
	_, err = applyAdd(Count(1), Integer(1), KindCount)
	assert.Equal(t, true, IsError(err, ErrorTypeClash))
	_, err = applyAdd(None(), Boolean(true), KindBoolean)
	assert.Equal(t, true, IsError(err, ErrorTypeClash))

	// a malformed table entry is invalid data
	_, err = applyAdd(Table(), List(Count(1)), KindTable)
	assert.Equal(t, true, IsError(err, ErrorInvalidData))
}

func TestApplySubtract(t *testing.T) {
	v, err := applySubtract(Count(5), Count(3))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), v.Count())

	v, err = applySubtract(Integer(3), Integer(5))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(-2), v.Integer())

	// set and table remove
	v, err = applySubtract(Set(Count(1), Count(2)), Count(1))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(Count(2)).Equal(v))

	v, err = applySubtract(
		Table(TableEntry{Key: String("a"), Val: Count(1)}, TableEntry{Key: String("b"), Val: Count(2)}),
		String("a"),
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, v.Len())

	// list pops the last element
	v, err = applySubtract(List(Count(1), Count(2)), None())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, List(Count(1)).Equal(v))

	// string removal is undefined
	_, err = applySubtract(String("ab"), String("b"))
	assert.Equal(t, true, IsError(err, ErrorTypeClash))
}

func TestIncrementDecrementIdentity(t *testing.T) {
	// increment(k, n); decrement(k, n) is the identity for existing numerics
	backend := NewMemoryBackend()
	assert.Equal(t, nil, backend.Put(String("k"), Integer(10), time.Time{}))
	assert.Equal(t, nil, backend.Add(String("k"), Integer(7), KindInteger, time.Time{}))
	assert.Equal(t, nil, backend.Subtract(String("k"), Integer(7), time.Time{}))
	v, err := backend.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(10), v.Integer())
}

func TestMemoryBackend(t *testing.T) {
	backend := NewMemoryBackend()

	// put; get = v
	assert.Equal(t, nil, backend.Put(String("k"), String("v"), time.Time{}))
	v, err := backend.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "v", v.Str())

	exists, err := backend.Exists(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, exists)

	size, err := backend.Size()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), size)

	// put; erase; get = no-such-key
	assert.Equal(t, nil, backend.Erase(String("k")))
	_, err = backend.Get(String("k"))
	assert.Equal(t, true, IsError(err, ErrorNoSuchKey))

	// subtract on an absent key is no-such-key
	err = backend.Subtract(String("missing"), Count(1), time.Time{})
	assert.Equal(t, true, IsError(err, ErrorNoSuchKey))

	// expire removes only when the recorded expiry matches
	expiry := time.Now().Add(time.Hour)
	assert.Equal(t, nil, backend.Put(String("e"), Count(1), expiry))
	removed, err := backend.Expire(String("e"), expiry.Add(time.Second))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, removed)
	removed, err = backend.Expire(String("e"), expiry)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, removed)

	// keys and snapshot are in key order
	assert.Equal(t, nil, backend.Put(String("b"), Count(2), time.Time{}))
	assert.Equal(t, nil, backend.Put(String("a"), Count(1), time.Time{}))
	keys, err := backend.Keys()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(String("a"), String("b")).Equal(keys))
	snapshot, err := backend.Snapshot()
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, "a", snapshot[0].Key.Str())
	assert.Equal(t, "b", snapshot[1].Key.Str())

	assert.Equal(t, nil, backend.Clear())
	size, _ = backend.Size()
	assert.Equal(t, uint64(0), size)
}

func TestStoreCommandWire(t *testing.T) {
	origin := NewId()
	cmd := &storeCommand{
		op:        cmdAdd,
		seq:       42,
		origin:    origin,
		requestId: 7,
		key:       String("k"),
		value:     Count(3),
		expiry:    Timestamp(time.Unix(2000, 0)),
	}
	decoded, err := decodeStoreCommand(cmd.encode())
	assert.Equal(t, nil, err)
	assert.Equal(t, cmdAdd, decoded.op)
	assert.Equal(t, uint64(42), decoded.seq)
	assert.Equal(t, origin, decoded.origin)
	assert.Equal(t, uint64(7), decoded.requestId)
	assert.Equal(t, "k", decoded.key.Str())
	assert.Equal(t, uint64(3), decoded.value.Count())
	assert.Equal(t, true, decoded.expiry.Time().Equal(time.Unix(2000, 0)))

	// the init kind survives the wire so clones seed absent keys the same
	// way the master does
	seeded := &storeCommand{op: cmdAdd, key: String("k"), value: Integer(1), initKind: KindList}
	decoded, err = decodeStoreCommand(seeded.encode())
	assert.Equal(t, nil, err)
	assert.Equal(t, KindList, decoded.initKind)

	// absent fields stay none
	minimal := &storeCommand{op: cmdClear}
	decoded, err = decodeStoreCommand(minimal.encode())
	assert.Equal(t, nil, err)
	assert.Equal(t, true, decoded.origin.IsZero())
	assert.Equal(t, true, decoded.key.IsNone())
	assert.Equal(t, true, decoded.expiry.IsNone())
	assert.Equal(t, KindNone, decoded.initKind)

	_, err = decodeStoreCommand(EncodeValue(Count(1)))
	assert.Equal(t, true, IsError(err, ErrorCodecMalformed))
}
