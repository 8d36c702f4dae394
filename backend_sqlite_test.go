package weft

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSqliteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	options := BackendOptions{
		"path": String(path),
	}
	backend, err := NewSqliteBackend(options)
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, backend.Put(String("k"), List(Count(1), String("x")), time.Time{}))
	v, err := backend.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, List(Count(1), String("x")).Equal(v))

	// add applies the same per-tag semantics as the memory backend
	assert.Equal(t, nil, backend.Put(String("n"), Count(2), time.Time{}))
	assert.Equal(t, nil, backend.Add(String("n"), Count(3), KindCount, time.Time{}))
	v, err = backend.Get(String("n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), v.Count())

	err = backend.Add(String("n"), String("x"), KindString, time.Time{})
	assert.Equal(t, true, IsError(err, ErrorTypeClash))

	// an absent key seeds as the named init kind, not the operand kind
	assert.Equal(t, nil, backend.Add(String("seeded"), Integer(5), KindList, time.Time{}))
	v, err = backend.Get(String("seeded"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, List(Integer(5)).Equal(v))

	err = backend.Subtract(String("missing"), Count(1), time.Time{})
	assert.Equal(t, true, IsError(err, ErrorNoSuchKey))

	// expire removes only on an exact recorded-expiry match
	expiry := time.Unix(5000, 123)
	assert.Equal(t, nil, backend.Put(String("e"), Count(1), expiry))
	removed, err := backend.Expire(String("e"), expiry.Add(time.Second))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, removed)
	removed, err = backend.Expire(String("e"), expiry)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, removed)

	expirables, err := backend.Expiries()
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(expirables))

	assert.Equal(t, nil, backend.Put(String("b"), Count(2), time.Time{}))
	assert.Equal(t, nil, backend.Put(String("a"), Count(1), time.Time{}))
	snapshot, err := backend.Snapshot()
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, len(snapshot))
	assert.Equal(t, "a", snapshot[0].Key.Str())

	size, err := backend.Size()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), size)

	assert.Equal(t, nil, backend.Close())

	// state survives a reopen
	backend, err = NewSqliteBackend(options)
	assert.Equal(t, nil, err)
	v, err = backend.Get(String("n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), v.Count())
	assert.Equal(t, nil, backend.Close())
}
