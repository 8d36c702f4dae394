package weft

import (
	"slices"
	"time"
)

// The interface the master store consumes from a storage plugin. All
// methods return typed errors; a backend never panics into the store task.
type Backend interface {
	Put(key Value, value Value, expiry time.Time) error
	// initializes an absent key to the neutral element of `initKind`, then
	// applies `add`
	Add(key Value, value Value, initKind ValueKind, expiry time.Time) error
	Subtract(key Value, value Value, expiry time.Time) error
	Erase(key Value) error
	Clear() error
	// removes the key iff its recorded expiry equals `ts`. a stale timer
	// must never clobber a newer value.
	Expire(key Value, ts time.Time) (bool, error)
	Get(key Value) (Value, error)
	Exists(key Value) (bool, error)
	Size() (uint64, error)
	// the key set
	Keys() (Value, error)
	// a point-in-time complete copy, entries sorted by key
	Snapshot() ([]TableEntry, error)
	Expiries() ([]Expirable, error)
	Close() error
}

type Expirable struct {
	Key    Value
	Expiry time.Time
}

type BackendOptions map[string]Value

const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
)

func NewBackend(kind string, options BackendOptions) (Backend, error) {
	switch kind {
	case BackendMemory, "":
		return NewMemoryBackend(), nil
	case BackendSqlite:
		return NewSqliteBackend(options)
	default:
		return nil, NewError(ErrorBackendFailure, "unknown backend kind %s", kind)
	}
}

type memoryEntry struct {
	value  Value
	expiry time.Time
}

type MemoryBackend struct {
	// encoded key -> entry
	entries map[string]*memoryEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: map[string]*memoryEntry{},
	}
}

func memoryKey(key Value) string {
	return string(EncodeValue(key))
}

func (self *MemoryBackend) Put(key Value, value Value, expiry time.Time) error {
	self.entries[memoryKey(key)] = &memoryEntry{
		value:  value,
		expiry: expiry,
	}
	return nil
}

func (self *MemoryBackend) Add(key Value, value Value, initKind ValueKind, expiry time.Time) error {
	k := memoryKey(key)
	current := None()
	if entry, ok := self.entries[k]; ok {
		current = entry.value
	}
	next, err := applyAdd(current, value, initKind)
	if err != nil {
		return err
	}
	self.entries[k] = &memoryEntry{
		value:  next,
		expiry: expiry,
	}
	return nil
}

func (self *MemoryBackend) Subtract(key Value, value Value, expiry time.Time) error {
	k := memoryKey(key)
	entry, ok := self.entries[k]
	if !ok {
		return NewError(ErrorNoSuchKey, "%s", key)
	}
	next, err := applySubtract(entry.value, value)
	if err != nil {
		return err
	}
	self.entries[k] = &memoryEntry{
		value:  next,
		expiry: expiry,
	}
	return nil
}

func (self *MemoryBackend) Erase(key Value) error {
	delete(self.entries, memoryKey(key))
	return nil
}

func (self *MemoryBackend) Clear() error {
	clear(self.entries)
	return nil
}

func (self *MemoryBackend) Expire(key Value, ts time.Time) (bool, error) {
	k := memoryKey(key)
	entry, ok := self.entries[k]
	if !ok {
		return false, nil
	}
	if entry.expiry.IsZero() || !entry.expiry.Equal(ts) {
		return false, nil
	}
	delete(self.entries, k)
	return true, nil
}

func (self *MemoryBackend) Get(key Value) (Value, error) {
	if entry, ok := self.entries[memoryKey(key)]; ok {
		return entry.value, nil
	}
	return None(), NewError(ErrorNoSuchKey, "%s", key)
}

func (self *MemoryBackend) Exists(key Value) (bool, error) {
	_, ok := self.entries[memoryKey(key)]
	return ok, nil
}

func (self *MemoryBackend) Size() (uint64, error) {
	return uint64(len(self.entries)), nil
}

func (self *MemoryBackend) Keys() (Value, error) {
	keys := make([]Value, 0, len(self.entries))
	for k := range self.entries {
		key, err := DecodeValue([]byte(k))
		if err != nil {
			return None(), NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		keys = append(keys, key)
	}
	return Set(keys...), nil
}

func (self *MemoryBackend) Snapshot() ([]TableEntry, error) {
	entries := make([]TableEntry, 0, len(self.entries))
	for k, entry := range self.entries {
		key, err := DecodeValue([]byte(k))
		if err != nil {
			return nil, NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		entries = append(entries, TableEntry{Key: key, Val: entry.value})
	}
	slices.SortFunc(entries, func(a TableEntry, b TableEntry) int {
		return Compare(a.Key, b.Key)
	})
	return entries, nil
}

func (self *MemoryBackend) Expiries() ([]Expirable, error) {
	expirables := []Expirable{}
	for k, entry := range self.entries {
		if entry.expiry.IsZero() {
			continue
		}
		key, err := DecodeValue([]byte(k))
		if err != nil {
			return nil, NewError(ErrorBackendFailure, "corrupt key: %s", err)
		}
		expirables = append(expirables, Expirable{Key: key, Expiry: entry.expiry})
	}
	return expirables, nil
}

func (self *MemoryBackend) Close() error {
	return nil
}
