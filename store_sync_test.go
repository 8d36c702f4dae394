package weft

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMasterStoreLaws(t *testing.T) {
	a := testEndpoint(t)
	store, err := a.AttachMaster("laws", BackendMemory, nil)
	assert.Equal(t, nil, err)

	// put(k, v); get(k) = v
	assert.Equal(t, nil, store.Put(String("k"), String("v")))
	v, err := store.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "v", v.Str())

	// put; erase; get = no-such-key
	assert.Equal(t, nil, store.Erase(String("k")))
	_, err = store.Get(String("k"))
	assert.Equal(t, true, IsError(err, ErrorNoSuchKey))

	// increment then decrement is the identity
	assert.Equal(t, nil, store.Put(String("n"), Count(10)))
	assert.Equal(t, nil, store.Add(String("n"), Count(4), KindCount))
	assert.Equal(t, nil, store.Subtract(String("n"), Count(4)))
	v, err = store.Get(String("n"))
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(10), v.Count())

	// mixed-type mutation is a type clash
	err = store.Add(String("n"), String("x"), KindString)
	assert.Equal(t, true, IsError(err, ErrorTypeClash))

	// add on an absent key creates the named container kind and folds the
	// operand in
	assert.Equal(t, nil, store.Add(String("tags"), String("red"), KindSet))
	assert.Equal(t, nil, store.Add(String("tags"), String("blue"), KindSet))
	v, err = store.Get(String("tags"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(String("blue"), String("red")).Equal(v))

	assert.Equal(t, nil, store.Add(String("pairs"), List(String("k"), Count(9)), KindTable))
	v, err = store.Get(String("pairs"))
	assert.Equal(t, nil, err)
	assert.Equal(t, KindTable, v.Kind())
	entry, ok := v.Find(String("k"))
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(9), entry.Count())

	// put-unique inserts at most once
	inserted, err := store.PutUnique(String("u"), Count(1), 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, inserted)
	inserted, err = store.PutUnique(String("u"), Count(2), 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, inserted)
	v, _ = store.Get(String("u"))
	assert.Equal(t, uint64(1), v.Count())

	exists, err := store.Exists(String("u"))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, exists)
	size, err := store.Size()
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(4), size)
	keys, err := store.Keys()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, Set(String("n"), String("u"), String("tags"), String("pairs")).Equal(keys))

	// a second local master for the same name is rejected
	_, err = a.AttachMaster("laws", BackendMemory, nil)
	assert.Equal(t, true, IsError(err, ErrorMasterExists))
	// and so is a local clone next to the master
	_, err = a.AttachClone("laws", 0, 0, 0)
	assert.Equal(t, true, IsError(err, ErrorMasterExists))
}

func TestMasterTtl(t *testing.T) {
	a := testEndpoint(t)
	store, err := a.AttachMaster("ttl", BackendMemory, nil)
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, store.PutExpiry(String("k"), Integer(1), 200*time.Millisecond))
	v, err := store.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(1), v.Integer())

	// after the ttl the key is gone
	waitFor(t, 2*time.Second, func() bool {
		_, err := store.Get(String("k"))
		return IsError(err, ErrorNoSuchKey)
	})

	// overwriting reschedules: the old expiry must not clobber the new value
	assert.Equal(t, nil, store.PutExpiry(String("k2"), Integer(1), 100*time.Millisecond))
	assert.Equal(t, nil, store.Put(String("k2"), Integer(2)))
	time.Sleep(300 * time.Millisecond)
	v, err = store.Get(String("k2"))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(2), v.Integer())
}

func TestMasterCloneSync(t *testing.T) {
	// master on a, clone on b
	a := testEndpoint(t)
	b := testEndpoint(t)
	aPort := listenLocal(t, a)

	master, err := a.AttachMaster("sync", BackendMemory, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, master.Put(String("k"), String("v")))

	assert.Equal(t, true, b.Peer("127.0.0.1", aPort, 5*time.Second))
	clone, err := b.AttachClone("sync", 200*time.Millisecond, 2*time.Second, 5*time.Second)
	assert.Equal(t, nil, err)

	// the clone bootstraps from a snapshot
	waitFor(t, 5*time.Second, func() bool {
		v, err := clone.Get(String("k"))
		return err == nil && v.Str() == "v"
	})

	// a write through the clone reaches the master and streams back
	assert.Equal(t, nil, clone.Put(String("k2"), Count(7)))
	waitFor(t, 5*time.Second, func() bool {
		v, err := master.Get(String("k2"))
		return err == nil && v.Count() == 7
	})
	waitFor(t, 5*time.Second, func() bool {
		v, err := clone.Get(String("k2"))
		return err == nil && v.Count() == 7
	})

	// store events for master mutations are observable as data messages
	events, err := b.MakeSubscriber(NewFilter(StoreEventTopic("sync")), 0)
	assert.Equal(t, nil, err)
	awaitSubscription(t, a, StoreEventTopic("sync"))
	assert.Equal(t, nil, master.Put(String("k3"), Count(1)))
	msg, err := events.ReceiveTimeout(2 * time.Second)
	assert.Equal(t, nil, err)
	event := msg.RequireValue()
	assert.Equal(t, KindList, event.Kind())
	assert.Equal(t, "insert", event.At(0).Str())
	assert.Equal(t, "sync", event.At(1).Str())
}

func TestCloneBufferAndResync(t *testing.T) {
	// partition the clone, write through it, reconnect: the master ends
	// with the buffered write
	a := testEndpoint(t)
	b := testEndpoint(t)
	aPort := listenLocal(t, a)

	master, err := a.AttachMaster("buf", BackendMemory, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, master.Put(String("k"), String("v")))

	assert.Equal(t, true, b.Peer("127.0.0.1", aPort, 0))
	clone, err := b.AttachClone("buf", 200*time.Millisecond, 3*time.Second, 5*time.Second)
	assert.Equal(t, nil, err)
	waitFor(t, 5*time.Second, func() bool {
		v, err := clone.Get(String("k"))
		return err == nil && v.Str() == "v"
	})

	// partition
	assert.Equal(t, true, b.Unpeer("127.0.0.1", aPort))
	waitFor(t, 5*time.Second, func() bool {
		return len(b.Peers()) == 0
	})

	// the write buffers locally
	assert.Equal(t, nil, clone.Put(String("k"), String("w")))
	v, err := master.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "v", v.Str())

	// reconnect within the buffer interval
	assert.Equal(t, true, b.Peer("127.0.0.1", aPort, 5*time.Second))
	waitFor(t, 5*time.Second, func() bool {
		v, err := master.Get(String("k"))
		return err == nil && v.Str() == "w"
	})
	waitFor(t, 5*time.Second, func() bool {
		v, err := clone.Get(String("k"))
		return err == nil && v.Str() == "w"
	})
}

func TestCloneStale(t *testing.T) {
	a := testEndpoint(t)
	b := testEndpoint(t)
	aPort := listenLocal(t, a)

	master, err := a.AttachMaster("stale", BackendMemory, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, master.Put(String("k"), String("v")))

	assert.Equal(t, true, b.Peer("127.0.0.1", aPort, 0))
	clone, err := b.AttachClone("stale", 200*time.Millisecond, 1*time.Second, 5*time.Second)
	assert.Equal(t, nil, err)
	waitFor(t, 5*time.Second, func() bool {
		_, err := clone.Get(String("k"))
		return err == nil
	})

	// partition; reads keep serving inside the freshness bound
	assert.Equal(t, true, b.Unpeer("127.0.0.1", aPort))
	waitFor(t, 5*time.Second, func() bool {
		return len(b.Peers()) == 0
	})
	v, err := clone.Get(String("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "v", v.Str())

	// past the bound, reads fail with store-stale
	waitFor(t, 5*time.Second, func() bool {
		_, err := clone.Get(String("k"))
		return IsError(err, ErrorStoreStale)
	})
}

func TestStoreProxy(t *testing.T) {
	a := testEndpoint(t)
	store, err := a.AttachMaster("proxy", BackendMemory, nil)
	assert.Equal(t, nil, err)

	proxy := store.Proxy()
	putId := proxy.Put(String("k"), Count(1))
	getId := proxy.Get(String("k"))
	missId := proxy.Get(String("missing"))

	// ids are monotonically assigned
	assert.Equal(t, true, putId < getId && getId < missId)

	// replies arrive in completion order, correlated by id
	replies := map[uint64]*ProxyReply{}
	for i := 0; i < 3; i += 1 {
		reply, err := proxy.ReceiveTimeout(2 * time.Second)
		assert.Equal(t, nil, err)
		replies[reply.Id] = reply
	}
	assert.Equal(t, nil, replies[putId].Err)
	assert.Equal(t, nil, replies[getId].Err)
	assert.Equal(t, uint64(1), replies[getId].Value.Count())
	assert.Equal(t, true, IsError(replies[missId].Err, ErrorNoSuchKey))
}

func TestCloneWithoutMaster(t *testing.T) {
	a := testEndpoint(t)
	clone, err := a.AttachClone("orphan", 100*time.Millisecond, 500*time.Millisecond, time.Second)
	assert.Equal(t, nil, err)

	// a clone with no master anywhere is stale from the start
	_, err = clone.Get(String("k"))
	assert.Equal(t, true, IsError(err, ErrorStoreStale))

	// put-unique needs the master and fails while disconnected
	_, err = clone.PutUnique(String("k"), Count(1), 0)
	assert.Equal(t, true, IsError(err, ErrorStoreStale))
}
