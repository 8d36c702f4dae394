package weft

import (
	"context"
	"sync"
	"time"
)

// the store task behind a frontend: a local master or a local clone
type storeActor interface {
	StoreName() string
	submit(req *storeRequest) bool
}

// The client-facing handle for one attached store. All operations are
// typed requests into the store task; the blocking calls await the reply
// with a timeout.
type Store struct {
	actor          storeActor
	defaultTimeout time.Duration
}

const DefaultStoreTimeout = 10 * time.Second

func newStore(actor storeActor) *Store {
	return &Store{
		actor:          actor,
		defaultTimeout: DefaultStoreTimeout,
	}
}

func (self *Store) Name() string {
	return self.actor.StoreName()
}

func (self *Store) submit(req *storeRequest) bool {
	req.reply = make(chan *storeReply, 1)
	return self.actor.submit(req)
}

func (self *Store) await(req *storeRequest, timeout time.Duration) (Value, error) {
	select {
	case reply := <-req.reply:
		return reply.value, reply.err
	case <-time.After(timeout):
		return None(), NewError(ErrorRequestTimeout, "%s %d", self.Name(), req.op)
	}
}

func (self *Store) request(req *storeRequest, timeout time.Duration) (Value, error) {
	if !self.submit(req) {
		return None(), NewError(ErrorShutdownInProgress, "")
	}
	return self.await(req, timeout)
}

func (self *Store) Put(key Value, value Value) error {
	return self.PutExpiry(key, value, 0)
}

func (self *Store) PutExpiry(key Value, value Value, ttl time.Duration) error {
	_, err := self.request(&storeRequest{op: cmdPut, key: key, value: value, expiry: ttl}, self.defaultTimeout)
	return err
}

// returns true iff the key was absent and has been inserted
func (self *Store) PutUnique(key Value, value Value, ttl time.Duration) (bool, error) {
	reply, err := self.request(&storeRequest{op: cmdPutUnique, key: key, value: value, expiry: ttl}, self.defaultTimeout)
	if err != nil {
		return false, err
	}
	return reply.Boolean(), nil
}

// `initKind` names the kind created for an absent key before the operand
// is folded in. it cannot be inferred from the operand: a table operand is
// a 2-element list and a set/list operand is a bare element.
func (self *Store) Add(key Value, value Value, initKind ValueKind) error {
	return self.AddExpiry(key, value, initKind, 0)
}

func (self *Store) AddExpiry(key Value, value Value, initKind ValueKind, ttl time.Duration) error {
	_, err := self.request(&storeRequest{
		op:       cmdAdd,
		key:      key,
		value:    value,
		expiry:   ttl,
		initKind: initKind,
	}, self.defaultTimeout)
	return err
}

func (self *Store) Subtract(key Value, value Value) error {
	_, err := self.request(&storeRequest{op: cmdSubtract, key: key, value: value}, self.defaultTimeout)
	return err
}

func (self *Store) Erase(key Value) error {
	_, err := self.request(&storeRequest{op: cmdErase, key: key}, self.defaultTimeout)
	return err
}

func (self *Store) Clear() error {
	_, err := self.request(&storeRequest{op: cmdClear}, self.defaultTimeout)
	return err
}

func (self *Store) Get(key Value) (Value, error) {
	return self.GetTimeout(key, self.defaultTimeout)
}

func (self *Store) GetTimeout(key Value, timeout time.Duration) (Value, error) {
	return self.request(&storeRequest{op: cmdGet, key: key}, timeout)
}

func (self *Store) Exists(key Value) (bool, error) {
	reply, err := self.request(&storeRequest{op: cmdExists, key: key}, self.defaultTimeout)
	if err != nil {
		return false, err
	}
	return reply.Boolean(), nil
}

func (self *Store) Size() (uint64, error) {
	reply, err := self.request(&storeRequest{op: cmdSize}, self.defaultTimeout)
	if err != nil {
		return 0, err
	}
	return reply.Count(), nil
}

// the key set
func (self *Store) Keys() (Value, error) {
	return self.request(&storeRequest{op: cmdKeys}, self.defaultTimeout)
}

// Proxy returns the request-id frontend: operations return a monotonically
// assigned id immediately and `Receive` yields answers in completion
// order.
func (self *Store) Proxy() *StoreProxy {
	return &StoreProxy{
		store:   self,
		replies: make(chan *ProxyReply, 64),
	}
}

type ProxyReply struct {
	Id    uint64
	Value Value
	Err   error
}

type StoreProxy struct {
	store *Store

	mutex  sync.Mutex
	nextId uint64

	replies chan *ProxyReply
}

// submits inline so the store observes requests in id order, then awaits
// the answer in the background
func (self *StoreProxy) start(req *storeRequest) uint64 {
	self.mutex.Lock()
	self.nextId += 1
	requestId := self.nextId
	submitted := self.store.submit(req)
	self.mutex.Unlock()
	go func() {
		var value Value
		var err error
		if submitted {
			value, err = self.store.await(req, self.store.defaultTimeout)
		} else {
			value, err = None(), NewError(ErrorShutdownInProgress, "")
		}
		self.replies <- &ProxyReply{
			Id:    requestId,
			Value: value,
			Err:   err,
		}
	}()
	return requestId
}

func (self *StoreProxy) Put(key Value, value Value) uint64 {
	return self.start(&storeRequest{op: cmdPut, key: key, value: value})
}

func (self *StoreProxy) Erase(key Value) uint64 {
	return self.start(&storeRequest{op: cmdErase, key: key})
}

func (self *StoreProxy) Get(key Value) uint64 {
	return self.start(&storeRequest{op: cmdGet, key: key})
}

func (self *StoreProxy) Exists(key Value) uint64 {
	return self.start(&storeRequest{op: cmdExists, key: key})
}

func (self *StoreProxy) Size() uint64 {
	return self.start(&storeRequest{op: cmdSize})
}

func (self *StoreProxy) Keys() uint64 {
	return self.start(&storeRequest{op: cmdKeys})
}

// yields `(id, answer)` pairs in completion order
func (self *StoreProxy) Receive(ctx context.Context) (*ProxyReply, error) {
	select {
	case reply := <-self.replies:
		return reply, nil
	case <-ctx.Done():
		return nil, NewError(ErrorRequestTimeout, "receive canceled")
	}
}

func (self *StoreProxy) ReceiveTimeout(timeout time.Duration) (*ProxyReply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return self.Receive(ctx)
}
