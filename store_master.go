package weft

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// The authoritative copy of a named key/value store. One task owns the
// backend; mutations arrive from local frontends and from the wire on
// `<name>/_master`, and every successful mutation goes out on
// `<name>/_clone` with a monotonically increasing sequence plus a
// human-consumable store event.

type MasterSettings struct {
	MailboxSize int
}

func DefaultMasterSettings() *MasterSettings {
	return &MasterSettings{
		MailboxSize: 256,
	}
}

// a frontend request into a store task
type storeRequest struct {
	op     uint64
	key    Value
	value  Value
	expiry time.Duration
	// target kind an `add` creates for an absent key
	initKind ValueKind
	reply    chan *storeReply
}

type storeReply struct {
	value Value
	err   error
}

func (self *storeRequest) respond(value Value, err error) {
	if self.reply != nil {
		select {
		case self.reply <- &storeReply{value: value, err: err}:
		default:
		}
	}
}

// a store command payload received from the wire
type wirePayload []byte

type MasterStore struct {
	node      *Node
	storeName string
	backend   Backend
	settings  *MasterSettings

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan any

	// owned by the run task
	seq         uint64
	expiryTimer *time.Timer
}

func newMasterStore(node *Node, name string, backend Backend, settings *MasterSettings) *MasterStore {
	cancelCtx, cancel := context.WithCancel(node.ctx)
	master := &MasterStore{
		node:      node,
		storeName: name,
		backend:   backend,
		settings:  settings,
		ctx:       cancelCtx,
		cancel:    cancel,
		mailbox:   make(chan any, settings.MailboxSize),
	}
	go master.run()
	return master
}

func (self *MasterStore) StoreName() string {
	return self.storeName
}

// storeActor
func (self *MasterStore) submit(req *storeRequest) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.mailbox <- req:
		return true
	}
}

// called from the node task. non-blocking so the node never stalls on a
// busy store; a clone heals a lost command through its sequence gap.
func (self *MasterStore) deliverWire(payload []byte) {
	select {
	case self.mailbox <- wirePayload(payload):
	default:
		glog.Infof("[%s]%s mailbox full, drop command\n", logTagMaster, self.storeName)
	}
}

func (self *MasterStore) close() {
	self.cancel()
}

func (self *MasterStore) run() {
	defer func() {
		self.cancel()
		self.backend.Close()
	}()

	self.expiryTimer = time.NewTimer(time.Hour)
	self.expiryTimer.Stop()
	defer self.expiryTimer.Stop()
	self.rescheduleExpiry()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.mailbox:
			switch v := event.(type) {
			case *storeRequest:
				self.handleRequest(v)
			case wirePayload:
				self.handleWire(v)
			}
		case <-self.expiryTimer.C:
			self.handleExpiry()
		}
	}
}

// -- expiry -------------------------------------------------------------------

// a single logical timer per store schedules the earliest recorded expiry.
// every mutation reschedules.
func (self *MasterStore) rescheduleExpiry() {
	self.expiryTimer.Stop()
	expirables, err := self.backend.Expiries()
	if err != nil {
		glog.Infof("[%s]%s expiries = %s\n", logTagMaster, self.storeName, err)
		return
	}
	var earliest time.Time
	for _, expirable := range expirables {
		if earliest.IsZero() || expirable.Expiry.Before(earliest) {
			earliest = expirable.Expiry
		}
	}
	if earliest.IsZero() {
		return
	}
	self.expiryTimer.Reset(max(time.Until(earliest), 0))
}

func (self *MasterStore) handleExpiry() {
	expirables, err := self.backend.Expiries()
	if err != nil {
		glog.Infof("[%s]%s expiries = %s\n", logTagMaster, self.storeName, err)
		return
	}
	now := time.Now()
	for _, expirable := range expirables {
		if now.Before(expirable.Expiry) {
			continue
		}
		removed, err := self.backend.Expire(expirable.Key, expirable.Expiry)
		if err != nil {
			glog.Infof("[%s]%s expire = %s\n", logTagMaster, self.storeName, err)
			continue
		}
		if removed {
			glog.V(2).Infof("[%s]%s expire %s\n", logTagMaster, self.storeName, expirable.Key)
			self.broadcast(&storeCommand{
				op:     cmdExpire,
				key:    expirable.Key,
				expiry: Timestamp(expirable.Expiry),
			})
			self.emitStoreEvent("expire", expirable.Key, None(), None())
		}
	}
	self.rescheduleExpiry()
}

// -- command stream -----------------------------------------------------------

// stamps the next sequence number and publishes on `<name>/_clone`
func (self *MasterStore) broadcast(cmd *storeCommand) {
	self.seq += 1
	cmd.seq = self.seq
	cmd.origin = self.node.id
	self.node.publish(PackedMessage{
		Kind:    MessageKindCommand,
		Topic:   CloneTopic(self.storeName),
		Payload: cmd.encode(),
	}, nil)
	if self.node.metrics != nil {
		self.node.metrics.StoreCommands.Inc()
	}
}

func (self *MasterStore) emitStoreEvent(op string, key Value, value Value, expiry Value) {
	event := storeEventValue(op, self.storeName, key, value, expiry)
	self.node.publish(PackData(StoreEventTopic(self.storeName), event), nil)
}

// -- mutations ----------------------------------------------------------------

// applies a mutation against the backend. `expiry` is absolute; zero means
// no expiry. on success the command is streamed to the clones.
func (self *MasterStore) mutate(op uint64, key Value, value Value, initKind ValueKind, expiry time.Time) error {
	var err error
	switch op {
	case cmdPut:
		err = self.backend.Put(key, value, expiry)
	case cmdAdd:
		err = self.backend.Add(key, value, initKind, expiry)
	case cmdSubtract:
		err = self.backend.Subtract(key, value, expiry)
	case cmdErase:
		err = self.backend.Erase(key)
	case cmdClear:
		err = self.backend.Clear()
	default:
		return NewError(ErrorUnspecified, "bad mutation op %d", op)
	}
	if err != nil {
		return err
	}
	self.broadcast(&storeCommand{
		op:       op,
		key:      key,
		value:    value,
		expiry:   expiryValue(expiry),
		initKind: initKind,
	})
	switch op {
	case cmdPut:
		self.emitStoreEvent("insert", key, value, expiryValue(expiry))
	case cmdAdd, cmdSubtract:
		self.emitStoreEvent("update", key, value, expiryValue(expiry))
	case cmdErase:
		self.emitStoreEvent("erase", key, None(), None())
	case cmdClear:
		self.emitStoreEvent("clear", None(), None(), None())
	}
	self.rescheduleExpiry()
	return nil
}

func absoluteExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (self *MasterStore) handleRequest(req *storeRequest) {
	switch req.op {
	case cmdPut, cmdAdd, cmdSubtract, cmdErase, cmdClear:
		req.respond(None(), self.mutate(req.op, req.key, req.value, req.initKind, absoluteExpiry(req.expiry)))
	case cmdPutUnique:
		exists, err := self.backend.Exists(req.key)
		if err != nil {
			req.respond(None(), err)
			return
		}
		if exists {
			req.respond(Boolean(false), nil)
			return
		}
		if err := self.mutate(cmdPut, req.key, req.value, KindNone, absoluteExpiry(req.expiry)); err != nil {
			req.respond(None(), err)
			return
		}
		req.respond(Boolean(true), nil)
	case cmdGet:
		value, err := self.backend.Get(req.key)
		req.respond(value, err)
	case cmdExists:
		exists, err := self.backend.Exists(req.key)
		req.respond(Boolean(exists), err)
	case cmdSize:
		size, err := self.backend.Size()
		req.respond(Count(size), err)
	case cmdKeys:
		keys, err := self.backend.Keys()
		req.respond(keys, err)
	default:
		req.respond(None(), NewError(ErrorUnspecified, "bad request op %d", req.op))
	}
}

// -- wire ---------------------------------------------------------------------

func (self *MasterStore) handleWire(payload []byte) {
	cmd, err := decodeStoreCommand(payload)
	if err != nil {
		glog.Infof("[%s]%s malformed command = %s\n", logTagMaster, self.storeName, err)
		return
	}
	switch cmd.op {
	case cmdPut, cmdAdd, cmdSubtract, cmdErase, cmdClear:
		if err := self.mutate(cmd.op, cmd.key, cmd.value, cmd.initKind, expiryTime(cmd.expiry)); err != nil {
			glog.V(2).Infof("[%s]%s remote mutation = %s\n", logTagMaster, self.storeName, err)
		}
	case cmdSnapshot:
		if cmd.origin.IsZero() {
			glog.Infof("[%s]%s snapshot request without origin\n", logTagMaster, self.storeName)
			return
		}
		self.sendSnapshot(cmd.origin)
	case cmdPutUnique:
		inserted := false
		exists, err := self.backend.Exists(cmd.key)
		if err == nil && !exists {
			if err := self.mutate(cmdPut, cmd.key, cmd.value, KindNone, expiryTime(cmd.expiry)); err == nil {
				inserted = true
			}
		}
		if !cmd.origin.IsZero() {
			ack := &storeCommand{
				op:        cmdPutUniqueAck,
				requestId: cmd.requestId,
				value:     Boolean(inserted),
			}
			dest := cmd.origin
			self.node.publish(PackedMessage{
				Kind:    MessageKindCommand,
				Topic:   CloneTopic(self.storeName),
				Payload: ack.encode(),
			}, &dest)
		}
	case cmdKeys:
		if cmd.origin.IsZero() {
			return
		}
		keys, err := self.backend.Keys()
		if err != nil {
			keys = Set()
		}
		ack := &storeCommand{
			op:        cmdKeysAck,
			requestId: cmd.requestId,
			value:     keys,
		}
		dest := cmd.origin
		self.node.publish(PackedMessage{
			Kind:    MessageKindCommand,
			Topic:   CloneTopic(self.storeName),
			Payload: ack.encode(),
		}, &dest)
	default:
		// skipped with a warning; the connection stays up
		glog.Infof("[%s]%s skip unknown command op %d\n", logTagMaster, self.storeName, cmd.op)
	}
}

// ships the full state to one clone as a single atomic replacement
func (self *MasterStore) sendSnapshot(dest Id) {
	entries, err := self.backend.Snapshot()
	if err != nil {
		glog.Infof("[%s]%s snapshot = %s\n", logTagMaster, self.storeName, err)
		return
	}
	ack := &storeCommand{
		op:     cmdSnapshotAck,
		seq:    self.seq,
		origin: self.node.id,
		value:  Table(entries...),
	}
	self.node.publish(PackedMessage{
		Kind:    MessageKindCommand,
		Topic:   CloneTopic(self.storeName),
		Payload: ack.encode(),
	}, &dest)
	glog.V(2).Infof("[%s]%s snapshot -> %s (%d entries)\n", logTagMaster, self.storeName, dest, len(entries))
}
