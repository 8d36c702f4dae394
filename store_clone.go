package weft

import (
	"context"
	"slices"
	"time"

	"github.com/golang/glog"
)

// An eventually-consistent replica of a named store. The clone applies the
// master's command stream in sequence order, requests a snapshot on
// (re)attach and on sequence gaps, buffers mutations while disconnected
// and serves local reads with a freshness bound.

type CloneSettings struct {
	// retry cadence for attach requests while not synced
	ResyncInterval time.Duration
	// how long reads stay served after losing the master
	StaleInterval time.Duration
	// admission bound for the disconnected mutation buffer
	MutationBufferInterval time.Duration

	MailboxSize int
}

func DefaultCloneSettings() *CloneSettings {
	return &CloneSettings{
		ResyncInterval:         1 * time.Second,
		StaleInterval:          10 * time.Second,
		MutationBufferInterval: 2 * time.Minute,
		MailboxSize:            256,
	}
}

type cloneState int

const (
	cloneAwaitingSnapshot cloneState = iota
	cloneLive
	cloneStale
)

type cloneEntry struct {
	value Value
}

type bufferedMutation struct {
	at  time.Time
	cmd *storeCommand
}

type evMasterReachable struct{}
type evMasterUnreachable struct{}

type CloneStore struct {
	node      *Node
	storeName string
	settings  *CloneSettings

	ctx    context.Context
	cancel context.CancelFunc

	mailbox chan any

	// owned by the run task
	state         cloneState
	connected     bool
	masterId      Id
	nextSeq       uint64
	entries       map[string]*cloneEntry
	buffered      []bufferedMutation
	staleDeadline time.Time
	nextRequestId uint64
	pendingAcks   map[uint64]*storeRequest
}

func newCloneStore(node *Node, name string, settings *CloneSettings) *CloneStore {
	cancelCtx, cancel := context.WithCancel(node.ctx)
	clone := &CloneStore{
		node:        node,
		storeName:   name,
		settings:    settings,
		ctx:         cancelCtx,
		cancel:      cancel,
		mailbox:     make(chan any, settings.MailboxSize),
		state:       cloneAwaitingSnapshot,
		entries:     map[string]*cloneEntry{},
		pendingAcks: map[uint64]*storeRequest{},
	}
	go clone.run()
	return clone
}

func (self *CloneStore) StoreName() string {
	return self.storeName
}

// storeActor
func (self *CloneStore) submit(req *storeRequest) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.mailbox <- req:
		return true
	}
}

// called from the node task, non-blocking. a dropped command surfaces as a
// sequence gap and heals through a fresh snapshot.
func (self *CloneStore) deliverWire(payload []byte) {
	select {
	case self.mailbox <- wirePayload(payload):
	default:
		glog.Infof("[%s]%s mailbox full, drop command\n", logTagClone, self.storeName)
	}
}

func (self *CloneStore) masterReachable() {
	select {
	case self.mailbox <- evMasterReachable{}:
	default:
	}
}

func (self *CloneStore) masterUnreachable() {
	select {
	case self.mailbox <- evMasterUnreachable{}:
	default:
	}
}

func (self *CloneStore) close() {
	self.cancel()
}

func (self *CloneStore) run() {
	defer self.cancel()

	resync := time.NewTicker(self.settings.ResyncInterval)
	defer resync.Stop()

	// announce ourselves to whichever master serves this name
	self.sendAttach()

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
			case evMasterReachable:
				glog.V(2).Infof("[%s]%s master reachable\n", logTagClone, self.storeName)
				self.drainBuffer()
				self.sendAttach()
			case evMasterUnreachable:
				glog.V(2).Infof("[%s]%s master unreachable\n", logTagClone, self.storeName)
				self.connected = false
				self.staleDeadline = time.Now().Add(self.settings.StaleInterval)
				for requestId, req := range self.pendingAcks {
					delete(self.pendingAcks, requestId)
					req.respond(None(), NewError(ErrorStoreStale, "%s disconnected from master", self.storeName))
				}
			}
		case <-resync.C:
			if !self.connected {
				self.sendAttach()
			}
			if self.state == cloneLive && !self.connected &&
				!self.staleDeadline.IsZero() && !time.Now().Before(self.staleDeadline) {
				glog.V(2).Infof("[%s]%s stale\n", logTagClone, self.storeName)
				self.state = cloneStale
			}
		}
	}
}

func (self *CloneStore) sendAttach() {
	cmd := &storeCommand{
		op:     cmdSnapshot,
		origin: self.node.id,
	}
	self.node.publish(PackedMessage{
		Kind:    MessageKindCommand,
		Topic:   MasterTopic(self.storeName),
		Payload: cmd.encode(),
	}, nil)
}

// fire-and-forget replay of mutations buffered while disconnected
func (self *CloneStore) drainBuffer() {
	buffered := self.buffered
	self.buffered = nil
	for _, mutation := range buffered {
		self.forwardToMaster(mutation.cmd)
	}
	if 0 < len(buffered) {
		glog.V(2).Infof("[%s]%s drained %d buffered mutations\n", logTagClone, self.storeName, len(buffered))
	}
}

func (self *CloneStore) forwardToMaster(cmd *storeCommand) {
	self.node.publish(PackedMessage{
		Kind:    MessageKindCommand,
		Topic:   MasterTopic(self.storeName),
		Payload: cmd.encode(),
	}, nil)
}

// discards entries older than the admission bound, then appends
func (self *CloneStore) buffer(cmd *storeCommand) {
	cutoff := time.Now().Add(-self.settings.MutationBufferInterval)
	self.buffered = slices.DeleteFunc(self.buffered, func(mutation bufferedMutation) bool {
		return mutation.at.Before(cutoff)
	})
	self.buffered = append(self.buffered, bufferedMutation{
		at:  time.Now(),
		cmd: cmd,
	})
}

// -- frontend requests --------------------------------------------------------

func (self *CloneStore) handleRequest(req *storeRequest) {
	switch req.op {
	case cmdPut, cmdAdd, cmdSubtract, cmdErase, cmdClear:
		cmd := &storeCommand{
			op:       req.op,
			key:      req.key,
			value:    req.value,
			expiry:   expiryValue(absoluteExpiry(req.expiry)),
			initKind: req.initKind,
		}
		if self.connected {
			self.forwardToMaster(cmd)
		} else {
			self.buffer(cmd)
		}
		req.respond(None(), nil)
	case cmdPutUnique:
		if !self.connected {
			req.respond(None(), NewError(ErrorStoreStale, "%s disconnected from master", self.storeName))
			return
		}
		self.nextRequestId += 1
		requestId := self.nextRequestId
		self.pendingAcks[requestId] = req
		self.forwardToMaster(&storeCommand{
			op:        cmdPutUnique,
			origin:    self.node.id,
			requestId: requestId,
			key:       req.key,
			value:     req.value,
			expiry:    expiryValue(absoluteExpiry(req.expiry)),
		})
	case cmdGet:
		if err := self.readable(); err != nil {
			req.respond(None(), err)
			return
		}
		if entry, ok := self.entries[memoryKey(req.key)]; ok {
			req.respond(entry.value, nil)
		} else {
			req.respond(None(), NewError(ErrorNoSuchKey, "%s", req.key))
		}
	case cmdExists:
		if err := self.readable(); err != nil {
			req.respond(None(), err)
			return
		}
		_, ok := self.entries[memoryKey(req.key)]
		req.respond(Boolean(ok), nil)
	case cmdSize:
		if err := self.readable(); err != nil {
			req.respond(None(), err)
			return
		}
		req.respond(Count(uint64(len(self.entries))), nil)
	case cmdKeys:
		if err := self.readable(); err != nil {
			req.respond(None(), err)
			return
		}
		keys := make([]Value, 0, len(self.entries))
		for k := range self.entries {
			key, err := DecodeValue([]byte(k))
			if err != nil {
				continue
			}
			keys = append(keys, key)
		}
		req.respond(Set(keys...), nil)
	default:
		req.respond(None(), NewError(ErrorUnspecified, "bad request op %d", req.op))
	}
}

// local reads are eventually-consistent snapshots while live; after the
// freshness bound they fail with store-stale
func (self *CloneStore) readable() error {
	if self.state != cloneLive {
		return NewError(ErrorStoreStale, "%s", self.storeName)
	}
	return nil
}

// -- command stream -----------------------------------------------------------

func (self *CloneStore) handleWire(payload []byte) {
	cmd, err := decodeStoreCommand(payload)
	if err != nil {
		glog.Infof("[%s]%s malformed command = %s\n", logTagClone, self.storeName, err)
		return
	}
	switch cmd.op {
	case cmdSnapshotAck:
		self.handleSnapshot(cmd)
	case cmdPutUniqueAck, cmdKeysAck:
		if req, ok := self.pendingAcks[cmd.requestId]; ok {
			delete(self.pendingAcks, cmd.requestId)
			req.respond(cmd.value, nil)
		}
	case cmdPut, cmdAdd, cmdSubtract, cmdErase, cmdClear, cmdExpire:
		self.handleStreamCommand(cmd)
	default:
		// skipped with a warning; the connection stays up
		glog.Infof("[%s]%s skip unknown command op %d\n", logTagClone, self.storeName, cmd.op)
	}
}

// replaces the local state atomically
func (self *CloneStore) handleSnapshot(cmd *storeCommand) {
	if cmd.value.Kind() != KindTable {
		glog.Infof("[%s]%s bad snapshot payload %s\n", logTagClone, self.storeName, cmd.value.Kind())
		return
	}
	entries := map[string]*cloneEntry{}
	for _, entry := range cmd.value.Entries() {
		entries[memoryKey(entry.Key)] = &cloneEntry{value: entry.Val}
	}
	self.entries = entries
	self.nextSeq = cmd.seq + 1
	self.state = cloneLive
	self.connected = true
	self.staleDeadline = time.Time{}
	if !cmd.origin.IsZero() && cmd.origin != self.masterId {
		if !self.masterId.IsZero() {
			self.node.unwatchMaster(self, self.masterId)
		}
		self.masterId = cmd.origin
		self.node.watchMaster(self, self.masterId)
	}
	glog.V(2).Infof("[%s]%s snapshot seq=%d entries=%d\n", logTagClone, self.storeName, cmd.seq, len(self.entries))
}

func (self *CloneStore) handleStreamCommand(cmd *storeCommand) {
	if self.state == cloneAwaitingSnapshot && self.nextSeq == 0 {
		// commands before the first snapshot carry state we cannot anchor
		return
	}
	if cmd.seq < self.nextSeq {
		// duplicate
		return
	}
	if self.nextSeq < cmd.seq {
		// lost a command; re-anchor on a fresh snapshot
		glog.V(2).Infof("[%s]%s gap %d != %d\n", logTagClone, self.storeName, cmd.seq, self.nextSeq)
		self.sendAttach()
		return
	}
	self.nextSeq += 1
	self.apply(cmd)
}

func (self *CloneStore) apply(cmd *storeCommand) {
	k := memoryKey(cmd.key)
	switch cmd.op {
	case cmdPut:
		self.entries[k] = &cloneEntry{value: cmd.value}
	case cmdAdd:
		current := None()
		if entry, ok := self.entries[k]; ok {
			current = entry.value
		}
		next, err := applyAdd(current, cmd.value, cmd.initKind)
		if err != nil {
			glog.V(2).Infof("[%s]%s add = %s\n", logTagClone, self.storeName, err)
			return
		}
		self.entries[k] = &cloneEntry{value: next}
	case cmdSubtract:
		entry, ok := self.entries[k]
		if !ok {
			return
		}
		next, err := applySubtract(entry.value, cmd.value)
		if err != nil {
			glog.V(2).Infof("[%s]%s subtract = %s\n", logTagClone, self.storeName, err)
			return
		}
		self.entries[k] = &cloneEntry{value: next}
	case cmdErase, cmdExpire:
		delete(self.entries, k)
	case cmdClear:
		clear(self.entries)
	}
}
