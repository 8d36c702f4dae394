package weft

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// A data message as seen by subscribers. The payload stays in wire form
// until a consumer demands the typed value.
type DataMessage struct {
	Topic   Topic
	Payload []byte
}

func NewDataMessage(topic Topic, value Value) *DataMessage {
	return &DataMessage{
		Topic:   topic,
		Payload: EncodeValue(value),
	}
}

func (self *DataMessage) Value() (Value, error) {
	return DecodeValue(self.Payload)
}

func (self *DataMessage) RequireValue() Value {
	return RequireDecodeValue(self.Payload)
}

func (self *DataMessage) Variant() (Variant, error) {
	return AsVariant(self.Payload)
}

// A subscriber owns a bounded queue of locally-destined data messages.
// Overflow drops the oldest entry and counts it. The ready channel is
// readable iff the queue is non-empty, so it can be plugged into a select
// as a flow-control signal.
type Subscriber struct {
	node   *Node
	filter Filter

	mutex    sync.Mutex
	queue    []*DataMessage
	capacity int
	overflow uint64
	closed   bool
	ready    chan struct{}
}

func newSubscriber(node *Node, filter Filter, capacity int) *Subscriber {
	return &Subscriber{
		node:     node,
		filter:   filter.Clone(),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

func (self *Subscriber) Filter() Filter {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.filter.Clone()
}

// called from the node task
func (self *Subscriber) push(msg *DataMessage) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	if self.capacity <= len(self.queue) {
		// drop-oldest
		self.queue = self.queue[1:]
		self.overflow += 1
		if self.node.metrics != nil {
			self.node.metrics.SubscriberOverflow.Inc()
		}
		glog.Infof("[p]subscriber overflow = %d\n", self.overflow)
	}
	self.queue = append(self.queue, msg)
	select {
	case self.ready <- struct{}{}:
	default:
	}
}

func (self *Subscriber) pop() *DataMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	msg := self.queue[0]
	self.queue = self.queue[1:]
	if 0 < len(self.queue) {
		// keep the signal readable while messages remain
		select {
		case self.ready <- struct{}{}:
		default:
		}
	} else {
		// drain a stale token
		select {
		case <-self.ready:
		default:
		}
	}
	return msg
}

// readable iff the queue is non-empty
func (self *Subscriber) Ready() <-chan struct{} {
	return self.ready
}

func (self *Subscriber) Poll() (*DataMessage, bool) {
	msg := self.pop()
	if msg == nil {
		return nil, false
	}
	return msg, true
}

func (self *Subscriber) Receive(ctx context.Context) (*DataMessage, error) {
	for {
		if msg := self.pop(); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, NewError(ErrorRequestTimeout, "receive canceled")
		case <-self.node.ctx.Done():
			return nil, NewError(ErrorShutdownInProgress, "")
		case <-self.ready:
		}
	}
}

func (self *Subscriber) ReceiveTimeout(timeout time.Duration) (*DataMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return self.Receive(ctx)
}

func (self *Subscriber) Buffered() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.queue)
}

func (self *Subscriber) Capacity() int {
	return self.capacity
}

func (self *Subscriber) FreeCapacity() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.capacity - len(self.queue)
}

// count of messages dropped to overflow
func (self *Subscriber) Overflow() uint64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.overflow
}

// extends the subscription. the new prefixes also flood to peers.
func (self *Subscriber) AddFilter(topics ...Topic) {
	self.mutex.Lock()
	changed := false
	for _, t := range topics {
		var extended bool
		self.filter, extended = self.filter.Extend(t)
		changed = changed || extended
	}
	self.mutex.Unlock()
	if changed {
		self.node.refreshFilter()
	}
}

func (self *Subscriber) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.queue = nil
	self.mutex.Unlock()
	self.node.removeSubscriber(self)
}

// A publisher buffers messages for one topic toward the node task. The
// queue blocks the producer when full; `Demand` style metrics expose the
// queue state.
type Publisher struct {
	node  *Node
	topic Topic

	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan *DataMessage
	capacity int
}

func newPublisher(node *Node, topic Topic, capacity int) *Publisher {
	cancelCtx, cancel := context.WithCancel(node.ctx)
	publisher := &Publisher{
		node:     node,
		topic:    topic,
		ctx:      cancelCtx,
		cancel:   cancel,
		queue:    make(chan *DataMessage, capacity),
		capacity: capacity,
	}
	go publisher.run()
	return publisher
}

func (self *Publisher) run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case msg, ok := <-self.queue:
			if !ok {
				return
			}
			self.node.publish(PackedMessage{
				Kind:    MessageKindData,
				Topic:   msg.Topic,
				Payload: msg.Payload,
			}, nil)
		}
	}
}

func (self *Publisher) Topic() Topic {
	return self.topic
}

// blocks while the queue is full
func (self *Publisher) Publish(value Value) error {
	select {
	case <-self.ctx.Done():
		return NewError(ErrorShutdownInProgress, "")
	case self.queue <- NewDataMessage(self.topic, value):
		return nil
	}
}

func (self *Publisher) Buffered() int {
	return len(self.queue)
}

func (self *Publisher) Capacity() int {
	return self.capacity
}

func (self *Publisher) FreeCapacity() int {
	return self.capacity - len(self.queue)
}

// how many messages can be published without blocking
func (self *Publisher) Demand() int {
	return self.FreeCapacity()
}

func (self *Publisher) Close() {
	self.cancel()
}

// An event subscriber receives the user-facing status/error stream.
type EventSubscriber struct {
	node            *Node
	receiveStatuses bool

	mutex  sync.Mutex
	queue  []*Event
	closed bool
	ready  chan struct{}
}

const eventSubscriberCapacity = 128

func newEventSubscriber(node *Node, receiveStatuses bool) *EventSubscriber {
	return &EventSubscriber{
		node:            node,
		receiveStatuses: receiveStatuses,
		ready:           make(chan struct{}, 1),
	}
}

func (self *EventSubscriber) push(event *Event) {
	if event.Err == nil && !self.receiveStatuses {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	if eventSubscriberCapacity <= len(self.queue) {
		self.queue = self.queue[1:]
	}
	self.queue = append(self.queue, event)
	select {
	case self.ready <- struct{}{}:
	default:
	}
}

func (self *EventSubscriber) pop() *Event {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.queue) == 0 {
		return nil
	}
	event := self.queue[0]
	self.queue = self.queue[1:]
	if 0 < len(self.queue) {
		select {
		case self.ready <- struct{}{}:
		default:
		}
	} else {
		select {
		case <-self.ready:
		default:
		}
	}
	return event
}

func (self *EventSubscriber) Ready() <-chan struct{} {
	return self.ready
}

func (self *EventSubscriber) Poll() (*Event, bool) {
	event := self.pop()
	if event == nil {
		return nil, false
	}
	return event, true
}

func (self *EventSubscriber) Receive(ctx context.Context) (*Event, error) {
	for {
		if event := self.pop(); event != nil {
			return event, nil
		}
		select {
		case <-ctx.Done():
			return nil, NewError(ErrorRequestTimeout, "receive canceled")
		case <-self.node.ctx.Done():
			return nil, NewError(ErrorShutdownInProgress, "")
		case <-self.ready:
		}
	}
}

func (self *EventSubscriber) ReceiveTimeout(timeout time.Duration) (*Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return self.Receive(ctx)
}

func (self *EventSubscriber) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.queue = nil
	self.mutex.Unlock()
	self.node.removeEventSubscriber(self)
}
