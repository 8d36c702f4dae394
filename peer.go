package weft

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// The overlay peer. One task owns the routing table, the subscription
// state and the revocation list exclusively; everything else talks to it
// through the mailbox. Handlers run one-at-a-time; anything long-running
// (socket I/O, store state) lives in its own task.

type NodeSettings struct {
	// when false, the node only originates and terminates messages
	Forward bool

	SubscriberQueueSize int
	PublisherQueueSize  int
	MailboxSize         int

	RevocationMaxAge         time.Duration
	RevocationExpireInterval time.Duration
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		Forward:                  true,
		SubscriberQueueSize:      20,
		PublisherQueueSize:       16,
		MailboxSize:              256,
		RevocationMaxAge:         5 * time.Minute,
		RevocationExpireInterval: 30 * time.Second,
	}
}

// routing update ops carried in the payload
const (
	routingOpSubscribe = uint64(1)
	routingOpRevoke    = uint64(2)
)

type routingUpdate struct {
	op     uint64
	path   []Id
	ts     VectorTimestamp
	filter Filter

	// revoke only
	revoker  Id
	revokeTs LamportTimestamp
	hop      Id
}

func (self *routingUpdate) encode() []byte {
	pathList := NewListBuilder()
	for _, id := range self.path {
		pathList.Add(String(string(id.Bytes())))
	}
	tsList := NewListBuilder()
	for _, ts := range self.ts {
		tsList.Add(Count(uint64(ts)))
	}
	filterList := NewListBuilder()
	for _, t := range self.filter {
		filterList.Add(String(t.String()))
	}
	update := NewListBuilder()
	update.Add(Count(self.op))
	update.AddBuilder(pathList)
	update.AddBuilder(tsList)
	update.AddBuilder(filterList)
	if self.op == routingOpRevoke {
		update.Add(String(string(self.revoker.Bytes())))
		update.Add(Count(uint64(self.revokeTs)))
		update.Add(String(string(self.hop.Bytes())))
	}
	return update.Build().Bytes()
}

func decodeRoutingUpdate(payload []byte) (*routingUpdate, error) {
	value, err := DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	if value.Kind() != KindList || value.Len() < 4 {
		return nil, malformed("bad routing update")
	}
	items := value.Items()
	update := &routingUpdate{
		op: items[0].Count(),
	}
	for _, item := range items[1].Items() {
		id, err := IdFromBytes([]byte(item.Str()))
		if err != nil {
			return nil, malformed("bad path id")
		}
		update.path = append(update.path, id)
	}
	for _, item := range items[2].Items() {
		update.ts = append(update.ts, LamportTimestamp(item.Count()))
	}
	for _, item := range items[3].Items() {
		update.filter, _ = update.filter.Extend(NewTopic(item.Str()))
	}
	if len(update.path) == 0 || len(update.path) != len(update.ts) {
		return nil, malformed("path and timestamp length mismatch")
	}
	switch update.op {
	case routingOpSubscribe:
	case routingOpRevoke:
		if value.Len() < 7 {
			return nil, malformed("short revocation")
		}
		revoker, err := IdFromBytes([]byte(items[4].Str()))
		if err != nil {
			return nil, malformed("bad revoker id")
		}
		update.revoker = revoker
		update.revokeTs = LamportTimestamp(items[5].Count())
		hop, err := IdFromBytes([]byte(items[6].Str()))
		if err != nil {
			return nil, malformed("bad hop id")
		}
		update.hop = hop
	default:
		return nil, malformed("routing op %d", update.op)
	}
	return update, nil
}

// The process-wide filter shared with the transport-establishment task.
// Reads copy out under the lock; the version advances with the node clock.
type SharedFilter struct {
	mutex   sync.Mutex
	version LamportTimestamp
	filter  Filter
}

func NewSharedFilter() *SharedFilter {
	return &SharedFilter{}
}

func (self *SharedFilter) Read() (Filter, LamportTimestamp) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.filter.Clone(), self.version
}

func (self *SharedFilter) Set(filter Filter, version LamportTimestamp) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.filter = filter.Clone()
	self.version = version
}

type PeerStatus int

const (
	PeerStatusDisconnected PeerStatus = iota
	PeerStatusConnecting
	PeerStatusHandshaking
	PeerStatusUp
	PeerStatusDraining
	PeerStatusRevoked
)

func (self PeerStatus) String() string {
	switch self {
	case PeerStatusConnecting:
		return "connecting"
	case PeerStatusHandshaking:
		return "handshaking"
	case PeerStatusUp:
		return "up"
	case PeerStatusDraining:
		return "draining"
	case PeerStatusRevoked:
		return "revoked"
	default:
		return "disconnected"
	}
}

// process-wide peer status, guarded by a mutex like the shared filter
type PeerStatusMap struct {
	mutex    sync.Mutex
	statuses map[Id]PeerStatus
}

func NewPeerStatusMap() *PeerStatusMap {
	return &PeerStatusMap{
		statuses: map[Id]PeerStatus{},
	}
}

func (self *PeerStatusMap) Set(peerId Id, status PeerStatus) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if status == PeerStatusDisconnected {
		delete(self.statuses, peerId)
	} else {
		self.statuses[peerId] = status
	}
}

func (self *PeerStatusMap) Get(peerId Id) PeerStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.statuses[peerId]
}

type PeerInfo struct {
	PeerId   Id
	Address  string
	Direct   bool
	Distance int
	Status   PeerStatus
}

// node mailbox events

type evLinkUp struct {
	l      *link
	clock  LamportTimestamp
	filter Filter
	result chan error
}

type evLinkDown struct {
	peerId Id
	status StatusCode
	err    *Error
}

type evFrame struct {
	from Id
	msg  *NodeMessage
}

type evPublish struct {
	packed PackedMessage
	dest   *Id
}

type evInject struct {
	fn   func()
	done chan struct{}
}

type Node struct {
	id       Id
	ctx      context.Context
	cancel   context.CancelFunc
	settings *NodeSettings
	metrics  *Metrics

	events chan any

	sharedFilter *SharedFilter
	peerStatuses *PeerStatusMap

	eventMutex sync.Mutex
	eventSubs  []*EventSubscriber

	// state below is owned by the run task
	clock       LamportTimestamp
	tbl         *RoutingTable
	links       map[Id]*link
	peerFilters map[Id]Filter
	lastSeen    map[Id]LamportTimestamp
	revocations revocationList
	subscribers []*Subscriber
	masters     map[string]*MasterStore
	clones      map[string]*CloneStore
	// clones watching the reachability of their master's endpoint
	masterWatch map[Id]map[*CloneStore]bool
	awaited     map[Id][]chan struct{}
	localFilter Filter
}

func NewNode(ctx context.Context, id Id, settings *NodeSettings, metrics *Metrics) *Node {
	cancelCtx, cancel := context.WithCancel(ctx)
	node := &Node{
		id:           id,
		ctx:          cancelCtx,
		cancel:       cancel,
		settings:     settings,
		metrics:      metrics,
		events:       make(chan any, settings.MailboxSize),
		sharedFilter: NewSharedFilter(),
		peerStatuses: NewPeerStatusMap(),
		tbl:          NewRoutingTable(),
		links:        map[Id]*link{},
		peerFilters:  map[Id]Filter{},
		lastSeen:     map[Id]LamportTimestamp{},
		masters:      map[string]*MasterStore{},
		clones:       map[string]*CloneStore{},
		masterWatch:  map[Id]map[*CloneStore]bool{},
		awaited:      map[Id][]chan struct{}{},
	}
	go node.run()
	return node
}

func (self *Node) Id() Id {
	return self.id
}

func (self *Node) SharedFilter() *SharedFilter {
	return self.sharedFilter
}

func (self *Node) PeerStatuses() *PeerStatusMap {
	return self.peerStatuses
}

func (self *Node) run() {
	expire := time.NewTicker(self.settings.RevocationExpireInterval)
	defer expire.Stop()
	for {
		select {
		case <-self.ctx.Done():
			self.handleShutdown()
			return
		case event := <-self.events:
			switch v := event.(type) {
			case *evLinkUp:
				v.result <- self.handleLinkUp(v)
			case *evLinkDown:
				self.handleLinkDown(v.peerId, v.status, v.err)
			case *evFrame:
				self.handleFrame(v.from, v.msg)
			case *evPublish:
				self.handlePublish(v.packed, v.dest)
			case *evInject:
				v.fn()
				close(v.done)
			}
		case <-expire.C:
			self.revocations.expire(self.settings.RevocationMaxAge, time.Now())
		}
	}
}

func (self *Node) handleShutdown() {
	for peerId, l := range self.links {
		self.peerStatuses.Set(peerId, PeerStatusDraining)
		l.Kill()
	}
	for _, master := range self.masters {
		master.close()
	}
	for _, clone := range self.clones {
		clone.close()
	}
}

// runs `fn` inside the node task and waits for it
func (self *Node) inject(fn func()) bool {
	event := &evInject{
		fn:   fn,
		done: make(chan struct{}),
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-event.done:
		return true
	}
}

func (self *Node) Close() {
	self.cancel()
}

func (self *Node) Done() <-chan struct{} {
	return self.ctx.Done()
}

// emits a user-facing status or error item
func (self *Node) emitEvent(event *Event) {
	event.Time = time.Now()
	if event.Err != nil {
		glog.V(1).Infof("[%s]event %s\n", logTagPeer, event)
	} else {
		glog.V(2).Infof("[%s]event %s\n", logTagPeer, event)
	}
	self.eventMutex.Lock()
	subs := slices.Clone(self.eventSubs)
	self.eventMutex.Unlock()
	for _, sub := range subs {
		sub.push(event)
	}
}

func (self *Node) addEventSubscriber(sub *EventSubscriber) {
	self.eventMutex.Lock()
	defer self.eventMutex.Unlock()
	self.eventSubs = append(self.eventSubs, sub)
}

func (self *Node) removeEventSubscriber(sub *EventSubscriber) {
	self.eventMutex.Lock()
	defer self.eventMutex.Unlock()
	if i := slices.Index(self.eventSubs, sub); 0 <= i {
		self.eventSubs = slices.Delete(self.eventSubs, i, i+1)
	}
}

// -- filter management --------------------------------------------------------

func (self *Node) computeFilter() Filter {
	filter := Filter{}
	for _, sub := range self.subscribers {
		filter, _ = filter.ExtendAll(sub.Filter())
	}
	for name := range self.masters {
		filter, _ = filter.Extend(MasterTopic(name))
	}
	for name := range self.clones {
		filter, _ = filter.Extend(CloneTopic(name))
	}
	return filter
}

// recomputes the local filter; floods the change to every direct peer
func (self *Node) updateFilterLocked() {
	filter := self.computeFilter()
	if filter.Equal(self.localFilter) {
		return
	}
	self.localFilter = filter
	self.clock += 1
	self.sharedFilter.Set(filter, self.clock)
	self.floodSubscribe()
}

func (self *Node) floodSubscribe() {
	update := &routingUpdate{
		op:     routingOpSubscribe,
		path:   []Id{self.id},
		ts:     VectorTimestamp{self.clock},
		filter: self.localFilter,
	}
	self.broadcastUpdate(update)
}

// sends a routing update to every direct link not on the update's path
func (self *Node) broadcastUpdate(update *routingUpdate) {
	msg := &NodeMessage{
		Packed: PackedMessage{
			Kind:    MessageKindRoutingUpdate,
			Topic:   NewTopic(TopicReserved),
			Payload: update.encode(),
		},
	}
	frameBytes := EncodeFrame(msg)
	for peerId, l := range self.links {
		if pathContains(update.path, peerId) {
			continue
		}
		if !l.Enqueue(frameBytes) {
			glog.Infof("[%s]drop routing update %s->%s\n", logTagPeer, self.id, peerId)
		}
	}
}

// called from API tasks when subscriber filters change
func (self *Node) refreshFilter() {
	self.inject(func() {
		self.updateFilterLocked()
	})
}

// -- link lifecycle -----------------------------------------------------------

// registers an established link after a successful handshake
func (self *Node) registerLink(l *link, clock LamportTimestamp, filter Filter) error {
	event := &evLinkUp{
		l:      l,
		clock:  clock,
		filter: filter,
		result: make(chan error, 1),
	}
	select {
	case <-self.ctx.Done():
		return NewError(ErrorShutdownInProgress, "")
	case self.events <- event:
	}
	select {
	case <-self.ctx.Done():
		return NewError(ErrorShutdownInProgress, "")
	case err := <-event.result:
		return err
	}
}

func (self *Node) handleLinkUp(event *evLinkUp) error {
	peerId := event.l.PeerId()
	if _, ok := self.links[peerId]; ok {
		return NewError(ErrorPeerInvalid, "repeated peering handshake for %s", peerId)
	}
	discovered := !self.tbl.Reachable(peerId)
	self.links[peerId] = event.l
	self.tbl.SetDirect(peerId, event.l)
	self.clock += 1
	self.tbl.AddOrUpdatePath(peerId, []Id{peerId}, VectorTimestamp{event.clock})
	if self.lastSeen[peerId] < event.clock {
		self.lastSeen[peerId] = event.clock
		self.peerFilters[peerId] = event.filter.Clone()
	}
	self.peerStatuses.Set(peerId, PeerStatusUp)
	if self.metrics != nil {
		self.metrics.Peers.Inc()
	}
	if discovered {
		self.emitEvent(&Event{Status: StatusEndpointDiscovered, PeerId: peerId})
		self.notifyReachable(peerId)
	}
	self.emitEvent(&Event{Status: StatusPeerAdded, PeerId: peerId, Address: event.l.Address()})
	glog.V(2).Infof("[%s]up %s<->%s\n", logTagPeer, self.id, peerId)

	// announce ourselves on the new adjacency
	self.floodSubscribe()
	// hand the new peer what we know about the rest of the overlay, phrased
	// as the advertisements that would have produced our table
	for origin := range self.lastSeen {
		if origin == peerId || origin == self.id {
			continue
		}
		vp, ok := self.tbl.BestVersionedPath(origin)
		if !ok {
			continue
		}
		advPath := make([]Id, 0, len(vp.Path)+1)
		advTs := make(VectorTimestamp, 0, len(vp.Ts)+1)
		for i := len(vp.Path) - 1; 0 <= i; i -= 1 {
			advPath = append(advPath, vp.Path[i])
			advTs = append(advTs, vp.Ts[i])
		}
		advPath = append(advPath, self.id)
		advTs = append(advTs, self.clock)
		if pathContains(advPath[:len(advPath)-1], peerId) {
			continue
		}
		update := &routingUpdate{
			op:     routingOpSubscribe,
			path:   advPath,
			ts:     advTs,
			filter: self.peerFilters[origin],
		}
		msg := &NodeMessage{
			Packed: PackedMessage{
				Kind:    MessageKindRoutingUpdate,
				Topic:   NewTopic(TopicReserved),
				Payload: update.encode(),
			},
		}
		if !event.l.Enqueue(EncodeFrame(msg)) {
			glog.Infof("[%s]drop table advertisement %s->%s\n", logTagPeer, self.id, peerId)
		}
	}
	self.notifyAwaited(peerId)
	return nil
}

// called from transport tasks when a link dies or is killed
func (self *Node) linkDown(peerId Id, status StatusCode, err *Error) {
	event := &evLinkDown{
		peerId: peerId,
		status: status,
		err:    err,
	}
	select {
	case <-self.ctx.Done():
	case self.events <- event:
	}
}

func (self *Node) handleLinkDown(peerId Id, status StatusCode, err *Error) {
	l, ok := self.links[peerId]
	if !ok {
		return
	}
	delete(self.links, peerId)
	l.Kill()
	self.peerStatuses.Set(peerId, PeerStatusDisconnected)
	if self.metrics != nil {
		self.metrics.Peers.Dec()
	}
	self.clock += 1
	removed := []Id{}
	self.tbl.EraseDirect(peerId, func(id Id) {
		removed = append(removed, id)
	})
	self.revocations.insert(self.id, self.clock, peerId, time.Now())
	for _, id := range removed {
		self.scrubPeer(id)
	}
	self.emitEvent(&Event{Status: status, PeerId: peerId, Err: err, Address: l.Address()})
	glog.V(2).Infof("[%s]down %s<->%s (%s)\n", logTagPeer, self.id, peerId, status)

	// tell the rest of the overlay that this adjacency is gone
	update := &routingUpdate{
		op:       routingOpRevoke,
		path:     []Id{self.id},
		ts:       VectorTimestamp{self.clock},
		filter:   self.localFilter,
		revoker:  self.id,
		revokeTs: self.clock,
		hop:      peerId,
	}
	self.broadcastUpdate(update)
}

func (self *Node) scrubPeer(peerId Id) {
	delete(self.lastSeen, peerId)
	delete(self.peerFilters, peerId)
	self.emitEvent(&Event{Status: StatusEndpointUnreachable, PeerId: peerId})
	self.notifyUnreachable(peerId)
}

// -- master reachability watch ------------------------------------------------

func (self *Node) watchMaster(clone *CloneStore, masterId Id) {
	self.inject(func() {
		watchers, ok := self.masterWatch[masterId]
		if !ok {
			watchers = map[*CloneStore]bool{}
			self.masterWatch[masterId] = watchers
		}
		watchers[clone] = true
	})
}

func (self *Node) unwatchMaster(clone *CloneStore, masterId Id) {
	self.inject(func() {
		if watchers, ok := self.masterWatch[masterId]; ok {
			delete(watchers, clone)
			if len(watchers) == 0 {
				delete(self.masterWatch, masterId)
			}
		}
	})
}

func (self *Node) notifyReachable(peerId Id) {
	for clone := range self.masterWatch[peerId] {
		clone.masterReachable()
	}
}

func (self *Node) notifyUnreachable(peerId Id) {
	for clone := range self.masterWatch[peerId] {
		clone.masterUnreachable()
	}
}

// -- await peer ---------------------------------------------------------------

func (self *Node) notifyAwaited(peerId Id) {
	for _, done := range self.awaited[peerId] {
		close(done)
	}
	delete(self.awaited, peerId)
}

// blocks until a path to the peer exists or the timeout expires
func (self *Node) AwaitPeer(peerId Id, timeout time.Duration) bool {
	done := make(chan struct{})
	reachable := false
	ok := self.inject(func() {
		if self.tbl.Reachable(peerId) {
			reachable = true
			close(done)
			return
		}
		self.awaited[peerId] = append(self.awaited[peerId], done)
	})
	if !ok {
		return false
	}
	if reachable {
		return true
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

// -- frame handling -----------------------------------------------------------

func (self *Node) handleFrame(from Id, msg *NodeMessage) {
	if self.metrics != nil {
		self.metrics.MessagesReceived.WithLabelValues(msg.Packed.Kind.String()).Inc()
	}
	switch msg.Packed.Kind {
	case MessageKindRoutingUpdate:
		self.handleRoutingUpdate(from, msg.Packed.Payload)
	case MessageKindData, MessageKindCommand:
		self.dispatchInbound(msg)
	default:
		// unknown kinds are skipped to allow minor protocol extensions
		glog.Infof("[%s]skip unknown kind %d from %s\n", logTagPeer, msg.Packed.Kind, from)
	}
}

func (self *Node) handleRoutingUpdate(from Id, payload []byte) {
	update, err := decodeRoutingUpdate(payload)
	if err != nil {
		// a malformed update disconnects the offending peer
		glog.Infof("[%s]malformed routing update from %s = %s\n", logTagPeer, from, err)
		self.handleLinkDown(from, StatusPeerLost, NewError(ErrorPeerInvalid, "malformed routing update"))
		return
	}
	if pathContains(update.path, self.id) {
		// already seen
		return
	}
	origin := update.path[0]
	originTs := update.ts[0]
	newer := self.lastSeen[origin] < originTs

	fullPath := append(slices.Clone(update.path), self.id)
	fullTs := append(update.ts.Clone(), self.clock)

	// the advertised path is the travel history from the origin; the stored
	// path is the route back, so install it reversed without ourselves
	tablePath := make([]Id, 0, len(fullPath)-1)
	tableTs := make(VectorTimestamp, 0, len(fullTs)-1)
	for i := len(fullPath) - 2; 0 <= i; i -= 1 {
		tablePath = append(tablePath, fullPath[i])
		tableTs = append(tableTs, fullTs[i])
	}

	switch update.op {
	case routingOpSubscribe:
		if !self.revocations.revoked(tablePath, tableTs) {
			discovered := !self.tbl.Reachable(origin)
			self.tbl.AddOrUpdatePath(origin, tablePath, tableTs)
			if discovered {
				self.emitEvent(&Event{Status: StatusEndpointDiscovered, PeerId: origin})
				self.notifyReachable(origin)
				self.notifyAwaited(origin)
			}
		}
		if newer {
			self.lastSeen[origin] = originTs
			self.peerFilters[origin] = update.filter.Clone()
		}
	case routingOpRevoke:
		if self.revocations.insert(update.revoker, update.revokeTs, update.hop, time.Now()) {
			removed := []Id{}
			self.tbl.Revoke(update.revoker, update.revokeTs, update.hop, func(id Id) {
				removed = append(removed, id)
			})
			for _, id := range removed {
				self.scrubPeer(id)
			}
		}
		if newer {
			self.lastSeen[origin] = originTs
			self.peerFilters[origin] = update.filter.Clone()
		}
	}

	if newer && self.settings.Forward {
		forward := &routingUpdate{
			op:       update.op,
			path:     fullPath,
			ts:       fullTs,
			filter:   update.filter,
			revoker:  update.revoker,
			revokeTs: update.revokeTs,
			hop:      update.hop,
		}
		self.broadcastUpdate(forward)
	}
}

// -- dispatch -----------------------------------------------------------------

// thread-safe entry for locally originated messages. `dest` targets a
// single endpoint; nil floods by subscription.
func (self *Node) publish(packed PackedMessage, dest *Id) error {
	event := &evPublish{
		packed: packed,
		dest:   dest,
	}
	select {
	case <-self.ctx.Done():
		return NewError(ErrorShutdownInProgress, "")
	case self.events <- event:
		return nil
	}
}

func (self *Node) handlePublish(packed PackedMessage, dest *Id) {
	if self.metrics != nil {
		self.metrics.MessagesSent.WithLabelValues(packed.Kind.String()).Inc()
	}
	receivers := []Id{}
	if dest != nil {
		if *dest == self.id {
			self.deliverLocal(packed)
			return
		}
		if !self.tbl.Reachable(*dest) {
			self.emitEvent(&Event{
				Status: StatusEndpointUnreachable,
				PeerId: *dest,
				Err:    NewError(ErrorPeerUnavailable, "no route to %s", *dest),
			})
			return
		}
		receivers = append(receivers, *dest)
	} else {
		for peerId, filter := range self.peerFilters {
			if peerId == self.id {
				continue
			}
			if filter.Matches(packed.Topic) {
				receivers = append(receivers, peerId)
			}
		}
		if self.localFilter.Matches(packed.Topic) {
			self.deliverLocal(packed)
		}
	}
	if len(receivers) == 0 {
		return
	}
	path, unreachable := buildMultipath(self.id, receivers, self.tbl)
	for _, id := range unreachable {
		glog.V(2).Infof("[%s]no route %s->%s\n", logTagPeer, self.id, id)
	}
	for _, child := range path.Children {
		self.forwardSubtree(child, packed)
	}
}

// dispatch for a received message whose multipath subtree names us
func (self *Node) dispatchInbound(msg *NodeMessage) {
	subtree := msg.Path
	if subtree == nil {
		// a targeted frame from a direct peer
		self.deliverLocal(msg.Packed)
		return
	}
	if subtree.Head != self.id {
		// not re-rooted onto us; relay toward the intended subtree
		if self.settings.Forward {
			self.forwardSubtree(subtree, msg.Packed)
		}
		return
	}
	if subtree.Receiver {
		self.deliverLocal(msg.Packed)
	}
	if !self.settings.Forward {
		return
	}
	for _, child := range subtree.Children {
		self.forwardSubtree(child, msg.Packed)
	}
}

// sends (payload, subtree) toward the subtree's head: directly when the
// head is a neighbor, otherwise re-rooted onto the best next hop
func (self *Node) forwardSubtree(subtree *Multipath, packed PackedMessage) {
	if hdl := self.tbl.Direct(subtree.Head); hdl != nil {
		frameBytes := EncodeFrame(&NodeMessage{Packed: packed, Path: subtree})
		if !hdl.Enqueue(frameBytes) {
			glog.Infof("[%s]drop %s->%s %s\n", logTagPeer, self.id, subtree.Head, packed.Topic)
		}
		return
	}
	path := self.tbl.ShortestPath(subtree.Head)
	if path == nil {
		glog.V(2).Infof("[%s]unroutable subtree %s->%s\n", logTagPeer, self.id, subtree.Head)
		return
	}
	// wrap the subtree in the chain of hops leading to its head
	wrapped := subtree
	for i := len(path) - 2; 0 <= i; i -= 1 {
		wrapped = &Multipath{
			Head:     path[i],
			Children: []*Multipath{wrapped},
		}
	}
	hdl := self.tbl.Direct(path[0])
	if hdl == nil {
		glog.V(2).Infof("[%s]no direct next hop %s->%s\n", logTagPeer, self.id, path[0])
		return
	}
	frameBytes := EncodeFrame(&NodeMessage{Packed: packed, Path: wrapped})
	if !hdl.Enqueue(frameBytes) {
		glog.Infof("[%s]drop %s->%s %s\n", logTagPeer, self.id, path[0], packed.Topic)
	}
}

func (self *Node) deliverLocal(packed PackedMessage) {
	switch packed.Kind {
	case MessageKindData:
		msg := &DataMessage{
			Topic:   packed.Topic,
			Payload: packed.Payload,
		}
		for _, sub := range self.subscribers {
			if sub.Filter().Matches(packed.Topic) {
				sub.push(msg)
			}
		}
	case MessageKindCommand:
		name, toMaster := storeNameOf(packed.Topic)
		if name == "" {
			glog.V(2).Infof("[%s]command for non-store topic %s\n", logTagPeer, packed.Topic)
			return
		}
		if toMaster {
			if master, ok := self.masters[name]; ok {
				master.deliverWire(packed.Payload)
			}
		} else {
			if clone, ok := self.clones[name]; ok {
				clone.deliverWire(packed.Payload)
			}
		}
	}
}

// -- subscribers --------------------------------------------------------------

func (self *Node) makeSubscriber(filter Filter, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = self.settings.SubscriberQueueSize
	}
	sub := newSubscriber(self, filter, queueSize)
	self.inject(func() {
		self.subscribers = append(self.subscribers, sub)
		self.updateFilterLocked()
	})
	return sub
}

func (self *Node) removeSubscriber(sub *Subscriber) {
	self.inject(func() {
		if i := slices.Index(self.subscribers, sub); 0 <= i {
			self.subscribers = slices.Delete(self.subscribers, i, i+1)
		}
		self.updateFilterLocked()
	})
}

// -- stores -------------------------------------------------------------------

func (self *Node) attachMaster(name string, backend Backend, settings *MasterSettings) (*MasterStore, error) {
	var master *MasterStore
	var attachErr error
	ok := self.inject(func() {
		if _, exists := self.masters[name]; exists {
			attachErr = NewError(ErrorMasterExists, "master for %s already attached", name)
			return
		}
		if _, exists := self.clones[name]; exists {
			attachErr = NewError(ErrorMasterExists, "clone for %s already attached locally", name)
			return
		}
		master = newMasterStore(self, name, backend, settings)
		self.masters[name] = master
		self.updateFilterLocked()
	})
	if !ok {
		return nil, NewError(ErrorShutdownInProgress, "")
	}
	if attachErr != nil {
		return nil, attachErr
	}
	return master, nil
}

func (self *Node) attachClone(name string, settings *CloneSettings) (*CloneStore, error) {
	var clone *CloneStore
	var attachErr error
	ok := self.inject(func() {
		if _, exists := self.masters[name]; exists {
			attachErr = NewError(ErrorMasterExists, "master for %s already attached locally", name)
			return
		}
		if _, exists := self.clones[name]; exists {
			attachErr = NewError(ErrorUnspecified, "clone for %s already attached", name)
			return
		}
		clone = newCloneStore(self, name, settings)
		self.clones[name] = clone
		self.updateFilterLocked()
	})
	if !ok {
		return nil, NewError(ErrorShutdownInProgress, "")
	}
	if attachErr != nil {
		return nil, attachErr
	}
	return clone, nil
}

func (self *Node) detachStore(name string) {
	self.inject(func() {
		if master, ok := self.masters[name]; ok {
			delete(self.masters, name)
			master.close()
		}
		if clone, ok := self.clones[name]; ok {
			delete(self.clones, name)
			clone.close()
		}
		self.updateFilterLocked()
	})
}

// -- introspection ------------------------------------------------------------

func (self *Node) peers() []PeerInfo {
	infos := []PeerInfo{}
	self.inject(func() {
		for _, peerId := range self.tbl.PeerIds() {
			info := PeerInfo{
				PeerId: peerId,
				Direct: self.tbl.IsDirect(peerId),
				Status: self.peerStatuses.Get(peerId),
			}
			if distance, ok := self.tbl.DistanceTo(peerId); ok {
				info.Distance = distance
			}
			if l, ok := self.links[peerId]; ok {
				info.Address = l.Address()
			}
			infos = append(infos, info)
		}
	})
	return infos
}

// the merged filter of every known remote peer
func (self *Node) peerSubscriptions() []Topic {
	merged := Filter{}
	self.inject(func() {
		for peerId, filter := range self.peerFilters {
			if peerId == self.id {
				continue
			}
			merged, _ = merged.ExtendAll(filter)
		}
	})
	return merged
}
