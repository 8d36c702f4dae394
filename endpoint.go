package weft

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

// Endpoint configuration. A zero `SubscriberQueueSize` or `AwaitPeerTimeout`
// falls back to the default below; the other fields are taken as given.
type Options struct {
	// plaintext framing when true
	DisableSsl bool

	// verification anchors
	SslCaFile string
	SslCaPath string

	// local identity
	SslCertificate string
	SslKey         string
	SslPassphrase  string

	// when false, this endpoint never relays on behalf of others
	Forward bool

	// default subscriber backlog
	SubscriberQueueSize int

	// default timeout for `AwaitPeer` and synchronous `Peer`
	AwaitPeerTimeout time.Duration

	// optional metric registration target
	Registerer prometheus.Registerer
}

func DefaultOptions() *Options {
	return &Options{
		Forward:             true,
		SubscriberQueueSize: 20,
		AwaitPeerTimeout:    10 * time.Second,
	}
}

// An endpoint is one process in the overlay: it owns the peer task, the
// transport listeners and dialers, the attached stores and the local
// dispatch state. Lifecycle is init -> run -> shutdown; `Shutdown` is
// idempotent.
type Endpoint struct {
	id      Id
	options *Options

	nodeSettings      *NodeSettings
	transportSettings *TransportSettings

	ctx    context.Context
	cancel context.CancelFunc

	metrics *Metrics
	node    *Node

	serverTls *tls.Config
	clientTls *tls.Config

	mutex     sync.Mutex
	listeners []*Listener
	peerings  map[string]*peering
	stores    map[string]*Store
	down      bool
}

func NewEndpointWithDefaults() (*Endpoint, error) {
	return NewEndpoint(context.Background(), DefaultOptions())
}

func NewEndpoint(ctx context.Context, options *Options) (*Endpoint, error) {
	if options.SubscriberQueueSize <= 0 {
		options.SubscriberQueueSize = 20
	}
	if options.AwaitPeerTimeout <= 0 {
		options.AwaitPeerTimeout = 10 * time.Second
	}

	nodeSettings := DefaultNodeSettings()
	nodeSettings.Forward = options.Forward
	nodeSettings.SubscriberQueueSize = options.SubscriberQueueSize

	cancelCtx, cancel := context.WithCancel(ctx)

	metrics := NewMetrics()
	if options.Registerer != nil {
		if err := metrics.Register(options.Registerer); err != nil {
			cancel()
			return nil, NewError(ErrorUnspecified, "metrics: %s", err)
		}
	}

	endpoint := &Endpoint{
		id:                NewId(),
		options:           options,
		nodeSettings:      nodeSettings,
		transportSettings: DefaultTransportSettings(),
		ctx:               cancelCtx,
		cancel:            cancel,
		metrics:           metrics,
		peerings:          map[string]*peering{},
		stores:            map[string]*Store{},
	}
	if !options.DisableSsl {
		serverTls, clientTls, err := buildTlsConfigs(options)
		if err != nil {
			cancel()
			return nil, err
		}
		endpoint.serverTls = serverTls
		endpoint.clientTls = clientTls
	}
	endpoint.node = NewNode(cancelCtx, endpoint.id, nodeSettings, metrics)
	return endpoint, nil
}

func buildTlsConfigs(options *Options) (*tls.Config, *tls.Config, error) {
	if options.SslPassphrase != "" {
		glog.Infof("[%s]key passphrases are not supported, expecting an unencrypted key\n", logTagTransport)
	}
	serverTls := &tls.Config{}
	clientTls := &tls.Config{}
	if options.SslCertificate != "" {
		certificate, err := tls.LoadX509KeyPair(options.SslCertificate, options.SslKey)
		if err != nil {
			return nil, nil, NewError(ErrorUnspecified, "load certificate: %s", err)
		}
		serverTls.Certificates = []tls.Certificate{certificate}
		clientTls.Certificates = []tls.Certificate{certificate}
	}
	pool := x509.NewCertPool()
	anchored := false
	if options.SslCaFile != "" {
		pem, err := os.ReadFile(options.SslCaFile)
		if err != nil {
			return nil, nil, NewError(ErrorUnspecified, "read ca file: %s", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, NewError(ErrorUnspecified, "no certificates in %s", options.SslCaFile)
		}
		anchored = true
	}
	if options.SslCaPath != "" {
		entries, err := os.ReadDir(options.SslCaPath)
		if err != nil {
			return nil, nil, NewError(ErrorUnspecified, "read ca path: %s", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(options.SslCaPath, entry.Name()))
			if err != nil {
				continue
			}
			if pool.AppendCertsFromPEM(pem) {
				anchored = true
			}
		}
	}
	if anchored {
		serverTls.ClientCAs = pool
		serverTls.ClientAuth = tls.VerifyClientCertIfGiven
		clientTls.RootCAs = pool
	} else {
		// without anchors the channel is encrypted but unauthenticated
		clientTls.InsecureSkipVerify = true
	}
	return serverTls, clientTls, nil
}

func (self *Endpoint) Id() Id {
	return self.id
}

func (self *Endpoint) Node() *Node {
	return self.node
}

func (self *Endpoint) checkUp() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.down {
		return NewError(ErrorShutdownInProgress, "")
	}
	return nil
}

// -- peering ------------------------------------------------------------------

// binds a listening socket. a zero port picks an ephemeral one; the bound
// port is returned.
func (self *Endpoint) Listen(address string, port uint16) (uint16, error) {
	if err := self.checkUp(); err != nil {
		return 0, err
	}
	listener, err := NewListener(self.ctx, self.node, address, port, self.serverTls, self.transportSettings)
	if err != nil {
		return 0, err
	}
	self.mutex.Lock()
	self.listeners = append(self.listeners, listener)
	self.mutex.Unlock()
	glog.V(1).Infof("[%s]%s listening on %d\n", logTagTransport, self.id, listener.Port())
	return listener.Port(), nil
}

func peeringKey(address string, port uint16) string {
	return net.JoinHostPort(address, fmt.Sprintf("%d", port))
}

// initiates an outbound relation and waits for the first connect attempt.
// `retry` caps the reconnect backoff; zero means a single attempt and no
// reconnects.
func (self *Endpoint) Peer(address string, port uint16, retry time.Duration) bool {
	p, err := self.startPeering(address, port, retry)
	if err != nil {
		return false
	}
	if err := p.awaitFirst(self.options.AwaitPeerTimeout); err != nil {
		if retry <= 0 {
			self.dropPeering(address, port)
		}
		return false
	}
	return true
}

// initiates an outbound relation without waiting
func (self *Endpoint) PeerNosync(address string, port uint16, retry time.Duration) {
	self.startPeering(address, port, retry)
}

func (self *Endpoint) startPeering(address string, port uint16, retry time.Duration) (*peering, error) {
	if err := self.checkUp(); err != nil {
		return nil, err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := peeringKey(address, port)
	if existing, ok := self.peerings[key]; ok {
		return existing, nil
	}
	p := newPeering(self.ctx, self.node, address, port, retry, self.clientTls, self.transportSettings)
	self.peerings[key] = p
	return p, nil
}

func (self *Endpoint) dropPeering(address string, port uint16) *peering {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	key := peeringKey(address, port)
	p, ok := self.peerings[key]
	if !ok {
		return nil
	}
	delete(self.peerings, key)
	return p
}

// drops the relation to the given address. returns true iff a peering
// existed.
func (self *Endpoint) Unpeer(address string, port uint16) bool {
	p := self.dropPeering(address, port)
	if p == nil {
		return false
	}
	p.unpeer()
	return true
}

func (self *Endpoint) UnpeerNosync(address string, port uint16) bool {
	return self.Unpeer(address, port)
}

func (self *Endpoint) Peers() []PeerInfo {
	return self.node.peers()
}

// the merged subscriptions of every known remote endpoint
func (self *Endpoint) PeerSubscriptions() []Topic {
	return self.node.peerSubscriptions()
}

// blocks until a path to the peer exists
func (self *Endpoint) AwaitPeer(peerId Id, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = self.options.AwaitPeerTimeout
	}
	return self.node.AwaitPeer(peerId, timeout)
}

// -- publish / subscribe ------------------------------------------------------

func (self *Endpoint) Publish(topic Topic, value Value) error {
	if err := self.checkUp(); err != nil {
		return err
	}
	return self.node.publish(PackData(topic, value), nil)
}

// publishes to exactly one endpoint, regardless of its filter
func (self *Endpoint) PublishTo(dest Id, topic Topic, value Value) error {
	if err := self.checkUp(); err != nil {
		return err
	}
	return self.node.publish(PackData(topic, value), &dest)
}

func (self *Endpoint) PublishBatch(msgs []*DataMessage) error {
	if err := self.checkUp(); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := self.node.publish(PackedMessage{
			Kind:    MessageKindData,
			Topic:   msg.Topic,
			Payload: msg.Payload,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (self *Endpoint) MakePublisher(topic Topic) (*Publisher, error) {
	if err := self.checkUp(); err != nil {
		return nil, err
	}
	return newPublisher(self.node, topic, self.nodeSettings.PublisherQueueSize), nil
}

// `queueSize` of zero uses the configured default
func (self *Endpoint) MakeSubscriber(filter Filter, queueSize int) (*Subscriber, error) {
	if err := self.checkUp(); err != nil {
		return nil, err
	}
	return self.node.makeSubscriber(filter, queueSize), nil
}

func (self *Endpoint) MakeEventSubscriber(receiveStatuses bool) *EventSubscriber {
	sub := newEventSubscriber(self.node, receiveStatuses)
	self.node.addEventSubscriber(sub)
	return sub
}

// -- stores -------------------------------------------------------------------

func (self *Endpoint) AttachMaster(name string, backendKind string, backendOptions BackendOptions) (*Store, error) {
	if err := self.checkUp(); err != nil {
		return nil, err
	}
	backend, err := NewBackend(backendKind, backendOptions)
	if err != nil {
		return nil, err
	}
	master, err := self.node.attachMaster(name, backend, DefaultMasterSettings())
	if err != nil {
		backend.Close()
		return nil, err
	}
	store := newStore(master)
	self.mutex.Lock()
	self.stores[name] = store
	self.mutex.Unlock()
	return store, nil
}

func (self *Endpoint) AttachClone(name string, resync time.Duration, stale time.Duration, mutationBuffer time.Duration) (*Store, error) {
	if err := self.checkUp(); err != nil {
		return nil, err
	}
	settings := DefaultCloneSettings()
	if 0 < resync {
		settings.ResyncInterval = resync
	}
	if 0 < stale {
		settings.StaleInterval = stale
	}
	if 0 < mutationBuffer {
		settings.MutationBufferInterval = mutationBuffer
	}
	clone, err := self.node.attachClone(name, settings)
	if err != nil {
		return nil, err
	}
	store := newStore(clone)
	self.mutex.Lock()
	self.stores[name] = store
	self.mutex.Unlock()
	return store, nil
}

func (self *Endpoint) DetachStore(name string) {
	self.mutex.Lock()
	delete(self.stores, name)
	self.mutex.Unlock()
	self.node.detachStore(name)
}

// -- lifecycle ----------------------------------------------------------------

const shutdownDrainTimeout = 2 * time.Second

// drains local subscriber queues, then tears everything down. idempotent.
func (self *Endpoint) Shutdown() {
	self.shutdown(false)
}

// tears down without draining
func (self *Endpoint) ShutdownNowait() {
	self.shutdown(true)
}

func (self *Endpoint) shutdown(nowait bool) {
	self.mutex.Lock()
	if self.down {
		self.mutex.Unlock()
		return
	}
	self.down = true
	listeners := self.listeners
	peerings := self.peerings
	self.listeners = nil
	self.peerings = map[string]*peering{}
	self.mutex.Unlock()

	if !nowait {
		// give local subscribers a chance to observe what is queued
		deadline := time.Now().Add(shutdownDrainTimeout)
		for time.Now().Before(deadline) {
			buffered := 0
			self.node.inject(func() {
				for _, sub := range self.node.subscribers {
					buffered += sub.Buffered()
				}
			})
			if buffered == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	for _, listener := range listeners {
		listener.Close()
	}
	for _, p := range peerings {
		p.unpeer()
	}
	self.node.Close()
	self.cancel()
	glog.V(1).Infof("[%s]%s shut down\n", logTagPeer, self.id)
}
