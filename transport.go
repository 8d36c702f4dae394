package weft

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Transport glue: attaches websocket byte streams to the overlay node.
// Every established relation owns a send channel, a read pump and a
// kill-switch; disposing the kill-switch removes both directions.

const helloMagic = uint64(0x77656674) // "weft"

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	HelloTimeout       time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReconnectMin       time.Duration
	SendBufferSize     int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		HelloTimeout:       2 * time.Second,
		PingInterval:       5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		ReconnectMin:       100 * time.Millisecond,
		SendBufferSize:     32,
	}
}

// one direct peer relation. conforms to `directHandle`.
type link struct {
	node     *Node
	conn     *websocket.Conn
	settings *TransportSettings

	peerId Id
	addr   string

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	statusMutex sync.Mutex
	downStatus  StatusCode
}

func newLink(
	ctx context.Context,
	node *Node,
	conn *websocket.Conn,
	peerId Id,
	addr string,
	settings *TransportSettings,
) *link {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &link{
		node:       node,
		conn:       conn,
		settings:   settings,
		peerId:     peerId,
		addr:       addr,
		ctx:        cancelCtx,
		cancel:     cancel,
		send:       make(chan []byte, settings.SendBufferSize),
		downStatus: StatusPeerLost,
	}
}

func (self *link) PeerId() Id {
	return self.peerId
}

func (self *link) Address() string {
	return self.addr
}

// directHandle
func (self *link) Enqueue(frameBytes []byte) bool {
	select {
	case self.send <- frameBytes:
		return true
	case <-self.ctx.Done():
		return false
	default:
		return false
	}
}

// directHandle. disposing the kill-switch cancels pending frames in both
// directions; the read pump then reports the link down.
func (self *link) Kill() {
	self.cancel()
}

func (self *link) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *link) setDownStatus(status StatusCode) {
	self.statusMutex.Lock()
	defer self.statusMutex.Unlock()
	self.downStatus = status
}

func (self *link) getDownStatus() StatusCode {
	self.statusMutex.Lock()
	defer self.statusMutex.Unlock()
	return self.downStatus
}

func (self *link) run() {
	go self.writeLoop()
	self.readLoop()
}

func (self *link) writeLoop() {
	defer func() {
		self.cancel()
		self.conn.Close()
	}()

	pingFrame := EncodeFrame(&NodeMessage{
		Packed: PackedMessage{
			Kind:  MessageKindPing,
			Topic: NewTopic(TopicReserved),
		},
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-self.send:
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[%s]%s-> error = %s\n", logTagTransport, self.peerId, err)
				return
			}
			glog.V(2).Infof("[%s]%s->\n", logTagTransport, self.peerId)
		case <-time.After(self.settings.PingInterval):
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.conn.WriteMessage(websocket.BinaryMessage, pingFrame); err != nil {
				return
			}
		}
	}
}

func (self *link) readLoop() {
	var downErr *Error
	defer func() {
		self.cancel()
		self.conn.Close()
		self.node.linkDown(self.peerId, self.getDownStatus(), downErr)
	}()

	pongFrame := EncodeFrame(&NodeMessage{
		Packed: PackedMessage{
			Kind:  MessageKindPong,
			Topic: NewTopic(TopicReserved),
		},
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[%s]%s<- error = %s\n", logTagTransport, self.peerId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msg, err := DecodeFrame(message)
		if err != nil {
			// a malformed frame disconnects the offending peer
			glog.Infof("[%s]malformed frame %s<- = %s\n", logTagTransport, self.peerId, err)
			downErr = NewError(ErrorPeerInvalid, "malformed frame: %s", err)
			self.setDownStatus(StatusPeerLost)
			return
		}

		switch msg.Packed.Kind {
		case MessageKindPing:
			self.Enqueue(pongFrame)
		case MessageKindPong:
			// keepalive echo, nothing to do
		default:
			event := &evFrame{
				from: self.peerId,
				msg:  msg,
			}
			select {
			case <-self.ctx.Done():
				return
			case self.node.events <- event:
				glog.V(2).Infof("[%s]%s<- %s\n", logTagTransport, self.peerId, msg.Packed.Kind)
			}
		}
	}
}

// -- handshake ----------------------------------------------------------------

type helloInfo struct {
	peerId Id
	clock  LamportTimestamp
	filter Filter
}

func encodeHello(node *Node) []byte {
	filter, version := node.sharedFilter.Read()
	filterList := NewListBuilder()
	for _, t := range filter {
		filterList.Add(String(t.String()))
	}
	hello := NewListBuilder()
	hello.Add(Count(helloMagic))
	hello.Add(Count(VersionMajor))
	hello.Add(Count(VersionMinor))
	hello.Add(Count(VersionPatch))
	hello.Add(Count(VersionProtocol))
	hello.Add(String(string(node.id.Bytes())))
	hello.Add(Count(uint64(version)))
	hello.AddBuilder(filterList)
	return EncodeFrame(&NodeMessage{
		Packed: PackedMessage{
			Kind:    MessageKindRoutingUpdate,
			Topic:   helloTopic(),
			Payload: hello.Build().Bytes(),
		},
	})
}

func decodeHello(node *Node, frameBytes []byte) (*helloInfo, error) {
	msg, err := DecodeFrame(frameBytes)
	if err != nil {
		return nil, NewError(ErrorPeerInvalid, "bad hello frame: %s", err)
	}
	if msg.Packed.Kind != MessageKindRoutingUpdate || msg.Packed.Topic != helloTopic() {
		return nil, NewError(ErrorPeerInvalid, "expected hello, got %s %s", msg.Packed.Kind, msg.Packed.Topic)
	}
	value, err := msg.Packed.Value()
	if err != nil {
		return nil, NewError(ErrorPeerInvalid, "bad hello payload: %s", err)
	}
	if value.Kind() != KindList || value.Len() < 8 {
		return nil, NewError(ErrorPeerInvalid, "short hello")
	}
	items := value.Items()
	if items[0].Count() != helloMagic {
		return nil, NewError(ErrorPeerInvalid, "bad magic")
	}
	if items[4].Count() != VersionProtocol {
		return nil, NewError(ErrorPeerIncompatible,
			"protocol %d != %d", items[4].Count(), VersionProtocol)
	}
	peerId, err := IdFromBytes([]byte(items[5].Str()))
	if err != nil {
		return nil, NewError(ErrorPeerInvalid, "bad peer id")
	}
	if peerId == node.id {
		return nil, NewError(ErrorPeerInvalid, "endpoint id collision")
	}
	filter := Filter{}
	for _, item := range items[7].Items() {
		filter, _ = filter.Extend(NewTopic(item.Str()))
	}
	return &helloInfo{
		peerId: peerId,
		clock:  LamportTimestamp(items[6].Count()),
		filter: filter,
	}, nil
}

// both sides write their hello first, then read the peer's
func exchangeHello(node *Node, conn *websocket.Conn, settings *TransportSettings) (*helloInfo, error) {
	conn.SetWriteDeadline(time.Now().Add(settings.HelloTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeHello(node)); err != nil {
		return nil, NewError(ErrorPeerUnavailable, "hello write: %s", err)
	}
	conn.SetReadDeadline(time.Now().Add(settings.HelloTimeout))
	messageType, message, err := conn.ReadMessage()
	if err != nil {
		return nil, NewError(ErrorPeerUnavailable, "hello read: %s", err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, NewError(ErrorPeerInvalid, "non-binary hello")
	}
	return decodeHello(node, message)
}

func helloErrorStatus(err error) (StatusCode, *Error) {
	weftErr, ok := err.(*Error)
	if !ok {
		weftErr = NewError(ErrorUnspecified, "%s", err)
	}
	switch weftErr.Code {
	case ErrorPeerUnavailable:
		return StatusPeerUnavailable, weftErr
	default:
		return StatusPeerLost, weftErr
	}
}

// -- listener -----------------------------------------------------------------

type Listener struct {
	node     *Node
	settings *TransportSettings

	ctx    context.Context
	cancel context.CancelFunc

	upgrader    websocket.Upgrader
	netListener net.Listener
	server      *http.Server
	port        uint16
}

func NewListener(
	ctx context.Context,
	node *Node,
	address string,
	port uint16,
	tlsConfig *tls.Config,
	settings *TransportSettings,
) (*Listener, error) {
	netListener, err := net.Listen("tcp", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, NewError(ErrorUnspecified, "listen: %s", err)
	}
	if tlsConfig != nil {
		netListener = tls.NewListener(netListener, tlsConfig)
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	listener := &Listener{
		node:     node,
		settings: settings,
		ctx:      cancelCtx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		netListener: netListener,
		port:        uint16(netListener.Addr().(*net.TCPAddr).Port),
	}
	listener.server = &http.Server{
		Handler: listener,
	}
	go func() {
		listener.server.Serve(netListener)
	}()
	go func() {
		<-cancelCtx.Done()
		listener.server.Close()
	}()
	return listener, nil
}

func (self *Listener) Port() uint16 {
	return self.port
}

func (self *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(2).Infof("[%s]upgrade error = %s\n", logTagTransport, err)
		return
	}
	go self.handleInbound(conn, r.RemoteAddr)
}

func (self *Listener) handleInbound(conn *websocket.Conn, addr string) {
	hello, err := exchangeHello(self.node, conn, self.settings)
	if err != nil {
		status, weftErr := helloErrorStatus(err)
		if weftErr.Code == ErrorPeerIncompatible || weftErr.Code == ErrorPeerInvalid {
			self.node.emitEvent(&Event{Status: status, Err: weftErr, Address: addr})
		}
		glog.Infof("[%s]inbound hello failed %s = %s\n", logTagTransport, addr, err)
		conn.Close()
		return
	}
	self.node.peerStatuses.Set(hello.peerId, PeerStatusHandshaking)
	l := newLink(self.ctx, self.node, conn, hello.peerId, addr, self.settings)
	if err := self.node.registerLink(l, hello.clock, hello.filter); err != nil {
		glog.Infof("[%s]inbound register failed %s = %s\n", logTagTransport, hello.peerId, err)
		self.node.peerStatuses.Set(hello.peerId, PeerStatusDisconnected)
		conn.Close()
		return
	}
	l.run()
}

func (self *Listener) Close() {
	self.cancel()
}

// -- outbound peering ---------------------------------------------------------

// One requested outbound relation. Reconnects with exponential backoff
// capped at `retry` for as long as the peering is not canceled; `retry`
// zero means a single attempt.
type peering struct {
	node      *Node
	settings  *TransportSettings
	tlsConfig *tls.Config

	address string
	port    uint16
	retry   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// closed after the first attempt resolves; holds the first error
	firstResult chan error

	mutex       sync.Mutex
	currentLink *link
}

func newPeering(
	ctx context.Context,
	node *Node,
	address string,
	port uint16,
	retry time.Duration,
	tlsConfig *tls.Config,
	settings *TransportSettings,
) *peering {
	cancelCtx, cancel := context.WithCancel(ctx)
	p := &peering{
		node:        node,
		settings:    settings,
		tlsConfig:   tlsConfig,
		address:     address,
		port:        port,
		retry:       retry,
		ctx:         cancelCtx,
		cancel:      cancel,
		firstResult: make(chan error, 1),
	}
	go p.run()
	return p
}

func (self *peering) url() string {
	scheme := "ws"
	if self.tlsConfig != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(self.address, fmt.Sprintf("%d", self.port)))
}

func (self *peering) addr() string {
	return net.JoinHostPort(self.address, fmt.Sprintf("%d", self.port))
}

func (self *peering) resolveFirst(err error) {
	select {
	case self.firstResult <- err:
	default:
	}
}

// blocks until the first connect attempt resolves
func (self *peering) awaitFirst(timeout time.Duration) error {
	select {
	case err := <-self.firstResult:
		return err
	case <-self.ctx.Done():
		return NewError(ErrorShutdownInProgress, "")
	case <-time.After(timeout):
		return NewError(ErrorPeerTimeout, "peering with %s timed out", self.addr())
	}
}

func (self *peering) run() {
	defer self.cancel()

	backoff := self.settings.ReconnectMin
	first := true
	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
			TLSClientConfig:  self.tlsConfig,
		}
		conn, _, err := dialer.DialContext(self.ctx, self.url(), nil)
		if err != nil {
			weftErr := NewError(ErrorPeerUnavailable, "connect %s: %s", self.addr(), err)
			self.node.emitEvent(&Event{
				Status:  StatusPeerUnavailable,
				Address: self.addr(),
				Err:     weftErr,
			})
			if first {
				self.resolveFirst(weftErr)
				first = false
			}
			if self.retry <= 0 {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, self.retry)
			continue
		}

		hello, err := exchangeHello(self.node, conn, self.settings)
		if err != nil {
			conn.Close()
			status, weftErr := helloErrorStatus(err)
			self.node.emitEvent(&Event{Status: status, Err: weftErr, Address: self.addr()})
			if first {
				self.resolveFirst(weftErr)
				first = false
			}
			if weftErr.Code == ErrorPeerIncompatible || weftErr.Code == ErrorPeerInvalid {
				// a protocol mismatch does not heal by retrying
				return
			}
			if self.retry <= 0 {
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, self.retry)
			continue
		}

		self.node.peerStatuses.Set(hello.peerId, PeerStatusHandshaking)
		l := newLink(self.ctx, self.node, conn, hello.peerId, self.addr(), self.settings)
		if err := self.node.registerLink(l, hello.clock, hello.filter); err != nil {
			conn.Close()
			if first {
				self.resolveFirst(err)
				first = false
			}
			self.node.peerStatuses.Set(hello.peerId, PeerStatusDisconnected)
			if self.retry <= 0 {
				return
			}
			// e.g. the previous relation has not fully torn down yet
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, self.retry)
			continue
		}
		self.setCurrentLink(l)
		if first {
			self.resolveFirst(nil)
			first = false
		}
		backoff = self.settings.ReconnectMin

		l.run()
		self.setCurrentLink(nil)

		if self.retry <= 0 {
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, self.retry)
	}
}

func (self *peering) setCurrentLink(l *link) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.currentLink = l
}

// stops reconnecting and drops the current relation
func (self *peering) unpeer() {
	self.mutex.Lock()
	l := self.currentLink
	self.mutex.Unlock()
	if l != nil {
		l.setDownStatus(StatusPeerRemoved)
	}
	self.cancel()
}
