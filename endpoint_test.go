package weft

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	options := DefaultOptions()
	options.DisableSsl = true
	options.AwaitPeerTimeout = 5 * time.Second
	endpoint, err := NewEndpoint(context.Background(), options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(endpoint.Shutdown)
	return endpoint
}

func listenLocal(t *testing.T, endpoint *Endpoint) uint16 {
	t.Helper()
	port, err := endpoint.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// waits until some peer's subscription covering the topic is visible at `local`
func awaitSubscription(t *testing.T, local *Endpoint, topic Topic) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool {
		for _, sub := range local.PeerSubscriptions() {
			if sub.PrefixOf(topic) || sub == topic {
				return true
			}
		}
		return false
	})
}

func TestPublishSubscribe(t *testing.T) {
	// two endpoints a, b. a peers with b, subscribes to t/, b publishes
	a := testEndpoint(t)
	b := testEndpoint(t)
	bPort := listenLocal(t, b)

	assert.Equal(t, true, a.Peer("127.0.0.1", bPort, 0))

	sub, err := a.MakeSubscriber(NewFilter(NewTopic("t")), 0)
	assert.Equal(t, nil, err)

	awaitSubscription(t, b, NewTopic("t/x"))
	assert.Equal(t, nil, b.Publish(NewTopic("t/x"), Integer(42)))

	msg, err := sub.ReceiveTimeout(time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "t/x", msg.Topic.String())
	assert.Equal(t, int64(42), msg.RequireValue().Integer())

	// exactly one delivery
	_, ok := sub.Poll()
	assert.Equal(t, false, ok)

	// both endpoints see each other
	waitFor(t, time.Second, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	})
	assert.Equal(t, b.Id(), a.Peers()[0].PeerId)
	assert.Equal(t, true, a.Peers()[0].Direct)
	assert.Equal(t, PeerStatusUp, a.Peers()[0].Status)
}

func TestRelayChain(t *testing.T) {
	// chain a - b - c where b peers with both ends. a subscribes, c
	// publishes; b relays without delivering locally.
	a := testEndpoint(t)
	b := testEndpoint(t)
	c := testEndpoint(t)
	aPort := listenLocal(t, a)
	cPort := listenLocal(t, c)

	assert.Equal(t, true, b.Peer("127.0.0.1", aPort, 0))
	assert.Equal(t, true, b.Peer("127.0.0.1", cPort, 0))

	aSub, err := a.MakeSubscriber(NewFilter(NewTopic("p")), 0)
	assert.Equal(t, nil, err)
	bSub, err := b.MakeSubscriber(NewFilter(NewTopic("unrelated")), 0)
	assert.Equal(t, nil, err)

	// c learns about a's subscription through b
	awaitSubscription(t, c, NewTopic("p/q"))
	waitFor(t, 5*time.Second, func() bool {
		return c.AwaitPeer(a.Id(), 100*time.Millisecond)
	})

	assert.Equal(t, nil, c.Publish(NewTopic("p/q"), String("hi")))

	msg, err := aSub.ReceiveTimeout(time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "p/q", msg.Topic.String())
	assert.Equal(t, "hi", msg.RequireValue().Str())

	// b does not deliver locally
	_, ok := bSub.Poll()
	assert.Equal(t, false, ok)

	// c sees a at distance 2
	waitFor(t, time.Second, func() bool {
		for _, info := range c.Peers() {
			if info.PeerId == a.Id() {
				return !info.Direct && info.Distance == 2
			}
		}
		return false
	})
}

func TestTargetedPublish(t *testing.T) {
	a := testEndpoint(t)
	b := testEndpoint(t)
	bPort := listenLocal(t, b)
	assert.Equal(t, true, a.Peer("127.0.0.1", bPort, 0))

	// the subscriber on b receives a targeted publish even though a second
	// subscriber with the same filter sits on a
	bSub, err := b.MakeSubscriber(NewFilter(NewTopic("d")), 0)
	assert.Equal(t, nil, err)
	aSub, err := a.MakeSubscriber(NewFilter(NewTopic("d")), 0)
	assert.Equal(t, nil, err)

	awaitSubscription(t, a, NewTopic("d/x"))
	assert.Equal(t, nil, a.PublishTo(b.Id(), NewTopic("d/x"), Count(9)))

	msg, err := bSub.ReceiveTimeout(time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(9), msg.RequireValue().Count())
	_, ok := aSub.Poll()
	assert.Equal(t, false, ok)
}

func TestRingRevocation(t *testing.T) {
	// ring a - b - c - a. breaking a-b leaves everyone reachable via c.
	a := testEndpoint(t)
	b := testEndpoint(t)
	c := testEndpoint(t)
	aPort := listenLocal(t, a)
	bPort := listenLocal(t, b)
	cPort := listenLocal(t, c)

	assert.Equal(t, true, a.Peer("127.0.0.1", bPort, 0))
	assert.Equal(t, true, b.Peer("127.0.0.1", cPort, 0))
	assert.Equal(t, true, c.Peer("127.0.0.1", aPort, 0))

	// everyone sees everyone
	waitFor(t, 5*time.Second, func() bool {
		return len(a.Peers()) == 2 && len(b.Peers()) == 2 && len(c.Peers()) == 2
	})

	// break a-b
	assert.Equal(t, true, a.Unpeer("127.0.0.1", bPort))

	// tables converge: a and b stay mutually reachable, through c only
	waitFor(t, 5*time.Second, func() bool {
		var aToB, bToA *PeerInfo
		for _, info := range a.Peers() {
			if info.PeerId == b.Id() {
				i := info
				aToB = &i
			}
		}
		for _, info := range b.Peers() {
			if info.PeerId == a.Id() {
				i := info
				bToA = &i
			}
		}
		return aToB != nil && !aToB.Direct && aToB.Distance == 2 &&
			bToA != nil && !bToA.Direct && bToA.Distance == 2
	})

	// traffic still flows over the healed route
	sub, err := a.MakeSubscriber(NewFilter(NewTopic("ring")), 0)
	assert.Equal(t, nil, err)
	awaitSubscription(t, b, NewTopic("ring/x"))
	assert.Equal(t, nil, b.Publish(NewTopic("ring/x"), String("via-c")))
	msg, err := sub.ReceiveTimeout(2 * time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "via-c", msg.RequireValue().Str())
}

func TestEventStream(t *testing.T) {
	a := testEndpoint(t)
	b := testEndpoint(t)
	bPort := listenLocal(t, b)

	events := a.MakeEventSubscriber(true)
	assert.Equal(t, true, a.Peer("127.0.0.1", bPort, 0))

	// discovery and peering surface on the event stream
	seen := map[StatusCode]bool{}
	waitFor(t, 5*time.Second, func() bool {
		for {
			event, ok := events.Poll()
			if !ok {
				break
			}
			if !event.IsError() {
				seen[event.Status] = true
			}
		}
		return seen[StatusEndpointDiscovered] && seen[StatusPeerAdded]
	})

	// connecting to a dead port surfaces peer-unavailable
	errors := a.MakeEventSubscriber(false)
	assert.Equal(t, false, a.Peer("127.0.0.1", 1, 0))
	waitFor(t, 5*time.Second, func() bool {
		event, ok := errors.Poll()
		return ok && IsError(event.Err, ErrorPeerUnavailable)
	})
}

func TestShutdownIdempotent(t *testing.T) {
	a := testEndpoint(t)
	a.Shutdown()
	a.Shutdown()

	// api calls short-circuit after shutdown
	err := a.Publish(NewTopic("t"), Count(1))
	assert.Equal(t, true, IsError(err, ErrorShutdownInProgress))
	_, err = a.MakeSubscriber(NewFilter(NewTopic("t")), 0)
	assert.Equal(t, true, IsError(err, ErrorShutdownInProgress))
	_, err = a.Listen("127.0.0.1", 0)
	assert.Equal(t, true, IsError(err, ErrorShutdownInProgress))
}
