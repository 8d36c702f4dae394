package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/weftnet/weft"
)

const Version = "1.0.0"

func main() {
	usage := `Weft demo node.

Usage:
    weft-node pub --topic=<topic> [--listen=<listen>] [--peer=<peer>...] [--ssl] <value>...
    weft-node sub --topic=<topic>... [--listen=<listen>] [--peer=<peer>...] [--ssl]
    weft-node relay --listen=<listen> [--peer=<peer>...] [--ssl]
    weft-node ping --peer=<peer> [--count=<count>] [--ssl]
    weft-node pong --listen=<listen> [--ssl]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --topic=<topic>      Topic to publish or subscribe under.
    --listen=<listen>    Bind address as host:port.
    --peer=<peer>        Peer address as host:port. May repeat.
    --count=<count>      Number of pings to send [default: 10].
    --ssl                Use TLS framing.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-signals
		cancel()
	}()

	options := weft.DefaultOptions()
	if ssl, _ := opts.Bool("--ssl"); !ssl {
		options.DisableSsl = true
	}
	endpoint, err := weft.NewEndpoint(cancelCtx, options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "endpoint: %s\n", err)
		os.Exit(1)
	}
	defer endpoint.Shutdown()
	fmt.Printf("endpoint_id: %s\n", endpoint.Id())

	if listen, ok := opts["--listen"].(string); ok && listen != "" {
		host, port := splitHostPort(listen)
		boundPort, err := endpoint.Listen(host, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "listen: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("listening: %s:%d\n", host, boundPort)
	}

	peers := stringList(opts["--peer"])
	for _, peer := range peers {
		host, port := splitHostPort(peer)
		if !endpoint.Peer(host, port, 5*time.Second) {
			fmt.Fprintf(os.Stderr, "peer %s unavailable, retrying in the background\n", peer)
		}
	}

	switch {
	case command(opts, "pub"):
		pub(cancelCtx, endpoint, opts)
	case command(opts, "sub"):
		sub(cancelCtx, endpoint, opts)
	case command(opts, "relay"):
		<-cancelCtx.Done()
	case command(opts, "ping"):
		ping(cancelCtx, endpoint, opts)
	case command(opts, "pong"):
		pong(cancelCtx, endpoint)
	}
}

func command(opts docopt.Opts, name string) bool {
	active, _ := opts.Bool(name)
	return active
}

// docopt yields a string or a []string depending on repetition
func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case string:
		return []string{x}
	default:
		return nil
	}
}

func splitHostPort(s string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}

func pub(ctx context.Context, endpoint *weft.Endpoint, opts docopt.Opts) {
	topics := stringList(opts["--topic"])
	if len(topics) == 0 {
		return
	}
	topic := weft.NewTopic(topics[0])
	values := stringList(opts["<value>"])
	// let subscriptions settle
	time.Sleep(500 * time.Millisecond)
	for _, raw := range values {
		value := parseValue(raw)
		if err := endpoint.Publish(topic, value); err != nil {
			fmt.Fprintf(os.Stderr, "publish: %s\n", err)
			return
		}
		fmt.Printf("%s %s\n", topic, value)
	}
	time.Sleep(500 * time.Millisecond)
}

// integers and reals publish as typed values, everything else as a string
func parseValue(raw string) weft.Value {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return weft.Integer(n)
	}
	if r, err := strconv.ParseFloat(raw, 64); err == nil {
		return weft.Real(r)
	}
	return weft.String(raw)
}

func sub(ctx context.Context, endpoint *weft.Endpoint, opts docopt.Opts) {
	topics := stringList(opts["--topic"])
	filter := weft.Filter{}
	for _, t := range topics {
		filter, _ = filter.Extend(weft.NewTopic(t))
	}
	subscriber, err := endpoint.MakeSubscriber(filter, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %s\n", err)
		return
	}
	defer subscriber.Close()
	for {
		msg, err := subscriber.Receive(ctx)
		if err != nil {
			return
		}
		value, err := msg.Value()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s <malformed payload>\n", msg.Topic)
			continue
		}
		fmt.Printf("%s %s\n", msg.Topic, value)
	}
}

const pingTopic = "weft/demo/ping"
const pongTopic = "weft/demo/pong"

func ping(ctx context.Context, endpoint *weft.Endpoint, opts docopt.Opts) {
	count, _ := opts.Int("--count")
	subscriber, err := endpoint.MakeSubscriber(weft.NewFilter(weft.NewTopic(pongTopic)), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %s\n", err)
		return
	}
	defer subscriber.Close()
	// let subscriptions settle
	time.Sleep(500 * time.Millisecond)
	for i := 0; i < count; i += 1 {
		start := time.Now()
		if err := endpoint.Publish(weft.NewTopic(pingTopic), weft.Integer(int64(i))); err != nil {
			fmt.Fprintf(os.Stderr, "publish: %s\n", err)
			return
		}
		msg, err := subscriber.ReceiveTimeout(5 * time.Second)
		if err != nil {
			fmt.Printf("ping %d timeout\n", i)
			continue
		}
		value, _ := msg.Value()
		fmt.Printf("ping %s rtt=%s\n", value, time.Since(start))
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
	}
}

func pong(ctx context.Context, endpoint *weft.Endpoint) {
	subscriber, err := endpoint.MakeSubscriber(weft.NewFilter(weft.NewTopic(pingTopic)), 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %s\n", err)
		return
	}
	defer subscriber.Close()
	for {
		msg, err := subscriber.Receive(ctx)
		if err != nil {
			return
		}
		value, err := msg.Value()
		if err != nil {
			continue
		}
		endpoint.Publish(weft.NewTopic(pongTopic), value)
	}
}
