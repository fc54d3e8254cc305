package portforward

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/carrierproto/carrier/internal/fmp"
	"github.com/carrierproto/carrier/internal/stream"
)

func TestRegistryAddRejectsDuplicateAndOversizedNames(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(Backend{Name: "svc", Host: "127.0.0.1", Port: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add(Backend{Name: "svc", Host: "127.0.0.1", Port: 2}); err == nil {
		t.Fatal("expected ALREADY_EXIST for duplicate name")
	}
	longName := make([]byte, MaxServiceNameLen+1)
	for i := range longName {
		longName[i] = 'a'
	}
	if err := r.Add(Backend{Name: string(longName)}); err == nil {
		t.Fatal("expected TOO_LONG for oversized name")
	}
}

// wireStreamPair builds two connected, multiplexing, port-forwarding
// streams whose underlying multiplexers are wired loopback-style, standing
// in for a real ICE-connected session.
func wireStreamPair(t *testing.T) (client, server *stream.Stream) {
	t.Helper()
	var serverMux *fmp.Multiplexer
	clientMux, err := fmp.NewMultiplexer(func(d []byte) error { return serverMux.HandleIncoming(d) }, nil)
	if err != nil {
		t.Fatalf("NewMultiplexer client: %v", err)
	}
	serverMux, err = fmp.NewMultiplexer(func(d []byte) error { return clientMux.HandleIncoming(d) }, nil)
	if err != nil {
		t.Fatalf("NewMultiplexer server: %v", err)
	}

	opts := stream.Options{Reliable: true, Multiplexing: true, PortForwarding: true}
	client, err = stream.New(1, stream.TypeApplication, opts, stream.Callbacks{})
	if err != nil {
		t.Fatalf("New client stream: %v", err)
	}
	server, err = stream.New(1, stream.TypeApplication, opts, stream.Callbacks{})
	if err != nil {
		t.Fatalf("New server stream: %v", err)
	}

	for _, pair := range []struct {
		s   *stream.Stream
		mux *fmp.Multiplexer
	}{{client, clientMux}, {server, serverMux}} {
		pair.s.Init()
		if err := pair.s.MarkTransportReady(); err != nil {
			t.Fatalf("MarkTransportReady: %v", err)
		}
		if err := pair.s.AttachMux(pair.mux); err != nil {
			t.Fatalf("AttachMux: %v", err)
		}
		if err := pair.s.BeginConnecting(); err != nil {
			t.Fatalf("BeginConnecting: %v", err)
		}
		pair.s.MarkConnected()
	}
	return client, server
}

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestOutboundForwardsToInboundBackend(t *testing.T) {
	client, server := wireStreamPair(t)

	echoLn := startEchoServer(t)
	defer echoLn.Close()
	_, echoPort, err := net.SplitHostPort(echoLn.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	portNum, err := strconv.Atoi(echoPort)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	registry := NewRegistry()
	if err := registry.Add(Backend{Name: "echo", Host: "127.0.0.1", Port: portNum}); err != nil {
		t.Fatalf("Add backend: %v", err)
	}
	registry.ServeInbound(server)

	listener, err := OpenOutbound(client, "echo", "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("OpenOutbound: %v", err)
	}
	defer listener.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial local forward: %v", err)
	}
	defer conn.Close()

	want := []byte("hello through the tunnel")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(want))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestOutboundRejectsStreamWithoutPortForwarding(t *testing.T) {
	s, err := stream.New(1, stream.TypeApplication, stream.Options{Reliable: true, Multiplexing: true}, stream.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := OpenOutbound(s, "svc", "127.0.0.1", 0); err == nil {
		t.Fatal("expected WRONG_STATE for a stream without port-forwarding")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

