package stream

import (
	"testing"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/fmp"
)

func TestOptionsValidate(t *testing.T) {
	if err := (Options{PortForwarding: true}).Validate(); err == nil {
		t.Fatal("expected error for port-forwarding without multiplexing")
	}
	if err := (Options{PortForwarding: true, Multiplexing: true}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRejectsUnimplementableType(t *testing.T) {
	if _, err := New(1, TypeAudio, Options{}, Callbacks{}); err == nil {
		t.Fatal("expected error for audio stream type")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	var states []State
	s, err := New(1, TypeText, Options{Reliable: true}, Callbacks{
		OnStateChanged: func(st State) { states = append(states, st) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Init()
	if s.State() != StateInitialized {
		t.Fatalf("state = %v, want initialized", s.State())
	}

	if err := s.MarkTransportReady(); err != nil {
		t.Fatalf("MarkTransportReady: %v", err)
	}
	if err := s.BeginConnecting(); err != nil {
		t.Fatalf("BeginConnecting: %v", err)
	}
	s.MarkConnected()
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}

	want := []State{StateInitialized, StateTransportReady, StateConnecting, StateConnected, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestBeginConnectingWrongState(t *testing.T) {
	s, err := New(1, TypeText, Options{}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.BeginConnecting(); err == nil {
		t.Fatal("expected WRONG_STATE before transport-ready")
	}
}

func TestWriteRejectsZeroBytePayload(t *testing.T) {
	s, err := New(1, TypeText, Options{Reliable: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Write(nil); err == nil {
		t.Fatal("expected INVALID_ARGS for zero-byte write")
	} else if e, ok := err.(*errs.Error); !ok || e.Kind != errs.InvalidArgs {
		t.Fatalf("err = %v, want INVALID_ARGS", err)
	}
}

func TestOpenChannelRequiresMultiplexing(t *testing.T) {
	s, err := New(1, TypeText, Options{Reliable: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.OpenChannel(nil); err == nil {
		t.Fatal("expected WRONG_STATE for non-multiplexing stream")
	}
}

func TestFailIsIdempotentAndReleasesRoutes(t *testing.T) {
	closed := 0
	s, err := New(1, TypeApplication, Options{Reliable: true, Multiplexing: true}, Callbacks{
		OnStateChanged: func(State) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Init()
	s.RegisterChannelRoute(5, nil, func(fmp.CloseReason) { closed++ })

	s.Fail(errs.New(errs.ICE, errs.ICEFailed, "test", nil))
	s.Fail(errs.New(errs.ICE, errs.ICEFailed, "test", nil))

	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}
	if closed != 0 {
		t.Fatalf("onClose invoked %d times, want 0 (routes are dropped, not fired)", closed)
	}
}

// wireLoopback connects two multiplexers' datagram surfaces directly,
// bypassing ICE, for exercising AttachMux against a real Multiplexer pair.
func wireLoopback(t *testing.T) (a, b *fmp.Multiplexer) {
	t.Helper()
	var bMux *fmp.Multiplexer
	aMux, err := fmp.NewMultiplexer(func(d []byte) error { return bMux.HandleIncoming(d) }, nil)
	if err != nil {
		t.Fatalf("NewMultiplexer a: %v", err)
	}
	bMux, err = fmp.NewMultiplexer(func(d []byte) error { return aMux.HandleIncoming(d) }, nil)
	if err != nil {
		t.Fatalf("NewMultiplexer b: %v", err)
	}
	return aMux, bMux
}

func TestAttachMuxDeliversDefaultChannelData(t *testing.T) {
	aMux, bMux := wireLoopback(t)

	received := make(chan []byte, 1)
	a, err := New(3, TypeText, Options{Reliable: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	a.Init()
	if err := a.MarkTransportReady(); err != nil {
		t.Fatalf("MarkTransportReady a: %v", err)
	}
	if err := a.AttachMux(aMux); err != nil {
		t.Fatalf("AttachMux a: %v", err)
	}
	if err := a.BeginConnecting(); err != nil {
		t.Fatalf("BeginConnecting a: %v", err)
	}
	a.MarkConnected()

	b, err := New(3, TypeText, Options{Reliable: true}, Callbacks{
		OnData: func(data []byte) { received <- data },
	})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	b.Init()
	if err := b.MarkTransportReady(); err != nil {
		t.Fatalf("MarkTransportReady b: %v", err)
	}
	if err := b.AttachMux(bMux); err != nil {
		t.Fatalf("AttachMux b: %v", err)
	}
	if err := b.BeginConnecting(); err != nil {
		t.Fatalf("BeginConnecting b: %v", err)
	}
	b.MarkConnected()

	if _, err := a.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Fatalf("received %q, want hello", data)
		}
	default:
		t.Fatal("expected synchronous in-process delivery")
	}
}
