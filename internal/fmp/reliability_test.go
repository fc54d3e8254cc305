package fmp

import (
	"sync"
	"testing"
	"time"
)

func TestSenderAssignsSequentialSeqToReliableFrames(t *testing.T) {
	var sent []Frame
	var mu sync.Mutex
	s := NewSender(func(f Frame) error {
		mu.Lock()
		sent = append(sent, f)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := s.Send(Frame{Header: Header{Flags: FlagDATA | FlagReliable}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, f := range sent {
		if f.Header.Seq != uint32(i) {
			t.Fatalf("frame %d seq = %d, want %d", i, f.Header.Seq, i)
		}
	}
}

func TestSenderNonReliableFrameUnaffectsWindow(t *testing.T) {
	s := NewSender(func(Frame) error { return nil })
	if err := s.Send(Frame{Header: Header{Flags: FlagACK}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := s.Window(); got != SendWindow {
		t.Fatalf("window = %d, want %d (non-reliable frame must not occupy it)", got, SendWindow)
	}
}

func TestSenderWindowFillsAndRejectsBusy(t *testing.T) {
	s := NewSender(func(Frame) error { return nil })
	for i := 0; i < SendWindow; i++ {
		if err := s.Send(Frame{Header: Header{Flags: FlagDATA | FlagReliable}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if got := s.Window(); got != 0 {
		t.Fatalf("window = %d, want 0", got)
	}
	if err := s.Send(Frame{Header: Header{Flags: FlagDATA | FlagReliable}}); err == nil {
		t.Fatal("expected BUSY once window is full")
	}
}

func TestSenderOnACKRetiresCumulativeAndBitmap(t *testing.T) {
	s := NewSender(func(Frame) error { return nil })
	for i := 0; i < 5; i++ {
		_ = s.Send(Frame{Header: Header{Flags: FlagDATA | FlagReliable}})
	}
	// Cumulative ack retires seq 0,1; bitmap bit 1 (cumulative+1 = seq 3) retires seq 3.
	s.OnACK(2, 1<<1)

	s.mu.Lock()
	_, has0 := s.pending[0]
	_, has1 := s.pending[1]
	_, has2 := s.pending[2]
	_, has3 := s.pending[3]
	_, has4 := s.pending[4]
	s.mu.Unlock()

	if has0 || has1 || has3 {
		t.Fatal("expected seq 0, 1, 3 retired")
	}
	if !has2 || !has4 {
		t.Fatal("expected seq 2, 4 still pending")
	}
}

func TestSenderRetransmitTickResendsDueFrames(t *testing.T) {
	var resends int
	var mu sync.Mutex
	s := NewSender(func(Frame) error {
		mu.Lock()
		resends++
		mu.Unlock()
		return nil
	})
	s.rtt = time.Millisecond

	if err := s.Send(Frame{Header: Header{Flags: FlagDATA | FlagReliable}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// First send already counted.
	time.Sleep(5 * time.Millisecond)
	s.RetransmitTick()

	mu.Lock()
	got := resends
	mu.Unlock()
	if got != 2 {
		t.Fatalf("resends = %d, want 2 (initial send + one retransmit)", got)
	}
}

func TestReceiverNonReliableDeliversImmediately(t *testing.T) {
	var delivered [][]byte
	r := NewReceiver(func(f Frame) { delivered = append(delivered, f.Payload) })
	r.Accept(Frame{Header: Header{}, Payload: []byte("a")})
	r.Accept(Frame{Header: Header{}, Payload: []byte("b")})
	if len(delivered) != 2 {
		t.Fatalf("delivered %d payloads, want 2", len(delivered))
	}
}

func TestReceiverReliableOrdersAndBuffersGaps(t *testing.T) {
	var delivered [][]byte
	r := NewReceiver(func(f Frame) { delivered = append(delivered, f.Payload) })

	// seq 1 arrives before seq 0: buffered, nothing delivered yet.
	cumulative, bitmap := r.Accept(Frame{Header: Header{Flags: FlagReliable, Seq: 1}, Payload: []byte("1")})
	if len(delivered) != 0 {
		t.Fatalf("delivered before seq 0 arrived: %v", delivered)
	}
	if cumulative != 0 || bitmap&(1<<1) == 0 {
		t.Fatalf("cumulative=%d bitmap=%b, want cumulative 0 with bit 1 set", cumulative, bitmap)
	}

	// seq 0 arrives: both 0 and 1 flush in order.
	cumulative, _ = r.Accept(Frame{Header: Header{Flags: FlagReliable, Seq: 0}, Payload: []byte("0")})
	if len(delivered) != 2 || string(delivered[0]) != "0" || string(delivered[1]) != "1" {
		t.Fatalf("delivered = %v, want [0 1] in order", delivered)
	}
	if cumulative != 2 {
		t.Fatalf("cumulative = %d, want 2", cumulative)
	}
}
