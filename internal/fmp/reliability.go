package fmp

import (
	"sync"
	"time"

	"github.com/carrierproto/carrier/internal/errs"
)

// RTT bounds from §4.4/§4.5: initial estimate, minimum, and maximum
// retransmit timer values.
const (
	InitialRTT = 500 * time.Millisecond
	MinRTT     = 100 * time.Millisecond
	MaxRTT     = 5 * time.Second

	// SendWindow is the minimum number of in-flight unacknowledged packets
	// a reliable stream sender must support (§4.5).
	SendWindow = 32
)

// pendingFrame is one unacknowledged outbound frame under selective-repeat.
type pendingFrame struct {
	frame   Frame
	sentAt  time.Time
	retries int
}

// Sender implements selective-repeat reliability for one reliable stream:
// it tracks in-flight frames, retransmits on timeout using a smoothed RTT
// estimate, and applies cumulative-plus-bitmap ACKs (§4.5 Reliability).
type Sender struct {
	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32]*pendingFrame
	rtt     time.Duration
	send    func(Frame) error
}

// NewSender returns a Sender that writes ready-to-transmit frames through
// send (typically the session's ICE transport, possibly encrypting
// payloads first).
func NewSender(send func(Frame) error) *Sender {
	return &Sender{
		pending: make(map[uint32]*pendingFrame),
		rtt:     InitialRTT,
		send:    send,
	}
}

// Window reports how many frames may still be sent before the window
// fills; callers should surface BUSY once this reaches zero (§4.3 write).
func (s *Sender) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := SendWindow - len(s.pending)
	if n < 0 {
		n = 0
	}
	return n
}

// Send transmits frame, assigning it the next sequence number if it
// carries FlagReliable, and tracks it for retransmission.
func (s *Sender) Send(frame Frame) error {
	s.mu.Lock()
	reliable := frame.Header.Flags&FlagReliable != 0
	if reliable {
		if len(s.pending) >= SendWindow {
			s.mu.Unlock()
			return errs.New(errs.FMP, errs.Busy, "fmp.Sender.Send", nil)
		}
		frame.Header.Seq = s.nextSeq
		s.nextSeq++
		s.pending[frame.Header.Seq] = &pendingFrame{frame: frame, sentAt: time.Now()}
	}
	s.mu.Unlock()

	return s.send(frame)
}

// OnACK processes a cumulative ack (every seq < cumulative is retired)
// plus a selective bitmap of additionally-acked seqs starting at
// cumulative.
func (s *Sender) OnACK(cumulative uint32, bitmap uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for seq, pf := range s.pending {
		if seq < cumulative {
			s.updateRTT(pf.sentAt)
			delete(s.pending, seq)
		}
	}
	for i := 0; i < 32; i++ {
		if bitmap&(1<<uint(i)) == 0 {
			continue
		}
		seq := cumulative + uint32(i)
		if pf, ok := s.pending[seq]; ok {
			s.updateRTT(pf.sentAt)
			delete(s.pending, seq)
		}
	}
}

func (s *Sender) updateRTT(sentAt time.Time) {
	sample := time.Since(sentAt)
	// Exponential moving average, 1/8 weight on the new sample — the
	// classic smoothed-RTT update, clamped to the configured bounds.
	s.rtt = s.rtt + (sample-s.rtt)/8
	if s.rtt < MinRTT {
		s.rtt = MinRTT
	}
	if s.rtt > MaxRTT {
		s.rtt = MaxRTT
	}
}

// RetransmitTick re-sends any pending frame whose retransmit timer has
// expired. Callers run this periodically (e.g. every MinRTT) from the
// owning stream's single-writer goroutine.
func (s *Sender) RetransmitTick() {
	s.mu.Lock()
	timeout := s.rtt
	var due []*pendingFrame
	now := time.Now()
	for _, pf := range s.pending {
		if now.Sub(pf.sentAt) >= timeout {
			due = append(due, pf)
		}
	}
	s.mu.Unlock()

	for _, pf := range due {
		s.mu.Lock()
		pf.sentAt = time.Now()
		pf.retries++
		s.mu.Unlock()
		_ = s.send(pf.frame)
	}
}

// Receiver reorders incoming reliable-stream frames and hands completed,
// in-order payloads to onDeliver. Non-reliable frames bypass ordering
// entirely and are delivered as soon as they arrive, one message per
// received datagram (§4.5 Ordering).
type Receiver struct {
	mu        sync.Mutex
	nextSeq   uint32
	buffered  map[uint32]Frame
	onDeliver func(Frame)
}

// NewReceiver returns a Receiver that hands each frame to onDeliver once it
// is safe to deliver: immediately for non-reliable frames, or in strict
// sequence order for reliable ones. onDeliver receives the whole frame (not
// just its payload) so a per-channel caller can demux and reassemble
// fragments in the order they were actually sent, not the order they
// happened to arrive in over an unreliable datagram path.
func NewReceiver(onDeliver func(Frame)) *Receiver {
	return &Receiver{buffered: make(map[uint32]Frame), onDeliver: onDeliver}
}

// Accept ingests a frame and returns the cumulative-ack sequence and a
// 32-bit selective bitmap describing frames received above it, for the
// caller to send back as an ACK.
func (r *Receiver) Accept(f Frame) (cumulative uint32, bitmap uint32) {
	if f.Header.Flags&FlagReliable == 0 {
		if r.onDeliver != nil {
			r.onDeliver(f)
		}
		return 0, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Header.Seq >= r.nextSeq {
		r.buffered[f.Header.Seq] = f
	}

	for {
		fr, ok := r.buffered[r.nextSeq]
		if !ok {
			break
		}
		delete(r.buffered, r.nextSeq)
		r.nextSeq++
		if r.onDeliver != nil {
			r.onDeliver(fr)
		}
	}

	var bm uint32
	for i := 0; i < 32; i++ {
		if _, ok := r.buffered[r.nextSeq+uint32(i)]; ok {
			bm |= 1 << uint(i)
		}
	}
	return r.nextSeq, bm
}
