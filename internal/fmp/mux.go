package fmp

import (
	"encoding/binary"
	"sync"

	"github.com/carrierproto/carrier/internal/errs"
)

// streamState is one logical stream's reliability engine, reassembler,
// and channel table, all owned by the Multiplexer's single caller
// goroutine (§5: stream callbacks run on the owning ICE worker thread).
type streamState struct {
	id       byte
	reliable bool

	sender   *Sender
	receiver *Receiver

	reassemblers map[uint16]*Reassembler

	mu            sync.Mutex
	channels      map[uint16]*Channel
	nextChannelID uint16

	onData        func(channelID uint16, data []byte)
	onChannelOpen func(channelID uint16, cookie []byte) bool
	onOpened      func(channelID uint16)
	onClose       func(channelID uint16, reason CloseReason)
}

// Multiplexer is the FMP engine for one session's transport: it frames
// and reassembles one or more logical streams, their channels, and
// port-forwarding payloads over a single datagram send/recv surface
// (§4.5).
type Multiplexer struct {
	send func([]byte) error

	cipher *cipher // nil when the session negotiated the "plain" option

	mu      sync.Mutex
	streams map[byte]*streamState
}

// NewMultiplexer constructs a Multiplexer writing outbound datagrams
// through send. If key is non-nil, payloads (not headers) are encrypted
// with it; pass nil for the "plain" diagnostic option (§4.5).
func NewMultiplexer(send func([]byte) error, key []byte) (*Multiplexer, error) {
	m := &Multiplexer{send: send, streams: make(map[byte]*streamState)}
	if key != nil {
		c, err := newCipher(key)
		if err != nil {
			return nil, err
		}
		m.cipher = c
	}
	return m, nil
}

// RegisterStream adds streamID to the multiplexer. onChannelOpen decides
// whether to accept an incoming channel-open request; returning false
// sends a refusal FIN. onOpened fires once a channel becomes usable, on
// both the accepting side (right after onChannelOpen returns true) and
// the opening side (once the peer's SYN|ACK arrives) — always before any
// onData/onClose for that channel (§8 property 4). onData delivers
// completed payloads for a channel (DefaultChannelID for a
// non-multiplexing stream's direct data).
func (m *Multiplexer) RegisterStream(streamID byte, reliable bool, onData func(uint16, []byte), onChannelOpen func(uint16, []byte) bool, onOpened func(uint16), onClose func(uint16, CloseReason)) {
	st := &streamState{
		id:            streamID,
		reliable:      reliable,
		reassemblers:  make(map[uint16]*Reassembler),
		channels:      make(map[uint16]*Channel),
		nextChannelID: 1,
		onData:        onData,
		onChannelOpen: onChannelOpen,
		onOpened:      onOpened,
		onClose:       onClose,
	}
	st.receiver = NewReceiver(st.deliverOrdered)
	st.sender = NewSender(func(f Frame) error { return m.writeFrame(f) })
	st.channels[DefaultChannelID] = &Channel{ID: DefaultChannelID, StreamID: streamID, state: ChannelOpen}

	m.mu.Lock()
	m.streams[streamID] = st
	m.mu.Unlock()
}

func (m *Multiplexer) writeFrame(f Frame) error {
	wire := f.Marshal()
	if m.cipher != nil && len(f.Payload) > 0 {
		header := f.Header
		header.Flags &^= 0 // header travels in clear; only payload is sealed
		sealed := m.cipher.seal(f.Payload)
		wire = append(header.Marshal(), sealed...)
		binary.BigEndian.PutUint16(wire[8:10], uint16(len(sealed)))
	}
	return m.send(wire)
}

// HandleIncoming decodes one datagram from the transport and dispatches
// it to the owning stream/channel.
func (m *Multiplexer) HandleIncoming(datagram []byte) error {
	f, err := UnmarshalFrame(datagram)
	if err != nil {
		return err
	}
	if m.cipher != nil && len(f.Payload) > 0 {
		plain, err := m.cipher.open(f.Payload)
		if err != nil {
			return err
		}
		f.Payload = plain
	}

	m.mu.Lock()
	st, ok := m.streams[f.Header.StreamID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.FMP, errs.ProtocolError, "fmp.HandleIncoming", nil)
	}

	isSyn := f.Header.Flags&FlagSYN != 0
	isAck := f.Header.Flags&FlagACK != 0
	isFin := f.Header.Flags&FlagFIN != 0

	switch {
	case isSyn && isAck:
		st.handleSynAck(f)
	case isSyn && isFin:
		st.handleSynRefuse(f)
	case isSyn:
		st.handleSyn(f)
	case isFin:
		st.handleFin(f)
	case f.Header.Flags&FlagPEND != 0:
		st.setPending(f.Header.ChannelID, true)
	case f.Header.Flags&FlagRSUM != 0:
		st.setPending(f.Header.ChannelID, false)
	case isAck:
		cumulative := binary.BigEndian.Uint32(f.Payload[0:4])
		bitmap := binary.BigEndian.Uint32(f.Payload[4:8])
		st.sender.OnACK(cumulative, bitmap)
	case f.Header.Flags&FlagDATA != 0:
		st.handleData(f)
	}
	return nil
}

// handleSynAck completes a locally-initiated OpenChannel once the peer
// accepts (§4.5 "3-way handshake (SYN cookie -> on_channel_open -> ACK or
// FIN)").
func (st *streamState) handleSynAck(f Frame) {
	st.mu.Lock()
	ch, ok := st.channels[f.Header.ChannelID]
	opened := ok && ch.state == ChannelOpening
	if opened {
		ch.state = ChannelOpen
	}
	cb := st.onOpened
	st.mu.Unlock()
	if opened && cb != nil {
		cb(f.Header.ChannelID)
	}
}

// handleSynRefuse completes a locally-initiated OpenChannel that the peer
// refused.
func (st *streamState) handleSynRefuse(f Frame) {
	st.mu.Lock()
	_, existed := st.channels[f.Header.ChannelID]
	delete(st.channels, f.Header.ChannelID)
	cb := st.onClose
	st.mu.Unlock()
	if existed && cb != nil {
		cb(f.Header.ChannelID, CloseError)
	}
}

func (st *streamState) handleSyn(f Frame) {
	st.mu.Lock()
	_, exists := st.channels[f.Header.ChannelID]
	st.mu.Unlock()
	if exists {
		return
	}
	accept := true
	if st.onChannelOpen != nil {
		accept = st.onChannelOpen(f.Header.ChannelID, f.Payload)
	}
	st.mu.Lock()
	if accept {
		st.channels[f.Header.ChannelID] = &Channel{
			ID: f.Header.ChannelID, StreamID: st.id, Cookie: f.Payload, state: ChannelOpen,
		}
	}
	onOpened := st.onOpened
	st.mu.Unlock()

	if accept && onOpened != nil {
		onOpened(f.Header.ChannelID)
	}

	reply := Header{StreamID: st.id, ChannelID: f.Header.ChannelID, Flags: FlagSYN | FlagACK}
	if !accept {
		reply.Flags = FlagSYN | FlagFIN
	}
	_ = st.sender.Send(Frame{Header: reply})
}

func (st *streamState) handleFin(f Frame) {
	st.mu.Lock()
	ch, ok := st.channels[f.Header.ChannelID]
	if ok {
		ch.state = ChannelClosed
		delete(st.channels, f.Header.ChannelID)
	}
	cb := st.onClose
	st.mu.Unlock()
	if ok && cb != nil {
		cb(f.Header.ChannelID, CloseNormal)
	}
}

func (st *streamState) setPending(channelID uint16, pending bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.channels[channelID]; ok {
		ch.remotePending = pending
	}
}

// handleData hands an incoming DATA frame to the receiver, which either
// delivers it (or buffers it) in strict sequence order for reliable
// streams, or delivers it immediately for non-reliable ones. Reassembly
// happens downstream in deliverOrdered, never on the raw arrival order, so
// a channel's fragments are reassembled the way they were sent even if the
// underlying datagram path reordered them (§8 property 2/3).
func (st *streamState) handleData(f Frame) {
	if f.Header.Flags&FlagReliable == 0 {
		if st.onData != nil {
			st.onData(f.Header.ChannelID, f.Payload)
		}
		return
	}

	cumulative, bitmap := st.receiver.Accept(f)
	ackPayload := make([]byte, 8)
	binary.BigEndian.PutUint32(ackPayload[0:4], cumulative)
	binary.BigEndian.PutUint32(ackPayload[4:8], bitmap)
	_ = st.sender.Send(Frame{
		Header:  Header{StreamID: st.id, ChannelID: f.Header.ChannelID, Flags: FlagACK},
		Payload: ackPayload,
	})
}

// deliverOrdered is the Receiver's onDeliver callback: it runs once per
// frame, in the order frames were originally sent, and reassembles a
// channel's fragments before handing the completed payload to onData.
func (st *streamState) deliverOrdered(f Frame) {
	ra, ok := st.reassemblers[f.Header.ChannelID]
	if !ok {
		ra = &Reassembler{}
		st.reassemblers[f.Header.ChannelID] = ra
	}
	complete, done := ra.Add(f)
	if !done {
		return
	}
	if st.onData != nil {
		st.onData(f.Header.ChannelID, complete)
	}
}

// OpenChannel begins the 3-way channel-open handshake: send SYN with
// cookie, await the peer's SYN|ACK (accept) or SYN|FIN (refuse). Only
// valid on a stream that negotiated multiplexing (enforced by the
// session/stream layer, not here).
func (m *Multiplexer) OpenChannel(streamID byte, cookie []byte) (uint16, error) {
	if err := validateCookie(cookie); err != nil {
		return 0, err
	}
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.FMP, errs.NotExist, "fmp.OpenChannel", nil)
	}

	st.mu.Lock()
	id := st.nextChannelID
	st.nextChannelID++
	st.channels[id] = &Channel{ID: id, StreamID: streamID, Cookie: cookie, state: ChannelOpening}
	st.mu.Unlock()

	err := st.sender.Send(Frame{
		Header:  Header{StreamID: streamID, ChannelID: id, Flags: FlagSYN},
		Payload: cookie,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// WriteChannel sends data on channelID, fragmenting as needed for
// reliable streams. Returns BUSY if the stream's send window is full, and
// TOO_LONG for a non-reliable write larger than MaxPayload.
func (m *Multiplexer) WriteChannel(streamID byte, channelID uint16, data []byte) (int, error) {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return 0, errs.New(errs.FMP, errs.NotExist, "fmp.WriteChannel", nil)
	}

	st.mu.Lock()
	ch, ok := st.channels[channelID]
	st.mu.Unlock()
	if !ok || !ch.CanWrite() {
		return 0, errs.New(errs.FMP, errs.WrongState, "fmp.WriteChannel", nil)
	}

	base := Header{StreamID: streamID, ChannelID: channelID, Flags: FlagDATA}
	if st.reliable {
		base.Flags |= FlagReliable
	}

	if st.sender.Window() <= 0 && st.reliable {
		return 0, errs.New(errs.FMP, errs.Busy, "fmp.WriteChannel", nil)
	}
	if !st.reliable && len(data) > MaxPayload {
		return 0, errs.New(errs.FMP, errs.TooLong, "fmp.WriteChannel", nil)
	}

	frames := Fragment(base, data, 0)
	for _, f := range frames {
		if err := st.sender.Send(f); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// CloseChannel sends a FIN for channelID and marks it closed locally.
func (m *Multiplexer) CloseChannel(streamID byte, channelID uint16) error {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.FMP, errs.NotExist, "fmp.CloseChannel", nil)
	}
	st.mu.Lock()
	delete(st.channels, channelID)
	st.mu.Unlock()
	return st.sender.Send(Frame{Header: Header{StreamID: streamID, ChannelID: channelID, Flags: FlagFIN}})
}

// Pend signals the peer to stop sending on channelID; Resume clears it.
// Both are per-direction control frames that do not occupy a sequence
// number (§4.5 Channels).
func (m *Multiplexer) Pend(streamID byte, channelID uint16) error {
	return m.sendControl(streamID, channelID, FlagPEND)
}

func (m *Multiplexer) Resume(streamID byte, channelID uint16) error {
	return m.sendControl(streamID, channelID, FlagRSUM)
}

func (m *Multiplexer) sendControl(streamID byte, channelID uint16, flag byte) error {
	m.mu.Lock()
	st, ok := m.streams[streamID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.FMP, errs.NotExist, "fmp.sendControl", nil)
	}
	st.mu.Lock()
	if ch, ok := st.channels[channelID]; ok {
		ch.localPending = flag == FlagPEND
	}
	st.mu.Unlock()
	return st.sender.Send(Frame{Header: Header{StreamID: streamID, ChannelID: channelID, Flags: flag}})
}

// Tick drives retransmit timers for every registered stream's sender;
// callers invoke this periodically (e.g. every MinRTT) from the session's
// single-writer goroutine.
func (m *Multiplexer) Tick() {
	m.mu.Lock()
	streams := make([]*streamState, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.Unlock()
	for _, st := range streams {
		st.sender.RetransmitTick()
	}
}
