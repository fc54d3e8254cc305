// Package stream implements the per-stream state machine (§4.3): the
// raw → initialized → transport-ready → connecting → connected lifecycle
// with its deactivated/closed/failed terminal branches, plus the public
// write/channel/port-forwarding operations layered over an
// internal/fmp.Multiplexer.
//
// Grounded on the teacher's internal/call/session.go: one mutex-guarded
// state struct per peer-relationship, state transitions funneled through
// a single set of methods, and terminal cleanup (cleanup/Hangup)
// idempotent under a sync.Once-style guard.
package stream

import (
	"sync"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/fmp"
)

// Type is a stream's payload kind (§3 Stream). Audio and video are
// reserved but not implementable (§1 Non-goals).
type Type int

const (
	TypeText Type = iota
	TypeApplication
	TypeMessage
	TypeAudio
	TypeVideo
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeApplication:
		return "application"
	case TypeMessage:
		return "message"
	case TypeAudio:
		return "audio"
	case TypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Implementable reports whether t can actually be negotiated by this core
// (§1: "only the first three are implementable").
func (t Type) Implementable() bool {
	return t == TypeText || t == TypeApplication || t == TypeMessage
}

// Options is the stream option bitset (§3). PortForwarding implies
// Multiplexing; Validate enforces that invariant.
type Options struct {
	Reliable       bool
	Plain          bool
	Multiplexing   bool
	PortForwarding bool
}

// Validate checks the §3 invariant "port-forwarding implies multiplexing".
func (o Options) Validate() error {
	if o.PortForwarding && !o.Multiplexing {
		return errs.New(errs.General, errs.InvalidArgs, "stream.Options.Validate", nil)
	}
	return nil
}

// State is a position in the §4.3 finite state machine.
type State int

const (
	StateRaw State = iota
	StateInitialized
	StateTransportReady
	StateConnecting
	StateConnected
	StateDeactivated
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRaw:
		return "raw"
	case StateInitialized:
		return "initialized"
	case StateTransportReady:
		return "transport-ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDeactivated:
		return "deactivated"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the FSM's terminal states.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Callbacks are the upward notifications a stream delivers to its owner
// (§4.3, §8 property 4). All are invoked from the session's single ICE
// worker goroutine (§5) and must not block.
type Callbacks struct {
	OnStateChanged  func(State)
	OnData          func(data []byte)
	OnChannelOpen   func(channelID uint16, cookie []byte) bool
	OnChannelOpened func(channelID uint16)
	OnChannelData   func(channelID uint16, data []byte)
	OnChannelClose  func(channelID uint16, reason fmp.CloseReason)
}

// channelRoute overrides the stream-wide Callbacks for one specific
// channel — used by internal/portforward to splice a channel's bytes
// into a TCP pipe instead of surfacing them to the application.
type channelRoute struct {
	onData  func([]byte)
	onClose func(fmp.CloseReason)
}

// Stream is one session's logical stream: its FSM, options, and the
// multiplexer operations scoped to its stream id (§3 Stream, §4.3).
type Stream struct {
	ID      byte
	Type    Type
	Options Options

	mu         sync.Mutex
	state      State
	cb         Callbacks
	mux        *fmp.Multiplexer
	routes     map[uint16]*channelRoute
	closeOnce  sync.Once
	failReason error
}

// New constructs a stream in state raw. Callers must call Init to move it
// to initialized, matching §4.3's "raw → initialized: ... Emitted
// synchronously on add_stream".
func New(id byte, typ Type, opts Options, cb Callbacks) (*Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !typ.Implementable() {
		return nil, errs.New(errs.General, errs.InvalidArgs, "stream.New", nil)
	}
	return &Stream{
		ID:      id,
		Type:    typ,
		Options: opts,
		state:   StateRaw,
		cb:      cb,
		routes:  make(map[uint16]*channelRoute),
	}, nil
}

// Init transitions raw → initialized, called by the owning session from
// add_stream.
func (s *Stream) Init() {
	s.setState(StateInitialized)
}

// State reports the stream's current FSM position.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkTransportReady transitions initialized → transport-ready once the
// session's local ICE credentials and candidates have been gathered —
// enough to build the local SDP, even before the multiplexer (which
// needs the peer's credentials too) exists (§4.3).
func (s *Stream) MarkTransportReady() error {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "stream.MarkTransportReady", nil)
	}
	s.mu.Unlock()
	s.setState(StateTransportReady)
	return nil
}

// AttachMux binds mux as the stream's multiplexer, registering its
// stream id for frame dispatch. Called once the session has derived its
// shared multiplexer from both sides' SDPs (session_start, §4.2).
func (s *Stream) AttachMux(mux *fmp.Multiplexer) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "stream.AttachMux", nil)
	}
	s.mux = mux
	s.mu.Unlock()

	mux.RegisterStream(s.ID, s.Options.Reliable, s.dispatchData, s.dispatchChannelOpen, s.dispatchChannelOpened, s.dispatchChannelClose)
	return nil
}

// BeginConnecting transitions transport-ready → connecting, called once
// session_start arms the ICE connectivity checks (§4.3).
func (s *Stream) BeginConnecting() error {
	s.mu.Lock()
	if s.state != StateTransportReady {
		s.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "stream.BeginConnecting", nil)
	}
	s.mu.Unlock()
	s.setState(StateConnecting)
	return nil
}

// MarkConnected transitions connecting → connected once ICE nominates a
// candidate pair (and, for multiplexing streams, the FMP side of the
// handshake is simply "ready to open channels" — there is no separate
// FMP-level handshake distinct from the nominated datagram path, §4.5).
func (s *Stream) MarkConnected() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateConnected)
}

// Deactivate transitions connected → deactivated (reserved: both peers
// pause, no bytes flow, the pair stays alive, §4.3).
func (s *Stream) Deactivate() error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "stream.Deactivate", nil)
	}
	s.mu.Unlock()
	s.setState(StateDeactivated)
	return nil
}

// Fail transitions any non-terminal state to failed, releasing
// outstanding channel callbacks before returning (§4.3, §7 "releases
// before the callback returns").
func (s *Stream) Fail(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.failReason = reason
		s.routes = nil
		s.mu.Unlock()
		s.setState(StateFailed)
	})
}

// Close transitions any non-terminal state to closed, idempotent (§4.3,
// §5 "session_close is... idempotent").
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.routes = nil
		s.mu.Unlock()
		s.setState(StateClosed)
	})
}

func (s *Stream) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	cb := s.cb.OnStateChanged
	s.mu.Unlock()
	if cb != nil {
		cb(next)
	}
}

// Write sends data on the stream's default (non-multiplexed) channel.
// Returns INVALID_ARGS for a zero-byte payload, WRONG_STATE unless
// connected, and BUSY (non-fatal, retryable) if the send window is full
// (§4.3 write).
func (s *Stream) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errs.New(errs.General, errs.InvalidArgs, "stream.Write", nil)
	}
	mux, err := s.armedMux()
	if err != nil {
		return 0, err
	}
	return mux.WriteChannel(s.ID, fmp.DefaultChannelID, data)
}

// OpenChannel begins a channel-open handshake on a multiplexing stream
// (§4.3 open_channel). cookie is opaque application data, bounded to 256
// bytes by the multiplexer (§8 boundary behavior, TOO_LONG).
func (s *Stream) OpenChannel(cookie []byte) (uint16, error) {
	if !s.Options.Multiplexing {
		return 0, errs.New(errs.General, errs.WrongState, "stream.OpenChannel", nil)
	}
	mux, err := s.armedMux()
	if err != nil {
		return 0, err
	}
	return mux.OpenChannel(s.ID, cookie)
}

// WriteChannel sends data on an already-open channel of a multiplexing
// stream.
func (s *Stream) WriteChannel(channelID uint16, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, errs.New(errs.General, errs.InvalidArgs, "stream.WriteChannel", nil)
	}
	mux, err := s.armedMux()
	if err != nil {
		return 0, err
	}
	return mux.WriteChannel(s.ID, channelID, data)
}

// CloseChannel closes one channel without affecting the rest of the
// stream.
func (s *Stream) CloseChannel(channelID uint16) error {
	mux, err := s.armedMux()
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.routes, channelID)
	s.mu.Unlock()
	return mux.CloseChannel(s.ID, channelID)
}

// Pend signals the peer to stop sending on channelID; Resume clears it
// (§4.3 flow control, per-direction).
func (s *Stream) Pend(channelID uint16) error {
	mux, err := s.armedMux()
	if err != nil {
		return err
	}
	return mux.Pend(s.ID, channelID)
}

func (s *Stream) Resume(channelID uint16) error {
	mux, err := s.armedMux()
	if err != nil {
		return err
	}
	return mux.Resume(s.ID, channelID)
}

// RegisterChannelRoute overrides the stream-wide Callbacks for channelID:
// onData/onClose fire instead of Callbacks.OnChannelData/OnChannelClose.
// internal/portforward uses this to splice a channel directly into a TCP
// connection without the application seeing raw channel bytes. Callers
// must register immediately after OpenChannel/accepting an inbound open,
// before any data can arrive — safe because this core's ICE worker
// processes one datagram at a time (§5 ordering guarantees).
func (s *Stream) RegisterChannelRoute(channelID uint16, onData func([]byte), onClose func(fmp.CloseReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes == nil {
		return
	}
	s.routes[channelID] = &channelRoute{onData: onData, onClose: onClose}
}

// SetChannelOpenPolicy overrides Callbacks.OnChannelOpen. Used by
// internal/portforward to install its registry-backed accept/refuse
// decision on a port-forwarding stream before the session starts.
func (s *Stream) SetChannelOpenPolicy(policy func(channelID uint16, cookie []byte) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb.OnChannelOpen = policy
}

// armedMux returns the stream's multiplexer if the stream is connected
// (§4.3 write: "returns WRONG_STATE if not connected" — the same
// precondition gates OpenChannel/WriteChannel/Pend/Resume/CloseChannel,
// none of which are meaningful before a candidate pair is nominated).
func (s *Stream) armedMux() (*fmp.Multiplexer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, errs.New(errs.General, errs.WrongState, "stream.armedMux", nil)
	}
	if s.mux == nil {
		return nil, errs.New(errs.General, errs.WrongState, "stream.armedMux", nil)
	}
	return s.mux, nil
}

func (s *Stream) dispatchData(channelID uint16, data []byte) {
	s.mu.Lock()
	route := s.routes[channelID]
	generic := s.cb.OnData
	onChan := s.cb.OnChannelData
	s.mu.Unlock()

	if route != nil && route.onData != nil {
		route.onData(data)
		return
	}
	if channelID == fmp.DefaultChannelID {
		if generic != nil {
			generic(data)
		}
		return
	}
	if onChan != nil {
		onChan(channelID, data)
	}
}

func (s *Stream) dispatchChannelOpen(channelID uint16, cookie []byte) bool {
	s.mu.Lock()
	cb := s.cb.OnChannelOpen
	s.mu.Unlock()
	if cb == nil {
		return true
	}
	return cb(channelID, cookie)
}

func (s *Stream) dispatchChannelOpened(channelID uint16) {
	s.mu.Lock()
	cb := s.cb.OnChannelOpened
	s.mu.Unlock()
	if cb != nil {
		cb(channelID)
	}
}

func (s *Stream) dispatchChannelClose(channelID uint16, reason fmp.CloseReason) {
	s.mu.Lock()
	route := s.routes[channelID]
	delete(s.routes, channelID)
	cb := s.cb.OnChannelClose
	s.mu.Unlock()

	if route != nil && route.onClose != nil {
		route.onClose(reason)
		return
	}
	if cb != nil {
		cb(channelID, reason)
	}
}
