// Package session implements §4.2: one peer relationship's transport and
// stream set, the offer/answer SDP state machine, and the ICE
// credential/candidate bookkeeping that ties a session's streams to a
// single shared ICE transport and FMP multiplexer.
//
// Grounded on the teacher's internal/call/session.go: a mutex-guarded
// state struct per peer relationship, a remote-description-set flag that
// gates when buffered remote state is applied, and idempotent cleanup —
// generalized from a WebRTC PeerConnection's offer/answer dance to the
// core's own opaque SDP blob over friend-invite.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/fmp"
	"github.com/carrierproto/carrier/internal/ice"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/stream"
)

// MaxStreams is the §8 boundary: "add_stream beyond the per-session cap
// (>=8) returns LIMIT_EXCEEDED" — implemented at the minimum the spec
// requires.
const MaxStreams = 8

// credAlphabet mirrors the alphanumeric charset ICE implementations use
// for ufrag/pwd generation (§4.2: "random 8-byte/22-byte base64
// strings").
const credAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// State is a session's position in the §4.2 FSM.
type State int

const (
	StateRaw State = iota
	StateOffering
	StateAnswering
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRaw:
		return "raw"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one peer relationship's ICE transport, FMP multiplexer,
// and stream set (§3 Session). Exactly one Session exists per remote
// peer per carrier at any moment (enforced by internal/sessionmgr, not
// here).
type Session struct {
	RemoteUserID string
	Role         ice.Role

	mu        sync.Mutex
	state     State
	streams   map[byte]*stream.Stream
	nextID    byte
	transport *ice.Transport
	mux       *fmp.Multiplexer
	localSDP  SDP

	tickerStop chan struct{}
	closeOnce  sync.Once
}

// New constructs a session in state raw, owning a fresh ICE transport for
// role (§4.4: controlling is the side that sent the offer).
func New(remoteUserID string, role ice.Role, prefs identity.Preferences) (*Session, error) {
	transport, err := ice.New(prefs, role)
	if err != nil {
		return nil, err
	}
	return &Session{
		RemoteUserID: remoteUserID,
		Role:         role,
		state:        StateRaw,
		streams:      make(map[byte]*stream.Stream),
		nextID:       1,
		transport:    transport,
	}, nil
}

// State reports the session's current FSM position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginAnswering transitions raw -> answering, called by
// internal/sessionmgr once a friend-invite request has been accepted and
// the answering session's streams have been added to mirror the offer's
// stream list (§4.1 on_request_received, §4.2).
func (s *Session) BeginAnswering() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRaw {
		return errs.New(errs.General, errs.WrongState, "session.BeginAnswering", nil)
	}
	s.state = StateAnswering
	return nil
}

// AddStream creates and registers a new stream in state initialized
// (§4.2: "Streams may be added only in states raw, offering, answering").
// Stream ids are assigned monotonically and never recycled within a
// session (§3 Stream invariant).
func (s *Session) AddStream(typ stream.Type, opts stream.Options, cb stream.Callbacks) (*stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady || s.state == StateClosed {
		return nil, errs.New(errs.General, errs.WrongState, "session.AddStream", nil)
	}
	if len(s.streams) >= MaxStreams {
		return nil, errs.New(errs.General, errs.LimitExceeded, "session.AddStream", nil)
	}

	id := s.nextID
	s.nextID++

	st, err := stream.New(id, typ, opts, cb)
	if err != nil {
		return nil, err
	}
	st.Init()
	s.streams[id] = st
	return st, nil
}

// Stream looks up a stream by id.
func (s *Session) Stream(id byte) (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// Streams returns a snapshot of every stream owned by the session.
func (s *Session) Streams() []*stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

func generateCredential(n int) (string, error) {
	return randutil.GenerateCryptoRandomString(n, credAlphabet)
}

// BuildOffer gathers local ICE candidates, generates the session's
// lifetime-bound ufrag/pwd, and serializes the offering side's SDP
// (§4.2). Requires state raw with at least one stream added; fails
// WRONG_STATE otherwise (§4.1 request's own precondition on top of this).
func (s *Session) BuildOffer(ctx context.Context) (SDP, error) {
	s.mu.Lock()
	if s.state != StateRaw {
		s.mu.Unlock()
		return SDP{}, errs.New(errs.General, errs.WrongState, "session.BuildOffer", nil)
	}
	if len(s.streams) == 0 {
		s.mu.Unlock()
		return SDP{}, errs.New(errs.General, errs.WrongState, "session.BuildOffer", nil)
	}
	s.mu.Unlock()

	sdp, err := s.buildLocalSDP(ctx)
	if err != nil {
		return SDP{}, err
	}

	s.mu.Lock()
	s.localSDP = sdp
	s.state = StateOffering
	s.mu.Unlock()
	return sdp, nil
}

// BuildAnswer gathers local ICE candidates and serializes the answering
// side's SDP, matching remote's stream list against the local one by
// ordinal (§4.2). Requires state answering with a matching stream set
// already added via AddStream (typically from within the application's
// on_request callback).
func (s *Session) BuildAnswer(ctx context.Context, remote SDP) (SDP, error) {
	s.mu.Lock()
	if s.state != StateAnswering {
		s.mu.Unlock()
		return SDP{}, errs.New(errs.General, errs.WrongState, "session.BuildAnswer", nil)
	}
	s.mu.Unlock()

	if err := s.validateNegotiation(remote.Streams); err != nil {
		return SDP{}, err
	}

	sdp, err := s.buildLocalSDP(ctx)
	if err != nil {
		return SDP{}, err
	}

	s.mu.Lock()
	s.localSDP = sdp
	s.mu.Unlock()
	return sdp, nil
}

func (s *Session) buildLocalSDP(ctx context.Context) (SDP, error) {
	candidates, err := s.transport.Gather(ctx)
	if err != nil {
		return SDP{}, err
	}
	ufrag, pwd := s.transport.Credentials()

	sessUfrag, err := generateCredential(8)
	if err != nil {
		return SDP{}, errs.New(errs.General, errs.InvalidArgs, "session.buildLocalSDP", err)
	}
	sessPwd, err := generateCredential(22)
	if err != nil {
		return SDP{}, errs.New(errs.General, errs.InvalidArgs, "session.buildLocalSDP", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	descs := s.streamDescsLocked()
	for _, st := range s.streams {
		if err := st.MarkTransportReady(); err != nil {
			return SDP{}, err
		}
	}

	return SDP{
		IceUfrag:     ufrag,
		IcePwd:       pwd,
		Candidates:   candidates,
		SessionUfrag: sessUfrag,
		SessionPwd:   sessPwd,
		Streams:      descs,
	}, nil
}

func (s *Session) streamDescsLocked() []StreamDesc {
	out := make([]StreamDesc, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, StreamDesc{ID: st.ID, Type: st.Type, Options: st.Options})
	}
	// Stream ids are assigned in add order, so sorting by id yields the
	// ordinal order negotiation matches on.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// validateNegotiation checks the offering side's stream list against this
// session's own (answering side's copy), matching by ordinal position and
// rejecting unsupported option combinations (§4.2 "Both sides must agree
// on the number of streams before ICE begins"; §7 Supplemented features
// "Stream type negotiation table").
func (s *Session) validateNegotiation(remote []StreamDesc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.streamDescsLocked()
	if len(local) != len(remote) {
		return errs.New(errs.General, errs.ProtocolError, "session.validateNegotiation", nil)
	}
	for i, r := range remote {
		if err := r.Options.Validate(); err != nil {
			return errs.New(errs.General, errs.ProtocolError, "session.validateNegotiation", err)
		}
		l := local[i]
		if l.Type != r.Type || l.Options != r.Options {
			return errs.New(errs.General, errs.ProtocolError, "session.validateNegotiation", nil)
		}
	}
	return nil
}

// Start arms the session's multiplexer from both sides' SDPs and begins
// ICE connectivity checks, transitioning the session to ready and every
// owned stream to connecting (§4.2 "enters ready only when... session_start
// has been called with the peer's SDP and the ICE handler has been
// armed").
func (s *Session) Start(ctx context.Context, remote SDP) error {
	s.mu.Lock()
	if s.state != StateOffering && s.state != StateAnswering {
		s.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "session.Start", nil)
	}
	local := s.localSDP
	s.mu.Unlock()

	if err := s.validateNegotiation(remote.Streams); err != nil {
		return err
	}

	var key []byte
	if !allPlain(local.Streams) {
		k, err := fmp.DeriveSessionKey(local.SessionUfrag, local.SessionPwd, remote.SessionUfrag, remote.SessionPwd)
		if err != nil {
			return err
		}
		key = k
	}

	mux, err := fmp.NewMultiplexer(s.transport.Send, key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mux = mux
	streams := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.tickerStop = make(chan struct{})
	s.mu.Unlock()

	for _, st := range streams {
		if err := st.AttachMux(mux); err != nil {
			return err
		}
	}

	go s.runTicker()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.transport.Start(ctx, remote.IceUfrag, remote.IcePwd, remote.Candidates, func(data []byte) {
			_ = mux.HandleIncoming(data)
		}, s.onICEState)
	}()

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()

	for _, st := range streams {
		_ = st.BeginConnecting()
	}

	go func() {
		if err := <-errCh; err != nil {
			s.failAllStreams(err)
		}
	}()

	return nil
}

func allPlain(streams []StreamDesc) bool {
	for _, d := range streams {
		if !d.Options.Plain {
			return false
		}
	}
	return len(streams) > 0
}

// onICEState relays the shared ICE transport's connection state to every
// stream owned by the session (§4.3 connecting -> connected / any ->
// failed).
func (s *Session) onICEState(st ice.State) {
	switch st {
	case ice.StateConnected:
		for _, stm := range s.Streams() {
			stm.MarkConnected()
		}
	case ice.StateFailed:
		s.failAllStreams(errs.New(errs.ICE, errs.ICEFailed, "session.onICEState", nil))
	}
}

func (s *Session) failAllStreams(reason error) {
	for _, stm := range s.Streams() {
		stm.Fail(reason)
	}
}

// runTicker drives the multiplexer's retransmit timers until the session
// closes (§4.5 "Callers run this periodically... from the session's
// single-writer goroutine").
func (s *Session) runTicker() {
	s.mu.Lock()
	stop := s.tickerStop
	s.mu.Unlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(fmp.MinRTT)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			mux := s.mux
			s.mu.Unlock()
			if mux != nil {
				mux.Tick()
			}
		}
	}
}

// Close transitions every owned stream to closed and tears down the ICE
// transport. Synchronous and idempotent (§5 "session_close is
// synchronous, idempotent").
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		streams := make([]*stream.Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		stop := s.tickerStop
		s.state = StateClosed
		s.mu.Unlock()

		for _, st := range streams {
			st.Close()
		}
		if stop != nil {
			close(stop)
		}
		err = s.transport.Close()
	})
	return err
}
