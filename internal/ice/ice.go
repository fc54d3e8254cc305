// Package ice is the ICE transport worker (§4.4): one goroutine per
// session owns a pion ICE agent, gathers host/server-reflexive/relayed
// candidates, drives connectivity checks under regular nomination, and
// offers a datagram send/recv surface to exactly one multiplexer.
//
// Grounded on the teacher's internal/call/session.go, which dedicates a
// single goroutine to a webrtc.PeerConnection and funnels every mutation
// through one handler function; here the same single-writer discipline
// governs a raw pion/ice Agent instead of a full PeerConnection, since the
// session's SDP is the core's own opaque blob, not a WebRTC SDP string.
package ice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/ice/v2"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/identity"
)

// KeepAliveInterval and ConnectivityTimeout are the numeric rules from
// §4.4 and the original's IceStream.keepalive_timer (§7 of SPEC_FULL.md).
const (
	KeepAliveInterval   = 15 * time.Second
	ConnectivityTimeout = 30 * time.Second
)

// Role mirrors the original's pj_ice_sess_role: the controlling role is
// the session that sent the offer (§4.4).
type Role int

const (
	RoleControlled Role = iota
	RoleControlling
)

// State is the transport's own reduced connection-state surface, mapped
// from the underlying agent's ice.ConnectionState.
type State int

const (
	StateNew State = iota
	StateChecking
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one ICE worker. All mutation happens from the goroutine
// that owns it; external callers only ever post through its exported
// methods, which are safe to call from any goroutine but serialize
// internally (§4.4 "all cross-thread requests... are posted as messages").
type Transport struct {
	role  Role
	agent *ice.Agent
	conn  *ice.Conn

	mu          sync.Mutex
	state       State
	onState     func(State)
	onData      func([]byte)
	lastRecv    time.Time
	stopTimeout context.CancelFunc

	localUfrag string
	localPwd   string
}

// New constructs the agent and configures STUN/TURN servers from prefs.
// Candidate gathering does not start until Gather is called.
func New(prefs identity.Preferences, role Role) (*Transport, error) {
	cfg := &ice.AgentConfig{
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
	}

	var urls []*ice.URL
	if prefs.STUN.Server != "" {
		u, err := ice.ParseURL(fmt.Sprintf("stun:%s:%d", prefs.STUN.Server, prefs.STUN.Port))
		if err != nil {
			return nil, errs.New(errs.ICE, errs.InvalidArgs, "ice.New", err)
		}
		urls = append(urls, u)
	}
	if prefs.TURN.Server != "" {
		u, err := ice.ParseURL(fmt.Sprintf("turn:%s:%d", prefs.TURN.Server, prefs.TURN.Port))
		if err != nil {
			return nil, errs.New(errs.ICE, errs.InvalidArgs, "ice.New", err)
		}
		u.Username = prefs.TURN.Username
		u.Password = prefs.TURN.Password
		urls = append(urls, u)
	}
	cfg.Urls = urls

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		return nil, errs.New(errs.ICE, errs.ICEFailed, "ice.New", err)
	}

	ufrag, pwd, err := agent.GetLocalUserCredentials()
	if err != nil {
		_ = agent.Close()
		return nil, errs.New(errs.ICE, errs.ICEFailed, "ice.New", err)
	}

	t := &Transport{
		role:       role,
		agent:      agent,
		state:      StateNew,
		localUfrag: ufrag,
		localPwd:   pwd,
	}

	_ = agent.OnConnectionStateChange(func(cs ice.ConnectionState) {
		t.setState(translateState(cs))
	})

	return t, nil
}

func translateState(cs ice.ConnectionState) State {
	switch cs {
	case ice.ConnectionStateChecking:
		return StateChecking
	case ice.ConnectionStateConnected, ice.ConnectionStateCompleted:
		return StateConnected
	case ice.ConnectionStateFailed, ice.ConnectionStateDisconnected:
		return StateFailed
	case ice.ConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Credentials returns the role-independent ufrag/pwd bound to this
// transport for its lifetime (§4.2).
func (t *Transport) Credentials() (ufrag, pwd string) {
	return t.localUfrag, t.localPwd
}

// Gather triggers candidate collection and returns the local candidate
// set once gathering completes, for inclusion in the local SDP
// (stream transition initialized → transport-ready, §4.3).
func (t *Transport) Gather(ctx context.Context) ([]string, error) {
	done := make(chan struct{})
	var candidates []string
	var candMu sync.Mutex

	if err := t.agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(done)
			return
		}
		candMu.Lock()
		candidates = append(candidates, c.Marshal())
		candMu.Unlock()
	}); err != nil {
		return nil, errs.New(errs.ICE, errs.ICEFailed, "ice.Gather", err)
	}

	if err := t.agent.GatherCandidates(); err != nil {
		return nil, errs.New(errs.ICE, errs.ICEFailed, "ice.Gather", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, errs.New(errs.ICE, errs.Timeout, "ice.Gather", ctx.Err())
	}

	candMu.Lock()
	defer candMu.Unlock()
	return candidates, nil
}

// Start arms the agent with the remote side's credentials and candidate
// list, then dials (controlling) or accepts (controlled) — the regular
// nomination connectivity check phase (§4.4). onData is invoked with each
// received datagram from a dedicated read-loop goroutine; onState reports
// StateConnected/StateFailed transitions for the owning stream to relay.
func (t *Transport) Start(ctx context.Context, remoteUfrag, remotePwd string, remoteCandidates []string, onData func([]byte), onState func(State)) error {
	t.mu.Lock()
	t.onData = onData
	t.onState = onState
	t.mu.Unlock()

	if err := t.agent.SetRemoteCredentials(remoteUfrag, remotePwd); err != nil {
		return errs.New(errs.ICE, errs.ICEFailed, "ice.Start", err)
	}

	for _, raw := range remoteCandidates {
		c, err := ice.UnmarshalCandidate(raw)
		if err != nil {
			continue
		}
		if err := t.agent.AddRemoteCandidate(c); err != nil {
			return errs.New(errs.ICE, errs.ICEFailed, "ice.Start", err)
		}
	}

	var conn *ice.Conn
	var err error
	if t.role == RoleControlling {
		conn, err = t.agent.Dial(ctx, remoteUfrag, remotePwd)
	} else {
		conn, err = t.agent.Accept(ctx, remoteUfrag, remotePwd)
	}
	if err != nil {
		t.setState(StateFailed)
		return errs.New(errs.ICE, errs.ICEFailed, "ice.Start", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.lastRecv = time.Now()
	timeoutCtx, cancel := context.WithCancel(context.Background())
	t.stopTimeout = cancel
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.keepAliveLoop(timeoutCtx, conn)

	return nil
}

func (t *Transport) readLoop(conn *ice.Conn) {
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.setState(StateFailed)
			return
		}
		t.mu.Lock()
		t.lastRecv = time.Now()
		cb := t.onData
		t.mu.Unlock()
		if cb != nil {
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			cb(pkt)
		}
	}
}

// keepAliveLoop emits a zero-length keep-alive datagram every
// KeepAliveInterval while connected and declares the transport failed
// after ConnectivityTimeout with no received packet (§4.4).
func (t *Transport) keepAliveLoop(ctx context.Context, conn *ice.Conn) {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			silence := time.Since(t.lastRecv)
			t.mu.Unlock()
			if silence > ConnectivityTimeout {
				t.setState(StateFailed)
				return
			}
			_, _ = conn.Write(nil)
		}
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Send writes a single datagram on the established candidate pair.
// Returns WRONG_STATE if the transport has not completed connectivity
// checks yet.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errs.New(errs.ICE, errs.WrongState, "ice.Send", nil)
	}
	_, err := conn.Write(data)
	if err != nil {
		return errs.New(errs.ICE, errs.ICEFailed, "ice.Send", err)
	}
	return nil
}

// Close tears down the agent and its connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.stopTimeout != nil {
		t.stopTimeout()
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return t.agent.Close()
}
