// Package sessionmgr implements §4.1: the request/reply handshake that
// turns a friend-invite exchange into a running Session, correlating
// outbound requests against their replies with a transacted-callback
// table keyed by transaction id.
//
// Grounded on the teacher's internal/mq package, which correlates
// request/response pairs sent over a libp2p stream by an id field and a
// waiting channel per in-flight call; generalized here from a single
// request-response RPC to the offer/answer SDP exchange, with the
// friend-invite channel (internal/carrier) standing in for the identity
// overlay.
package sessionmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carrierproto/carrier/internal/carrier"
	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/ice"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/session"
)

// bundleID is the friend-invite tag session negotiation rides over (§9
// "Bundle id").
const bundleID = "session"

// RequestTimeout bounds how long Request waits for a reply before failing
// with TIMEOUT (§5 "a request without a reply within 60s fails the
// caller").
const RequestTimeout = 60 * time.Second

// RequestHandler decides whether to accept an incoming session request.
// offered is the remote's proposed stream list; returning accept=false
// refuses the request. On accept, addStreams is invoked once to populate
// the answering session's own stream list, mirroring the offer ordinal
// for ordinal (§4.1 on_request_received, §4.2 negotiation).
type RequestHandler func(remoteUserID string, offered []session.StreamDesc) (accept bool, addStreams func(*session.Session) error)

type pendingTx struct {
	replyCh chan reply
	timer   *time.Timer
}

type reply struct {
	sdp session.SDP
	err error
}

// Manager owns the carrier's "session" invite channel and the in-flight
// request table for one process (§3 "Exactly one Session exists per
// remote peer per carrier at any moment").
type Manager struct {
	carrier *carrier.Carrier
	prefs   identity.Preferences
	friends *identity.FriendTable

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  map[string]*pendingTx
	onReq    RequestHandler
}

// New constructs a Manager bound to c. Call Init before Request or
// incoming requests will be silently refused.
func New(c *carrier.Carrier, prefs identity.Preferences, friends *identity.FriendTable) *Manager {
	return &Manager{
		carrier:  c,
		prefs:    prefs,
		friends:  friends,
		sessions: make(map[string]*session.Session),
		pending:  make(map[string]*pendingTx),
	}
}

// Init registers h as the sole inbound request handler and wires the
// carrier's "session" bundle id to this manager. Fails WRONG_STATE if
// called twice (§4.1 init).
func (m *Manager) Init(h RequestHandler) error {
	m.mu.Lock()
	if m.onReq != nil {
		m.mu.Unlock()
		return errs.New(errs.General, errs.WrongState, "sessionmgr.Init", nil)
	}
	m.onReq = h
	m.mu.Unlock()
	return m.carrier.OnInvite(bundleID, m.handleInvite)
}

// Session looks up the live session for remoteUserID, if any.
func (m *Manager) Session(remoteUserID string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remoteUserID]
	return s, ok
}

// Request opens a session to remoteUserID (§4.1 request): builds the
// offering side's session, sends its SDP as a friend-invite, and blocks
// until the peer answers, refuses, or RequestTimeout elapses. On success
// the returned session is already started (state ready).
func (m *Manager) Request(ctx context.Context, remoteUserID string, addStreams func(*session.Session) error) (*session.Session, error) {
	if !m.friends.IsFriend(remoteUserID) {
		return nil, errs.New(errs.General, errs.NotExist, "sessionmgr.Request", nil)
	}

	m.mu.Lock()
	if _, exists := m.sessions[remoteUserID]; exists {
		m.mu.Unlock()
		return nil, errs.New(errs.General, errs.WrongState, "sessionmgr.Request", nil)
	}
	m.mu.Unlock()

	sess, err := session.New(remoteUserID, ice.RoleControlling, m.prefs)
	if err != nil {
		return nil, err
	}
	if err := addStreams(sess); err != nil {
		_ = sess.Close()
		return nil, err
	}

	offer, err := sess.BuildOffer(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	sdpBytes, err := offer.Marshal()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	txID := uuid.NewString()
	envBytes, err := json.Marshal(session.Envelope{TxID: txID, Kind: session.KindRequest, SDP: sdpBytes})
	if err != nil {
		_ = sess.Close()
		return nil, errs.New(errs.General, errs.InvalidArgs, "sessionmgr.Request", err)
	}

	pend := &pendingTx{replyCh: make(chan reply, 1)}
	pend.timer = time.AfterFunc(RequestTimeout, func() {
		m.completeTx(txID, reply{err: errs.New(errs.General, errs.Timeout, "sessionmgr.Request", nil)})
	})

	m.mu.Lock()
	m.sessions[remoteUserID] = sess
	m.pending[txID] = pend
	m.mu.Unlock()

	if err := m.carrier.SendInvite(ctx, remoteUserID, bundleID, envBytes); err != nil {
		m.completeTx(txID, reply{err: err})
	}

	select {
	case r := <-pend.replyCh:
		if r.err != nil {
			m.forget(remoteUserID)
			_ = sess.Close()
			return nil, r.err
		}
		if err := sess.Start(ctx, r.sdp); err != nil {
			m.forget(remoteUserID)
			_ = sess.Close()
			return nil, err
		}
		return sess, nil
	case <-ctx.Done():
		m.completeTx(txID, reply{})
		m.forget(remoteUserID)
		_ = sess.Close()
		return nil, ctx.Err()
	}
}

func (m *Manager) forget(remoteUserID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, remoteUserID)
}

func (m *Manager) completeTx(txID string, r reply) {
	m.mu.Lock()
	pend, ok := m.pending[txID]
	if ok {
		delete(m.pending, txID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pend.timer.Stop()
	select {
	case pend.replyCh <- r:
	default:
	}
}

func (m *Manager) handleInvite(peerID string, payload []byte) {
	var env session.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	switch env.Kind {
	case session.KindRequest:
		m.handleRequest(peerID, env)
	case session.KindReply:
		m.handleReply(env)
	}
}

func (m *Manager) handleReply(env session.Envelope) {
	if env.Status == session.StatusRefuse {
		m.completeTx(env.TxID, reply{err: errs.New(errs.General, errs.WrongState, "sessionmgr.handleReply", nil)})
		return
	}
	remote, err := session.ParseSDP(env.SDP)
	if err != nil {
		m.completeTx(env.TxID, reply{err: err})
		return
	}
	m.completeTx(env.TxID, reply{sdp: remote})
}

// handleRequest answers an inbound session request synchronously: it asks
// the registered RequestHandler whether to accept, builds the answering
// session's SDP on acceptance, and replies over the same friend-invite
// channel (§4.1 on_request_received).
func (m *Manager) handleRequest(peerID string, env session.Envelope) {
	if !m.friends.IsFriend(peerID) {
		return
	}
	remote, err := session.ParseSDP(env.SDP)
	if err != nil {
		return
	}

	m.mu.Lock()
	_, busy := m.sessions[peerID]
	onReq := m.onReq
	m.mu.Unlock()
	if busy || onReq == nil {
		m.sendRefuse(peerID, env.TxID)
		return
	}

	accept, addStreams := onReq(peerID, remote.Streams)
	if !accept {
		m.sendRefuse(peerID, env.TxID)
		return
	}

	sess, err := session.New(peerID, ice.RoleControlled, m.prefs)
	if err != nil {
		m.sendRefuse(peerID, env.TxID)
		return
	}
	if addStreams != nil {
		if err := addStreams(sess); err != nil {
			_ = sess.Close()
			m.sendRefuse(peerID, env.TxID)
			return
		}
	}
	if err := sess.BeginAnswering(); err != nil {
		_ = sess.Close()
		m.sendRefuse(peerID, env.TxID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()
	answer, err := sess.BuildAnswer(ctx, remote)
	if err != nil {
		_ = sess.Close()
		m.sendRefuse(peerID, env.TxID)
		return
	}
	answerBytes, err := answer.Marshal()
	if err != nil {
		_ = sess.Close()
		m.sendRefuse(peerID, env.TxID)
		return
	}

	m.mu.Lock()
	m.sessions[peerID] = sess
	m.mu.Unlock()

	replyEnv, err := json.Marshal(session.Envelope{TxID: env.TxID, Kind: session.KindReply, Status: session.StatusOK, SDP: answerBytes})
	if err != nil {
		m.forget(peerID)
		_ = sess.Close()
		return
	}
	if err := m.carrier.SendInvite(ctx, peerID, bundleID, replyEnv); err != nil {
		m.forget(peerID)
		_ = sess.Close()
		return
	}

	if err := sess.Start(ctx, remote); err != nil {
		m.forget(peerID)
		_ = sess.Close()
		return
	}
}

func (m *Manager) sendRefuse(peerID, txID string) {
	env, err := json.Marshal(session.Envelope{TxID: txID, Kind: session.KindReply, Status: session.StatusRefuse})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.carrier.SendInvite(ctx, peerID, bundleID, env)
}

// Close shuts down every live session owned by this manager.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}
