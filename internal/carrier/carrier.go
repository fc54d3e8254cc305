// Package carrier is the concrete stand-in for the identity-overlay
// contract that the session layer treats as an external collaborator: it
// delivers identity-addressed datagrams (here, length-prefixed byte
// payloads over a libp2p stream) and friend-presence events. Session
// negotiation itself — SDP offers/replies — rides over the friend-invite
// channel this package exposes, tagged by bundle id.
//
// Grounded on the teacher's p2p.Node (internal/p2p/node.go): libp2p host
// construction, a persisted Ed25519 identity key, a gossipsub presence
// topic, and optional mDNS discovery, generalized from a single
// "ContentProtoID" stream handler into a bundle-id-tagged invite channel.
package carrier

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/proto"
)

var log = logging.Logger("carrier")

func init() {
	logging.SetLogLevel("swarm2", "error")
}

// InviteHandler receives a friend-invite payload tagged with the bundle id
// it was registered under (§9 "Bundle id"). The session manager's on_request
// callback is a registered InviteHandler for bundle id "session".
type InviteHandler func(peerID string, payload []byte)

// Carrier is the per-process identity-overlay instance: ambient network
// membership plus the friend/presence state machine (§9 Glossary "Carrier").
type Carrier struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	friends *identity.FriendTable
	prefs   identity.Preferences

	inviteMu       sync.Mutex
	inviteHandlers map[string]InviteHandler

	presenceTTL time.Duration

	mdnsSvc mdns.Service

	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New brings up a libp2p host bound to kp's identity, joins the presence
// gossip topic, and optionally enables LAN discovery. friends is the
// confirmed-friend table the carrier updates as presence events arrive.
func New(ctx context.Context, listenPort int, kp *identity.KeyPair, prefs identity.Preferences, friends *identity.FriendTable) (*Carrier, error) {
	h, err := libp2p.New(
		libp2p.Identity(kp.Priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, errs.New(errs.IdentityOverlay, errs.WrongState, "carrier.New", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, errs.New(errs.IdentityOverlay, errs.WrongState, "carrier.New", err)
	}

	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, errs.New(errs.IdentityOverlay, errs.WrongState, "carrier.New", err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, errs.New(errs.IdentityOverlay, errs.WrongState, "carrier.New", err)
	}

	c := &Carrier{
		host:           h,
		ps:             ps,
		topic:          topic,
		sub:            sub,
		friends:        friends,
		prefs:          prefs,
		inviteHandlers: make(map[string]InviteHandler),
		presenceTTL:    20 * time.Second,
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		log.Warnf("mdns discovery unavailable: %v", err)
	} else {
		c.mdnsSvc = md
	}

	return c, nil
}

// ID is this carrier's own user-id, as rendered by the overlay transport
// (here, the libp2p peer id — distinct from identity.KeyPair.UserID, which
// is the application-facing base58 rendering of the same public key).
func (c *Carrier) ID() string {
	return c.host.ID().String()
}

// Close tears down the host and any discovery services. Idempotent.
func (c *Carrier) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.mdnsSvc != nil {
			_ = c.mdnsSvc.Close()
		}
		err = c.host.Close()
	})
	return err
}

// OnInvite registers the sole friend-invite handler for bundleID. Fails
// with WRONG_STATE if a handler is already registered for that bundle id
// (§4.1 init's "Fails with WRONG_STATE if already initialized" applies
// per-bundle here, since bundle id is the overlay's only demultiplexing
// key — §9 REDESIGN note on tagged multiplexing).
func (c *Carrier) OnInvite(bundleID string, h InviteHandler) error {
	c.inviteMu.Lock()
	defer c.inviteMu.Unlock()
	if _, exists := c.inviteHandlers[bundleID]; exists {
		return errs.New(errs.IdentityOverlay, errs.WrongState, "carrier.OnInvite", nil)
	}
	c.inviteHandlers[bundleID] = h

	pid := protocol.ID(proto.InviteProtoPrefix + bundleID)
	c.host.SetStreamHandler(pid, func(s network.Stream) {
		defer s.Close()
		payload, err := readFrame(s)
		if err != nil {
			return
		}
		peerID := s.Conn().RemotePeer().String()
		h(peerID, payload)
	})
	return nil
}

// SendInvite delivers payload to peerID's handler registered for bundleID,
// opening a fresh stream per invite (§4.1 "hands it to the identity overlay
// as a friend-invite"). payload must fit the ≤4 KiB SDP bound enforced by
// the session layer; this transport does not itself cap size.
func (c *Carrier) SendInvite(ctx context.Context, peerID, bundleID string, payload []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return errs.New(errs.IdentityOverlay, errs.BadAddress, "carrier.SendInvite", err)
	}

	_ = c.host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := c.host.NewStream(ctx, pid, protocol.ID(proto.InviteProtoPrefix+bundleID))
	if err != nil {
		return errs.New(errs.IdentityOverlay, errs.FriendOffline, "carrier.SendInvite", err)
	}
	defer s.Close()

	if err := writeFrame(s, payload); err != nil {
		return errs.New(errs.IdentityOverlay, errs.ProtocolError, "carrier.SendInvite", err)
	}
	return nil
}

// writeFrame sends a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Publish announces this carrier's presence (online, periodic update, or
// offline) to the gossip topic, carrying the current reachable addresses.
func (c *Carrier) Publish(ctx context.Context, typ string) error {
	msg := proto.PresenceMsg{Type: typ, PeerID: c.ID(), TS: proto.NowMillis()}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Addrs = c.wanAddrs()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

func (c *Carrier) wanAddrs() []string {
	var out []string
	for _, a := range c.host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// RunPresenceLoop consumes the presence topic until ctx is canceled,
// updating friends' reachability and invoking onEvent for every message
// from a peer other than itself. Presence updates to the friend table are
// made from this goroutine; adding and removing friends is left to the
// application.
func (c *Carrier) RunPresenceLoop(ctx context.Context, onEvent func(proto.PresenceMsg)) {
	go func() {
		for {
			m, err := c.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.PeerID == c.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				c.friends.SetPresence(pm.PeerID, true)
				c.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				c.friends.SetPresence(pm.PeerID, false)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

func (c *Carrier) addPeerAddrs(peerID string, addrs []string) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var mas []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		mas = append(mas, a)
	}
	if len(mas) > 0 {
		c.host.Peerstore().AddAddrs(pid, mas, c.presenceTTL)
	}
}

// Addrs returns this carrier's dialable multiaddrs.
func (c *Carrier) Addrs() []string {
	return c.wanAddrs()
}

// Connect dials peerID directly at addrs, bypassing presence gossip and LAN
// discovery. Useful for bootstrapping the first connection to a peer whose
// address arrived out of band (e.g. a rendezvous or bootstrap response).
func (c *Carrier) Connect(ctx context.Context, peerID string, addrs []string) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return errs.New(errs.IdentityOverlay, errs.BadAddress, "carrier.Connect", err)
	}
	var mas []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		mas = append(mas, a)
	}
	if err := c.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: mas}); err != nil {
		return errs.New(errs.IdentityOverlay, errs.FriendOffline, "carrier.Connect", err)
	}
	return nil
}

// ConnectBootstraps dials the configured bootstrap nodes so the host has an
// initial path into the overlay beyond LAN mDNS discovery.
func (c *Carrier) ConnectBootstraps(ctx context.Context, nodes []identity.BootstrapNode) {
	for _, b := range nodes {
		host := b.IPv4
		if host == "" {
			host = b.IPv6
		}
		if host == "" || b.PublicKey == "" {
			continue
		}
		addrStr := fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", host, b.Port, b.PublicKey)
		addr, err := ma.NewMultiaddr(addrStr)
		if err != nil {
			log.Warnf("bootstrap %s: bad address: %v", b, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("bootstrap %s: %v", b, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = c.host.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			log.Warnf("bootstrap %s: connect failed: %v", b, err)
		}
	}
}
