// Package proto carries the wire-level constants shared between the
// identity-overlay stand-in (internal/carrier) and anything that needs to
// recognize its topics and protocol ids.
package proto

import "time"

const (
	// PresenceTopic is the pubsub topic carrying friend online/offline/update
	// gossip (§3 "friend-presence events").
	PresenceTopic = "carrier.presence.v1"

	// MdnsTag is the service tag used for optional LAN peer discovery,
	// supplementing the configured bootstrap list.
	MdnsTag = "carrier-mdns"

	// InviteProtoPrefix is the libp2p stream protocol prefix a friend-invite
	// is sent over; the bundle id is appended so a single stream handler
	// registration maps to one tagged consumer (§9 "Bundle id").
	InviteProtoPrefix = "/carrier/invite/1.0.0/"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the payload published on PresenceTopic.
type PresenceMsg struct {
	Type   string   `json:"type"` // online|update|offline
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
