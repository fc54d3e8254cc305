package carrier

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/carrierproto/carrier/internal/identity"
)

func newTestCarrier(t *testing.T, port int) (*Carrier, *identity.FriendTable) {
	t.Helper()
	dir := t.TempDir()
	kp, _, err := identity.LoadOrCreate(filepath.Join(dir, "identity.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	friends := identity.NewFriendTable()
	c, err := New(context.Background(), port, kp, identity.Preferences{}, friends)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, friends
}

func TestOnInviteRejectsDuplicateBundle(t *testing.T) {
	c, _ := newTestCarrier(t, 0)

	if err := c.OnInvite("session", func(string, []byte) {}); err != nil {
		t.Fatalf("first OnInvite: %v", err)
	}
	if err := c.OnInvite("session", func(string, []byte) {}); err == nil {
		t.Fatalf("expected WRONG_STATE on duplicate bundle registration")
	}
}

func TestSendInviteDeliversPayload(t *testing.T) {
	a, _ := newTestCarrier(t, 0)
	b, _ := newTestCarrier(t, 0)

	received := make(chan []byte, 1)
	if err := b.OnInvite("session", func(peerID string, payload []byte) {
		received <- payload
	}); err != nil {
		t.Fatalf("OnInvite: %v", err)
	}

	// Wire up a's peerstore with b's listen addrs so SendInvite can dial it
	// directly, bypassing discovery.
	bAddrs := b.host.Addrs()
	a.host.Peerstore().AddAddrs(b.host.ID(), bAddrs, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.SendInvite(ctx, b.ID(), "session", []byte("sdp-offer")); err != nil {
		t.Fatalf("SendInvite: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "sdp-offer" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for invite delivery")
	}
}

func TestRunPresenceLoopUpdatesFriendTable(t *testing.T) {
	a, aFriends := newTestCarrier(t, 0)
	b, _ := newTestCarrier(t, 0)

	aFriends.Add(b.ID())

	bAddrs := b.host.Addrs()
	a.host.Peerstore().AddAddrs(b.host.ID(), bAddrs, time.Minute)
	aCtx, aCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer aCancel()
	if err := a.host.Connect(aCtx, peer.AddrInfo{ID: b.host.ID(), Addrs: bAddrs}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.RunPresenceLoop(ctx, nil)
	b.RunPresenceLoop(ctx, nil)

	// Allow gossipsub mesh formation before publishing.
	time.Sleep(500 * time.Millisecond)
	if err := b.Publish(ctx, "online"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.After(4 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("friend never observed online")
		case <-tick.C:
			if aFriends.IsOnline(b.ID()) {
				return
			}
		}
	}
}
