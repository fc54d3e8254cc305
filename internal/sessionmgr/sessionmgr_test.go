package sessionmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/carrierproto/carrier/internal/carrier"
	"github.com/carrierproto/carrier/internal/identity"
	"github.com/carrierproto/carrier/internal/session"
	"github.com/carrierproto/carrier/internal/stream"
)

func newTestPeer(t *testing.T) (*carrier.Carrier, *identity.FriendTable) {
	t.Helper()
	dir := t.TempDir()
	kp, _, err := identity.LoadOrCreate(filepath.Join(dir, "identity.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	friends := identity.NewFriendTable()
	c, err := carrier.New(context.Background(), 0, kp, identity.Preferences{}, friends)
	if err != nil {
		t.Fatalf("carrier.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, friends
}

// connectPeers dials a and b together directly, bypassing mDNS and presence
// gossip so the invite exchange (both the request and its reply) does not
// depend on LAN discovery settling within the test's time budget.
func connectPeers(t *testing.T, a, b *carrier.Carrier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx, b.ID(), b.Addrs()); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}
	if err := b.Connect(ctx, a.ID(), a.Addrs()); err != nil {
		t.Fatalf("connect b->a: %v", err)
	}
}

func TestSessionManagerRequestAcceptedRoundTrip(t *testing.T) {
	alice, aliceFriends := newTestPeer(t)
	bob, bobFriends := newTestPeer(t)

	aliceFriends.Add(bob.ID())
	bobFriends.Add(alice.ID())
	connectPeers(t, alice, bob)

	mgrAlice := New(alice, identity.Preferences{}, aliceFriends)
	mgrBob := New(bob, identity.Preferences{}, bobFriends)

	bobConnected := make(chan struct{})
	bobHandler := func(remoteUserID string, offered []session.StreamDesc) (bool, func(*session.Session) error) {
		return true, func(sess *session.Session) error {
			_, err := sess.AddStream(stream.TypeText, stream.Options{Reliable: true, Plain: true}, stream.Callbacks{
				OnStateChanged: func(st stream.State) {
					if st == stream.StateConnected {
						close(bobConnected)
					}
				},
			})
			return err
		}
	}
	if err := mgrBob.Init(bobHandler); err != nil {
		t.Fatalf("mgrBob.Init: %v", err)
	}
	if err := mgrAlice.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
		return false, nil
	}); err != nil {
		t.Fatalf("mgrAlice.Init: %v", err)
	}

	aliceConnected := make(chan struct{})
	addStreams := func(sess *session.Session) error {
		_, err := sess.AddStream(stream.TypeText, stream.Options{Reliable: true, Plain: true}, stream.Callbacks{
			OnStateChanged: func(st stream.State) {
				if st == stream.StateConnected {
					close(aliceConnected)
				}
			},
		})
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sess, err := mgrAlice.Request(ctx, bob.ID(), addStreams)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer sess.Close()

	if got, ok := mgrAlice.Session(bob.ID()); !ok || got != sess {
		t.Fatal("expected Request's session to be tracked under the remote user id")
	}

	for _, done := range []chan struct{}{aliceConnected, bobConnected} {
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("timed out waiting for both sides' streams to connect")
		}
	}
}

func TestSessionManagerRequestRefused(t *testing.T) {
	alice, aliceFriends := newTestPeer(t)
	bob, bobFriends := newTestPeer(t)

	aliceFriends.Add(bob.ID())
	bobFriends.Add(alice.ID())

	mgrAlice := New(alice, identity.Preferences{}, aliceFriends)
	mgrBob := New(bob, identity.Preferences{}, bobFriends)

	if err := mgrBob.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
		return false, nil
	}); err != nil {
		t.Fatalf("mgrBob.Init: %v", err)
	}
	if err := mgrAlice.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
		return false, nil
	}); err != nil {
		t.Fatalf("mgrAlice.Init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	addStreams := func(sess *session.Session) error {
		_, err := sess.AddStream(stream.TypeText, stream.Options{Reliable: true, Plain: true}, stream.Callbacks{})
		return err
	}

	if _, err := mgrAlice.Request(ctx, bob.ID(), addStreams); err == nil {
		t.Fatal("expected the refused request to return an error")
	}
	if _, ok := mgrAlice.Session(bob.ID()); ok {
		t.Fatal("a refused request must not leave a tracked session behind")
	}
}

func TestSessionManagerRequestRejectsNonFriend(t *testing.T) {
	alice, aliceFriends := newTestPeer(t)
	bob, _ := newTestPeer(t)

	mgrAlice := New(alice, identity.Preferences{}, aliceFriends)
	if err := mgrAlice.Init(func(string, []session.StreamDesc) (bool, func(*session.Session) error) {
		return false, nil
	}); err != nil {
		t.Fatalf("mgrAlice.Init: %v", err)
	}

	_, err := mgrAlice.Request(context.Background(), bob.ID(), func(*session.Session) error { return nil })
	if err == nil {
		t.Fatal("expected NOT_EXIST for a non-friend remote id")
	}
}
