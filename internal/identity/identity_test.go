package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")

	kp1, isNew, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !isNew {
		t.Fatalf("expected isNew=true on first run")
	}
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("expected key file to be persisted: %v", err)
	}

	kp2, isNew2, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate (reload): %v", err)
	}
	if isNew2 {
		t.Fatalf("expected isNew=false on reload")
	}

	id1, _ := kp1.UserID()
	id2, _ := kp2.UserID()
	if id1 != id2 {
		t.Fatalf("reloaded key produced different user-id: %s != %s", id1, id2)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kp, _, err := LoadOrCreate(filepath.Join(dir, "identity.key"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	userID, err := kp.UserID()
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	nospam := NewNospam()

	addr, err := Address(userID, nospam)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}

	gotID, gotNospam, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if gotID != userID {
		t.Errorf("user-id mismatch: got %s want %s", gotID, userID)
	}
	if gotNospam != nospam {
		t.Errorf("nospam mismatch: got %v want %v", gotNospam, nospam)
	}
}

func TestParseAddressRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	kp, _, _ := LoadOrCreate(filepath.Join(dir, "identity.key"))
	userID, _ := kp.UserID()
	addr, _ := Address(userID, NewNospam())

	corrupt := addr[:len(addr)-1] + "x"
	if corrupt == addr {
		t.Skip("could not construct a distinct corrupted address")
	}
	if _, _, err := ParseAddress(corrupt); err == nil {
		t.Fatalf("expected checksum failure on corrupted address")
	}
}

func TestFriendTablePresenceFlapping(t *testing.T) {
	ft := NewFriendTable()
	const peer = "peer-1"

	if ft.IsFriend(peer) {
		t.Fatalf("peer should not be a friend before Add")
	}
	ft.Add(peer)
	if !ft.IsFriend(peer) {
		t.Fatalf("expected peer to be a friend after Add")
	}
	if ft.IsOnline(peer) {
		t.Fatalf("expected peer offline immediately after Add")
	}

	if ok := ft.SetPresence(peer, true); !ok {
		t.Fatalf("SetPresence on known friend should succeed")
	}
	if !ft.IsOnline(peer) {
		t.Fatalf("expected peer online after presence=true")
	}

	// A single failure should not flip the friend offline (anti-flap).
	ft.SetPresence(peer, false)
	if !ft.IsOnline(peer) {
		t.Fatalf("single failure should not mark friend offline")
	}

	if ok := ft.SetPresence("stranger", true); ok {
		t.Fatalf("SetPresence on a non-friend should return false")
	}
}

func TestFriendTableSubscribe(t *testing.T) {
	ft := NewFriendTable()
	ch := ft.Subscribe()
	defer ft.Unsubscribe(ch)

	ft.Add("peer-1")
	select {
	case evt := <-ch:
		if evt.Type != "added" || evt.UserID != "peer-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatalf("expected an event on Add")
	}
}
