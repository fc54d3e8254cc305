package identity

import (
	"sync"
	"time"

	"github.com/carrierproto/carrier/internal/util"
)

// friendHistoryCapacity bounds how many recent friend-presence events
// FriendTable.History replays to a newly attached subscriber — enough to
// reconstruct recent churn without growing unbounded over a long-running
// process.
const friendHistoryCapacity = 64

// Friend is a peer whose public key has been mutually acknowledged by the
// identity overlay — the only peers a session manager is allowed to address
// (§4.1 session_new: NOT_EXIST if peer_id is not a confirmed friend).
type Friend struct {
	UserID       string
	Online       bool
	LastSeen     time.Time
	OfflineSince time.Time

	// Consecutive presence-probe failures. A friend only flips to offline
	// after failStreak >= 2 distinct failure events more than 4s apart, so a
	// single transient presence gap does not bounce the friend list.
	failStreak int
	lastFailAt time.Time
}

// FriendEvent is delivered to subscribers of a FriendTable — the carrier-level
// "friend added/removed" events consumed by the application's idle callback
// (§3 Event / tracker entities).
type FriendEvent struct {
	Type   string // "added" | "online" | "offline" | "removed"
	UserID string
	Friend *Friend
}

// FriendTable is the identity overlay's confirmed-friend registry, guarded
// by its own mutex. Presence updates come from the carrier's
// presence-dispatch goroutine; friends are added and removed by the
// application (cmd/pfd does so at startup and on every config reload).
type FriendTable struct {
	mu        sync.Mutex
	friends   map[string]Friend
	listeners []chan FriendEvent
	history   *util.RingBuffer[FriendEvent]
}

func NewFriendTable() *FriendTable {
	return &FriendTable{
		friends: make(map[string]Friend),
		history: util.NewRingBuffer[FriendEvent](friendHistoryCapacity),
	}
}

// History returns the most recent friend-presence events, oldest first —
// enough for a newly attached subscriber (e.g. a UI reconnecting after a
// restart) to catch up on recent churn without replaying from scratch.
func (t *FriendTable) History() []FriendEvent {
	return t.history.Snapshot()
}

// IsFriend reports whether userID is a confirmed friend, regardless of
// current presence.
func (t *FriendTable) IsFriend(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.friends[userID]
	return ok
}

// IsOnline reports whether userID is both a confirmed friend and currently
// reachable.
func (t *FriendTable) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.friends[userID]
	return ok && f.Online
}

// Add registers userID as a confirmed friend, offline until the first
// presence event arrives.
func (t *FriendTable) Add(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.friends[userID]; ok {
		return
	}
	f := Friend{UserID: userID, OfflineSince: time.Now()}
	t.friends[userID] = f
	t.notify(FriendEvent{Type: "added", UserID: userID, Friend: &f})
}

// Remove drops userID from the friend table entirely.
func (t *FriendTable) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.friends[userID]; !ok {
		return
	}
	delete(t.friends, userID)
	t.notify(FriendEvent{Type: "removed", UserID: userID})
}

// SetPresence records a presence observation for userID. Returns false if
// userID is not a confirmed friend (the overlay should ignore presence from
// non-friends).
func (t *FriendTable) SetPresence(userID string, online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.friends[userID]
	if !ok {
		return false
	}

	if online {
		f.failStreak = 0
		f.lastFailAt = time.Time{}
		f.LastSeen = time.Now()
		wasOffline := !f.Online
		f.Online = true
		f.OfflineSince = time.Time{}
		t.friends[userID] = f
		if wasOffline {
			t.notify(FriendEvent{Type: "online", UserID: userID, Friend: &f})
		}
		return true
	}

	if time.Since(f.lastFailAt) > 4*time.Second {
		f.failStreak++
		f.lastFailAt = time.Now()
	}
	t.friends[userID] = f

	if f.failStreak >= 2 && f.Online {
		f.Online = false
		f.OfflineSince = time.Now()
		t.friends[userID] = f
		t.notify(FriendEvent{Type: "offline", UserID: userID, Friend: &f})
	}
	return true
}

// Get returns a snapshot of one friend's state.
func (t *FriendTable) Get(userID string) (Friend, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.friends[userID]
	return f, ok
}

// IDs returns all confirmed friend user-ids.
func (t *FriendTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.friends))
	for id := range t.friends {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe registers a channel for friend-added/removed/presence events.
func (t *FriendTable) Subscribe() chan FriendEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan FriendEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *FriendTable) Unsubscribe(ch chan FriendEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.listeners {
		if l == ch {
			close(l)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *FriendTable) notify(evt FriendEvent) {
	t.history.Push(evt)
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
