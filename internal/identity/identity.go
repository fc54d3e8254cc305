// Package identity owns the long-lived public identity keypair, its
// base58 user-id/address rendering, and the confirmed-friend table that
// gates who a session manager may address (§3 of the spec).
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/mr-tron/base58"

	"github.com/carrierproto/carrier/internal/errs"
)

// KeyPair is the process's long-lived public identity, backed by an Ed25519
// key loaded from (or generated into) datadir.
type KeyPair struct {
	Priv libp2pcrypto.PrivKey
	Pub  libp2pcrypto.PubKey
}

// LoadOrCreate loads a persisted identity keypair from keyFile, or generates
// a new Ed25519 keypair and persists it on first run. Generalizes the
// teacher's p2p.loadOrCreateKey to the core's own KeyPair type.
func LoadOrCreate(keyFile string) (*KeyPair, bool, error) {
	if data, err := os.ReadFile(keyFile); err == nil {
		priv, err := libp2pcrypto.UnmarshalPrivateKey(data)
		if err == nil {
			return &KeyPair{Priv: priv, Pub: priv.GetPublic()}, false, nil
		}
		// Corrupt key file: fall through and regenerate.
	}

	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, false, errs.New(errs.General, errs.InvalidArgs, "identity.LoadOrCreate", err)
	}

	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, errs.New(errs.General, errs.InvalidArgs, "identity.LoadOrCreate", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, errs.New(errs.General, errs.InvalidArgs, "identity.LoadOrCreate", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, errs.New(errs.General, errs.InvalidArgs, "identity.LoadOrCreate", err)
	}

	return &KeyPair{Priv: priv, Pub: pub}, true, nil
}

// UserID renders the public key as a base58 string — the stable identity
// used to address sessions, independent of the overlay's routing address.
func (k *KeyPair) UserID() (string, error) {
	raw, err := libp2pcrypto.MarshalPublicKey(k.Pub)
	if err != nil {
		return "", errs.New(errs.General, errs.InvalidArgs, "identity.UserID", err)
	}
	return base58.Encode(raw), nil
}

// Address renders a full carrier address: user-id + 4-byte nospam tag +
// 2-byte checksum over both, matching §3's "address (user-id + nospam tag +
// checksum)". The checksum is a truncated SHA-256 over userID||nospam,
// guarding against transcription errors when an address is shared out of
// band — the nospam tag itself lets a peer invalidate stale invites by
// rotating it without changing UserID.
func Address(userID string, nospam [4]byte) (string, error) {
	sum := sha256.Sum256(append([]byte(userID), nospam[:]...))
	buf := make([]byte, len(userID)+4+2)
	copy(buf, userID)
	copy(buf[len(userID):], nospam[:])
	copy(buf[len(userID)+4:], sum[:2])
	return base58.Encode(buf), nil
}

// ParseAddress splits a rendered address back into its user-id and nospam
// tag, verifying the checksum.
func ParseAddress(addr string) (userID string, nospam [4]byte, err error) {
	raw, derr := base58.Decode(addr)
	if derr != nil {
		return "", nospam, errs.New(errs.General, errs.BadAddress, "identity.ParseAddress", derr)
	}
	if len(raw) < 6 {
		return "", nospam, errs.New(errs.General, errs.BadAddress, "identity.ParseAddress", nil)
	}
	body, tail := raw[:len(raw)-6], raw[len(raw)-6:]
	userID = string(body)
	copy(nospam[:], tail[:4])
	sum := sha256.Sum256(append([]byte(userID), nospam[:]...))
	if sum[0] != tail[4] || sum[1] != tail[5] {
		return "", nospam, errs.New(errs.General, errs.BadAddress, "identity.ParseAddress", nil)
	}
	return userID, nospam, nil
}

// NewNospam generates a fresh random 4-byte nospam tag.
func NewNospam() [4]byte {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return b
}

// BootstrapNode is a static, process-wide, read-only-after-init entry point
// into the identity overlay (§3).
type BootstrapNode struct {
	IPv4      string
	IPv6      string
	Port      uint16
	PublicKey string
}

func (b BootstrapNode) String() string {
	host := b.IPv4
	if host == "" {
		host = b.IPv6
	}
	return fmt.Sprintf("%s:%d#%s", host, b.Port, b.PublicKey)
}

// TURNConfig carries TURN relay credentials and realm (§3 Preferences).
type TURNConfig struct {
	Server      string
	Port        uint16
	Username    string
	Password    string
	Realm       string
	Fingerprint bool
}

// STUNConfig carries the STUN server address used for server-reflexive
// candidate gathering (§3 Preferences).
type STUNConfig struct {
	Server string
	Port   uint16
}

// Preferences is immutable after the session manager is created (§3).
type Preferences struct {
	DataLocation string
	UDPEnabled   bool
	Bootstraps   []BootstrapNode
	STUN         STUNConfig
	TURN         TURNConfig
}
