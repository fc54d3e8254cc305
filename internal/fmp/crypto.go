package fmp

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/carrierproto/carrier/internal/errs"
)

// DeriveSessionKey derives the per-session payload-encryption key from the
// session's ICE credentials (§4.5 "payloads... encrypted with the session
// key derived from ICE credentials via a KDF"). Both peers compute the
// same key because ufrag/pwd are exchanged in the SDP and the derivation
// is order-independent (local and remote are concatenated in sorted
// order, so either side lands on the same input).
func DeriveSessionKey(localUfrag, localPwd, remoteUfrag, remotePwd string) ([]byte, error) {
	a := localUfrag + ":" + localPwd
	b := remoteUfrag + ":" + remotePwd
	if b < a {
		a, b = b, a
	}
	secret := []byte(a + "|" + b)

	kdf := hkdf.New(sha256.New, secret, nil, []byte("carrier-fmp-session-key"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errs.New(errs.FMP, errs.ProtocolError, "fmp.DeriveSessionKey", err)
	}
	return key, nil
}

// aead is the subset of crypto/cipher.AEAD this package relies on.
type aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// cipher wraps a chacha20poly1305 AEAD with a monotonic nonce counter. A
// Multiplexer holds one cipher, so every stream it carries draws nonces
// from this single counter; there is no separate counter per stream.
type cipher struct {
	aead    aead
	counter uint64
}

func newCipher(key []byte) (*cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.New(errs.FMP, errs.ProtocolError, "fmp.newCipher", err)
	}
	return &cipher{aead: aead}, nil
}

func (c *cipher) nonce() []byte {
	n := atomic.AddUint64(&c.counter, 1)
	buf := make([]byte, c.aead.NonceSize())
	binary.BigEndian.PutUint64(buf[len(buf)-8:], n)
	return buf
}

func (c *cipher) seal(plaintext []byte) []byte {
	nonce := c.nonce()
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out
}

func (c *cipher) open(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return nil, errs.New(errs.FMP, errs.ProtocolError, "fmp.cipher.open", nil)
	}
	nonce, ciphertext := data[:ns], data[ns:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.FMP, errs.ProtocolError, "fmp.cipher.open", err)
	}
	return plain, nil
}
