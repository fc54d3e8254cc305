package fmp

import "github.com/carrierproto/carrier/internal/errs"

// MaxCookieLen bounds a channel-open cookie, grounded on the original's
// TEST_CHANNEL_COOKIE fixtures (§7 of SPEC_FULL.md: "opaque byte slice
// bounded at 256 bytes").
const MaxCookieLen = 256

// ChannelState is a channel's position in the open/pending/close
// lifecycle (§3 Channel, §4.5 Channels).
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelRemotePending
	ChannelLocalPending
	ChannelClosing
	ChannelClosed
)

// CloseReason is surfaced to the application when a channel (or,
// degenerate case, the default channel 0 carrying a non-multiplexing
// stream's data) closes (§4.5 "Close reasons").
type CloseReason int

const (
	CloseNormal CloseReason = iota
	CloseTimeout
	CloseError
)

// DefaultChannelID is the implicit channel used by a stream that did not
// negotiate the multiplexing option: all of its data rides channel 0
// without an explicit open handshake.
const DefaultChannelID uint16 = 0

// Channel is one logical sub-stream inside a multiplexing stream.
type Channel struct {
	ID       uint16
	StreamID byte
	Cookie   []byte

	state         ChannelState
	localPending  bool
	remotePending bool

	onData  func([]byte)
	onClose func(CloseReason)
}

func (c *Channel) State() ChannelState { return c.state }

// CanWrite reports whether user data may currently be sent on c (§3
// Channel invariant: "cannot transmit user data except in state open").
func (c *Channel) CanWrite() bool {
	return c.state == ChannelOpen && !c.remotePending
}

func validateCookie(cookie []byte) error {
	if len(cookie) > MaxCookieLen {
		return errs.New(errs.FMP, errs.TooLong, "fmp.OpenChannel", nil)
	}
	return nil
}
