// Package fmp is the flex multiplexer (§4.5): it frames multiple logical
// streams, their channels, and port-forwarding payloads over a single ICE
// datagram flow, with selective-repeat reliability, ordering, flow
// control, and graceful close.
//
// Grounded on the teacher's internal/mq/protocol.go wire shape — a tagged,
// sequence-numbered envelope (MsgType/ID/Seq/Topic/Payload) — generalized
// from a JSON-over-the-wire queue protocol into a compact binary header
// suited to an unreliable UDP-like datagram transport.
package fmp

import (
	"encoding/binary"

	"github.com/carrierproto/carrier/internal/errs"
)

// Flag bits carried in a frame's header (§4.5).
const (
	FlagSYN byte = 1 << iota
	FlagACK
	FlagDATA
	FlagFIN
	FlagPEND
	FlagRSUM
	FlagReliable
	// FlagMore marks a fragment as non-final; the receiver reassembles
	// until a fragment without FlagMore arrives. Only valid alongside
	// FlagReliable — non-reliable streams never fragment (§4.5 Framing).
	FlagMore
)

// HeaderSize is the fixed on-wire header length: 1 flags + 1 stream id +
// 2 channel id + 4 sequence + 2 length = 10 bytes, within the ≤16 byte
// bound of §8.
const HeaderSize = 10

// MTU bounds a single frame's total wire size (header + payload), matching
// a conservative UDP path MTU so datagrams are never dropped by an
// intermediate link.
const MTU = 1200

// MaxPayload is the largest payload one frame can carry before
// fragmentation is required.
const MaxPayload = MTU - HeaderSize

// Header is one FMP frame's fixed prefix.
type Header struct {
	Flags     byte
	StreamID  byte
	ChannelID uint16
	Seq       uint32
	Length    uint16
}

// Marshal renders h as its 10-byte wire form.
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Flags
	b[1] = h.StreamID
	binary.BigEndian.PutUint16(b[2:4], h.ChannelID)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint16(b[8:10], h.Length)
	return b
}

// UnmarshalHeader parses the first HeaderSize bytes of b.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errs.New(errs.FMP, errs.ProtocolError, "fmp.UnmarshalHeader", nil)
	}
	return Header{
		Flags:     b[0],
		StreamID:  b[1],
		ChannelID: binary.BigEndian.Uint16(b[2:4]),
		Seq:       binary.BigEndian.Uint32(b[4:8]),
		Length:    binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// Frame is a decoded header plus its payload slice.
type Frame struct {
	Header  Header
	Payload []byte
}

// Marshal renders the full wire frame: header followed by payload.
func (f Frame) Marshal() []byte {
	f.Header.Length = uint16(len(f.Payload))
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, f.Header.Marshal()...)
	out = append(out, f.Payload...)
	return out
}

// UnmarshalFrame parses a full wire frame.
func UnmarshalFrame(b []byte) (Frame, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return Frame{}, err
	}
	rest := b[HeaderSize:]
	if int(h.Length) > len(rest) {
		return Frame{}, errs.New(errs.FMP, errs.ProtocolError, "fmp.UnmarshalFrame", nil)
	}
	payload := make([]byte, h.Length)
	copy(payload, rest[:h.Length])
	return Frame{Header: h, Payload: payload}, nil
}

// Fragment splits payload into one or more frames no larger than
// MaxPayload, setting FlagMore on every fragment but the last. Only
// reliable-stream payloads may be fragmented (§4.5 Framing).
func Fragment(base Header, payload []byte, startSeq uint32) []Frame {
	if len(payload) <= MaxPayload {
		base.Seq = startSeq
		return []Frame{{Header: base, Payload: payload}}
	}

	base.Flags |= FlagReliable
	var frames []Frame
	seq := startSeq
	for len(payload) > 0 {
		n := MaxPayload
		if n > len(payload) {
			n = len(payload)
		}
		chunk := payload[:n]
		payload = payload[n:]

		h := base
		h.Seq = seq
		if len(payload) > 0 {
			h.Flags |= FlagMore
		} else {
			h.Flags &^= FlagMore
		}
		frames = append(frames, Frame{Header: h, Payload: chunk})
		seq++
	}
	return frames
}

// Reassembler accumulates fragments for one (stream, channel) until a
// final (non-FlagMore) fragment completes the message.
type Reassembler struct {
	buf []byte
}

// Add appends a fragment's payload and reports the completed message once
// the final fragment (without FlagMore) arrives.
func (r *Reassembler) Add(f Frame) (complete []byte, done bool) {
	r.buf = append(r.buf, f.Payload...)
	if f.Header.Flags&FlagMore != 0 {
		return nil, false
	}
	out := r.buf
	r.buf = nil
	return out, true
}
