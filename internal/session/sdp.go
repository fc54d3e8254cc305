package session

import (
	"encoding/json"

	"github.com/carrierproto/carrier/internal/errs"
	"github.com/carrierproto/carrier/internal/stream"
)

// MaxSDPSize is the §6 wire bound: "an opaque blob of <=4 KiB".
const MaxSDPSize = 4096

// StreamDesc is one entry of an SDP's stream list: the ordinal position,
// type, and negotiated options the offering side wants, copied by the
// answering side per §4.2's "matching each entry by ordinal".
type StreamDesc struct {
	ID       byte           `json:"id"`
	Type     stream.Type    `json:"type"`
	Options  stream.Options `json:"options"`
	Services []string       `json:"services,omitempty"` // port-forward names this stream may request
}

// SDP is the opaque blob exchanged over the friend-invite channel (§4.2,
// §6): ICE credentials and candidates for the datagram path, the
// session-bound credentials used to derive the FMP payload-encryption
// key, and the stream list being offered or echoed back.
type SDP struct {
	IceUfrag     string       `json:"ice_ufrag"`
	IcePwd       string       `json:"ice_pwd"`
	Candidates   []string     `json:"candidates"`
	SessionUfrag string       `json:"session_ufrag"`
	SessionPwd   string       `json:"session_pwd"`
	Streams      []StreamDesc `json:"streams"`
}

// Marshal renders s as its wire form, enforcing the §6 4 KiB bound.
func (s SDP) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errs.New(errs.General, errs.InvalidArgs, "session.SDP.Marshal", err)
	}
	if len(b) > MaxSDPSize {
		return nil, errs.New(errs.General, errs.TooLong, "session.SDP.Marshal", nil)
	}
	return b, nil
}

// ParseSDP decodes a wire-form SDP blob.
func ParseSDP(b []byte) (SDP, error) {
	if len(b) > MaxSDPSize {
		return SDP{}, errs.New(errs.General, errs.TooLong, "session.ParseSDP", nil)
	}
	var s SDP
	if err := json.Unmarshal(b, &s); err != nil {
		return SDP{}, errs.New(errs.General, errs.ProtocolError, "session.ParseSDP", err)
	}
	return s, nil
}

// Envelope is the friend-invite payload carried under bundle id "session"
// (§4.1, §6): either an initial request (offer SDP) or a reply (accept
// with answer SDP, or refuse with a reason), correlated by TxID against
// the session manager's transacted-callback table (§3, §5).
type Envelope struct {
	TxID   string `json:"tx"`
	Kind   string `json:"kind"` // "request" | "reply"
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	SDP    []byte `json:"sdp,omitempty"`
}

const (
	KindRequest = "request"
	KindReply   = "reply"

	StatusOK     = 0
	StatusRefuse = 1
)
