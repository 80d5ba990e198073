package relay

import (
	"encoding/json"
	"errors"

	"github.com/Tyrowin/signal-relay/internal/protocol"
)

// Notification types injected by the relay itself.
const (
	TypePeers = "peers"
	TypeJoin  = "join"
	TypeLeave = "leave"
)

// Envelope is the JSON shape shared by server notifications and, by
// convention, peer messages. Peers may add any other fields.
type Envelope struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

// ErrNotObject is returned by CheckObject for JSON that is valid but not an
// object.
var ErrNotObject = errors.New("message is not a JSON object")

// ParseEnvelope decodes a relay notification.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(payload, &env)
	return env, err
}

// CheckObject reports whether payload is a JSON object. Field names and value
// types are left to the peers.
func CheckObject(payload []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return err
	}
	// null decodes into a nil map without error.
	if obj == nil {
		return ErrNotObject
	}
	return nil
}

func notification(env Envelope) []byte {
	payload, err := json.Marshal(env)
	if err != nil {
		// Envelope only holds a string and an int.
		panic(err)
	}
	return protocol.EncodeFrame(protocol.OpText, payload)
}

// PeersFrame is the frame telling a new member how many members the room has,
// itself included.
func PeersFrame(count int) []byte {
	return notification(Envelope{Type: TypePeers, Count: count})
}

var (
	joinFrame  = notification(Envelope{Type: TypeJoin})
	leaveFrame = notification(Envelope{Type: TypeLeave})
)

// JoinFrame is sent to existing members when someone joins.
func JoinFrame() []byte { return joinFrame }

// LeaveFrame is sent to remaining members when someone leaves.
func LeaveFrame() []byte { return leaveFrame }
