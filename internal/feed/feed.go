// Package feed implements the dashboard feed wire format: each WebSocket
// text message is a single JSON array of alternating action id and payload,
// e.g. [0,32,11,["Kusama",20]]. The compact form keeps the bytes pushed to
// every connected dashboard to a minimum.
package feed

import (
	"bytes"
	"encoding/json"

	"github.com/substrate-telemetry/backend/internal/types"
)

// Protocol version announced to every subscriber on connect. Subscribers
// built against a different version are expected to drop the connection.
const Version = 32

// Action identifies a feed message variant.
type Action uint8

// Feed actions.
const (
	ActionFeedVersion      Action = 0
	ActionBestBlock        Action = 1
	ActionBestFinalized    Action = 2
	ActionAddedNode        Action = 3
	ActionRemovedNode      Action = 4
	ActionLocatedNode      Action = 5
	ActionImportedBlock    Action = 6
	ActionFinalizedBlock   Action = 7
	ActionNodeStats        Action = 8
	ActionHardware         Action = 9
	ActionTimeSync         Action = 10
	ActionAddedChain       Action = 11
	ActionRemovedChain     Action = 12
	ActionSubscribedTo     Action = 13
	ActionUnsubscribedFrom Action = 14
	ActionPong             Action = 15
	ActionStaleNode        Action = 20
	ActionNodeIO           Action = 21
)

// Serializer accumulates action/payload pairs and renders them as one
// feed message. A zero Serializer is ready for use and reusable after
// Finalize.
type Serializer struct {
	buf   bytes.Buffer
	count int
}

// Push appends an action and its payload. Payload marshalling errors are
// returned and leave the message as it was.
func (s *Serializer) Push(action Action, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if s.count == 0 {
		s.buf.WriteByte('[')
	} else {
		s.buf.WriteByte(',')
	}

	actionJSON, _ := json.Marshal(uint8(action))
	s.buf.Write(actionJSON)
	s.buf.WriteByte(',')
	s.buf.Write(encoded)
	s.count++

	return nil
}

// Empty reports whether anything has been pushed since the last Finalize.
func (s *Serializer) Empty() bool {
	return s.count == 0
}

// Finalize terminates and returns the pending message, resetting the
// serializer. It returns nil when nothing was pushed.
func (s *Serializer) Finalize() []byte {
	if s.count == 0 {
		return nil
	}

	s.buf.WriteByte(']')
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())

	s.buf.Reset()
	s.count = 0

	return out
}

// NodeDetailsTuple renders NodeDetails in the positional form used inside
// AddedNode payloads: [name, implementation, version, validator, network_id].
type NodeDetailsTuple types.NodeDetails

// MarshalJSON satisfies json.Marshaler.
func (d NodeDetailsTuple) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]interface{}{
		d.Name,
		d.Implementation,
		d.Version,
		d.Validator,
		d.NetworkID,
	})
}
