package shard

import (
	"encoding/json"

	"github.com/substrate-telemetry/backend/internal/types"
)

// Envelope ops carried on the shard link.
const (
	OpAdd    = "add"
	OpUpdate = "update"
	OpRemove = "remove"

	// OpMute flows core to shard: the node was rejected and the shard
	// should stop forwarding it without disconnecting it.
	OpMute = "mute"
)

// Envelope is one message on the shard to core link. The shard assigns
// LocalID; it is meaningful only within that link.
type Envelope struct {
	Op      string `json:"op"`
	LocalID int64  `json:"local_id"`

	// add
	IP          string             `json:"ip,omitempty"`
	GenesisHash string             `json:"genesis_hash,omitempty"`
	Details     *types.NodeDetails `json:"details,omitempty"`

	// update: the node message exactly as the node sent it.
	Payload json.RawMessage `json:"payload,omitempty"`

	// mute
	Reason string `json:"reason,omitempty"`
}
