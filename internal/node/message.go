// Package node parses the JSON messages nodes send on a submit connection.
//
// Two envelope generations are on the wire. Older nodes send a flat object
// with a "msg" discriminator. Newer nodes wrap the same object in
// {"id": N, "payload": {...}} so a single connection can multiplex several
// nodes, each identified by its envelope id.
package node

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"github.com/substrate-telemetry/backend/internal/types"
)

// Message is a single parsed submit message.
type Message struct {
	// ConnectionNodeID distinguishes nodes multiplexed on one connection.
	// Flat (v1) messages always report id 0.
	ConnectionNodeID int64

	// Payload is one of the payload types below, or nil when the message
	// carried a discriminator we don't handle.
	Payload interface{}
}

// SystemConnected announces a node joining. It carries everything needed
// to register the node.
type SystemConnected struct {
	GenesisHash string
	Details     types.NodeDetails
}

// SystemInterval is the periodic stats report. All fields are optional on
// the wire; nil means the node didn't report that value.
type SystemInterval struct {
	Peers              *uint64
	TxCount            *uint64
	BandwidthUpload    *float64
	BandwidthDownload  *float64
	UsedStateCacheSize *float64

	// Older node versions piggyback block info on the interval message.
	BestHash        *string
	BestHeight      *uint64
	FinalizedHash   *string
	FinalizedHeight *uint64
}

// BlockImport announces a new best block on the node.
type BlockImport struct {
	BestHash string
	Height   types.BlockNumber
}

// NotifyFinalized announces a newly finalized block.
type NotifyFinalized struct {
	Best   string
	Height types.BlockNumber
}

// TxPoolImport reports the transaction pool occupancy.
type TxPoolImport struct {
	Ready uint64
}

// envelope covers both wire generations: when Payload is present the
// message is a v2 envelope, otherwise the body fields sit at top level.
type envelope struct {
	ID      *int64          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type body struct {
	Msg string `json:"msg"`

	// system.connected
	GenesisHash    string  `json:"genesis_hash"`
	Chain          string  `json:"chain"`
	Name           string  `json:"name"`
	Implementation string  `json:"implementation"`
	Version        string  `json:"version"`
	Validator      *string `json:"validator"`
	NetworkID      *string `json:"network_id"`
	StartupTime    *string `json:"startup_time"`

	// system.interval
	Peers              *uint64  `json:"peers"`
	TxCount            *uint64  `json:"txcount"`
	BandwidthUpload    *float64 `json:"bandwidth_upload"`
	BandwidthDownload  *float64 `json:"bandwidth_download"`
	UsedStateCacheSize *float64 `json:"used_state_cache_size"`
	FinalizedHash      *string  `json:"finalized_hash"`
	FinalizedHeight    *uint64  `json:"finalized_height"`

	// block.import and system.interval block info
	Best   json.RawMessage `json:"best"`
	Height json.RawMessage `json:"height"`

	// txpool.import
	Ready *uint64 `json:"ready"`
}

// Parse decodes one submit message. Unknown discriminators yield a Message
// with a nil Payload rather than an error so a connection isn't dropped
// when a node is newer than we are.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, errors.Wrap(err, "parse envelope")
	}

	raw := data
	var msg Message
	if env.Payload != nil {
		raw = env.Payload
		if env.ID != nil {
			msg.ConnectionNodeID = *env.ID
		}
	}

	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return Message{}, errors.Wrap(err, "parse payload")
	}

	switch b.Msg {
	case "system.connected":
		msg.Payload = SystemConnected{
			GenesisHash: b.GenesisHash,
			Details: types.NodeDetails{
				Chain:          b.Chain,
				Name:           b.Name,
				Implementation: b.Implementation,
				Version:        b.Version,
				Validator:      b.Validator,
				NetworkID:      b.NetworkID,
				StartupTime:    b.StartupTime,
			},
		}

	case "system.interval":
		interval := SystemInterval{
			Peers:              b.Peers,
			TxCount:            b.TxCount,
			BandwidthUpload:    b.BandwidthUpload,
			BandwidthDownload:  b.BandwidthDownload,
			UsedStateCacheSize: b.UsedStateCacheSize,
			FinalizedHash:      b.FinalizedHash,
			FinalizedHeight:    b.FinalizedHeight,
		}
		if hash, ok := asString(b.Best); ok {
			interval.BestHash = &hash
		}
		if height, err := asHeight(b.Height); err == nil {
			interval.BestHeight = &height
		}
		msg.Payload = interval

	case "block.import":
		hash, ok := asString(b.Best)
		if !ok {
			return Message{}, errors.New("block.import missing best hash")
		}
		height, err := asHeight(b.Height)
		if err != nil {
			return Message{}, errors.Wrap(err, "block.import height")
		}
		msg.Payload = BlockImport{BestHash: hash, Height: height}

	case "notify.finalized":
		hash, ok := asString(b.Best)
		if !ok {
			return Message{}, errors.New("notify.finalized missing best hash")
		}
		// Finalized heights arrive as decimal strings.
		height, err := asHeight(b.Height)
		if err != nil {
			return Message{}, errors.Wrap(err, "notify.finalized height")
		}
		msg.Payload = NotifyFinalized{Best: hash, Height: height}

	case "txpool.import":
		var imp TxPoolImport
		if b.Ready != nil {
			imp.Ready = *b.Ready
		}
		msg.Payload = imp
	}

	return msg, nil
}

func asString(raw json.RawMessage) (string, bool) {
	if raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// asHeight accepts heights encoded as either a JSON number or a decimal
// string; nodes have shipped both over time.
func asHeight(raw json.RawMessage) (uint64, error) {
	if raw == nil {
		return 0, errors.New("missing height")
	}

	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, errors.New("height is neither number nor string")
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse height string")
	}
	return n, nil
}
