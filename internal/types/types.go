// Package types holds the node state shared between ingestion and the
// dashboard feed.
//
// Several of these types are sent to dashboard subscribers. To keep the
// number of bytes on the feed to a minimum they serialize as positional
// JSON arrays rather than keyed objects; the corresponding unmarshallers
// exist so feed output can be decoded again in tests.
package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BlockNumber is a block height.
type BlockNumber = uint64

// Timestamp is a moment in time expressed as milliseconds since the epoch.
type Timestamp = uint64

// NodeDetails are the basic facts about a node, reported once when it
// connects.
type NodeDetails struct {
	Chain          string  `json:"chain"`
	Name           string  `json:"name"`
	Implementation string  `json:"implementation"`
	Version        string  `json:"version"`
	Validator      *string `json:"validator"`
	NetworkID      *string `json:"network_id"`
	StartupTime    *string `json:"startup_time"`
}

// NodeStats is the pair of statistics reported on every interval update.
type NodeStats struct {
	Peers   uint64
	TxCount uint64
}

// MarshalJSON renders the stats as the feed tuple [peers, txcount].
func (s NodeStats) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{s.Peers, s.TxCount})
}

// UnmarshalJSON decodes the feed tuple form.
func (s *NodeStats) UnmarshalJSON(data []byte) error {
	var tup [2]uint64
	if err := json.Unmarshal(data, &tup); err != nil {
		return err
	}
	s.Peers, s.TxCount = tup[0], tup[1]
	return nil
}

// NodeIO tracks node IO statistics as rolling series.
type NodeIO struct {
	UsedStateCacheSize *MeanList
}

// NewNodeIO returns a NodeIO with empty series.
func NewNodeIO() NodeIO {
	return NodeIO{UsedStateCacheSize: NewMeanList()}
}

// MarshalJSON renders the feed tuple [[samples...]]. This is one-way: the
// mean list internals cannot be reconstructed from it.
func (io NodeIO) MarshalJSON() ([]byte, error) {
	return json.Marshal([1][]float64{io.UsedStateCacheSize.Slice()})
}

// NodeHardware tracks bandwidth usage as rolling series alongside the
// timestamps the samples were taken at.
type NodeHardware struct {
	Upload      *MeanList
	Download    *MeanList
	ChartStamps *MeanList
}

// NewNodeHardware returns a NodeHardware with empty series.
func NewNodeHardware() NodeHardware {
	return NodeHardware{
		Upload:      NewMeanList(),
		Download:    NewMeanList(),
		ChartStamps: NewMeanList(),
	}
}

// MarshalJSON renders the feed tuple [upload, download, stamps]. One-way,
// like NodeIO.
func (h NodeHardware) MarshalJSON() ([]byte, error) {
	return json.Marshal([3][]float64{
		h.Upload.Slice(),
		h.Download.Slice(),
		h.ChartStamps.Slice(),
	})
}

// NodeLocation is a geolocated node position.
type NodeLocation struct {
	Latitude  float32
	Longitude float32
	City      string
}

// MarshalJSON renders the feed tuple [latitude, longitude, city].
func (l NodeLocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{l.Latitude, l.Longitude, l.City})
}

// UnmarshalJSON decodes the feed tuple form.
func (l *NodeLocation) UnmarshalJSON(data []byte) error {
	var tup [3]json.RawMessage
	if err := json.Unmarshal(data, &tup); err != nil {
		return err
	}
	if err := json.Unmarshal(tup[0], &l.Latitude); err != nil {
		return err
	}
	if err := json.Unmarshal(tup[1], &l.Longitude); err != nil {
		return err
	}
	return json.Unmarshal(tup[2], &l.City)
}

// Block is a concise block reference.
type Block struct {
	Hash   BlockHash   `json:"hash"`
	Height BlockNumber `json:"height"`
}

// ZeroBlock returns the zero block.
func ZeroBlock() Block {
	return Block{Hash: ZeroHash, Height: 0}
}

// BlockDetails is the verbose block state carried per node.
type BlockDetails struct {
	Block           Block
	BlockTime       uint64
	BlockTimestamp  Timestamp
	PropagationTime *uint64
}

// MarshalJSON renders the feed tuple
// [height, hash, block_time, block_timestamp, propagation_time].
func (d BlockDetails) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]interface{}{
		d.Block.Height,
		d.Block.Hash,
		d.BlockTime,
		d.BlockTimestamp,
		d.PropagationTime,
	})
}

// UnmarshalJSON decodes the feed tuple form.
func (d *BlockDetails) UnmarshalJSON(data []byte) error {
	var tup [5]json.RawMessage
	if err := json.Unmarshal(data, &tup); err != nil {
		return err
	}

	fields := []interface{}{
		&d.Block.Height,
		&d.Block.Hash,
		&d.BlockTime,
		&d.BlockTimestamp,
		&d.PropagationTime,
	}
	for i, field := range fields {
		if err := json.Unmarshal(tup[i], field); err != nil {
			return errors.Wrapf(err, "block details element %d", i)
		}
	}

	return nil
}
