package aggregator

import (
	"time"

	"github.com/substrate-telemetry/backend/internal/types"
)

// NodeID identifies a node within its chain. IDs are dense and reused
// after removal so dashboards can index nodes in flat arrays.
type NodeID int

// trackedNode is the full state retained for one connected node.
type trackedNode struct {
	details   types.NodeDetails
	stats     types.NodeStats
	io        types.NodeIO
	hardware  types.NodeHardware
	block     types.BlockDetails
	finalized types.Block
	location  *types.NodeLocation

	ip         string
	lastUpdate time.Time
	stale      bool
}

func newTrackedNode(ip string, details types.NodeDetails, now time.Time) *trackedNode {
	return &trackedNode{
		details:  details,
		io:       types.NewNodeIO(),
		hardware: types.NewNodeHardware(),
		block: types.BlockDetails{
			Block:          types.ZeroBlock(),
			BlockTimestamp: millis(now),
		},
		ip:         ip,
		lastUpdate: now,
	}
}

// touch records activity, clearing staleness. It reports whether the node
// was stale before.
func (n *trackedNode) touch(now time.Time) bool {
	wasStale := n.stale
	n.stale = false
	n.lastUpdate = now
	return wasStale
}

// addedNodePayload is the AddedNode feed payload:
// [id, details, stats, io, hardware, block details, location, startup time].
type addedNodePayload struct {
	id   NodeID
	node *trackedNode
}

func (p addedNodePayload) MarshalJSON() ([]byte, error) {
	return marshalTuple(
		p.id,
		feedDetails(p.node.details),
		p.node.stats,
		p.node.io,
		p.node.hardware,
		p.node.block,
		p.node.location,
		p.node.details.StartupTime,
	)
}

func millis(t time.Time) types.Timestamp {
	return types.Timestamp(t.UnixMilli())
}
