package aggregator

import (
	"encoding/json"

	"github.com/substrate-telemetry/backend/internal/feed"
	"github.com/substrate-telemetry/backend/internal/types"
)

// chain is the aggregator's state for one network. All access is
// serialized by the aggregator mutex.
type chain struct {
	label       string
	genesisHash string

	// nodes is indexed by NodeID; removed slots are nil and their IDs sit
	// on the free list for reuse.
	nodes     []*trackedNode
	freeIDs   []NodeID
	nodeCount int

	best          types.Block
	bestSeen      types.Timestamp
	lastBlockTime *types.MeanList
	finalized     types.Block

	subscribers map[*feed.Subscriber]struct{}
}

func newChain(label, genesisHash string) *chain {
	return &chain{
		label:         label,
		genesisHash:   genesisHash,
		lastBlockTime: types.NewMeanList(),
		subscribers:   make(map[*feed.Subscriber]struct{}),
	}
}

// assignID reserves a NodeID, reusing the most recently freed slot if any.
func (c *chain) assignID(n *trackedNode) NodeID {
	c.nodeCount++

	if len(c.freeIDs) > 0 {
		id := c.freeIDs[len(c.freeIDs)-1]
		c.freeIDs = c.freeIDs[:len(c.freeIDs)-1]
		c.nodes[id] = n
		return id
	}

	c.nodes = append(c.nodes, n)
	return NodeID(len(c.nodes) - 1)
}

func (c *chain) node(id NodeID) *trackedNode {
	if int(id) < 0 || int(id) >= len(c.nodes) {
		return nil
	}
	return c.nodes[id]
}

func (c *chain) removeNode(id NodeID) bool {
	if c.node(id) == nil {
		return false
	}
	c.nodes[id] = nil
	c.freeIDs = append(c.freeIDs, id)
	c.nodeCount--
	return true
}

// averageBlockTime is the mean over the recent block time series, or nil
// before the second block was seen.
func (c *chain) averageBlockTime() *uint64 {
	samples := c.lastBlockTime.Slice()
	if len(samples) == 0 {
		return nil
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	avg := uint64(sum / float64(len(samples)))
	return &avg
}

// bestBlockPayload is the BestBlock feed payload:
// [height, timestamp, average block time].
func (c *chain) bestBlockPayload() json.RawMessage {
	out, _ := marshalTuple(c.best.Height, c.bestSeen, c.averageBlockTime())
	return out
}

// bestFinalizedPayload is the BestFinalized feed payload: [height, hash].
func (c *chain) bestFinalizedPayload() json.RawMessage {
	out, _ := marshalTuple(c.finalized.Height, c.finalized.Hash)
	return out
}

// addedChainPayload is the AddedChain feed payload: [label, node count].
func (c *chain) addedChainPayload() json.RawMessage {
	out, _ := marshalTuple(c.label, c.nodeCount)
	return out
}

func marshalTuple(elems ...interface{}) (json.RawMessage, error) {
	return json.Marshal(elems)
}

func feedDetails(d types.NodeDetails) feed.NodeDetailsTuple {
	return feed.NodeDetailsTuple(d)
}
