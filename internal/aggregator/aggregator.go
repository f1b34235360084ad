// Package aggregator owns all chain and node state. Ingestion connections
// push parsed node messages in; the aggregator applies them, deduplicates,
// and fans resulting events out to dashboard subscribers.
package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/substrate-telemetry/backend/internal/feed"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/node"
	"github.com/substrate-telemetry/backend/internal/types"
)

// DefaultMaxNodesPerChain caps how many nodes one chain may register.
// Protects the feed from a chain flooding the whole deployment.
const DefaultMaxNodesPerChain = 500

// DefaultStaleAfter is how long a node may stay silent before it is
// flagged stale on the feed.
const DefaultStaleAfter = 2 * time.Minute

// ErrChainDenied indicates the chain label is on the denylist.
var ErrChainDenied = errors.New("chain is denied")

// ErrChainFull indicates the chain reached its node cap.
var ErrChainFull = errors.New("chain has reached its node quota")

// ErrUnknownNode indicates a node reference that is no longer live.
var ErrUnknownNode = errors.New("unknown node")

// Locator resolves a node IP to a location, asynchronously. Implementations
// must invoke found at most once and never block the caller.
type Locator interface {
	Lookup(ip string, found func(types.NodeLocation))
}

// NodeRef is a handle to a registered node, held by the connection that
// owns it.
type NodeRef struct {
	Chain string
	ID    NodeID
}

// Config carries the aggregator dependencies.
type Config struct {
	Logger  log.Logger
	Metrics *metrics.Metrics

	// Denylist may be nil when no chains are denied.
	Denylist *Denylist

	// Locator may be nil to disable geolocation.
	Locator Locator

	// MaxNodesPerChain defaults to DefaultMaxNodesPerChain when zero.
	MaxNodesPerChain int

	// StaleAfter defaults to DefaultStaleAfter when zero.
	StaleAfter time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Aggregator is safe for concurrent use; one mutex serializes all state
// mutation so every subscriber observes feed events in a single total
// order.
type Aggregator struct {
	log        log.Logger
	metrics    *metrics.Metrics
	denylist   *Denylist
	locator    Locator
	maxNodes   int
	staleAfter time.Duration
	now        func() time.Time

	mu     sync.Mutex
	chains map[string]*chain
	feeds  map[*feed.Subscriber]string
}

// New creates an aggregator with no chains.
func New(cfg Config) *Aggregator {
	if cfg.MaxNodesPerChain == 0 {
		cfg.MaxNodesPerChain = DefaultMaxNodesPerChain
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Aggregator{
		log:        cfg.Logger.Package("aggregator"),
		metrics:    cfg.Metrics,
		denylist:   cfg.Denylist,
		locator:    cfg.Locator,
		maxNodes:   cfg.MaxNodesPerChain,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		chains:     make(map[string]*chain),
		feeds:      make(map[*feed.Subscriber]string),
	}
}

// AddNode registers a node. The returned ref must be passed to UpdateNode
// and RemoveNode by the owning connection.
func (a *Aggregator) AddNode(ip, genesisHash string, details types.NodeDetails) (NodeRef, error) {
	if a.denylist != nil && a.denylist.Denied(details.Chain) {
		return NodeRef{}, ErrChainDenied
	}

	a.mu.Lock()

	c, ok := a.chains[details.Chain]
	if !ok {
		c = newChain(details.Chain, genesisHash)
		a.chains[details.Chain] = c

		// Re-attach subscribers that were already following this label
		// before the chain's first node arrived.
		for sub, label := range a.feeds {
			if label == c.label {
				c.subscribers[sub] = struct{}{}
			}
		}
	}

	if c.nodeCount >= a.maxNodes {
		a.mu.Unlock()
		return NodeRef{}, ErrChainFull
	}

	n := newTrackedNode(ip, details, a.now())
	id := c.assignID(n)
	ref := NodeRef{Chain: c.label, ID: id}

	a.metrics.ConnectedNodes.WithLabelValues(c.label).Inc()
	a.log.With("chain", c.label, "node", details.Name, "id", int(id)).Info("node added")

	var ser feed.Serializer
	ser.Push(feed.ActionAddedNode, addedNodePayload{id: id, node: n})
	a.broadcastChainLocked(c, &ser)

	var all feed.Serializer
	all.Push(feed.ActionAddedChain, c.addedChainPayload())
	a.broadcastAllLocked(&all)

	a.mu.Unlock()

	// Outside the lock: the locator may call back immediately on a cache
	// hit, and locateNode takes the mutex.
	if a.locator != nil {
		a.locator.Lookup(ip, func(loc types.NodeLocation) {
			a.locateNode(ref, loc)
		})
	}

	return ref, nil
}

// UpdateNode applies a parsed submit payload to the node. Unknown refs
// return ErrUnknownNode; connections should drop the node on that.
func (a *Aggregator) UpdateNode(ref NodeRef, payload interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.chains[ref.Chain]
	if !ok {
		return ErrUnknownNode
	}
	n := c.node(ref.ID)
	if n == nil {
		return ErrUnknownNode
	}

	if wasStale := n.touch(a.now()); wasStale {
		// Coming back from stale re-announces the node's current state.
		var ser feed.Serializer
		ser.Push(feed.ActionAddedNode, addedNodePayload{id: ref.ID, node: n})
		a.broadcastChainLocked(c, &ser)
	}

	var ser feed.Serializer

	switch p := payload.(type) {
	case node.SystemInterval:
		a.applyInterval(c, ref.ID, n, p, &ser)

	case node.BlockImport:
		a.applyBlockImport(c, ref.ID, n, p.BestHash, p.Height, &ser)

	case node.NotifyFinalized:
		a.applyFinalized(c, ref.ID, n, p.Best, p.Height, &ser)

	case node.TxPoolImport:
		if n.stats.TxCount != p.Ready {
			n.stats.TxCount = p.Ready
			ser.Push(feed.ActionNodeStats, statsPayload(ref.ID, n.stats))
		}
	}

	a.broadcastChainLocked(c, &ser)
	return nil
}

// RemoveNode drops a node and frees its ID.
func (a *Aggregator) RemoveNode(ref NodeRef) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.chains[ref.Chain]
	if !ok || !c.removeNode(ref.ID) {
		return
	}

	a.metrics.ConnectedNodes.WithLabelValues(c.label).Dec()

	var ser feed.Serializer
	ser.Push(feed.ActionRemovedNode, ref.ID)
	a.broadcastChainLocked(c, &ser)

	var all feed.Serializer
	if c.nodeCount == 0 {
		delete(a.chains, c.label)
		all.Push(feed.ActionRemovedChain, c.label)
	} else {
		all.Push(feed.ActionAddedChain, c.addedChainPayload())
	}
	a.broadcastAllLocked(&all)
}

// locateNode records a resolved location and announces it.
func (a *Aggregator) locateNode(ref NodeRef, loc types.NodeLocation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.chains[ref.Chain]
	if !ok {
		return
	}
	n := c.node(ref.ID)
	if n == nil {
		return
	}

	n.location = &loc

	var ser feed.Serializer
	ser.Push(feed.ActionLocatedNode, locatedPayload(ref.ID, loc))
	a.broadcastChainLocked(c, &ser)
}

func (a *Aggregator) applyInterval(c *chain, id NodeID, n *trackedNode, p node.SystemInterval, ser *feed.Serializer) {
	if p.Peers != nil || p.TxCount != nil {
		stats := n.stats
		if p.Peers != nil {
			stats.Peers = *p.Peers
		}
		if p.TxCount != nil {
			stats.TxCount = *p.TxCount
		}
		// Unchanged stats are not rebroadcast.
		if stats != n.stats {
			n.stats = stats
			ser.Push(feed.ActionNodeStats, statsPayload(id, n.stats))
		}
	}

	if p.BandwidthUpload != nil && p.BandwidthDownload != nil {
		n.hardware.Upload.Push(*p.BandwidthUpload)
		n.hardware.Download.Push(*p.BandwidthDownload)
		n.hardware.ChartStamps.Push(float64(millis(a.now())))
		ser.Push(feed.ActionHardware, hardwarePayload(id, n.hardware))
	}

	if p.UsedStateCacheSize != nil {
		n.io.UsedStateCacheSize.Push(*p.UsedStateCacheSize)
		ser.Push(feed.ActionNodeIO, ioPayload(id, n.io))
	}

	if p.BestHash != nil && p.BestHeight != nil {
		a.applyBlockImport(c, id, n, *p.BestHash, *p.BestHeight, ser)
	}

	if p.FinalizedHash != nil && p.FinalizedHeight != nil {
		a.applyFinalized(c, id, n, *p.FinalizedHash, *p.FinalizedHeight, ser)
	}
}

func (a *Aggregator) applyBlockImport(c *chain, id NodeID, n *trackedNode, hashStr string, height types.BlockNumber, ser *feed.Serializer) {
	hash, err := types.ParseBlockHash(hashStr)
	if err != nil {
		a.metrics.Errors.WithLabelValues("aggregator", "parse_block_hash").Inc()
		return
	}
	block := types.Block{Hash: hash, Height: height}

	// Repeat announcements of the node's current best are dropped.
	if height <= n.block.Block.Height && hash == n.block.Block.Hash {
		return
	}

	nowMs := millis(a.now())
	blockTime := uint64(0)
	if nowMs > n.block.BlockTimestamp {
		blockTime = nowMs - n.block.BlockTimestamp
	}

	n.block.Block = block
	n.block.BlockTime = blockTime
	n.block.BlockTimestamp = nowMs
	n.block.PropagationTime = nil

	switch {
	case height > c.best.Height:
		// First sighting of a new chain best.
		if c.best.Height > 0 && nowMs > c.bestSeen {
			c.lastBlockTime.Push(float64(nowMs - c.bestSeen))
		}
		c.best = block
		c.bestSeen = nowMs

		zero := uint64(0)
		n.block.PropagationTime = &zero
		ser.Push(feed.ActionBestBlock, c.bestBlockPayload())

	case block == c.best:
		propagation := nowMs - c.bestSeen
		n.block.PropagationTime = &propagation
	}

	ser.Push(feed.ActionImportedBlock, importedPayload(id, n.block))
}

func (a *Aggregator) applyFinalized(c *chain, id NodeID, n *trackedNode, hashStr string, height types.BlockNumber, ser *feed.Serializer) {
	hash, err := types.ParseBlockHash(hashStr)
	if err != nil {
		a.metrics.Errors.WithLabelValues("aggregator", "parse_block_hash").Inc()
		return
	}

	// Finality never goes backwards; repeats are dropped.
	if height <= n.finalized.Height {
		return
	}

	n.finalized = types.Block{Hash: hash, Height: height}
	ser.Push(feed.ActionFinalizedBlock, finalizedPayload(id, n.finalized))

	if height > c.finalized.Height {
		c.finalized = n.finalized
		ser.Push(feed.ActionBestFinalized, c.bestFinalizedPayload())
	}
}

// broadcastChainLocked sends the serialized batch to the chain's
// subscribers. Callers hold a.mu.
func (a *Aggregator) broadcastChainLocked(c *chain, ser *feed.Serializer) {
	msg := ser.Finalize()
	if msg == nil {
		return
	}
	a.sendToLocked(c.subscribers, msg)
}

// broadcastAllLocked sends the serialized batch to every subscriber,
// whichever chain they follow. Callers hold a.mu.
func (a *Aggregator) broadcastAllLocked(ser *feed.Serializer) {
	msg := ser.Finalize()
	if msg == nil {
		return
	}

	all := make(map[*feed.Subscriber]struct{}, len(a.feeds))
	for sub := range a.feeds {
		all[sub] = struct{}{}
	}
	a.sendToLocked(all, msg)
}

func (a *Aggregator) sendToLocked(subs map[*feed.Subscriber]struct{}, msg []byte) {
	var dropped []*feed.Subscriber

	// Bytes are counted by the connection write pump when the message is
	// actually flushed, not here where it is only queued.
	for sub := range subs {
		if !sub.Send(msg) {
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		a.metrics.FeedOverflows.Inc()
		a.log.With("subscriber", sub.ID).Info("dropping feed subscriber, buffer overflow")
		a.dropSubscriberLocked(sub)
	}
}

func (a *Aggregator) dropSubscriberLocked(sub *feed.Subscriber) {
	label, ok := a.feeds[sub]
	if !ok {
		return
	}
	delete(a.feeds, sub)
	if c, ok := a.chains[label]; ok {
		delete(c.subscribers, sub)
	}
	a.metrics.ConnectedFeeds.Dec()
}

// Subscribe registers a dashboard connection and sends it the protocol
// version, the current time, and the chain directory.
func (a *Aggregator) Subscribe(sub *feed.Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.feeds[sub] = ""
	a.metrics.ConnectedFeeds.Inc()

	var ser feed.Serializer
	ser.Push(feed.ActionFeedVersion, feed.Version)
	ser.Push(feed.ActionTimeSync, millis(a.now()))
	for _, c := range a.chains {
		ser.Push(feed.ActionAddedChain, c.addedChainPayload())
	}
	if msg := ser.Finalize(); msg != nil {
		sub.Send(msg)
	}
}

// SubscribeChain switches the subscriber to the given chain and sends the
// synchronization burst: best block, best finalized, and every live node.
// Subscribing to an unknown chain still acknowledges, leaving the
// subscriber attached to nothing until the chain appears again.
func (a *Aggregator) SubscribeChain(sub *feed.Subscriber, label string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous, ok := a.feeds[sub]
	if !ok {
		return
	}

	var ser feed.Serializer

	if prev, exists := a.chains[previous]; exists {
		delete(prev.subscribers, sub)
		ser.Push(feed.ActionUnsubscribedFrom, previous)
	}

	a.feeds[sub] = label
	ser.Push(feed.ActionSubscribedTo, label)

	if c, exists := a.chains[label]; exists {
		c.subscribers[sub] = struct{}{}

		ser.Push(feed.ActionBestBlock, c.bestBlockPayload())
		ser.Push(feed.ActionBestFinalized, c.bestFinalizedPayload())
		for id, n := range c.nodes {
			if n == nil {
				continue
			}
			ser.Push(feed.ActionAddedNode, addedNodePayload{id: NodeID(id), node: n})
			if n.stale {
				ser.Push(feed.ActionStaleNode, NodeID(id))
			}
		}
	}

	if msg := ser.Finalize(); msg != nil {
		if !sub.Send(msg) {
			a.metrics.FeedOverflows.Inc()
			a.dropSubscriberLocked(sub)
		}
	}
}

// Unsubscribe removes a dashboard connection. Safe to call twice.
func (a *Aggregator) Unsubscribe(sub *feed.Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropSubscriberLocked(sub)
}

// RunStaleSweeper periodically flags silent nodes until ctx is done.
func (a *Aggregator) RunStaleSweeper(ctx context.Context) error {
	interval := a.staleAfter / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sweepStale()
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Aggregator) sweepStale() {
	a.mu.Lock()
	defer a.mu.Unlock()

	threshold := a.now().Add(-a.staleAfter)

	for _, c := range a.chains {
		var ser feed.Serializer
		for id, n := range c.nodes {
			if n == nil || n.stale || n.lastUpdate.After(threshold) {
				continue
			}
			n.stale = true
			ser.Push(feed.ActionStaleNode, NodeID(id))
			a.log.With("chain", c.label, "node", n.details.Name).Info("node is stale")
		}
		a.broadcastChainLocked(c, &ser)
	}
}

// NetworkState returns a keyed JSON snapshot of one node for diagnostics.
func (a *Aggregator) NetworkState(chainLabel, nodeName string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.chains[chainLabel]
	if !ok {
		return nil, errors.Errorf("unknown chain: %s", chainLabel)
	}

	for id, n := range c.nodes {
		if n == nil || n.details.Name != nodeName {
			continue
		}

		state := map[string]interface{}{
			"id":              id,
			"chain":           c.label,
			"name":            n.details.Name,
			"implementation":  n.details.Implementation,
			"version":         n.details.Version,
			"validator":       n.details.Validator,
			"network_id":      n.details.NetworkID,
			"ip":              n.ip,
			"stale":           n.stale,
			"last_update":     n.lastUpdate.UTC().Format(time.RFC3339),
			"peers":           n.stats.Peers,
			"txcount":         n.stats.TxCount,
			"best_block":      n.block.Block,
			"finalized_block": n.finalized,
			"location":        n.location,
		}
		return json.Marshal(state)
	}

	return nil, errors.Errorf("unknown node: %s", nodeName)
}

// ChainCount reports how many chains are tracked.
func (a *Aggregator) ChainCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chains)
}

// IsHealthy satisfies the health check client interface. The aggregator
// has no external dependency; it is healthy as long as it can take its
// mutex.
func (a *Aggregator) IsHealthy(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return true
}

func statsPayload(id NodeID, stats types.NodeStats) json.RawMessage {
	out, _ := marshalTuple(id, stats)
	return out
}

func hardwarePayload(id NodeID, hw types.NodeHardware) json.RawMessage {
	out, _ := marshalTuple(id, hw)
	return out
}

func ioPayload(id NodeID, io types.NodeIO) json.RawMessage {
	out, _ := marshalTuple(id, io)
	return out
}

func importedPayload(id NodeID, details types.BlockDetails) json.RawMessage {
	out, _ := marshalTuple(id, details)
	return out
}

func finalizedPayload(id NodeID, block types.Block) json.RawMessage {
	out, _ := marshalTuple(id, block.Height, block.Hash)
	return out
}

func locatedPayload(id NodeID, loc types.NodeLocation) json.RawMessage {
	out, _ := marshalTuple(id, loc.Latitude, loc.Longitude, loc.City)
	return out
}
