package aggregator_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/packethost/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-telemetry/backend/internal/aggregator"
	"github.com/substrate-telemetry/backend/internal/feed"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/node"
	"github.com/substrate-telemetry/backend/internal/types"
)

var (
	hashA = "0x" + strings.Repeat("aa", 32)
	hashB = "0x" + strings.Repeat("bb", 32)
	hashC = "0x" + strings.Repeat("cc", 32)
)

// testClock is a manually advanced clock handed to the aggregator.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAggregator(t *testing.T, mutate ...func(*aggregator.Config)) (*aggregator.Aggregator, *testClock) {
	t.Helper()

	clock := newTestClock()
	cfg := aggregator.Config{
		Logger:  log.Test(t, t.Name()),
		Metrics: metrics.New(),
		Now:     clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	return aggregator.New(cfg), clock
}

func details(chain, name string) types.NodeDetails {
	return types.NodeDetails{
		Chain:          chain,
		Name:           name,
		Implementation: "Parity Polkadot",
		Version:        "0.9.17",
	}
}

// event is one action/payload pair decoded off the feed.
type event struct {
	Action  feed.Action
	Payload json.RawMessage
}

// drain decodes every message currently buffered on the subscriber.
func drain(t *testing.T, sub *feed.Subscriber) []event {
	t.Helper()

	var events []event
	for {
		select {
		case msg := <-sub.Messages():
			var parts []json.RawMessage
			require.NoError(t, json.Unmarshal(msg, &parts))
			require.Zero(t, len(parts)%2, "feed message must alternate action and payload")
			for i := 0; i < len(parts); i += 2 {
				var action feed.Action
				require.NoError(t, json.Unmarshal(parts[i], &action))
				events = append(events, event{Action: action, Payload: parts[i+1]})
			}
		default:
			return events
		}
	}
}

func actionsOf(events []event) []feed.Action {
	out := make([]feed.Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

func find(events []event, action feed.Action) (json.RawMessage, bool) {
	for _, e := range events {
		if e.Action == action {
			return e.Payload, true
		}
	}
	return nil, false
}

func TestSubscribeSendsVersionAndDirectory(t *testing.T) {
	agg, _ := newTestAggregator(t)

	_, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)

	events := drain(t, sub)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, feed.ActionFeedVersion, events[0].Action)
	assert.JSONEq(t, "32", string(events[0].Payload))
	assert.Equal(t, feed.ActionTimeSync, events[1].Action)

	directory, ok := find(events, feed.ActionAddedChain)
	require.True(t, ok)
	assert.JSONEq(t, `["Kusama",1]`, string(directory))
}

func TestSubscribeChainSendsSyncBurst(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)
	require.NoError(t, agg.UpdateNode(ref, node.BlockImport{BestHash: hashB, Height: 100}))

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	drain(t, sub)

	agg.SubscribeChain(sub, "Kusama")
	events := drain(t, sub)

	assert.Equal(t, []feed.Action{
		feed.ActionSubscribedTo,
		feed.ActionBestBlock,
		feed.ActionBestFinalized,
		feed.ActionAddedNode,
	}, actionsOf(events))

	best, _ := find(events, feed.ActionBestBlock)
	var tup []json.RawMessage
	require.NoError(t, json.Unmarshal(best, &tup))
	assert.JSONEq(t, "100", string(tup[0]))
}

func TestSubscribeChainSwitchesChains(t *testing.T) {
	agg, _ := newTestAggregator(t)

	_, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)
	_, err = agg.AddNode("10.0.0.2", hashB, details("Polkadot", "bob"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	agg.SubscribeChain(sub, "Polkadot")
	events := drain(t, sub)

	unsub, ok := find(events, feed.ActionUnsubscribedFrom)
	require.True(t, ok)
	assert.JSONEq(t, `"Kusama"`, string(unsub))

	subTo, ok := find(events, feed.ActionSubscribedTo)
	require.True(t, ok)
	assert.JSONEq(t, `"Polkadot"`, string(subTo))
}

func TestSubscribeChainBeforeChainExists(t *testing.T) {
	agg, _ := newTestAggregator(t)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	// The chain's first node must reach the waiting subscriber.
	_, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	events := drain(t, sub)
	_, ok := find(events, feed.ActionAddedNode)
	assert.True(t, ok)
}

func TestAddNodeDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("denied_chains:\n  - Spamnet\n"), 0o600))

	denylist, err := aggregator.LoadDenylist(path)
	require.NoError(t, err)

	agg, _ := newTestAggregator(t, func(cfg *aggregator.Config) {
		cfg.Denylist = denylist
	})

	_, err = agg.AddNode("10.0.0.1", hashA, details("Spamnet", "spammer"))
	assert.ErrorIs(t, err, aggregator.ErrChainDenied)

	_, err = agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	assert.NoError(t, err)
}

func TestAddNodeChainQuota(t *testing.T) {
	agg, _ := newTestAggregator(t, func(cfg *aggregator.Config) {
		cfg.MaxNodesPerChain = 2
	})

	_, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)
	_, err = agg.AddNode("10.0.0.2", hashA, details("Kusama", "bob"))
	require.NoError(t, err)

	_, err = agg.AddNode("10.0.0.3", hashA, details("Kusama", "carol"))
	assert.ErrorIs(t, err, aggregator.ErrChainFull)

	// Other chains have their own quota.
	_, err = agg.AddNode("10.0.0.4", hashB, details("Polkadot", "dave"))
	assert.NoError(t, err)
}

func TestNodeIDsAreReused(t *testing.T) {
	agg, _ := newTestAggregator(t)

	first, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)
	second, err := agg.AddNode("10.0.0.2", hashA, details("Kusama", "bob"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	agg.RemoveNode(first)

	third, err := agg.AddNode("10.0.0.3", hashA, details("Kusama", "carol"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
}

func TestRemoveLastNodeRemovesChain(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	drain(t, sub)

	agg.RemoveNode(ref)

	events := drain(t, sub)
	removed, ok := find(events, feed.ActionRemovedChain)
	require.True(t, ok)
	assert.JSONEq(t, `"Kusama"`, string(removed))
	assert.Equal(t, 0, agg.ChainCount())

	// Removing twice is harmless.
	agg.RemoveNode(ref)
}

func TestBlockImportAdvancesBest(t *testing.T) {
	agg, clock := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	require.NoError(t, agg.UpdateNode(ref, node.BlockImport{BestHash: hashB, Height: 100}))

	events := drain(t, sub)
	_, hasBest := find(events, feed.ActionBestBlock)
	assert.True(t, hasBest)
	_, hasImported := find(events, feed.ActionImportedBlock)
	assert.True(t, hasImported)

	// A second node importing the same best reports propagation, not a new
	// best block.
	clock.Advance(150 * time.Millisecond)
	other, err := agg.AddNode("10.0.0.2", hashA, details("Kusama", "bob"))
	require.NoError(t, err)
	drain(t, sub)

	require.NoError(t, agg.UpdateNode(other, node.BlockImport{BestHash: hashB, Height: 100}))
	events = drain(t, sub)

	_, hasBest = find(events, feed.ActionBestBlock)
	assert.False(t, hasBest)

	imported, ok := find(events, feed.ActionImportedBlock)
	require.True(t, ok)
	var tup []json.RawMessage
	require.NoError(t, json.Unmarshal(imported, &tup))
	var blockDetails types.BlockDetails
	require.NoError(t, json.Unmarshal(tup[1], &blockDetails))
	require.NotNil(t, blockDetails.PropagationTime)
	assert.Equal(t, uint64(150), *blockDetails.PropagationTime)
}

func TestBlockImportRepeatIsDropped(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	require.NoError(t, agg.UpdateNode(ref, node.BlockImport{BestHash: hashB, Height: 100}))
	drain(t, sub)

	// Same block again: nothing new on the feed.
	require.NoError(t, agg.UpdateNode(ref, node.BlockImport{BestHash: hashB, Height: 100}))
	assert.Empty(t, drain(t, sub))
}

func TestFinalizedIsMonotonic(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	require.NoError(t, agg.UpdateNode(ref, node.NotifyFinalized{Best: hashB, Height: 90}))
	events := drain(t, sub)
	_, ok := find(events, feed.ActionFinalizedBlock)
	require.True(t, ok)
	_, ok = find(events, feed.ActionBestFinalized)
	require.True(t, ok)

	// A lower or equal height must not regress the feed.
	require.NoError(t, agg.UpdateNode(ref, node.NotifyFinalized{Best: hashC, Height: 89}))
	assert.Empty(t, drain(t, sub))
}

func TestIntervalStatsDeduplicated(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	peers := uint64(25)
	txcount := uint64(10)
	require.NoError(t, agg.UpdateNode(ref, node.SystemInterval{Peers: &peers, TxCount: &txcount}))

	events := drain(t, sub)
	stats, ok := find(events, feed.ActionNodeStats)
	require.True(t, ok)
	assert.JSONEq(t, `[0,[25,10]]`, string(stats))

	// Identical stats again: silence.
	require.NoError(t, agg.UpdateNode(ref, node.SystemInterval{Peers: &peers, TxCount: &txcount}))
	assert.Empty(t, drain(t, sub))
}

func TestIntervalHardwareAndIO(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	up, down, cache := 1000.0, 2000.0, 512.0
	require.NoError(t, agg.UpdateNode(ref, node.SystemInterval{
		BandwidthUpload:    &up,
		BandwidthDownload:  &down,
		UsedStateCacheSize: &cache,
	}))

	events := drain(t, sub)
	_, ok := find(events, feed.ActionHardware)
	assert.True(t, ok)
	io, ok := find(events, feed.ActionNodeIO)
	require.True(t, ok)
	assert.JSONEq(t, `[0,[[512]]]`, string(io))
}

func TestUpdateUnknownNode(t *testing.T) {
	agg, _ := newTestAggregator(t)

	err := agg.UpdateNode(aggregator.NodeRef{Chain: "Kusama", ID: 0}, node.TxPoolImport{Ready: 1})
	assert.ErrorIs(t, err, aggregator.ErrUnknownNode)
}

func TestStaleSweepFlagsSilentNodes(t *testing.T) {
	agg, clock := newTestAggregator(t, func(cfg *aggregator.Config) {
		cfg.StaleAfter = time.Minute
	})

	quiet, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "quiet"))
	require.NoError(t, err)
	noisy, err := agg.AddNode("10.0.0.2", hashA, details("Kusama", "noisy"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")
	drain(t, sub)

	clock.Advance(2 * time.Minute)
	require.NoError(t, agg.UpdateNode(noisy, node.TxPoolImport{Ready: 1}))
	drain(t, sub)

	agg.SweepStale()

	events := drain(t, sub)
	stale, ok := find(events, feed.ActionStaleNode)
	require.True(t, ok)
	assert.JSONEq(t, "0", string(stale))

	// Activity revives the node with a fresh announcement.
	require.NoError(t, agg.UpdateNode(quiet, node.TxPoolImport{Ready: 2}))
	events = drain(t, sub)
	_, ok = find(events, feed.ActionAddedNode)
	assert.True(t, ok)
}

func TestNetworkState(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)
	require.NoError(t, agg.UpdateNode(ref, node.BlockImport{BestHash: hashB, Height: 100}))

	state, err := agg.NetworkState("Kusama", "alice")
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(state, &decoded))
	assert.Equal(t, "alice", decoded["name"])
	assert.Equal(t, "Kusama", decoded["chain"])
	assert.Equal(t, "10.0.0.1", decoded["ip"])

	_, err = agg.NetworkState("Kusama", "nobody")
	assert.Error(t, err)
	_, err = agg.NetworkState("Nowhere", "alice")
	assert.Error(t, err)
}

func TestOverflowingSubscriberIsDropped(t *testing.T) {
	agg, _ := newTestAggregator(t)

	ref, err := agg.AddNode("10.0.0.1", hashA, details("Kusama", "alice"))
	require.NoError(t, err)

	sub := feed.NewSubscriber()
	agg.Subscribe(sub)
	agg.SubscribeChain(sub, "Kusama")

	// Saturate the subscriber without draining it.
	for i := 0; i < feed.SubscriberBufferSize+10; i++ {
		require.NoError(t, agg.UpdateNode(ref, node.TxPoolImport{Ready: uint64(i + 1)}))
	}

	select {
	case <-sub.Overflow():
	default:
		t.Fatal("expected subscriber to overflow")
	}

	// The aggregator keeps working after dropping the subscriber.
	require.NoError(t, agg.UpdateNode(ref, node.TxPoolImport{Ready: 1}))
	agg.Unsubscribe(sub)
}
