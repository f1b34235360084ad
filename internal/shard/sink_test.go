package shard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-telemetry/backend/internal/shard"
	"github.com/substrate-telemetry/backend/internal/types"
)

func TestLinkSinkMapsConnectionNodes(t *testing.T) {
	core := newFakeCore(t)
	link := startLink(t, core.url())
	sink := shard.NewLinkSink(link, "5.6.7.8")

	require.NoError(t, sink.Add(0, "0xabc", types.NodeDetails{Chain: "Kusama", Name: "alice"}))
	add := core.nextOf(t, shard.OpAdd)
	assert.Equal(t, "5.6.7.8", add.IP)

	raw := []byte(`{"msg": "txpool.import", "ready": 3}`)
	sink.Update(0, nil, raw)
	update := core.nextOf(t, shard.OpUpdate)
	assert.Equal(t, add.LocalID, update.LocalID)
	assert.JSONEq(t, string(raw), string(update.Payload))

	// Updates for ids that never announced are dropped on the shard.
	sink.Update(99, nil, raw)

	sink.RemoveAll()
	remove := core.nextOf(t, shard.OpRemove)
	assert.Equal(t, add.LocalID, remove.LocalID)
}

func TestLinkSinkReannounceReplaces(t *testing.T) {
	core := newFakeCore(t)
	link := startLink(t, core.url())
	sink := shard.NewLinkSink(link, "5.6.7.8")

	require.NoError(t, sink.Add(0, "0xabc", types.NodeDetails{Chain: "Kusama", Name: "alice"}))
	first := core.nextOf(t, shard.OpAdd)

	require.NoError(t, sink.Add(0, "0xabc", types.NodeDetails{Chain: "Kusama", Name: "alice-restarted"}))
	removed := core.nextOf(t, shard.OpRemove)
	assert.Equal(t, first.LocalID, removed.LocalID)

	second := core.nextOf(t, shard.OpAdd)
	require.NotNil(t, second.Details)
	assert.Equal(t, "alice-restarted", second.Details.Name)
	assert.NotEqual(t, first.LocalID, second.LocalID)
}
