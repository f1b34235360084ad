package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-telemetry/backend/internal/node"
)

func TestParseSystemConnectedFlat(t *testing.T) {
	raw := `{
		"msg": "system.connected",
		"genesis_hash": "0xdeadbeef",
		"chain": "Kusama",
		"name": "alice",
		"implementation": "Parity Polkadot",
		"version": "0.9.17",
		"validator": null,
		"network_id": "12D3KooW"
	}`

	msg, err := node.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(0), msg.ConnectionNodeID)

	connected, ok := msg.Payload.(node.SystemConnected)
	require.True(t, ok)
	assert.Equal(t, "0xdeadbeef", connected.GenesisHash)
	assert.Equal(t, "Kusama", connected.Details.Chain)
	assert.Equal(t, "alice", connected.Details.Name)
	require.NotNil(t, connected.Details.NetworkID)
	assert.Equal(t, "12D3KooW", *connected.Details.NetworkID)
	assert.Nil(t, connected.Details.Validator)
}

func TestParseEnvelopeCarriesNodeID(t *testing.T) {
	raw := `{"id": 7, "payload": {"msg": "txpool.import", "ready": 42}}`

	msg, err := node.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ConnectionNodeID)
	assert.Equal(t, node.TxPoolImport{Ready: 42}, msg.Payload)
}

func TestParseSystemInterval(t *testing.T) {
	raw := `{
		"msg": "system.interval",
		"peers": 25,
		"txcount": 319,
		"bandwidth_upload": 1024.5,
		"bandwidth_download": 2048.25,
		"used_state_cache_size": 1234,
		"best": "0xabc",
		"height": 5000,
		"finalized_hash": "0xdef",
		"finalized_height": 4998
	}`

	msg, err := node.Parse([]byte(raw))
	require.NoError(t, err)

	interval, ok := msg.Payload.(node.SystemInterval)
	require.True(t, ok)
	require.NotNil(t, interval.Peers)
	assert.Equal(t, uint64(25), *interval.Peers)
	require.NotNil(t, interval.BestHash)
	assert.Equal(t, "0xabc", *interval.BestHash)
	require.NotNil(t, interval.BestHeight)
	assert.Equal(t, uint64(5000), *interval.BestHeight)
	require.NotNil(t, interval.FinalizedHeight)
	assert.Equal(t, uint64(4998), *interval.FinalizedHeight)
}

func TestParseIntervalWithoutBlockInfo(t *testing.T) {
	msg, err := node.Parse([]byte(`{"msg": "system.interval", "peers": 3}`))
	require.NoError(t, err)

	interval, ok := msg.Payload.(node.SystemInterval)
	require.True(t, ok)
	assert.Nil(t, interval.BestHash)
	assert.Nil(t, interval.BestHeight)
	assert.Nil(t, interval.TxCount)
}

func TestParseBlockImportHeightForms(t *testing.T) {
	cases := []struct {
		Name   string
		Raw    string
		Height uint64
	}{
		{
			Name:   "NumberHeight",
			Raw:    `{"msg": "block.import", "best": "0xabc", "height": 1234}`,
			Height: 1234,
		},
		{
			Name:   "StringHeight",
			Raw:    `{"msg": "block.import", "best": "0xabc", "height": "1234"}`,
			Height: 1234,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			msg, err := node.Parse([]byte(tc.Raw))
			require.NoError(t, err)
			assert.Equal(t, node.BlockImport{BestHash: "0xabc", Height: tc.Height}, msg.Payload)
		})
	}
}

func TestParseNotifyFinalized(t *testing.T) {
	raw := `{"msg": "notify.finalized", "best": "0xfff", "height": "4990"}`

	msg, err := node.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, node.NotifyFinalized{Best: "0xfff", Height: 4990}, msg.Payload)
}

func TestParseUnknownMessageIsNotAnError(t *testing.T) {
	msg, err := node.Parse([]byte(`{"msg": "afg.authority_set", "authorities": "[]"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		Name string
		Raw  string
	}{
		{Name: "Garbage", Raw: `not json`},
		{Name: "ImportWithoutBest", Raw: `{"msg": "block.import", "height": 1}`},
		{Name: "ImportWithoutHeight", Raw: `{"msg": "block.import", "best": "0xabc"}`},
		{Name: "BadHeightString", Raw: `{"msg": "block.import", "best": "0xabc", "height": "ten"}`},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := node.Parse([]byte(tc.Raw))
			assert.Error(t, err)
		})
	}
}
