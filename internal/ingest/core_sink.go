package ingest

import (
	"github.com/pkg/errors"
	"github.com/substrate-telemetry/backend/internal/aggregator"
	"github.com/substrate-telemetry/backend/internal/types"
)

// CoreSink feeds one direct node connection into the aggregator.
type CoreSink struct {
	agg *aggregator.Aggregator
	ip  string

	refs map[int64]aggregator.NodeRef
}

// NewCoreSink creates a sink for a connection from remote address ip.
func NewCoreSink(agg *aggregator.Aggregator, ip string) *CoreSink {
	return &CoreSink{
		agg:  agg,
		ip:   ip,
		refs: make(map[int64]aggregator.NodeRef),
	}
}

// Add satisfies Sink. A repeated system.connected under the same envelope
// id replaces the previous registration.
func (s *CoreSink) Add(connNodeID int64, genesisHash string, details types.NodeDetails) error {
	if old, ok := s.refs[connNodeID]; ok {
		s.agg.RemoveNode(old)
		delete(s.refs, connNodeID)
	}

	ref, err := s.agg.AddNode(s.ip, genesisHash, details)
	if err != nil {
		return err
	}

	s.refs[connNodeID] = ref
	return nil
}

// Update satisfies Sink. Updates for ids that never connected are dropped.
func (s *CoreSink) Update(connNodeID int64, payload interface{}, _ []byte) {
	ref, ok := s.refs[connNodeID]
	if !ok {
		return
	}

	if err := s.agg.UpdateNode(ref, payload); err != nil {
		if errors.Is(err, aggregator.ErrUnknownNode) {
			delete(s.refs, connNodeID)
		}
	}
}

// RemoveAll satisfies Sink.
func (s *CoreSink) RemoveAll() {
	for _, ref := range s.refs {
		s.agg.RemoveNode(ref)
	}
	s.refs = make(map[int64]aggregator.NodeRef)
}
