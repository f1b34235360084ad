package shard

import "github.com/substrate-telemetry/backend/internal/types"

// LinkSink feeds one node submit connection into the core link. It
// satisfies ingest.Sink.
type LinkSink struct {
	link *Link
	ip   string

	ids map[int64]int64 // connection node id -> link local id
}

// NewLinkSink creates a sink for a connection from remote address ip.
func NewLinkSink(link *Link, ip string) *LinkSink {
	return &LinkSink{
		link: link,
		ip:   ip,
		ids:  make(map[int64]int64),
	}
}

// Add registers the node with the link. It never errors: rejection is
// decided by the core, which mutes the node asynchronously.
func (s *LinkSink) Add(connNodeID int64, genesisHash string, details types.NodeDetails) error {
	if old, ok := s.ids[connNodeID]; ok {
		s.link.RemoveNode(old)
	}

	s.ids[connNodeID] = s.link.AddNode(s.ip, genesisHash, details)
	return nil
}

// Update forwards the raw node message under the node's link local id.
func (s *LinkSink) Update(connNodeID int64, _ interface{}, raw []byte) {
	if id, ok := s.ids[connNodeID]; ok {
		s.link.UpdateNode(id, raw)
	}
}

// RemoveAll deregisters every node owned by the connection.
func (s *LinkSink) RemoveAll() {
	for _, id := range s.ids {
		s.link.RemoveNode(id)
	}
	s.ids = make(map[int64]int64)
}
