// Package shard implements the ingestion shard: it terminates node submit
// connections close to the nodes and forwards their updates to the core
// over a single WebSocket link.
package shard

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	// outboundBuffer is the send queue of a live session. Envelopes beyond
	// it, and all envelopes while the link is down, are dropped and
	// counted; the reconnect replay re-announces node state.
	outboundBuffer = 4096

	linkWriteTimeout = 10 * time.Second
	linkReadTimeout  = 90 * time.Second
	linkPingInterval = 30 * time.Second
)

// nodeRecord is everything needed to re-add a node after a reconnect.
type nodeRecord struct {
	ip          string
	genesisHash string
	details     types.NodeDetails
	muted       bool
}

// Link owns the connection to the core. Node connections register and
// forward through it; it reconnects with exponential backoff and replays
// the live node set after each reconnect.
type Link struct {
	log     log.Logger
	metrics *metrics.Metrics
	coreURL string
	dialer  *websocket.Dialer

	mu     sync.Mutex
	nextID int64
	nodes  map[int64]*nodeRecord
	up     bool

	outbound chan Envelope
}

// NewLink creates a link to the core's /shard_submit endpoint at coreURL.
func NewLink(logger log.Logger, m *metrics.Metrics, coreURL string) *Link {
	return &Link{
		log:      logger.Package("shardlink"),
		metrics:  m,
		coreURL:  coreURL,
		dialer:   websocket.DefaultDialer,
		nodes:    make(map[int64]*nodeRecord),
		outbound: make(chan Envelope, outboundBuffer),
	}
}

// AddNode registers a node with the link and announces it to the core;
// while the link is down the announcement falls to the reconnect replay.
// The returned local id keys all further traffic for the node.
func (l *Link) AddNode(ip, genesisHash string, details types.NodeDetails) int64 {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.nodes[id] = &nodeRecord{ip: ip, genesisHash: genesisHash, details: details}
	l.mu.Unlock()

	l.enqueue(Envelope{
		Op:          OpAdd,
		LocalID:     id,
		IP:          ip,
		GenesisHash: genesisHash,
		Details:     &details,
	})
	return id
}

// UpdateNode forwards a raw node message. Muted nodes are skipped.
func (l *Link) UpdateNode(id int64, raw []byte) {
	l.mu.Lock()
	record, ok := l.nodes[id]
	muted := ok && record.muted
	l.mu.Unlock()

	if !ok || muted {
		return
	}

	l.enqueue(Envelope{Op: OpUpdate, LocalID: id, Payload: raw})
}

// RemoveNode deregisters a node and tells the core.
func (l *Link) RemoveNode(id int64) {
	l.mu.Lock()
	_, ok := l.nodes[id]
	delete(l.nodes, id)
	l.mu.Unlock()

	if ok {
		l.enqueue(Envelope{Op: OpRemove, LocalID: id})
	}
}

func (l *Link) enqueue(env Envelope) {
	l.mu.Lock()
	up := l.up
	l.mu.Unlock()

	if !up {
		l.metrics.DroppedUpdates.Inc()
		return
	}

	select {
	case l.outbound <- env:
	default:
		l.metrics.DroppedUpdates.Inc()
	}
}

// Connected reports whether the link currently has a live core connection.
// Used by the shard health check.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// IsHealthy satisfies the health check client interface.
func (l *Link) IsHealthy(context.Context) bool {
	return l.Connected()
}

// Run dials the core and services the link until ctx is done. Failed
// dials back off exponentially; a session that got as far as connecting
// resets the backoff.
func (l *Link) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := l.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.log.Error(err, "shard link session")
		}
		if connected {
			policy.Reset()
		}

		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connected episode: replay the node set, then pump the
// outbound queue and read mute envelopes until something breaks. The bool
// reports whether the dial succeeded.
func (l *Link) session(ctx context.Context) (bool, error) {
	ws, _, err := l.dialer.DialContext(ctx, l.coreURL, nil)
	if err != nil {
		return false, errors.Wrapf(err, "dial core %s", l.coreURL)
	}
	defer ws.Close()

	l.log.With("core", l.coreURL).Info("connected to core")

	// Discard whatever the dying session left queued; the replay below
	// carries the current node state.
drain:
	for {
		select {
		case <-l.outbound:
			l.metrics.DroppedUpdates.Inc()
		default:
			break drain
		}
	}

	l.mu.Lock()
	l.up = true
	// Re-announce every live node; the core lost them when the previous
	// session dropped. Mutes are replayed by the core as it re-rejects.
	replay := make([]Envelope, 0, len(l.nodes))
	for id, record := range l.nodes {
		record.muted = false
		details := record.details
		replay = append(replay, Envelope{
			Op:          OpAdd,
			LocalID:     id,
			IP:          record.ip,
			GenesisHash: record.genesisHash,
			Details:     &details,
		})
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.up = false
		l.mu.Unlock()
	}()

	for _, env := range replay {
		ws.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
		if err := ws.WriteJSON(env); err != nil {
			return true, errors.Wrap(err, "replay node set")
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	// Writer: outbound queue plus keepalive pings.
	group.Go(func() error {
		ticker := time.NewTicker(linkPingInterval)
		defer ticker.Stop()
		for {
			select {
			case env := <-l.outbound:
				ws.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
				if err := ws.WriteJSON(env); err != nil {
					return errors.Wrap(err, "write envelope")
				}
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(linkWriteTimeout)); err != nil {
					return errors.Wrap(err, "ping core")
				}
			case <-ctx.Done():
				ws.Close()
				return ctx.Err()
			}
		}
	})

	// Reader: mute envelopes from the core.
	group.Go(func() error {
		ws.SetReadDeadline(time.Now().Add(linkReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(linkReadTimeout))
		})

		for {
			var env Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return errors.Wrap(err, "read core envelope")
			}
			ws.SetReadDeadline(time.Now().Add(linkReadTimeout))

			if env.Op != OpMute {
				continue
			}

			l.mu.Lock()
			if record, ok := l.nodes[env.LocalID]; ok {
				record.muted = true
			}
			l.mu.Unlock()

			l.log.With("local_id", env.LocalID, "reason", env.Reason).Info("core muted node")
		}
	})

	err = group.Wait()
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}
