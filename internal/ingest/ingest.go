// Package ingest drives a single node submit connection: it reads JSON
// messages off the WebSocket, applies per-connection rate limiting, parses
// them, and hands the results to a Sink. The core and the shard plug in
// different sinks behind the same connection handling.
package ingest

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/packethost/pkg/log"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/node"
	"github.com/substrate-telemetry/backend/internal/types"
	"golang.org/x/time/rate"
)

const (
	// DefaultMessageRate is the sustained per-connection message budget.
	DefaultMessageRate = 10

	// DefaultMessageBurst is the short-term burst allowance.
	DefaultMessageBurst = 40

	readTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second

	// maxMessageSize bounds a single node message. Nodes have no business
	// sending anything close to this.
	maxMessageSize = 256 * 1024
)

// Sink consumes the parsed output of one submit connection. Implementations
// are per-connection and need not be safe for concurrent use by the reader
// loop; RemoveAll is called exactly once when the connection ends.
type Sink interface {
	// Add registers the node multiplexed under connNodeID. An error mutes
	// the node: the connection stays open but its updates are discarded.
	Add(connNodeID int64, genesisHash string, details types.NodeDetails) error

	// Update applies a non-connect payload for a previously added node.
	// raw is the message as received, for sinks that forward rather than
	// apply.
	Update(connNodeID int64, payload interface{}, raw []byte)

	// RemoveAll tears down every node owned by the connection.
	RemoveAll()
}

// Config carries the connection handler dependencies.
type Config struct {
	Logger  log.Logger
	Metrics *metrics.Metrics

	// MessageRate and MessageBurst configure the per-connection token
	// bucket; zero values take the defaults.
	MessageRate  float64
	MessageBurst int
}

// HandleConn services one upgraded submit connection until it closes, the
// context is cancelled, or the peer misbehaves. It always invokes
// sink.RemoveAll before returning.
func HandleConn(ctx context.Context, ws *websocket.Conn, sink Sink, cfg Config) {
	logger := cfg.Logger.Package("ingest").With("remote", ws.RemoteAddr().String())
	defer sink.RemoveAll()

	if cfg.MessageRate == 0 {
		cfg.MessageRate = DefaultMessageRate
	}
	if cfg.MessageBurst == 0 {
		cfg.MessageBurst = DefaultMessageBurst
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Ping loop: keeps NATed node connections alive and detects dead
	// peers via the read deadline.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-ctx.Done():
				ws.Close()
				return
			case <-done:
				return
			}
		}
	}()

	muted := make(map[int64]bool)
	overLimitStreak := 0

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.With("error", err).Info("submit connection closed")
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(readTimeout))

		if !limiter.Allow() {
			cfg.Metrics.RateLimitedMessages.Inc()
			overLimitStreak++
			// A connection that burns through the burst twice over without
			// a single accepted message is abusive; cut it off.
			if overLimitStreak > cfg.MessageBurst*2 {
				logger.Info("closing submit connection, rate limit abuse")
				closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded")
				ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeTimeout))
				return
			}
			continue
		}
		overLimitStreak = 0

		msg, err := node.Parse(raw)
		if err != nil {
			cfg.Metrics.Errors.WithLabelValues("ingest", "parse").Inc()
			logger.With("error", err).Info("closing submit connection, malformed message")
			return
		}

		if msg.Payload == nil {
			cfg.Metrics.IngestedMessages.WithLabelValues("ignored").Inc()
			continue
		}

		cfg.Metrics.IngestedMessages.WithLabelValues(payloadKind(msg.Payload)).Inc()

		if connected, ok := msg.Payload.(node.SystemConnected); ok {
			delete(muted, msg.ConnectionNodeID)
			if err := sink.Add(msg.ConnectionNodeID, connected.GenesisHash, connected.Details); err != nil {
				muted[msg.ConnectionNodeID] = true
				logger.With(
					"chain", connected.Details.Chain,
					"node", connected.Details.Name,
					"reason", err.Error(),
				).Info("node rejected, muting")
			}
			continue
		}

		if muted[msg.ConnectionNodeID] {
			continue
		}

		sink.Update(msg.ConnectionNodeID, msg.Payload, raw)
	}
}

func payloadKind(payload interface{}) string {
	switch payload.(type) {
	case node.SystemConnected:
		return "system.connected"
	case node.SystemInterval:
		return "system.interval"
	case node.BlockImport:
		return "block.import"
	case node.NotifyFinalized:
		return "notify.finalized"
	case node.TxPoolImport:
		return "txpool.import"
	default:
		return "unknown"
	}
}
