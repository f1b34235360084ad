package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/substrate-telemetry/backend/internal/aggregator"
	"github.com/substrate-telemetry/backend/internal/node"
	"github.com/substrate-telemetry/backend/internal/shard"
)

const (
	shardReadTimeout  = 90 * time.Second
	shardWriteTimeout = 10 * time.Second
)

// handleShardSubmit services one shard link. The shard multiplexes all of
// its nodes over this connection using link-local ids; rejected nodes are
// answered with a mute envelope so the shard stops forwarding them.
func (c *Core) handleShardSubmit(ctx *gin.Context) {
	ws, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.metrics.Errors.WithLabelValues("server", "upgrade").Inc()
		_ = ctx.AbortWithError(http.StatusBadRequest, err)
		return
	}
	defer ws.Close()

	logger := c.log.With("shard", ws.RemoteAddr().String())
	logger.Info("shard connected")

	c.metrics.ConnectedShards.Inc()
	defer c.metrics.ConnectedShards.Dec()

	refs := make(map[int64]aggregator.NodeRef)
	defer func() {
		for _, ref := range refs {
			c.agg.RemoveNode(ref)
		}
	}()

	// The shard pings every 30s; gorilla answers with pongs as long as we
	// keep reading.
	ws.SetReadDeadline(time.Now().Add(shardReadTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(shardReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(shardWriteTimeout))
	})

	for {
		var env shard.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			logger.With("error", err).Info("shard disconnected")
			return
		}
		ws.SetReadDeadline(time.Now().Add(shardReadTimeout))

		switch env.Op {
		case shard.OpAdd:
			if old, ok := refs[env.LocalID]; ok {
				c.agg.RemoveNode(old)
				delete(refs, env.LocalID)
			}
			if env.Details == nil {
				c.metrics.Errors.WithLabelValues("server", "shard_add").Inc()
				continue
			}

			ref, err := c.agg.AddNode(env.IP, env.GenesisHash, *env.Details)
			if err != nil {
				mute := shard.Envelope{Op: shard.OpMute, LocalID: env.LocalID, Reason: err.Error()}
				ws.SetWriteDeadline(time.Now().Add(shardWriteTimeout))
				if err := ws.WriteJSON(mute); err != nil {
					logger.With("error", err).Info("shard disconnected")
					return
				}
				continue
			}
			refs[env.LocalID] = ref

		case shard.OpUpdate:
			ref, ok := refs[env.LocalID]
			if !ok {
				continue
			}

			// The payload is the node message as the node sent it; the
			// shard forwards without re-encoding.
			msg, err := node.Parse(env.Payload)
			if err != nil {
				c.metrics.Errors.WithLabelValues("server", "shard_update").Inc()
				continue
			}
			if msg.Payload == nil {
				continue
			}

			if err := c.agg.UpdateNode(ref, msg.Payload); err != nil {
				delete(refs, env.LocalID)
			}

		case shard.OpRemove:
			if ref, ok := refs[env.LocalID]; ok {
				c.agg.RemoveNode(ref)
				delete(refs, env.LocalID)
			}
		}
	}
}
