package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/substrate-telemetry/backend/internal/feed"
)

const feedWriteTimeout = 10 * time.Second

// Feed commands are short text frames; anything larger is a broken client.
const feedReadLimit = 1024

// Keepalive knobs, vars so tests can shrink them.
var (
	feedPingInterval = 30 * time.Second
	feedReadTimeout  = 90 * time.Second
)

// handleFeed services one dashboard subscriber. The subscriber is handed to
// the aggregator, which owns message ordering; this handler only pumps the
// subscriber queue onto the socket and parses the two feed commands.
func (c *Core) handleFeed(gctx *gin.Context) {
	ws, err := c.upgrader.Upgrade(gctx.Writer, gctx.Request, nil)
	if err != nil {
		c.metrics.Errors.WithLabelValues("server", "upgrade").Inc()
		_ = gctx.AbortWithError(http.StatusBadRequest, err)
		return
	}
	defer ws.Close()

	logger := c.log.With("remote", ws.RemoteAddr().String())

	// Subscribe owns the ConnectedFeeds gauge; it is balanced by
	// Unsubscribe or by the aggregator dropping the subscriber.
	sub := feed.NewSubscriber()
	c.agg.Subscribe(sub)
	defer c.agg.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(gctx.Request.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Ping loop shares the pump so there is a single writer; dead
		// dashboards are reaped by the read deadline.
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(feedWriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case msg := <-sub.Messages():
				ws.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
				c.metrics.FeedBytes.Add(float64(len(msg)))
			case <-sub.Overflow():
				// The aggregator already dropped this subscriber; tell the
				// dashboard why before hanging up.
				logger.Info("closing feed, subscriber overflow")
				closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "feed lagging")
				ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(feedWriteTimeout))
				ws.Close()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	ws.SetReadLimit(feedReadLimit)
	ws.SetReadDeadline(time.Now().Add(feedReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			cancel()
			<-writerDone
			return
		}
		ws.SetReadDeadline(time.Now().Add(feedReadTimeout))

		cmd := string(raw)
		switch {
		case strings.HasPrefix(cmd, "subscribe:"):
			c.agg.SubscribeChain(sub, strings.TrimPrefix(cmd, "subscribe:"))
		case strings.HasPrefix(cmd, "ping:"):
			var ser feed.Serializer
			ser.Push(feed.ActionPong, strings.TrimPrefix(cmd, "ping:"))
			sub.Send(ser.Finalize())
		}
		// Unknown commands are ignored; new dashboards talk to old cores.
	}
}
