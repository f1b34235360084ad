package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/substrate-telemetry/backend/internal/ingest"
	"github.com/substrate-telemetry/backend/internal/shard"
)

// handleSubmit services a node connecting directly to the core.
func (c *Core) handleSubmit(ctx *gin.Context) {
	ip := remoteIP(ctx.Request)

	ws, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.metrics.Errors.WithLabelValues("server", "upgrade").Inc()
		_ = ctx.AbortWithError(http.StatusBadRequest, err)
		return
	}
	defer ws.Close()

	ingest.HandleConn(ctx.Request.Context(), ws, ingest.NewCoreSink(c.agg, ip), c.ingest)
}

// handleSubmit services a node connecting to the shard. Parsed messages are
// forwarded to the core over the link rather than applied locally.
func (s *Shard) handleSubmit(ctx *gin.Context) {
	ip := remoteIP(ctx.Request)

	ws, err := s.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.metrics.Errors.WithLabelValues("server", "upgrade").Inc()
		_ = ctx.AbortWithError(http.StatusBadRequest, err)
		return
	}
	defer ws.Close()

	ingest.HandleConn(ctx.Request.Context(), ws, shard.NewLinkSink(s.link, ip), s.ingest)
}
