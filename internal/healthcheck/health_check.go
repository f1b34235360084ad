// Package healthcheck exposes the /healthz endpoint shared by the core and
// shard binaries.
package healthcheck

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/substrate-telemetry/backend/internal/build"
)

// Client defines health check behavior for a service. The core reports on
// the aggregator, the shard on its core link.
type Client interface {
	// IsHealthy returns true if the service is able to do useful work.
	IsHealthy(context.Context) bool
}

// NewHandler returns a gin.HandlerFunc providing health check endpoint
// behavior. On each request it queries client.IsHealthy and returns a 200
// if healthy, else a 500. start should be the process start time.
func NewHandler(client Client, start time.Time) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		isHealthy := client.IsHealthy(ctx)

		res := struct {
			GitRev     string  `json:"git_rev"`
			Uptime     float64 `json:"uptime"`
			Goroutines int     `json:"goroutines"`
			Healthy    bool    `json:"healthy"`
		}{
			GitRev:     build.GetGitRevision(),
			Uptime:     time.Since(start).Seconds(),
			Goroutines: runtime.NumGoroutine(),
			Healthy:    isHealthy,
		}

		status := http.StatusOK
		if !isHealthy {
			status = http.StatusInternalServerError
		}

		ctx.JSON(status, res)
	}
}

// Configure configures router with a /healthz endpoint using a handler
// created with NewHandler.
func Configure(router gin.IRouter, client Client) {
	router.GET("/healthz", NewHandler(client, time.Now()))
}
