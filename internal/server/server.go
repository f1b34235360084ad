/*
Package server wires the telemetry HTTP surfaces. The core exposes the
dashboard feed, direct node submission, the shard link and diagnostic
routes; the shard exposes node submission and diagnostics only.
*/
package server

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/packethost/pkg/log"
	"github.com/substrate-telemetry/backend/internal/aggregator"
	"github.com/substrate-telemetry/backend/internal/healthcheck"
	"github.com/substrate-telemetry/backend/internal/ingest"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/shard"
	"github.com/substrate-telemetry/backend/internal/xff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CoreConfig configures the core HTTP surface.
type CoreConfig struct {
	Logger     log.Logger
	Metrics    *metrics.Metrics
	Aggregator *aggregator.Aggregator

	// MessageRate and MessageBurst bound each direct submit connection;
	// zero values take the ingest defaults.
	MessageRate  float64
	MessageBurst int

	// TrustedProxies is a comma separated list of IPs and CIDR blocks
	// allowed to set X-Forwarded-For.
	TrustedProxies string
}

// Core serves the telemetry core endpoints.
type Core struct {
	log      log.Logger
	metrics  *metrics.Metrics
	agg      *aggregator.Aggregator
	ingest   ingest.Config
	upgrader websocket.Upgrader
}

// NewCoreHandler builds the full core handler: feed, submit, shard_submit,
// network_state, plus the /healthz and /metrics z-pages.
func NewCoreHandler(cfg CoreConfig) (http.Handler, error) {
	xffmw, err := xff.MiddlewareFromUnparsed(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	core := &Core{
		log:     cfg.Logger.Package("server"),
		metrics: cfg.Metrics,
		agg:     cfg.Aggregator,
		ingest: ingest.Config{
			Logger:       cfg.Logger,
			Metrics:      cfg.Metrics,
			MessageRate:  cfg.MessageRate,
			MessageBurst: cfg.MessageBurst,
		},
		upgrader: newUpgrader(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), xffmw)
	router.Use(
		metrics.InstrumentRequestCount(cfg.Metrics.Registry),
		metrics.InstrumentRequestDuration(cfg.Metrics.Registry),
	)

	metrics.Configure(router, cfg.Metrics.Registry)
	healthcheck.Configure(router, cfg.Aggregator)

	router.GET("/feed", core.handleFeed)
	router.GET("/submit", core.handleSubmit)
	router.GET("/shard_submit", core.handleShardSubmit)
	router.GET("/network_state/:chain/:node", core.handleNetworkState)

	return otelhttp.NewHandler(router, "telemetry-core"), nil
}

// ShardConfig configures the shard HTTP surface.
type ShardConfig struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	Link    *shard.Link

	MessageRate  float64
	MessageBurst int

	TrustedProxies string
}

// Shard serves the shard endpoints.
type Shard struct {
	log      log.Logger
	metrics  *metrics.Metrics
	link     *shard.Link
	ingest   ingest.Config
	upgrader websocket.Upgrader
}

// NewShardHandler builds the shard handler: submit plus z-pages. The shard
// health check reflects the state of the core link.
func NewShardHandler(cfg ShardConfig) (http.Handler, error) {
	xffmw, err := xff.MiddlewareFromUnparsed(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	sh := &Shard{
		log:     cfg.Logger.Package("server"),
		metrics: cfg.Metrics,
		link:    cfg.Link,
		ingest: ingest.Config{
			Logger:       cfg.Logger,
			Metrics:      cfg.Metrics,
			MessageRate:  cfg.MessageRate,
			MessageBurst: cfg.MessageBurst,
		},
		upgrader: newUpgrader(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), xffmw)
	router.Use(
		metrics.InstrumentRequestCount(cfg.Metrics.Registry),
		metrics.InstrumentRequestDuration(cfg.Metrics.Registry),
	)

	metrics.Configure(router, cfg.Metrics.Registry)
	healthcheck.Configure(router, cfg.Link)

	router.GET("/submit", sh.handleSubmit)

	return otelhttp.NewHandler(router, "telemetry-shard"), nil
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Submitters are nodes and shards, not browsers; the feed is open
		// to any dashboard origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// remoteIP extracts the bare IP from RemoteAddr, which the trusted proxy
// middleware has already rewritten where applicable.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
