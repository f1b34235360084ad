// Package location resolves node IP addresses to map coordinates for the
// dashboard. Lookups go through a small worker pool against an ipapi.co
// style JSON endpoint and results are cached per IP for the process
// lifetime; the churn of nodes re-connecting from the same address vastly
// outnumbers distinct addresses.
package location

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/types"
	"golang.org/x/sync/errgroup"
)

// DefaultEndpoint is the lookup service queried per IP. The IP is appended
// followed by "/json/".
const DefaultEndpoint = "https://ipapi.co"

const (
	workerCount    = 4
	requestBuffer  = 256
	requestTimeout = 10 * time.Second
)

// Config carries the resolver dependencies.
type Config struct {
	Logger  log.Logger
	Metrics *metrics.Metrics

	// Endpoint defaults to DefaultEndpoint when empty.
	Endpoint string

	// Client defaults to an http.Client with a 10s timeout.
	Client *http.Client
}

type request struct {
	ip    string
	found func(types.NodeLocation)
}

// Resolver implements aggregator.Locator.
type Resolver struct {
	log      log.Logger
	metrics  *metrics.Metrics
	endpoint string
	client   *http.Client

	cacheMu sync.RWMutex
	// cache maps IP to its location; a nil entry records an address the
	// endpoint answered without usable coordinates so it isn't re-queried.
	// Transient fetch failures are not cached and retry on the next
	// lookup.
	cache map[string]*types.NodeLocation

	requests chan request
}

// NewResolver creates a resolver; Run must be started for lookups to make
// progress.
func NewResolver(cfg Config) *Resolver {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: requestTimeout}
	}

	return &Resolver{
		log:      cfg.Logger.Package("location"),
		metrics:  cfg.Metrics,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		client:   cfg.Client,
		cache:    make(map[string]*types.NodeLocation),
		requests: make(chan request, requestBuffer),
	}
}

// Run services lookups until ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for i := 0; i < workerCount; i++ {
		group.Go(func() error {
			for {
				select {
				case req := <-r.requests:
					r.resolve(ctx, req)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	return group.Wait()
}

// Lookup resolves ip, invoking found at most once when a location is
// known. Cache hits invoke found before returning; cold lookups are
// queued and may be discarded under load.
func (r *Resolver) Lookup(ip string, found func(types.NodeLocation)) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() {
		r.metrics.LocationLookups.WithLabelValues("skipped").Inc()
		return
	}

	r.cacheMu.RLock()
	loc, cached := r.cache[ip]
	r.cacheMu.RUnlock()

	if cached {
		r.metrics.LocationLookups.WithLabelValues("cached").Inc()
		if loc != nil {
			found(*loc)
		}
		return
	}

	select {
	case r.requests <- request{ip: ip, found: found}:
	default:
		// Queue full. The node simply stays unlocated.
		r.metrics.LocationLookups.WithLabelValues("failed").Inc()
	}
}

func (r *Resolver) resolve(ctx context.Context, req request) {
	loc, err := r.fetch(ctx, req.ip)
	if err != nil {
		r.metrics.LocationLookups.WithLabelValues("failed").Inc()
		r.metrics.Errors.WithLabelValues("location", "fetch").Inc()
		r.log.With("ip", req.ip).Error(err)
		return
	}

	r.cacheMu.Lock()
	r.cache[req.ip] = loc
	r.cacheMu.Unlock()

	r.metrics.LocationLookups.WithLabelValues("resolved").Inc()
	if loc != nil {
		req.found(*loc)
	}
}

// fetch queries the endpoint. A nil location with nil error means the
// endpoint answered but had no usable coordinates; that outcome is cached.
func (r *Resolver) fetch(ctx context.Context, ip string) (*types.NodeLocation, error) {
	url := r.endpoint + "/" + ip + "/json/"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build location request")
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "location request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("location endpoint returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, errors.Wrap(err, "read location response")
	}

	var body struct {
		Latitude  *float32 `json:"latitude"`
		Longitude *float32 `json:"longitude"`
		City      string   `json:"city"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, "parse location response")
	}

	if body.Latitude == nil || body.Longitude == nil {
		return nil, nil
	}

	return &types.NodeLocation{
		Latitude:  *body.Latitude,
		Longitude: *body.Longitude,
		City:      body.City,
	}, nil
}
