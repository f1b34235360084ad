package location_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packethost/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/substrate-telemetry/backend/internal/location"
	"github.com/substrate-telemetry/backend/internal/metrics"
	"github.com/substrate-telemetry/backend/internal/types"
	"go.uber.org/goleak"
)

func newTestResolver(t *testing.T, endpoint string) (*location.Resolver, context.CancelFunc) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	r := location.NewResolver(location.Config{
		Logger:   log.Test(t, t.Name()),
		Metrics:  metrics.New(),
		Endpoint: endpoint,
		Client:   client,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	return r, func() {
		cancel()
		<-done
		client.CloseIdleConnections()
	}
}

func TestLookupResolves(t *testing.T) {
	defer goleak.VerifyNone(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/1.2.3.4/json/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"latitude": 52.52, "longitude": 13.4, "city": "Berlin"}`))
	}))
	defer srv.Close()

	r, stop := newTestResolver(t, srv.URL)
	defer stop()

	locations := make(chan types.NodeLocation, 2)
	r.Lookup("1.2.3.4", func(loc types.NodeLocation) {
		locations <- loc
	})

	select {
	case loc := <-locations:
		assert.Equal(t, "Berlin", loc.City)
		assert.InDelta(t, 52.52, float64(loc.Latitude), 0.001)
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not resolve")
	}

	// A second lookup for the same IP is served from cache, synchronously.
	r.Lookup("1.2.3.4", func(loc types.NodeLocation) {
		locations <- loc
	})
	select {
	case loc := <-locations:
		assert.Equal(t, "Berlin", loc.City)
	default:
		t.Fatal("cache hit should invoke the callback before returning")
	}

	assert.Equal(t, int64(1), hits.Load())
}

func TestLookupSkipsNonPublicAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	r, stop := newTestResolver(t, srv.URL)
	defer stop()

	for _, ip := range []string{"10.1.2.3", "192.168.0.1", "127.0.0.1", "0.0.0.0", "not-an-ip"} {
		r.Lookup(ip, func(types.NodeLocation) {
			t.Errorf("unexpected location for %s", ip)
		})
	}
}

func TestLookupCachesUnresolvable(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"city": "nowhere"}`))
	}))
	defer srv.Close()

	r, stop := newTestResolver(t, srv.URL)
	defer stop()

	r.Lookup("8.8.8.8", func(types.NodeLocation) {
		t.Error("no coordinates, callback must not fire")
	})

	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The empty answer is cached: no further endpoint traffic.
	r.Lookup("8.8.8.8", func(types.NodeLocation) {
		t.Error("no coordinates, callback must not fire")
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())
}

func TestLookupEndpointFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r, stop := newTestResolver(t, srv.URL)
	defer stop()

	called := make(chan struct{}, 1)
	r.Lookup("9.9.9.9", func(types.NodeLocation) {
		called <- struct{}{}
	})

	select {
	case <-called:
		t.Fatal("failed lookup must not invoke the callback")
	case <-time.After(200 * time.Millisecond):
	}
}
