// Package http provides the serving glue shared by the telemetry binaries.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/packethost/pkg/log"
)

// Serve is a blocking call that serves handler on address until ctx is
// cancelled, then attempts a graceful shutdown. If graceful shutdown times
// out it force-closes the listener and returns an error.
func Serve(ctx context.Context, logger log.Logger, address string, handler http.Handler) error {
	server := http.Server{
		Addr:    address,
		Handler: handler,

		// Mitigate Slowloris attacks. The telemetry endpoints carry few
		// headers so 20 seconds is plenty of time.
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 20 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Listening on %s", address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait until we're told to shutdown.
	select {
	case <-ctx.Done():
	case e := <-errChan:
		return e
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// WebSocket connections don't count as idle, so a deployment with live
	// feeds will normally ride out the full timeout before the force close.
	if err := server.Shutdown(ctx); err != nil {
		server.Close()

		if errors.Is(err, context.DeadlineExceeded) {
			return errors.New("timed out waiting for graceful shutdown")
		}

		return err
	}

	return nil
}
