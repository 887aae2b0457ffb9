// Package server exposes the consultation API over HTTP and streams
// pipeline events over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Deps struct {
	Sessions  SessionService
	Ingestor  ChunkIngestor
	Summaries SummaryService
	Hub       *Hub
	Upload    UploadLimits

	// Files is set when blobs live on local disk and links point back here.
	Files SignedFiles

	BasicAuthUser     string
	BasicAuthPassword string

	Logger *slog.Logger
}

func Handler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(logger)
	}
	if deps.Upload.MaxChunkBytes <= 0 {
		deps.Upload.MaxChunkBytes = 2 << 20
	}

	mux := http.NewServeMux()
	registerWSRoute(mux, deps.Hub, logger)
	registerAPIRoutes(mux, deps)

	var h http.Handler = mux
	h = withBasicAuth(deps.BasicAuthUser, deps.BasicAuthPassword, h)
	h = withAccessLog(logger, h)
	h = withRequestID(h)
	return h
}

// Serve runs the HTTP server until ctx is canceled, then drains in-flight
// requests for up to ten seconds.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
