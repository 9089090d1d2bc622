package cli

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	pilothttp "github.com/Pythagora-io/gpt-pilot-sub000/pkg/adapters/http"
)

// ShutdownTimeout bounds how long in-flight requests may take once the server stops.
const ShutdownTimeout = 5 * time.Second

// Serve runs the inspection API on addr until ctx is cancelled. Streams, when set,
// feeds the /events endpoint.
func Serve(ctx context.Context, app *App, addr string, streams *pilothttp.StreamManager, w io.Writer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveListener(ctx, app, ln, streams, w)
}

func serveListener(ctx context.Context, app *App, ln net.Listener, streams *pilothttp.StreamManager, w io.Writer) error {
	opts := []pilothttp.Option{
		pilothttp.WithLogger(app.Logger),
		pilothttp.WithGatherer(app.Registry),
	}
	if streams != nil {
		opts = append(opts, pilothttp.WithStreams(streams))
	}
	srv := &http.Server{
		Handler:           pilothttp.NewHandler(app.Repo, opts...),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	printSystemMessage(w, "Serving inspection API on http://%s", ln.Addr())
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Warn("Graceful shutdown did not complete", "timeout", ShutdownTimeout, "err", err)
			return srv.Close()
		}
		printSystemMessage(w, "Server stopped.")
		return nil
	}
}
