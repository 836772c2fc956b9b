package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/wsremote"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Store     StoreFlags
	Listen    string
	NoMetrics bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a change log store over websockets",
		Long: `Serve the branches of a change log store to editor clients.

Clients connect to /sync?branch=<id>. Prometheus metrics are exposed on
/metrics unless disabled. The server stops on SIGINT or SIGTERM.

Examples:
  quill serve
  quill serve --listen 127.0.0.1:9000 --db ./quill.db
  quill serve --driver bolt --db ./quill.bolt --no-metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address, overrides server.listen")
	cmd.Flags().StringVar(&opts.Store.Driver, "driver", "", "store driver (sqlite|bolt), overrides store.driver")
	cmd.Flags().StringVar(&opts.Store.Path, "db", "", "store path, overrides store.path")
	cmd.Flags().BoolVar(&opts.NoMetrics, "no-metrics", false, "do not expose /metrics")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	slog.SetDefault(logger)

	storeCfg := opts.Store.resolve(cfg.Store)
	logger.Info("opening store", "driver", storeCfg.Driver, "path", storeCfg.Path)
	backend, err := openBackend(storeCfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer backend.Close()

	listen := cfg.Server.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", listen), err)
	}

	handler := newServeMux(backend, cfg.Server.Metrics && !opts.NoMetrics, logger)
	return serve(ctx, ln, handler, logger)
}

// newServeMux routes the sync endpoint, health check and metrics.
func newServeMux(backend changelog.Backend, withMetrics bool, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/sync", wsremote.NewServer(backend, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if withMetrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// serve runs an HTTP server on ln until ctx is done, then shuts it down.
// Open websocket connections end with ctx.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
