// Command observer serves the mirror endpoint gates report to, and exposes the
// latest state of every connected gate over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"platforminit/pkg/config"
	"platforminit/pkg/logx"
	"platforminit/pkg/mirror"
	"platforminit/pkg/persistence"
	"platforminit/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run serves until ctx is done. When ready is non-nil it receives the bound
// listener address once the server accepts connections.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, ready chan<- string) int {
	fs := flag.NewFlagSet("observer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "Path to the YAML configuration")
		addr        = fs.String("addr", "", "Listen address (overrides observer.addr)")
		storePath   = fs.String("store", "", "SQLite file recording every mirrored snapshot (overrides store.path)")
		showVersion = fs.Bool("version", false, "Show version information")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.String("observer"))
		return 0
	}
	logx.SetOutput(stderr)
	logger := logx.NewLogger("observer")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Error("❌ %v", err)
			return 2
		}
	}
	if *addr != "" {
		cfg.Observer.Addr = *addr
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	var opts []mirror.ServerOption
	if cfg.Store.Path != "" {
		store, err := persistence.Open(ctx, cfg.Store.Path)
		if err != nil {
			logger.Error("❌ %v", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, mirror.WithForward(store))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server := mirror.NewServer(opts...)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.Observer.Addr)
	if err != nil {
		logger.Error("❌ failed to listen on %s: %v", cfg.Observer.Addr, err)
		return 1
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Info("👀 Observer listening on %s", ln.Addr())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ server stopped: %v", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("🛑 Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown: %v", err)
	}
	return 0
}
