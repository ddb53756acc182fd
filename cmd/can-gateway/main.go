package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-fdcan/internal/cnl"
	"github.com/kstaniek/go-fdcan/internal/metrics"
	"github.com/kstaniek/go-fdcan/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "can-gateway:", err)
		os.Exit(1)
	}
}

// run starts the gateway and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, showVersion, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "can-gateway %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, stderr)
	srv, err := startGateway(ctx, cfg, l)
	if err != nil {
		return err
	}
	return srv.wait()
}

type gateway struct {
	srv    *server.Server
	g      *errgroup.Group
	cancel context.CancelFunc
}

// Addr returns the bound TCP address once the listener is up.
func (gw *gateway) Addr() string { return gw.srv.Addr() }

func (gw *gateway) wait() error {
	defer gw.cancel()
	return gw.g.Wait()
}

// startGateway opens the medium, starts the controller and serves TCP
// clients. The returned gateway stops when ctx is cancelled.
func startGateway(parent context.Context, cfg *appConfig, l *slog.Logger) (*gateway, error) {
	m, err := openMedium(parent, cfg, l)
	if err != nil {
		return nil, err
	}
	p, fc, err := startController(cfg, m, l)
	if err != nil {
		return nil, err
	}
	ep, err := fc.Split()
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	g, ctx := errgroup.WithContext(ctx)
	h := initHub(cfg, l)
	br := newBridge(ctx, cfg, ep, h, l)
	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithSink(br),
		server.WithClientFilter(clientFilter(cfg)),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)

	g.Go(func() error { return br.run(ctx) })
	g.Go(func() error {
		err := srv.Serve(ctx)
		if err != nil {
			l.Error("tcp_server_error", "error", err)
		}
		return err
	})
	g.Go(func() error { return metricsLogger(ctx, cfg.logMetricsEvery, l) })
	g.Go(func() error { return advertise(ctx, cfg, srv, l) })
	g.Go(func() error {
		<-ctx.Done()
		l.Info("shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("shutdown_incomplete", "error", err)
		}
		// the peripheral owns the medium and closes it
		return p.Close()
	})

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && !ep.Control.BusOff()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		g.Go(func() error {
			<-ctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
	}
	return &gateway{srv: srv, g: g, cancel: cancel}, nil
}

// advertise publishes the service over mDNS once the listener is bound.
func advertise(ctx context.Context, cfg *appConfig, srv *server.Server, l *slog.Logger) error {
	if !cfg.mdnsEnable {
		return nil
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	port := listenPort(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}

func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
