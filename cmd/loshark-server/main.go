package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kstaniek/go-loshark/internal/loshark"
	"github.com/kstaniek/go-loshark/internal/metrics"
	"github.com/kstaniek/go-loshark/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("loshark-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	metrics.InitBuildInfo(version, commit, date)
	h := newEventHub(cfg)
	l.Info("hub_config", "policy", cfg.hubPolicy, "buffer", h.OutBufSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	tr, err := initBackend(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}
	ctl := loshark.New(tr,
		loshark.WithLogger(l),
		loshark.WithTimeout(cfg.reqTimeout),
		loshark.WithListTimeout(cfg.listTimeout),
		loshark.WithTxQueue(cfg.txQueue),
	)
	defer forwardEvents(ctl, h, l)()
	startStatusLogger(ctx, cfg.logMetricsEvery, ctl, l, &wg)

	sup := newSupervisor(ctx, ctl, cfg, l)
	ctl.Connected().Watch(sup.onConnected)
	ctl.ModemOpened().Watch(func(v bool) { l.Info("modem_state", "opened", v) })

	srv := server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithDevice(ctl),
		server.WithSession(sup),
		server.WithLogger(l),
		server.WithVersion(version),
		server.WithMaxClients(cfg.maxClients),
		server.WithAllowOrigins(cfg.origins()),
		server.WithPingInterval(cfg.wsPing),
		server.WithRequestTimeout(cfg.httpTimeout),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("http_server_error", "error", err)
			cancel()
		}
	}()

	if cfg.autoConnect {
		if err := sup.Start(); err != nil {
			l.Error("supervisor_start_failed", "error", err)
		}
	}

	if cfg.mdnsEnable {
		go func() {
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
			svc, err := advertise(cfg, tr.Name(), srv.Addr())
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "addr", srv.Addr())
			<-ctx.Done()
			svc.Shutdown()
		}()
	}

	// Ready when the API listener is bound and the device session is up.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && ctl.Connected().Get()
	})
	if cfg.metricsAddr != "" {
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	if sup.Running() {
		if err := sup.Stop(stopCtx); err != nil {
			l.Warn("session_stop_error", "error", err)
		}
	}
	stopCancel()
	cancel()
	wg.Wait()
}
