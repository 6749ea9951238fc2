// Command langrelay runs the translation load balancer: it loads an INI
// configuration, brings up one Adapter per configured upstream, starts
// the Dispatch Manager, Reconnect Loop, Front Server, and admin HTTP
// surface, and supervises them until a shutdown signal or an
// /admin/stop request arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/duskline/langrelay/adapter"
	"github.com/duskline/langrelay/adminhttp"
	"github.com/duskline/langrelay/config"
	"github.com/duskline/langrelay/dispatch"
	"github.com/duskline/langrelay/gateway"
	"github.com/duskline/langrelay/langid"
	"github.com/duskline/langrelay/logging"
	"github.com/duskline/langrelay/protocol"
	"github.com/duskline/langrelay/reconnect"
	"github.com/duskline/langrelay/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: langrelay <config.ini>")
		return 1
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	data := cfg.Get()

	logger, err := logging.New(data.Admin.LogLevel, data.Admin.LogPretty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 1
	}
	defer logger.Sync()

	lang := langid.New()
	reg := registry.New(lang)

	// gateway.Server and dispatch.Manager each need the other at
	// construction time. sender/dispatchFacade forward to the real
	// instance once both exist, breaking the cycle.
	sender := &senderFacade{}
	mgr := dispatch.New(reg, lang, sender, logger, 256)
	facade := &dispatchFacade{mgr: mgr}
	front := gateway.New(facade, facade, reg, logger)
	sender.target = front

	adapters := make([]*adapter.Adapter, 0, len(data.Upstreams))
	reconnectable := make([]reconnect.Reconnectable, 0, len(data.Upstreams))
	for _, u := range data.Upstreams {
		a := adapter.New(u.Name, u.URI(), u.LoadWeight, logger)
		if err := a.Configure(adapterHandler(a, reg, mgr)); err != nil {
			logger.Error("startup: configure adapter failed", logging.Adapter(u.Name), zap.Error(err))
			return 1
		}
		adapters = append(adapters, a)
		reconnectable = append(reconnectable, a)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	mgr.Start(ctx, data.Server.NumReqThreads, data.Server.NumRespThreads)

	reconnectCtx, reconnectCancel := context.WithCancel(ctx)
	defer reconnectCancel()
	reconnectLoop := reconnect.New(reconnectable, time.Duration(data.Server.ReconnectTimeOutMS)*time.Millisecond)

	stopRequested := make(chan struct{})
	adminSrv := &http.Server{
		Addr: data.Admin.ListenAddr,
		Handler: adminhttp.New(adapters, reg, mgr, front, cfg, func() {
			select {
			case stopRequested <- struct{}{}:
			default:
			}
		}),
	}
	frontSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", data.Server.ServerPort),
		Handler: front,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconnectLoop.Run(reconnectCtx)
		return nil
	})
	g.Go(func() error {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := frontSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("front http: %w", err)
		}
		return nil
	})

	for _, a := range adapters {
		if err := a.Enable(ctx); err != nil {
			logger.Warn("startup: adapter enable failed", logging.Adapter(a.ID()), zap.Error(err))
		}
	}

	select {
	case <-gctx.Done():
	case <-stopRequested:
	}

	shutdown(logger, front, mgr, reconnectCancel, adapters, adminSrv, frontSrv)

	if err := g.Wait(); err != nil {
		logger.Error("balancer exited with error", zap.Error(err))
		return 1
	}
	return 0
}

// shutdown runs the balancer's teardown sequence: stop accepting new
// client connections, stop the Dispatch Manager's worker pools, stop the reconnect
// loop, disable every adapter, then close the HTTP servers.
func shutdown(logger *zap.Logger, front *gateway.Server, mgr *dispatch.Manager, reconnectCancel context.CancelFunc, adapters []*adapter.Adapter, adminSrv, frontSrv *http.Server) {
	logger.Info("shutting down")
	front.StopAccepting()
	mgr.Stop()
	reconnectCancel()
	for _, a := range adapters {
		a.Disable()
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutCtx)
	_ = frontSrv.Shutdown(shutCtx)
}

func adapterHandler(a *adapter.Adapter, reg *registry.Registry, mgr *dispatch.Manager) adapter.Handler {
	return adapter.Handler{
		OnResponse: mgr.OnUpstreamResponse,
		OnDisconnect: func(adapterID string) {
			reg.OnAdapterDisconnected(a)
			mgr.OnAdapterDisconnect(adapterID)
		},
		OnReady: func(a *adapter.Adapter, languages map[string][]string) {
			reg.OnAdapterReady(a, languages)
			mgr.OnAdapterReady(a.ID())
		},
	}
}

// senderFacade forwards dispatch's outgoing responses to the front
// server, whose construction depends on facade (below) depending in
// turn on the Dispatch Manager — set once both exist.
type senderFacade struct {
	target *gateway.Server
}

func (s *senderFacade) Send(sessionID string, resp protocol.TransJobResp) error {
	return s.target.Send(sessionID, resp)
}

// dispatchFacade implements gateway.Translator and gateway.SessionCloser
// by forwarding to the Dispatch Manager.
type dispatchFacade struct {
	mgr *dispatch.Manager
}

func (d *dispatchFacade) Translate(sessionID string, req protocol.TransJobReq) {
	d.mgr.Translate(sessionID, req)
}

func (d *dispatchFacade) OnSessionClosed(sessionID string) {
	d.mgr.OnSessionClosed(sessionID)
}
