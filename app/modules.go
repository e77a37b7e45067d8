package app

import (
	"context"
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/zachfi/nowplaying/modules/api"
	"github.com/zachfi/nowplaying/modules/broadcast"
	"github.com/zachfi/nowplaying/modules/enrich"
	"github.com/zachfi/nowplaying/modules/history"
	"github.com/zachfi/nowplaying/modules/proxy"
	"github.com/zachfi/nowplaying/modules/tracker"
	"github.com/zachfi/nowplaying/pkg/station"
)

const (
	Server string = "server"

	History   string = "history"
	Enrich    string = "enrich"
	Tracker   string = "tracker"
	Broadcast string = "broadcast"
	Proxy     string = "proxy"
	API       string = "api"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(a.kitLogger)
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(History, a.initHistory)
	mm.RegisterModule(Enrich, a.initEnrich, modules.UserInvisibleModule)
	mm.RegisterModule(Tracker, a.initTracker)
	mm.RegisterModule(Broadcast, a.initBroadcast)
	mm.RegisterModule(Proxy, a.initProxy)
	mm.RegisterModule(API, a.initAPI)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Tracker:   {History, Enrich},
		Broadcast: {Tracker},
		Proxy:     {Tracker},
		API:       {Server, Tracker, History, Broadcast, Proxy},

		All: {API},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initHistory() (services.Service, error) {
	h, err := history.New(a.cfg.History, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+History)
	}
	a.history = h

	return h, nil
}

// initEnrich has no service; the client is shared by the tracker.
func (a *App) initEnrich() (services.Service, error) {
	a.enricher = enrich.New(a.cfg.Enrich, a.logger)
	return nil, nil
}

func (a *App) initTracker() (services.Service, error) {
	registry, err := station.LoadFile(a.cfg.Tracker.StationFile, &a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load stations")
	}
	if registry.Len() == 0 {
		a.logger.Warn("no stations configured", "file", a.cfg.Tracker.StationFile)
	}

	t, err := tracker.New(a.cfg.Tracker, a.logger, registry, a.enricher, a.history, a.history)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Tracker)
	}
	a.tracker = t

	return t, nil
}

func (a *App) initBroadcast() (services.Service, error) {
	b, err := broadcast.New(a.cfg.Broadcast, a.logger, a.tracker, a.tracker.Changes())
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Broadcast)
	}
	a.broadcaster = b

	return b, nil
}

func (a *App) initProxy() (services.Service, error) {
	p, err := proxy.New(a.cfg.Proxy, a.logger, a.tracker.Registry())
	if err != nil {
		return nil, errors.Wrap(err, "unable to init "+Proxy)
	}
	a.proxy = p

	return p, nil
}

// initAPI only registers routes; the server module serves them.
func (a *App) initAPI() (services.Service, error) {
	api.New(a.logger, a.tracker, a.history, a.broadcaster, a.proxy).Register(a.Server.HTTP)
	return nil, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = a.kitLogger
	// Proxied audio and the live channel are long lived.
	a.cfg.Server.HTTPServerWriteTimeout = 0

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		a.logger.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
