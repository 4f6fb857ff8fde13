package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"

	"github.com/zachfi/radiogo/modules/broadcast"
)

const metricsNamespace = "radiogo"

type App struct {
	cfg    Config
	logger slog.Logger

	Server    *server.Server
	Broadcast *broadcast.Controller

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New creates and returns a new App.
func New(cfg Config, logger slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
	}

	if a.cfg.Target == "" {
		a.cfg.Target = All
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, errors.Wrap(err, "failed to setup module manager")
	}

	return a, nil
}

// Run starts the target modules and blocks until they have stopped, either
// after a signal or after one of them failed.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	a.serviceMap = serviceMap

	servs := make([]services.Service, 0, len(serviceMap))
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	sm.AddListener(services.NewManagerListener(
		func() { a.logger.Info("started", "target", a.cfg.Target) },
		a.onStopped,
		func(service services.Service) {
			// if any service fails, stop everything
			sm.StopAsync()
			a.logFailure(service)
		},
	))

	// A signal stops the manager, which stops the broadcast before the server.
	handler := signals.NewHandler(a.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

func (a *App) onStopped() {
	if a.Broadcast == nil {
		a.logger.Info("stopped")
		return
	}
	a.logger.Info("stopped", "state", a.Broadcast.PlaybackState(), "listeners", a.Broadcast.Registry().Len())
}

func (a *App) logFailure(service services.Service) {
	for m, s := range a.serviceMap {
		if s != service {
			continue
		}
		if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
			a.logger.Info("received stop signal via return error", "module", m, "err", service.FailureCase())
		} else {
			a.logger.Error("module failed", "module", m, "err", service.FailureCase())
		}
		return
	}

	a.logger.Error("module failed", "module", "unknown", "err", service.FailureCase())
}
