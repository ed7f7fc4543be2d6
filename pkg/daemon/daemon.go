// Package daemon wires the config, logger, launcher, registry, pool,
// service, metrics, and HTTP surfaces into one running process. Shared by
// cmd/sandboxctl's "serve" subcommand.
package daemon

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/api"
	"github.com/pipeops/sandboxd/pkg/config"
	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/metrics"
	"github.com/pipeops/sandboxd/pkg/pool"
	"github.com/pipeops/sandboxd/pkg/registry"
	"github.com/pipeops/sandboxd/pkg/service"
)

// Daemon holds every long-lived component the process owns.
type Daemon struct {
	Config   *config.Config
	Registry *registry.Registry
	Pool     *pool.Pool // nil when disabled
	Service  *service.Service
	API      *api.Server

	metrics    *metrics.Collector
	metricsReg *prometheus.Registry

	log *logrus.Entry
}

// New loads cfg (already validated by the caller), builds every component,
// and wires them together. It does not start any background goroutines or
// listeners; call Run for that.
func New(cfg *config.Config, log *logrus.Logger) *Daemon {
	cfg.ApplyToLogger(log)
	entry := logrus.NewEntry(log)

	collector, metricsReg := metrics.NewCollector(entry)

	vl := launcher.NewFirecrackerLauncher(entry)
	reg := registry.New(vl, cfg.Runtime.MaxSandboxes, entry, collector)

	template := domain.SandboxConfig{
		KernelPath:        cfg.VM.KernelPath,
		RootfsPath:        cfg.VM.RootfsPath,
		FirecrackerBinary: cfg.Runtime.FirecrackerBinary,
		WorkDir:           cfg.Runtime.RuntimeDir,
		MemSizeMB:         cfg.VM.DefaultMemoryMB,
		VCPUCount:         cfg.VM.DefaultVcpuCount,
		KernelArgs:        cfg.VM.KernelArgs,
		OperationTimeout:  cfg.Agent.CommandTimeout,
	}

	var p *pool.Pool
	if cfg.Pool.Enabled {
		p = pool.New(vl, pool.Config{
			MinSize:            cfg.Pool.MinSize,
			MaxConcurrentBoots: cfg.Pool.MaxConcurrentBoots,
			FillInterval:       cfg.Pool.FillInterval,
			Template:           template,
			Metrics:            collector,
		}, entry)
	}

	svc := service.New(reg, p, template, entry)
	apiServer := api.NewServer(svc, p, entry)

	return &Daemon{
		Config:     cfg,
		Registry:   reg,
		Pool:       p,
		Service:    svc,
		API:        apiServer,
		metrics:    collector,
		metricsReg: metricsReg,
		log:        entry.WithField("component", "daemon"),
	}
}

// Run starts the pool filler and the metrics/API HTTP listeners, blocking
// until ctx is cancelled, then tears everything down in the order
// documented for process shutdown: pool first, then the registry.
func (d *Daemon) Run(ctx context.Context) error {
	if d.Pool != nil {
		d.Pool.Start(ctx)
	}

	errCh := make(chan error, 2)

	if d.Config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(d.Config.Metrics.Path, metrics.Handler(d.metricsReg))
		go func() {
			d.log.WithField("addr", d.Config.Metrics.Address).Info("starting metrics server")
			if err := http.ListenAndServe(d.Config.Metrics.Address, mux); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	go func() {
		if err := d.API.ListenAndServe(d.Config.Runtime.APIAddress); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.log.WithError(err).Error("server failed")
	}

	d.Shutdown(context.Background())
	return nil
}

// Shutdown tears down the pool and then the registry, per the ordering
// documented for process exit.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.log.Info("shutting down")
	if d.Pool != nil {
		d.Pool.Shutdown(ctx)
	}
	d.Registry.DestroyAll(ctx)
}

// NewLogger builds the process-wide logrus.Logger, outputting to stderr
// until Config.ApplyToLogger reconfigures it.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log
}
