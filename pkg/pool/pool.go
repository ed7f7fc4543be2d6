// Package pool implements the Warm Pool: a background pre-warmer that
// maintains a target number of ready sandboxes in a FIFO queue so
// acquisition can skip the VM boot path entirely, using a
// golang.org/x/sync/semaphore-bounded replenish loop driven by a single
// shutdown-biased filler goroutine.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/metrics"
	"github.com/pipeops/sandboxd/pkg/sandbox"
)

// Config configures the warm pool's target size and boot concurrency.
type Config struct {
	MinSize            int
	MaxConcurrentBoots int
	FillInterval       time.Duration
	Template           domain.SandboxConfig
	Metrics            *metrics.Collector // nil disables metrics
}

// DefaultConfig returns the pool defaults the rest of the system assumes.
func DefaultConfig() Config {
	return Config{
		MinSize:            3,
		MaxConcurrentBoots: 2,
		FillInterval:       1 * time.Second,
	}
}

// Pool maintains Config.MinSize warm sandboxes in a FIFO queue.
type Pool struct {
	config   Config
	launcher launcher.VmLauncher
	log      *logrus.Entry

	queueMu sync.Mutex
	queue   []*sandbox.Sandbox

	channelID atomic.Uint32

	stats struct {
		warmHits, coldMisses, created, destroyed atomic.Int64
	}

	shutdownFlag atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
	boots        *semaphore.Weighted

	running atomic.Bool
}

// New constructs a pool; call Start to begin background filling.
func New(vl launcher.VmLauncher, cfg Config, log *logrus.Entry) *Pool {
	p := &Pool{
		config:     cfg,
		launcher:   vl,
		log:        log.WithField("component", "pool"),
		shutdownCh: make(chan struct{}),
		boots:      semaphore.NewWeighted(int64(maxInt(cfg.MaxConcurrentBoots, 1))),
	}
	p.channelID.Store(domain.PoolChannelIDBase)
	return p
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start spawns the background filler goroutine. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.fill(ctx)
}

// fill is the filler state machine: shutdown-biased select over a ticker
// and the shutdown channel.
func (p *Pool) fill(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.shutdownFlag.Load() {
				p.fillTick(ctx)
			}
		}
	}
}

func (p *Pool) fillTick(ctx context.Context) {
	p.queueMu.Lock()
	deficit := p.config.MinSize - len(p.queue)
	p.queueMu.Unlock()

	for i := 0; i < deficit; i++ {
		if !p.boots.TryAcquire(1) {
			return // concurrency budget exhausted this tick, resume next tick
		}
		go p.bootOne(ctx)
	}
}

func (p *Pool) bootOne(ctx context.Context) {
	defer p.boots.Release(1)

	cfg := p.config.Template
	cfg.ChannelID = p.channelID.Add(1) - 1

	sb, err := sandbox.Create(ctx, p.launcher, cfg, p.log, p.config.Metrics)
	if err != nil {
		p.log.WithError(err).Warn("warm boot failed")
		return
	}

	p.queueMu.Lock()
	shuttingDown := p.shutdownFlag.Load()
	overfull := len(p.queue) >= p.config.MinSize
	if !shuttingDown && !overfull {
		p.queue = append(p.queue, sb)
	}
	size := len(p.queue)
	p.queueMu.Unlock()
	p.config.Metrics.SetPoolAvailable(size)

	if shuttingDown || overfull {
		sb.Destroy(ctx)
		return
	}
	p.stats.created.Add(1)
}

// Acquire pops the longest-waiting warm sandbox, verifying its health
// before returning it; unhealthy sandboxes are discarded and the next
// candidate is tried. An empty queue falls through to a cold create so
// callers never block on the pool.
func (p *Pool) Acquire(ctx context.Context) (*sandbox.Sandbox, error) {
	for {
		sb := p.pop()
		if sb == nil {
			p.stats.coldMisses.Add(1)
			p.config.Metrics.IncColdMiss()
			cfg := p.config.Template
			cfg.ChannelID = p.channelID.Add(1) - 1
			created, err := sandbox.Create(ctx, p.launcher, cfg, p.log, p.config.Metrics)
			if err != nil {
				return nil, err
			}
			p.stats.created.Add(1)
			return created, nil
		}

		if sb.IsHealthy(ctx) {
			p.stats.warmHits.Add(1)
			p.config.Metrics.IncWarmHit()
			return sb, nil
		}

		sb.Destroy(ctx)
		p.stats.destroyed.Add(1)
	}
}

func (p *Pool) pop() *sandbox.Sandbox {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	sb := p.queue[0]
	p.queue = p.queue[1:]
	p.config.Metrics.SetPoolAvailable(len(p.queue))
	return sb
}

// Size returns the current warm queue length.
func (p *Pool) Size() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.queue)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() domain.PoolStats {
	return domain.PoolStats{
		WarmHits:       p.stats.warmHits.Load(),
		ColdMisses:     p.stats.coldMisses.Load(),
		TotalCreated:   p.stats.created.Load(),
		TotalDestroyed: p.stats.destroyed.Load(),
		CurrentSize:    p.Size(),
	}
}

// IsRunning reports whether the background filler has been started.
func (p *Pool) IsRunning() bool { return p.running.Load() }

// Shutdown stops the filler, drains the queue, and destroys every warm
// sandbox found in it.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownFlag.Store(true)
	if p.running.Load() {
		p.shutdownOnce.Do(func() { close(p.shutdownCh) })
		p.wg.Wait()
	}

	p.queueMu.Lock()
	drained := p.queue
	p.queue = nil
	p.queueMu.Unlock()
	p.config.Metrics.SetPoolAvailable(0)

	for _, sb := range drained {
		if err := sb.Destroy(ctx); err != nil {
			p.log.WithError(err).Warn("error destroying pooled sandbox on shutdown")
		}
		p.stats.destroyed.Add(1)
	}

	p.log.WithField("stats", p.Stats()).Info("pool shut down")
}
