// Package sandbox implements the Sandbox aggregate: a launched VM paired
// with a connected Agent Transport, exposing typed operations with
// at-most-one-in-flight serialization and a monotone lifecycle state.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/metrics"
	"github.com/pipeops/sandboxd/pkg/sberrors"
	"github.com/pipeops/sandboxd/pkg/transport"
)

// Sandbox is a single live microVM plus its agent channel. The zero value
// is not usable; construct with Create.
type Sandbox struct {
	mu sync.Mutex // serializes operations: at most one RPC in flight

	id        string
	config    domain.SandboxConfig
	state     domain.SandboxState
	createdAt time.Time

	handle launcher.VmHandle
	xport  *transport.Transport

	log *logrus.Entry
}

// ID returns the sandbox's identifier, equal to its VM identifier.
func (s *Sandbox) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Sandbox) State() domain.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Create builds the per-sandbox directory, launches the VM, connects the
// agent transport, and verifies it with a ping. On any failure it performs
// best-effort cleanup and returns the originating error. mc may be nil to
// disable metrics.
func Create(ctx context.Context, vl launcher.VmLauncher, cfg domain.SandboxConfig, log *logrus.Entry, mc *metrics.Collector) (*Sandbox, error) {
	bootStart := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, sberrors.Launcher(err)
	}

	id := uuid.New().String()
	sandboxDir := filepath.Join(cfg.WorkDir, id)
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		return nil, sberrors.IO("create sandbox directory", err)
	}

	channelPath := filepath.Join(sandboxDir, "v.sock")
	apiSocketPath := filepath.Join(sandboxDir, "firecracker.sock")

	lc := launcher.Config{
		KernelImagePath:   cfg.KernelPath,
		KernelArgs:        cfg.KernelArgs,
		RootfsPath:        cfg.RootfsPath,
		FirecrackerBinary: cfg.FirecrackerBinary,
		MemSizeMB:         cfg.MemSizeMB,
		VCPUCount:         cfg.VCPUCount,
		ChannelID:         cfg.ChannelID,
		ChannelSocketPath: channelPath,
		SocketPath:        apiSocketPath,
	}

	sbLog := log.WithField("sandbox_id", id)

	handle, err := vl.CreateWithID(ctx, id, lc)
	if err != nil {
		os.RemoveAll(sandboxDir)
		return nil, err
	}

	xport, err := transport.Dial(ctx, channelPath, cfg.ChannelID, domain.GuestPort, sbLog, mc)
	if err != nil {
		handle.Destroy(ctx)
		os.RemoveAll(sandboxDir)
		return nil, err
	}

	if err := xport.Ping(ctx); err != nil {
		xport.Close()
		handle.Destroy(ctx)
		os.RemoveAll(sandboxDir)
		return nil, err
	}

	mc.ObserveBootLatency(time.Since(bootStart).Seconds())
	sbLog.Info("sandbox ready")

	return &Sandbox{
		id:        id,
		config:    cfg,
		state:     domain.SandboxReady,
		createdAt: time.Now(),
		handle:    handle,
		xport:     xport,
		log:       sbLog,
	}, nil
}

func (s *Sandbox) requireReady() error {
	if s.state != domain.SandboxReady {
		return sberrors.InvalidState(domain.SandboxReady, s.state)
	}
	return nil
}

// Exec runs a shell command inside the guest.
func (s *Sandbox) Exec(ctx context.Context, cmd string) (domain.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return domain.ExecResult{}, err
	}
	return s.xport.Exec(ctx, cmd)
}

// ExecCode runs a snippet in the named language inside the guest.
func (s *Sandbox) ExecCode(ctx context.Context, lang, code string) (domain.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return domain.ExecResult{}, err
	}
	return s.xport.ExecCode(ctx, lang, code)
}

// ReadFile reads a guest file.
func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return "", err
	}
	return s.xport.ReadFile(ctx, path)
}

// WriteFile writes a guest file.
func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.xport.WriteFile(ctx, path, content)
}

// ListDir lists a guest directory.
func (s *Sandbox) ListDir(ctx context.Context, path string) ([]domain.FileEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	return s.xport.ListDir(ctx, path)
}

// IsHealthy reports whether the sandbox can still serve requests. If a
// call is already in flight it assumes the sandbox is in use and healthy
// rather than blocking on the lock.
func (s *Sandbox) IsHealthy(ctx context.Context) bool {
	if !s.mu.TryLock() {
		return true
	}
	defer s.mu.Unlock()
	if s.state != domain.SandboxReady {
		return false
	}
	return s.xport.Ping(ctx) == nil
}

// Destroy consumes the sandbox: tears down the VM, closes the transport,
// and removes the per-sandbox directory (best-effort).
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.SandboxDestroyed {
		return sberrors.NotFoundOrInvalid()
	}
	s.state = domain.SandboxDestroyed

	s.xport.Close()
	err := s.handle.Destroy(ctx)

	os.RemoveAll(filepath.Join(s.config.WorkDir, s.id))

	s.log.Info("sandbox destroyed")
	if err != nil {
		return fmt.Errorf("destroy vm: %w", err)
	}
	return nil
}
