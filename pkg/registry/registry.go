// Package registry implements the Sandbox Registry: a capped, concurrent
// directory of live sandboxes keyed by sandbox id, with its own channel
// identifier allocator. Enforces a hard capacity and accepts both
// cold-created sandboxes and pool-created ones handed off via Register.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/metrics"
	"github.com/pipeops/sandboxd/pkg/sandbox"
	"github.com/pipeops/sandboxd/pkg/sberrors"
)

// Registry tracks every Ready sandbox the process owns.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]*sandbox.Sandbox

	maxSandboxes int // 0 = unlimited
	channelID    atomic.Uint32

	launcher launcher.VmLauncher
	metrics  *metrics.Collector
	log      *logrus.Entry
}

// New creates an empty registry. maxSandboxes of 0 means unlimited. mc may
// be nil to disable metrics.
func New(vl launcher.VmLauncher, maxSandboxes int, log *logrus.Entry, mc *metrics.Collector) *Registry {
	r := &Registry{
		sandboxes:    make(map[string]*sandbox.Sandbox),
		maxSandboxes: maxSandboxes,
		launcher:     vl,
		metrics:      mc,
		log:          log.WithField("component", "registry"),
	}
	r.channelID.Store(domain.FirstChannelID)
	return r
}

// Create cold-creates a sandbox from cfg, assigning it a fresh channel id,
// and inserts it into the registry.
func (r *Registry) Create(ctx context.Context, cfg domain.SandboxConfig) (string, error) {
	if err := r.checkCapacity(); err != nil {
		return "", err
	}

	cfg.ChannelID = r.channelID.Add(1) - 1
	sb, err := sandbox.Create(ctx, r.launcher, cfg, r.log, r.metrics)
	if err != nil {
		return "", err
	}

	if err := r.insert(sb); err != nil {
		sb.Destroy(ctx)
		return "", err
	}
	return sb.ID(), nil
}

// Register inserts an already-created sandbox (typically handed off by the
// warm pool, which owns its own channel id allocator). On capacity
// rejection the sandbox is left unmodified and stays with the caller, who
// can destroy it; Register itself never destroys what it's given.
func (r *Registry) Register(sb *sandbox.Sandbox) (string, error) {
	if err := r.checkCapacity(); err != nil {
		return "", err
	}
	if err := r.insert(sb); err != nil {
		return "", err
	}
	return sb.ID(), nil
}

func (r *Registry) checkCapacity() error {
	if r.maxSandboxes == 0 {
		return nil
	}
	r.mu.RLock()
	n := len(r.sandboxes)
	r.mu.RUnlock()
	if n >= r.maxSandboxes {
		return sberrors.ResourceLimit(r.maxSandboxes)
	}
	return nil
}

func (r *Registry) insert(sb *sandbox.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSandboxes != 0 && len(r.sandboxes) >= r.maxSandboxes {
		return sberrors.ResourceLimit(r.maxSandboxes)
	}
	r.sandboxes[sb.ID()] = sb
	r.metrics.SetSandboxesActive(len(r.sandboxes))
	return nil
}

// Destroy removes id from the registry and tears it down. The map lock is
// released before the (slow) VM teardown so other operations aren't
// blocked by it.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	sb, ok := r.sandboxes[id]
	if !ok {
		r.mu.Unlock()
		return sberrors.NotFoundOrInvalid()
	}
	delete(r.sandboxes, id)
	r.metrics.SetSandboxesActive(len(r.sandboxes))
	r.mu.Unlock()

	return sb.Destroy(ctx)
}

// DestroyAll tears down every sandbox currently registered. Individual
// failures are logged; iteration continues.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	all := r.sandboxes
	r.sandboxes = make(map[string]*sandbox.Sandbox)
	r.metrics.SetSandboxesActive(0)
	r.mu.Unlock()

	for id, sb := range all {
		if err := sb.Destroy(ctx); err != nil {
			r.log.WithField("sandbox_id", id).WithError(err).Warn("error destroying sandbox")
		}
	}
}

func (r *Registry) get(id string) (*sandbox.Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	if !ok {
		return nil, sberrors.NotFoundOrInvalid()
	}
	return sb, nil
}

// Execute runs cmd in the sandbox identified by id.
func (r *Registry) Execute(ctx context.Context, id, cmd string) (domain.ExecResult, error) {
	sb, err := r.get(id)
	if err != nil {
		return domain.ExecResult{}, err
	}
	return sb.Exec(ctx, cmd)
}

// ExecuteCode runs a code snippet in the sandbox identified by id.
func (r *Registry) ExecuteCode(ctx context.Context, id, lang, code string) (domain.ExecResult, error) {
	sb, err := r.get(id)
	if err != nil {
		return domain.ExecResult{}, err
	}
	return sb.ExecCode(ctx, lang, code)
}

// ReadFile reads a file from the sandbox identified by id.
func (r *Registry) ReadFile(ctx context.Context, id, path string) (string, error) {
	sb, err := r.get(id)
	if err != nil {
		return "", err
	}
	return sb.ReadFile(ctx, path)
}

// WriteFile writes a file into the sandbox identified by id.
func (r *Registry) WriteFile(ctx context.Context, id, path, content string) error {
	sb, err := r.get(id)
	if err != nil {
		return err
	}
	return sb.WriteFile(ctx, path, content)
}

// ListDir lists a directory in the sandbox identified by id.
func (r *Registry) ListDir(ctx context.Context, id, path string) ([]domain.FileEntry, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return sb.ListDir(ctx, path)
}

// List returns the ids of every registered sandbox.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sandboxes))
	for id := range r.sandboxes {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered sandboxes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sandboxes)
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sandboxes[id]
	return ok
}
