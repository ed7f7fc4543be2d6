// Package service implements the Service Facade: the thin adaptor an
// outward tool-protocol server calls into, hiding whether a sandbox came
// from the warm pool or a cold create, parsing caller-supplied identifiers
// without leaking which ones exist, and enforcing payload size caps before
// anything reaches a sandbox.
package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/pool"
	"github.com/pipeops/sandboxd/pkg/registry"
	"github.com/pipeops/sandboxd/pkg/sberrors"
)

// Service is the facade exposed to the outward tool-protocol layer.
type Service struct {
	registry *registry.Registry
	pool     *pool.Pool // nil when pooling is disabled
	template domain.SandboxConfig
	log      *logrus.Entry
}

// New builds a Service. p may be nil to disable pooling entirely.
func New(reg *registry.Registry, p *pool.Pool, template domain.SandboxConfig, log *logrus.Entry) *Service {
	return &Service{
		registry: reg,
		pool:     p,
		template: template,
		log:      log.WithField("component", "service"),
	}
}

// CreateSandbox acquires a sandbox via the pool when enabled, registering it
// with the registry. If the pool itself fails to produce a sandbox, that
// error is surfaced directly. If the registry then rejects a pool-acquired
// sandbox (capacity), the acquired sandbox is destroyed rather than leaked
// and creation falls through to a direct cold create, which applies the
// same capacity check and reports it to the caller on its own terms.
func (s *Service) CreateSandbox(ctx context.Context) (string, error) {
	if s.pool != nil {
		sb, err := s.pool.Acquire(ctx)
		if err != nil {
			return "", err
		}
		id, err := s.registry.Register(sb)
		if err == nil {
			return id, nil
		}
		sb.Destroy(ctx)
	}

	return s.registry.Create(ctx, s.template)
}

// parseID validates the textual form of a sandbox id without revealing
// whether a malformed ID merely looks wrong or happens to be unknown: both
// cases render identically.
func parseID(raw string) (string, error) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", sberrors.NotFoundOrInvalid()
	}
	return parsed.String(), nil
}

// DestroySandbox tears down the sandbox identified by rawID.
func (s *Service) DestroySandbox(ctx context.Context, rawID string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	return s.registry.Destroy(ctx, id)
}

// ListSandboxes returns every live sandbox id.
func (s *Service) ListSandboxes(ctx context.Context) ([]string, error) {
	return s.registry.List(), nil
}

// RunCommand executes cmd inside the sandbox identified by rawID, after
// rejecting oversized commands before they ever reach the registry.
func (s *Service) RunCommand(ctx context.Context, rawID, cmd string) (domain.ExecResult, error) {
	id, err := parseID(rawID)
	if err != nil {
		return domain.ExecResult{}, err
	}
	if len(cmd) > domain.MaxCommandLength {
		return domain.ExecResult{}, sberrors.Serialization("command exceeds max length", nil)
	}
	return s.registry.Execute(ctx, id, cmd)
}

// ExecuteCode runs a code snippet in the named language inside the
// sandbox identified by rawID.
func (s *Service) ExecuteCode(ctx context.Context, rawID, lang, code string) (domain.ExecResult, error) {
	id, err := parseID(rawID)
	if err != nil {
		return domain.ExecResult{}, err
	}
	if len(code) > domain.MaxCommandLength {
		return domain.ExecResult{}, sberrors.Serialization("code exceeds max length", nil)
	}
	return s.registry.ExecuteCode(ctx, id, lang, code)
}

// ReadFile reads a file from the sandbox identified by rawID.
func (s *Service) ReadFile(ctx context.Context, rawID, path string) (string, error) {
	id, err := parseID(rawID)
	if err != nil {
		return "", err
	}
	return s.registry.ReadFile(ctx, id, path)
}

// WriteFile writes content to a file in the sandbox identified by rawID,
// rejecting oversized content before it reaches the registry.
func (s *Service) WriteFile(ctx context.Context, rawID, path, content string) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	if len(content) > domain.MaxInputSize {
		return sberrors.Serialization("content exceeds max input size", nil)
	}
	return s.registry.WriteFile(ctx, id, path, content)
}

// ListDirectory lists a directory in the sandbox identified by rawID.
func (s *Service) ListDirectory(ctx context.Context, rawID, path string) ([]domain.FileEntry, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, err
	}
	return s.registry.ListDir(ctx, id, path)
}
