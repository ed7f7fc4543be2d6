// Package api exposes the Service Facade to AI tool callers over HTTP, and
// the same operations over a newline-delimited stdio transport for local
// exercising.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/pool"
	"github.com/pipeops/sandboxd/pkg/sberrors"
	"github.com/pipeops/sandboxd/pkg/service"
)

// Server is the HTTP surface over a Service.
type Server struct {
	Router  chi.Router
	service *service.Service
	pool    *pool.Pool // nil when pooling is disabled; only used by /v1/pool/stats
	log     *logrus.Entry
}

// NewServer builds an HTTP server with every route registered. p may be nil.
func NewServer(svc *service.Service, p *pool.Pool, log *logrus.Entry) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s := &Server{
		Router:  router,
		service: svc,
		pool:    p,
		log:     log.WithField("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Get("/v1/health", s.handleHealth)

	s.Router.Post("/v1/sandboxes", s.handleCreateSandbox)
	s.Router.Get("/v1/sandboxes", s.handleListSandboxes)
	s.Router.Delete("/v1/sandboxes/{id}", s.handleDestroySandbox)
	s.Router.Post("/v1/sandboxes/{id}/run", s.handleRunCommand)
	s.Router.Post("/v1/sandboxes/{id}/exec-code", s.handleExecuteCode)
	s.Router.Get("/v1/sandboxes/{id}/files", s.handleReadFile)
	s.Router.Put("/v1/sandboxes/{id}/files", s.handleWriteFile)
	s.Router.Get("/v1/sandboxes/{id}/dir", s.handleListDirectory)

	s.Router.Get("/v1/pool/stats", s.handlePoolStats)
}

// ListenAndServe runs the HTTP server on addr, blocking until it exits.
func (s *Server) ListenAndServe(addr string) error {
	s.log.WithField("addr", addr).Info("starting tool-protocol HTTP server")
	return http.ListenAndServe(addr, s.Router)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError renders a Service error as an HTTP response, mapping
// the taxonomy's Kind to a status code without ever leaking a host path.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if se, ok := sberrors.As(err); ok {
		switch se.Kind {
		case sberrors.KindNotFound:
			status = http.StatusNotFound
		case sberrors.KindInvalidState, sberrors.KindSerialization:
			status = http.StatusBadRequest
		case sberrors.KindResourceLimit:
			status = http.StatusTooManyRequests
		case sberrors.KindAgentUnreachable, sberrors.KindRPC:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	id, err := s.service.CreateSandbox(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sandbox_id": id})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	ids, err := s.service.ListSandboxes(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sandboxes": ids, "count": len(ids)})
}

func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.service.DestroySandbox(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"destroyed": true, "sandbox_id": id})
}

type runCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.service.RunCommand(r.Context(), id, req.Command)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type execCodeRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (s *Server) handleExecuteCode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req execCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.service.ExecuteCode(r.Context(), id, req.Language, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")

	content, err := s.service.ReadFile(r.Context(), id, path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.service.WriteFile(r.Context(), id, req.Path, req.Content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")

	entries, err := s.service.ListDirectory(r.Context(), id, path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusOK, domain.PoolStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Stats())
}
