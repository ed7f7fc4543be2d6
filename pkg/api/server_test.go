package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/registry"
	"github.com/pipeops/sandboxd/pkg/service"
)

type fakeLauncher struct{}

type fakeHandle struct{ ln net.Listener }

func (h *fakeHandle) PID() (int, error)                 { return 1, nil }
func (h *fakeHandle) Destroy(ctx context.Context) error { return h.ln.Close() }

func (l *fakeLauncher) CreateWithID(ctx context.Context, id string, cfg launcher.Config) (launcher.VmHandle, error) {
	ln, err := net.Listen("unix", cfg.ChannelSocketPath)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFake(conn)
		}
	}()
	return &fakeHandle{ln: ln}, nil
}

func serveFake(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		return
	}
	fmt.Fprintf(conn, "OK 52\n")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return
		}
		var result interface{} = map[string]bool{"pong": true}
		if req.Method == "exec" {
			result = map[string]interface{}{"exit_code": 0, "stdout": "ok", "stderr": ""}
		}
		resultJSON, _ := json.Marshal(result)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(resultJSON)}
		b, _ := json.Marshal(resp)
		conn.Write(append(b, '\n'))
	}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(log)
}

func testTemplate(t *testing.T) domain.SandboxConfig {
	t.Helper()
	cfg := domain.DefaultSandboxConfig()
	cfg.WorkDir = t.TempDir()
	cfg.KernelPath = "/dev/null"
	cfg.RootfsPath = "/dev/null"
	cfg.FirecrackerBinary = "/bin/true"
	return cfg
}

func testServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := service.New(reg, nil, testTemplate(t), testLogger())
	return NewServer(svc, nil, testLogger())
}

func TestCreateListDestroySandboxOverHTTP(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sandboxes", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["sandbox_id"]
	if id == "" {
		t.Fatal("expected a sandbox_id in the create response")
	}

	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sandboxes", nil))
	if !strings.Contains(rec.Body.String(), id) {
		t.Errorf("expected %s in list response, got %s", id, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sandboxes/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("destroy status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRunCommandOverHTTP(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sandboxes", nil))
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["sandbox_id"]

	body, _ := json.Marshal(runCommandRequest{Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sandboxes/"+id+"/run", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestDestroyUnknownSandboxReturnsNotFound(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/sandboxes/11111111-1111-1111-1111-111111111111", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStdioCreateAndList(t *testing.T) {
	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := service.New(reg, nil, testTemplate(t), testLogger())
	stdio := NewStdioServer(svc, testLogger())

	input := `{"id":1,"method":"create_sandbox","params":{}}` + "\n" + `{"id":2,"method":"list_sandboxes","params":{}}` + "\n"
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- stdio.Serve(strings.NewReader(input), &out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stdio Serve did not complete in time")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 response lines, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "sandboxes") {
		t.Errorf("expected list_sandboxes response to mention sandboxes, got %s", lines[1])
	}
}
