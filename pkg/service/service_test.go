package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
	"github.com/pipeops/sandboxd/pkg/registry"
	"github.com/pipeops/sandboxd/pkg/sberrors"
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

func TestCreateRunDestroyWithoutPool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := New(reg, nil, testTemplate(t), testLogger())

	id, err := svc.CreateSandbox(ctx)
	if err != nil {
		t.Fatalf("CreateSandbox failed: %v", err)
	}

	result, err := svc.RunCommand(ctx, id, "echo ok")
	if err != nil {
		t.Fatalf("RunCommand failed: %v", err)
	}
	if !result.Success() {
		t.Errorf("expected success, got exit code %d", result.ExitCode)
	}

	if err := svc.DestroySandbox(ctx, id); err != nil {
		t.Fatalf("DestroySandbox failed: %v", err)
	}
}

func TestMalformedAndUnknownIDsRenderIdentically(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := New(reg, nil, testTemplate(t), testLogger())

	malformedErr := svc.DestroySandbox(ctx, "not-a-uuid")
	unknownErr := svc.DestroySandbox(ctx, "11111111-1111-1111-1111-111111111111")

	if malformedErr == nil || unknownErr == nil {
		t.Fatal("expected both lookups to fail")
	}
	if malformedErr.Error() != unknownErr.Error() {
		t.Errorf("expected identical error text, got %q vs %q", malformedErr.Error(), unknownErr.Error())
	}
}

func TestRunCommandRejectsOversizedInput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := New(reg, nil, testTemplate(t), testLogger())

	id, err := svc.CreateSandbox(ctx)
	if err != nil {
		t.Fatalf("CreateSandbox failed: %v", err)
	}
	defer svc.DestroySandbox(ctx, id)

	oversized := make([]byte, domain.MaxCommandLength+1)
	_, err = svc.RunCommand(ctx, id, string(oversized))
	if err == nil {
		t.Fatal("expected RunCommand to reject oversized command")
	}
	se, ok := sberrors.As(err)
	if !ok || se.Kind != sberrors.KindSerialization {
		t.Errorf("expected KindSerialization, got %v", err)
	}
}

func TestListSandboxes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := registry.New(&fakeLauncher{}, 0, testLogger(), nil)
	svc := New(reg, nil, testTemplate(t), testLogger())

	id, err := svc.CreateSandbox(ctx)
	if err != nil {
		t.Fatalf("CreateSandbox failed: %v", err)
	}
	defer svc.DestroySandbox(ctx, id)

	ids, err := svc.ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes failed: %v", err)
	}
	found := false
	for _, got := range ids {
		if got == id {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in %v", id, ids)
	}
}
