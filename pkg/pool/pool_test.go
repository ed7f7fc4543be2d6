package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/launcher"
)

// fakeLauncher opens a unix listener standing in for the guest channel so
// sandbox.Create can run without firecracker-go-sdk or a real guest agent.
// Pool depends on the launcher.VmLauncher interface rather than a concrete
// hypervisor type specifically so it can be exercised this way.
type fakeLauncher struct {
	bootDelay time.Duration
	created   atomic.Int64
}

type fakeHandle struct{ ln net.Listener }

func (h *fakeHandle) PID() (int, error)                 { return 1, nil }
func (h *fakeHandle) Destroy(ctx context.Context) error { return h.ln.Close() }

func (l *fakeLauncher) CreateWithID(ctx context.Context, id string, cfg launcher.Config) (launcher.VmHandle, error) {
	if l.bootDelay > 0 {
		time.Sleep(l.bootDelay)
	}
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
	l.created.Add(1)
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
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return
		}
		resultJSON, _ := json.Marshal(map[string]bool{"pong": true})
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

func TestFillReachesMinSize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{MinSize: 3, MaxConcurrentBoots: 2, FillInterval: 20 * time.Millisecond, Template: testTemplate(t)}
	p := New(&fakeLauncher{}, cfg, testLogger())
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for p.Size() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Size() != 3 {
		t.Errorf("pool did not reach MinSize=3 in time, got %d", p.Size())
	}
}

func TestAcquireReturnsWarmSandboxWhenAvailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{MinSize: 1, MaxConcurrentBoots: 1, FillInterval: 10 * time.Millisecond, Template: testTemplate(t)}
	p := New(&fakeLauncher{}, cfg, testLogger())
	p.Start(ctx)
	defer p.Shutdown(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for p.Size() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	sb, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer sb.Destroy(ctx)

	stats := p.Stats()
	if stats.WarmHits != 1 {
		t.Errorf("WarmHits = %d, want 1", stats.WarmHits)
	}
}

func TestAcquireColdCreatesWhenQueueEmpty(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{MinSize: 0, MaxConcurrentBoots: 1, FillInterval: time.Hour, Template: testTemplate(t)}
	p := New(&fakeLauncher{}, cfg, testLogger())

	sb, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer sb.Destroy(ctx)

	stats := p.Stats()
	if stats.ColdMisses != 1 {
		t.Errorf("ColdMisses = %d, want 1", stats.ColdMisses)
	}
}

func TestShutdownDrainsAndDestroysQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := Config{MinSize: 2, MaxConcurrentBoots: 2, FillInterval: 10 * time.Millisecond, Template: testTemplate(t)}
	p := New(&fakeLauncher{}, cfg, testLogger())
	p.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for p.Size() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	p.Shutdown(context.Background())
	if p.Size() != 0 {
		t.Errorf("expected empty queue after Shutdown, got %d", p.Size())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{MinSize: 0, MaxConcurrentBoots: 1, FillInterval: time.Hour, Template: testTemplate(t)}
	p := New(&fakeLauncher{}, cfg, testLogger())

	p.Start(ctx)
	p.Start(ctx)
	if !p.IsRunning() {
		t.Error("expected pool to report running after Start")
	}
	p.Shutdown(context.Background())
}
