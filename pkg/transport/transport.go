// Package transport implements the host side of the guest-agent RPC
// channel: connecting through the hypervisor's port-multiplexed socket,
// performing its CONNECT handshake, and exchanging newline-delimited
// JSON-RPC-shaped requests and responses with a bounded per-call timeout.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/domain"
	"github.com/pipeops/sandboxd/pkg/metrics"
	"github.com/pipeops/sandboxd/pkg/sberrors"
)

const (
	connectRetryInterval = 100 * time.Millisecond
	connectBudget        = 10 * time.Second
	rpcTimeout           = 30 * time.Second
)

// Transport is the host-side end of one sandbox's agent channel. A
// Transport is safe for concurrent use: calls are serialized internally so
// at most one RPC is ever in flight.
type Transport struct {
	mu sync.Mutex

	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	requestID uint64

	metrics *metrics.Collector
	log     *logrus.Entry
}

// Dial opens the channel at path (a host vsock/unix socket path exposed by
// the hypervisor), performs the CONNECT handshake against guestPort, and
// returns a ready-to-use Transport. It retries every 100ms until either the
// connection and handshake succeed or the 10s budget is exhausted. mc may be
// nil to disable metrics.
func Dial(ctx context.Context, path string, cid uint32, guestPort uint32, log *logrus.Entry, mc *metrics.Collector) (*Transport, error) {
	t := &Transport{log: log.WithField("component", "agent-transport"), metrics: mc}

	deadline := time.Now().Add(connectBudget)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := dialChannel(path, cid, guestPort)
		if err != nil {
			lastErr = err
			time.Sleep(connectRetryInterval)
			continue
		}

		if err := handshake(conn, guestPort); err != nil {
			conn.Close()
			lastErr = err
			time.Sleep(connectRetryInterval)
			continue
		}

		t.conn = conn
		t.reader = bufio.NewReader(conn)
		t.writer = bufio.NewWriter(conn)
		t.log.Info("connected to guest agent")
		return t, nil
	}

	_ = lastErr
	return nil, sberrors.AgentUnreachable(connectBudget)
}

// dialChannel dials the vsock CID/port pair, falling back to a plain unix
// socket at path when no real vsock device is present (local/dev use).
func dialChannel(path string, cid uint32, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, &vsock.Config{})
	if err == nil {
		return conn, nil
	}
	return net.DialTimeout("unix", path, connectBudget)
}

// handshake performs the hypervisor's port-multiplexing handshake: write
// "CONNECT <port>\n", expect a reply line starting with "OK ".
func handshake(conn net.Conn, guestPort uint32) error {
	conn.SetDeadline(time.Now().Add(connectRetryInterval * 5))
	defer conn.SetDeadline(time.Time{})

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		return sberrors.Connection("handshake write failed", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return sberrors.Connection("handshake read failed", err)
	}
	if !strings.HasPrefix(reply, "OK ") {
		return sberrors.Connection("handshake rejected: "+strings.TrimSpace(reply), nil)
	}
	return nil
}

// Close releases the underlying channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// request and response mirror the JSON-RPC-shaped wire messages exchanged
// with the in-guest agent.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call issues one RPC and unmarshals its result into out (which may be
// nil). Only one Call may be in flight at a time per Transport; concurrent
// callers block on the internal mutex.
func (t *Transport) Call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		t.metrics.ObserveRPCLatency(method, time.Since(start).Seconds())
		if err != nil {
			if se, ok := sberrors.As(err); ok {
				t.metrics.IncError(se.Kind.String())
			}
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return sberrors.Connection("transport closed", nil)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return sberrors.Serialization("encode params", err)
	}

	id := atomic.AddUint64(&t.requestID, 1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON}

	deadline := time.Now().Add(rpcTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	t.conn.SetDeadline(deadline)
	defer t.conn.SetDeadline(time.Time{})

	line, err := json.Marshal(req)
	if err != nil {
		return sberrors.Serialization("encode request", err)
	}
	if _, err := t.writer.Write(append(line, '\n')); err != nil {
		return sberrors.IO("write request", err)
	}
	if err := t.writer.Flush(); err != nil {
		return sberrors.IO("flush request", err)
	}

	respLine, err := t.reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return sberrors.RPC(-1, "response timeout")
		}
		return sberrors.IO("read response", err)
	}

	var resp response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		return sberrors.Serialization("decode response", err)
	}

	if resp.Error != nil {
		return sberrors.RPC(resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return sberrors.RPC(-1, "missing result")
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return sberrors.Serialization("decode result", err)
	}
	return nil
}

// Ping verifies the agent is responsive.
func (t *Transport) Ping(ctx context.Context) error {
	var out struct {
		Pong bool `json:"pong"`
	}
	return t.Call(ctx, "ping", struct{}{}, &out)
}

// Exec runs a shell command inside the guest.
func (t *Transport) Exec(ctx context.Context, cmd string) (domain.ExecResult, error) {
	var out struct {
		ExitCode int32  `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	params := struct {
		Cmd string `json:"cmd"`
	}{Cmd: cmd}
	if err := t.Call(ctx, "exec", params, &out); err != nil {
		return domain.ExecResult{}, err
	}
	return domain.ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// ExecCode runs a snippet in the named interpreter inside the guest.
func (t *Transport) ExecCode(ctx context.Context, lang, code string) (domain.ExecResult, error) {
	var out struct {
		ExitCode int32  `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	params := struct {
		Lang string `json:"lang"`
		Code string `json:"code"`
	}{Lang: lang, Code: code}
	if err := t.Call(ctx, "exec_code", params, &out); err != nil {
		return domain.ExecResult{}, err
	}
	return domain.ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}, nil
}

// ReadFile reads a guest file's full content.
func (t *Transport) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	params := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := t.Call(ctx, "read_file", params, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

// WriteFile writes content to a guest file, creating or truncating it.
func (t *Transport) WriteFile(ctx context.Context, path, content string) error {
	params := struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}{Path: path, Content: content}
	var out struct {
		Success bool `json:"success"`
	}
	return t.Call(ctx, "write_file", params, &out)
}

// ListDir lists the entries of a guest directory.
func (t *Transport) ListDir(ctx context.Context, path string) ([]domain.FileEntry, error) {
	var out struct {
		Entries []domain.FileEntry `json:"entries"`
	}
	params := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := t.Call(ctx, "list_dir", params, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}
