package api

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/sandboxd/pkg/service"
)

// stdioRequest is one line of the stdio tool-call transport: a method name
// plus its JSON params, mirroring the shape of the in-guest agent's own
// wire protocol (§4.2) one layer up, at the tool-caller boundary instead of
// the guest-channel boundary.
type stdioRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type stdioResponse struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StdioServer serves the Service Facade over newline-delimited JSON on a
// reader/writer pair, for exercising the repository without an HTTP client.
type StdioServer struct {
	service *service.Service
	log     *logrus.Entry
}

// NewStdioServer builds a stdio tool-call server.
func NewStdioServer(svc *service.Service, log *logrus.Entry) *StdioServer {
	return &StdioServer{service: svc, log: log.WithField("component", "stdio-api")}
}

// Serve reads one request per line from r and writes one response per line
// to w, until r is exhausted or writing a response fails. Service calls are
// made with context.Background, so Serve has no cancellation of its own.
func (s *StdioServer) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(stdioResponse{Error: "malformed request: " + err.Error()})
			continue
		}

		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}
