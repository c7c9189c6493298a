// Package ctlsock is the local operator control protocol: a
// newline-delimited JSON request/response exchange over a Unix domain
// socket between cmd/fleetctl and a running cmd/fleetnode process. It is
// purely local plumbing, not part of the cluster wire protocol in
// internal/transport.
//
// Grounded on cmd/warren/main.go's command-dispatch shape (a command name
// plus args routed to a handler func), adapted from warren's in-process
// grpc API client call to a local socket call since this port's CLI is
// explicitly out of scope as a network API client (§6).
package ctlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
)

// Request is one CLI-issued command.
type Request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the node's reply to a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Handler executes one command and returns its result payload.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Server listens on a Unix domain socket and dispatches newline-delimited
// JSON requests to registered Handlers.
type Server struct {
	log      zerolog.Logger
	ln       net.Listener
	handlers map[string]Handler
}

// Listen removes any stale socket file at path and starts listening.
func Listen(path string, log zerolog.Logger) (*Server, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock: listen %s: %w", path, err)
	}
	return &Server{log: log, ln: ln, handlers: make(map[string]Handler)}, nil
}

// Register wires a Handler under command.
func (s *Server) Register(command string, h Handler) {
	s.handlers[command] = h
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("ctlsock: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: "ctlsock: malformed request: " + err.Error()})
			continue
		}

		h, ok := s.handlers[req.Command]
		if !ok {
			enc.Encode(Response{OK: false, Error: fmt.Sprintf("ctlsock: unknown command %q", req.Command)})
			continue
		}

		result, err := h(ctx, req.Args)
		if err != nil {
			enc.Encode(Response{OK: false, Error: err.Error()})
			continue
		}

		payload, err := json.Marshal(result)
		if err != nil {
			enc.Encode(Response{OK: false, Error: "ctlsock: marshal result: " + err.Error()})
			continue
		}
		enc.Encode(Response{OK: true, Result: payload})
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Client is a thin synchronous client used by cmd/fleetctl.
type Client struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

// Dial connects to a running Server at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock: dial %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}, nil
}

// Call sends one request and waits for its response.
func (c *Client) Call(command string, args any) (Response, error) {
	argData, err := json.Marshal(args)
	if err != nil {
		return Response{}, fmt.Errorf("ctlsock: marshal args: %w", err)
	}
	req := Request{Command: command, Args: argData}
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("ctlsock: marshal request: %w", err)
	}

	if _, err := c.rw.Write(append(line, '\n')); err != nil {
		return Response{}, fmt.Errorf("ctlsock: write request: %w", err)
	}
	if err := c.rw.Flush(); err != nil {
		return Response{}, fmt.Errorf("ctlsock: flush request: %w", err)
	}

	respLine, err := c.rw.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("ctlsock: read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return Response{}, fmt.Errorf("ctlsock: unmarshal response: %w", err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
