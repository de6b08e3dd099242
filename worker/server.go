package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/yang-jaeyoung/workerbridge/wire"
)

// Handler serves one method call. The returned value is serialized as the
// reply's result. Returning a *wire.RPCError propagates its code and data
// to the caller; any other error becomes an internal error.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server is the worker side of the bridge protocol: a loopback TCP listener
// speaking newline-delimited JSON-RPC 2.0. The built-in ping and shutdown
// methods are always registered. Logs go to stderr; stdout carries only the
// port announcement the supervising bridge scans for.
type Server struct {
	log  *zap.SugaredLogger
	port int

	mu       sync.Mutex
	methods  map[string]Handler
	listener net.Listener

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Server.
type Option func(s *Server)

// WithLogger sets the logger. Defaults to a development logger on stderr.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("worker").Sugar()
	}
}

// WithPort sets a fixed listen port. The default 0 lets the OS assign one,
// which is what a supervising bridge expects.
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// NewServer builds a worker server with the built-in methods registered.
func NewServer(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:        logger.Named("worker").Sugar(),
		methods:    make(map[string]Handler),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.RegisterMethod("ping", s.handlePing)
	s.RegisterMethod("shutdown", s.handleShutdown)
	return s, nil
}

// RegisterMethod makes a method callable. Registering an existing name
// replaces its handler.
func (s *Server) RegisterMethod(name string, h Handler) {
	s.mu.Lock()
	s.methods[name] = h
	s.mu.Unlock()
	s.log.Debugw("registered method", "Method", name)
}

func (s *Server) handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	s.mu.Lock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	s.mu.Unlock()
	return map[string]any{"pong": true, "methods": names}, nil
}

func (s *Server) handleShutdown(ctx context.Context, params json.RawMessage) (any, error) {
	s.log.Info("shutdown requested")
	// reply first, then stop; Shutdown only closes the listener and the
	// serve loop drains after the ack is written
	go s.Shutdown()
	return map[string]any{"shutting_down": true}, nil
}

// Shutdown stops the serve loop. Safe to call multiple times.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.Close()
		}
	})
}

// Addr returns the bound listener address, or nil before ListenAndServe has
// bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds the loopback listener, announces the bound port on
// stdout, and serves connections until Shutdown is called or ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	port := listener.Addr().(*net.TCPAddr).Port

	// the supervising bridge scans stdout for exactly this line
	fmt.Printf("BRIDGE_PORT:%d\n", port)

	s.log.Infow("worker listening", "Addr", listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.shutdownCh:
		}
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				wg.Wait()
				s.log.Info("worker shut down")
				return nil
			default:
			}
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			return fmt.Errorf("accepting conn: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs the per-connection NDJSON loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With("Peer", conn.RemoteAddr().String())
	log.Debug("client connected")

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// idle loopback conns can sit for minutes between calls
		if err := tcpConn.SetKeepAlive(true); err != nil {
			log.Debugw("could not enable keepalive", "Error", err)
		}
	}

	var writeMu sync.Mutex
	var dec wire.Decoder
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				if len(line) == 0 {
					continue
				}
				s.handleLine(ctx, conn, &writeMu, line)
			}
		}
		if err != nil {
			log.Debugw("client disconnected", "Error", err)
			return
		}
	}
}

// handleLine parses one request segment and serves it on its own goroutine so
// a slow handler does not stall pipelined requests behind it.
func (s *Server) handleLine(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, line []byte) {
	reply := func(f *wire.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wire.WriteFrame(conn, f); err != nil {
			s.log.Debugw("error writing reply", "Error", err)
		}
	}

	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		reply(errorFrame("", wire.CodeParseError, fmt.Sprintf("parse error: %s", err), nil))
		return
	}
	if req.JSONRPC != "2.0" {
		reply(errorFrame(req.ID, wire.CodeInvalidRequest, "invalid request: jsonrpc must be \"2.0\"", nil))
		return
	}
	if req.Method == "" {
		reply(errorFrame(req.ID, wire.CodeInvalidRequest, "invalid request: method required", nil))
		return
	}

	s.mu.Lock()
	handler, ok := s.methods[req.Method]
	s.mu.Unlock()
	if !ok {
		reply(errorFrame(req.ID, wire.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil))
		return
	}

	go func() {
		result, err := handler(ctx, req.Params)
		if err != nil {
			var rpcErr *wire.RPCError
			if errors.As(err, &rpcErr) {
				reply(errorFrame(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
			} else {
				s.log.Errorw("handler error", "Method", req.Method, "Error", err)
				reply(errorFrame(req.ID, wire.CodeInternalError, fmt.Sprintf("internal error: %s", err), nil))
			}
			return
		}
		b, err := json.Marshal(result)
		if err != nil {
			reply(errorFrame(req.ID, wire.CodeInternalError, fmt.Sprintf("internal error: encoding result: %s", err), nil))
			return
		}
		reply(&wire.Frame{JSONRPC: "2.0", ID: req.ID, Result: b})
	}()
}

func errorFrame(id string, code int, message string, data any) *wire.Frame {
	return &wire.Frame{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &wire.RPCError{Code: code, Message: message, Data: data},
	}
}
