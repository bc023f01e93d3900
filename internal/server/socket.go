package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"botbox/internal/dispatch"
)

// HandlerFunc processes one request of a registered type.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// readTimeout is how long we wait for the client to send its request.
const readTimeout = 30 * time.Second

// writeTimeout is how long we wait for the response to be written.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds one request line. Bot sources are the largest field.
const maxRequestSize = 1024 * 1024

// Server serves the control protocol on a Unix socket. Each connection
// carries exactly one newline-terminated JSON request and gets one JSON
// response, then the connection closes. A client that hangs up before the
// response cancels its request.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *zap.Logger
	ready      chan struct{}

	// active tracks in-flight connections so Serve can wait for them.
	active sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Handle registers a handler for a request type. Panics on duplicates.
func (s *Server) Handle(typ string, handler HandlerFunc) {
	if _, exists := s.handlers[typ]; exists {
		panic(fmt.Sprintf("server: duplicate handler for %q", typ))
	}
	s.handlers[typ] = handler
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve accepts connections until ctx is cancelled, then waits for active
// requests to finish. A stale socket file is replaced, and the socket is
// removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("control server listening", zap.String("path", s.socketPath))
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", zap.Error(err))
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

// handleConnection serves one request. The handler's context ends when the
// server stops or the client hangs up before the response is written.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var watching sync.WaitGroup
	defer watching.Wait()
	defer conn.Close()

	logger := s.logger.With(zap.String("request_id", uuid.NewString()))
	start := time.Now()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(io.LimitReader(conn, maxRequestSize)).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeResponse(conn, logger, errorResponse(fmt.Errorf("invalid request: %w", err)))
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, logger, errorResponse(fmt.Errorf("invalid request: %w", err)))
		return
	}
	logger = logger.With(zap.String("type", req.Type))

	conn.SetReadDeadline(time.Time{})
	watching.Add(1)
	go func() {
		defer watching.Done()
		watchClient(conn, cancel)
	}()

	result, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Info("request failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		s.writeResponse(conn, logger, errorResponse(err))
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.writeResponse(conn, logger, errorResponse(fmt.Errorf("internal: marshaling response: %w", err)))
		return
	}
	logger.Debug("request served", zap.Duration("elapsed", time.Since(start)))
	s.writeResponse(conn, logger, Response{Data: data})
}

// watchClient cancels the request once the client hangs up. Clients send
// nothing after the request line, so the read only returns when the
// connection ends, from either side.
func watchClient(conn net.Conn, cancel context.CancelFunc) {
	io.Copy(io.Discard, conn)
	cancel()
}

// dispatch routes to the handler, turning a panic into an error.
func (s *Server) dispatch(ctx context.Context, req Request) (result any, err error) {
	handler, ok := s.handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error handling %s: %v", req.Type, r)
		}
	}()
	return handler(ctx, req)
}

func errorResponse(err error) Response {
	body := &ErrorBody{Message: err.Error(), Stacktrace: stacktrace(err)}
	var removed *dispatch.RemovedError
	if errors.As(err, &removed) {
		body.RemovedBot = &RemovedBot{Name: removed.Bot, Output: removed.Output}
	}
	return Response{Error: body}
}

func (s *Server) writeResponse(conn net.Conn, logger *zap.Logger, resp Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
