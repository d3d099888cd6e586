// Package server exposes the question-answering service over WebSocket.
// Each connection reads messages in order; one query streams to
// completion before the next message is processed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mdqa/md-qa/internal/index"
	"github.com/mdqa/md-qa/internal/protocol"
	"github.com/mdqa/md-qa/internal/qa"
)

const shutdownTimeout = 5 * time.Second

// Answerer runs one query through the pipeline, emitting phases on out.
type Answerer interface {
	Answer(ctx context.Context, question string, out qa.Stream) error
}

// Indexes reports the state of the loaded index for status replies.
type Indexes interface {
	Name() string
	Ready() bool
	Indexing() bool
	Len() int
}

// Options wires a Server.
type Options struct {
	Answerer Answerer
	Indexes  Indexes
	Logger   *slog.Logger
}

// Server accepts WebSocket connections and dispatches query and status
// messages.
type Server struct {
	answerer Answerer
	indexes  Indexes
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		answerer: opts.Answerer,
		indexes:  opts.Indexes,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{
			// Local tool; peers are not authenticated.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// Run listens on the port until the context is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("Server listening", "port", port)

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	c := &conn{
		ws:     ws,
		id:     id,
		server: s,
		logger: s.logger.With("conn", id[:8]),
	}
	c.run(r.Context())
}

// conn is one client connection. Reads happen on a single loop, so
// messages are handled strictly in receive order; writes share a mutex
// because the query stream and error replies come from the same loop
// but the websocket requires exclusive writers.
type conn struct {
	ws     *websocket.Conn
	id     string
	server *Server
	logger *slog.Logger

	sendMu sync.Mutex
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.Close()
	c.logger.Info("Client connected", "remote", c.ws.RemoteAddr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Connection closed unexpectedly", "error", err)
			} else {
				c.logger.Info("Client disconnected")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.sendError("Only text frames are supported")
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *conn) dispatch(ctx context.Context, data []byte) {
	start := time.Now()

	msg, err := protocol.ParseInbound(data)
	if err != nil {
		c.sendError("Invalid JSON format")
		return
	}

	switch msg.Type {
	case protocol.TypeQuery:
		chunks := c.handleQuery(ctx, msg)
		c.logger.Info("request_completed", "type", "query",
			"request_ms", elapsedMS(start), "chunks", chunks)
	case protocol.TypeStatus:
		c.handleStatus()
		c.logger.Info("request_completed", "type", "status", "request_ms", elapsedMS(start))
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
		c.logger.Warn("request_completed", "type", "unknown",
			"request_ms", elapsedMS(start), "msg_type", msg.Type)
	}
}

func (c *conn) handleQuery(ctx context.Context, msg protocol.Inbound) int {
	question := strings.TrimSpace(msg.Question)
	if question == "" {
		c.sendError("Question cannot be empty")
		return 0
	}
	if msg.Index != "" && msg.Index != c.server.indexes.Name() {
		// Retained for forward compatibility; the single loaded index
		// answers regardless.
		c.logger.Info("Ignoring unknown index in query", "index", msg.Index)
	}

	stream := &wsStream{conn: c}
	if err := c.server.answerer.Answer(ctx, question, stream); err != nil {
		if errors.Is(err, index.ErrNotReady) {
			c.sendError("Server is not ready. Indexes are still loading.")
		} else if !stream.started {
			c.sendError(fmt.Sprintf("Error processing query: %s", err))
		}
		c.logger.Error("Query failed", "error", err)
	}
	return stream.chunks
}

func (c *conn) handleStatus() {
	var reply protocol.Status
	switch {
	case c.server.indexes.Ready() && c.server.indexes.Len() > 0:
		reply = protocol.NewStatus(protocol.StatusReady, "Server ready")
	case c.server.indexes.Indexing():
		reply = protocol.NewStatus(protocol.StatusIndexing, "Server reloading indexes")
	default:
		reply = protocol.NewStatus(protocol.StatusNotReady, "Server loading indexes")
	}
	c.send(reply)
}

func (c *conn) sendError(message string) {
	c.send(protocol.NewError(message))
}

func (c *conn) send(v any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteJSON(v)
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// wsStream adapts one connection to the answer stream phases.
type wsStream struct {
	conn    *conn
	started bool
	chunks  int
}

func (w *wsStream) Start() error {
	w.started = true
	return w.conn.send(protocol.NewStreamStart())
}

func (w *wsStream) Chunk(text string) error {
	w.chunks++
	return w.conn.send(protocol.NewStreamChunk(text))
}

func (w *wsStream) End(sources []string) error {
	return w.conn.send(protocol.NewStreamEnd(sources))
}
