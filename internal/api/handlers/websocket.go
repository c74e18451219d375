package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/scanledger/internal/api/middleware"
	"github.com/anstrom/scanledger/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// StreamMessage is one frame of the progress stream.
type StreamMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ProgressStream pushes queue progress to websocket clients, one frame
// right after connecting and then one per period.
type ProgressStream struct {
	ledger   *LedgerHandler
	period   time.Duration
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  int
	shutdown chan struct{}
	closed   bool
}

// NewProgressStream creates a progress stream fed by ledger.
func NewProgressStream(ledger *LedgerHandler, period time.Duration, logger *logging.Logger) *ProgressStream {
	if period <= 0 {
		period = 10 * time.Second
	}
	return &ProgressStream{
		ledger: ledger,
		period: period,
		logger: logger.WithFields("handler", "progress_stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (s *ProgressStream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

// Shutdown disconnects every client.
func (s *ProgressStream) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.shutdown)
	}
}

// ServeHTTP handles GET /api/v1/progress/stream.
func (s *ProgressStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "request_id", requestID, "error", err)
		return
	}

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			s.logger.Debug("Error closing connection", "request_id", requestID, "error", err)
		}
	}()

	s.logger.Debug("Progress client connected", "request_id", requestID)

	gone := make(chan struct{})
	go s.readPump(conn, gone)
	s.writePump(r.Context(), conn, gone, requestID)
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It closes gone once the client is unreachable.
func (s *ProgressStream) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *ProgressStream) writePump(ctx context.Context, conn *websocket.Conn, gone <-chan struct{}, requestID string) {
	push := time.NewTicker(s.period)
	defer push.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if !s.pushProgress(ctx, conn, requestID) {
		return
	}
	for {
		select {
		case <-push.C:
			if !s.pushProgress(ctx, conn, requestID) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.shutdown:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *ProgressStream) pushProgress(ctx context.Context, conn *websocket.Conn, requestID string) bool {
	msg := StreamMessage{Type: "progress", Timestamp: time.Now().UTC()}
	resp, err := s.ledger.progress(ctx)
	if err != nil {
		s.logger.Error("Failed to read progress for stream", "request_id", requestID, "error", err)
		msg.Type = "error"
		msg.Data = "progress unavailable"
	} else {
		msg.Data = resp.Rows
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("Progress push failed, closing connection", "request_id", requestID, "error", err)
		return false
	}
	return true
}
