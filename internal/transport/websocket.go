package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/realtime"
	"github.com/pitabwire/caseflow/model"
)

// sendQueueSize bounds the envelopes buffered for one connection. A full
// queue makes Send block until the dispatcher's write timeout.
const sendQueueSize = 256

// Close reasons.
const (
	closeClientGone      = "client disconnected"
	closeWriteFailed     = "write failed"
	closeHeartbeatFailed = "heartbeat failed"
)

// wsConn adapts a WebSocket to realtime.Conn. Envelopes are queued on send
// and written by a single write pump.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	writeTimeout time.Duration
	logger       *zap.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = realtime.DefaultWriteTimeout
	}
	return &wsConn{
		id:           realtime.NewConnectionID(),
		ws:           ws,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	select {
	case <-c.done:
		return realtime.ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return realtime.ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("send queue full: %w", ctx.Err())
	}
}

// Close stops the write pump, which then closes the socket with reason.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeReason() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" || c.reason == closeClientGone {
		return websocket.StatusNormalClosure, ""
	}
	return websocket.StatusGoingAway, c.reason
}

func (c *wsConn) writePump(ctx context.Context) {
	defer func() {
		status, reason := c.closeReason()
		_ = c.ws.Close(status, reason)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.Close(closeWriteFailed)
				return
			}
		}
	}
}

func (c *wsConn) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.logger.Debug("websocket heartbeat failed", zap.Error(err))
				c.Close(closeHeartbeatFailed)
				return
			}
		}
	}
}

// handleWebSocket upgrades the request and serves the connection until the
// client leaves, a delivery fails or the server shuts down. The subscriber is
// the authenticated subject, or the subscriber_id query parameter when
// authentication is disabled. The optional case_id query parameter selects
// the watched case.
func handleWebSocket(d *realtime.Dispatcher, cfg config.RealtimeConfig, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriberID := model.SubjectFrom(r.Context())
		if subscriberID == "" {
			subscriberID = r.URL.Query().Get("subscriber_id")
		}
		caseID := r.URL.Query().Get("case_id")

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			observability.RequestLogger(r.Context(), logger).Debug("websocket upgrade rejected", zap.Error(err))
			return
		}
		if cfg.MaxMessageBytes > 0 {
			ws.SetReadLimit(cfg.MaxMessageBytes)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := newWSConn(ws, cfg.WriteTimeout, logger)
		conn.logger = observability.ConnectionLogger(logger, conn.id, subscriberID, caseID)

		go conn.writePump(ctx)
		if cfg.PingInterval > 0 {
			go conn.heartbeat(ctx, cfg.PingInterval)
		}

		d.OnConnect(ctx, conn, subscriberID, caseID)
		defer d.OnDisconnect(conn.id)

		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				conn.logger.Debug("websocket read loop ended", zap.Error(err))
				break
			}
			d.HandleInbound(ctx, conn.id, data)
		}
		conn.Close(closeClientGone)
	}
}
