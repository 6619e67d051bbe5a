package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a single frame write to a client
const DefaultWriteTimeout = 5 * time.Second

// WebSocketConfig configures the WebSocket transport
type WebSocketConfig struct {
	WriteTimeout time.Duration

	// OriginPatterns restricts cross-origin clients. Empty accepts any
	// origin.
	OriginPatterns []string
}

// WebSocketHandler serves observers over WebSocket. Each connection gets
// one writer loop draining its observer queue.
type WebSocketHandler struct {
	hub    *Hub
	config WebSocketConfig
	logger *zap.Logger
}

// NewWebSocketHandler creates the handler
func NewWebSocketHandler(hub *Hub, config WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{hub: hub, config: config, logger: logger}
}

// ServeHTTP upgrades the request and streams hub messages until either side
// goes away
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.config.OriginPatterns,
		InsecureSkipVerify: len(h.config.OriginPatterns) == 0,
	})
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	obs := h.hub.NewObserver(uuid.NewString())
	logger := h.logger.With(zap.String("observer", obs.ID()), zap.String("remote", r.RemoteAddr))

	// Clients never send anything we use; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(context.Background())

	if err := h.hub.Register(ctx, obs); err != nil {
		logger.Warn("Failed to register observer", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer h.hub.Unregister(obs)

	logger.Info("Observer connected")
	status, reason := h.writeLoop(ctx, conn, obs, logger)
	conn.Close(status, reason)
	logger.Info("Observer disconnected",
		zap.Int64("sent", obs.Sent()),
		zap.Int64("dropped", obs.Dropped()),
	)
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, obs *Observer, logger *zap.Logger) (websocket.StatusCode, string) {
	messages := obs.Messages()
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""

		case frame, ok := <-messages:
			if !ok {
				return websocket.StatusGoingAway, "server shutting down"
			}

			writeCtx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Debug("Failed to write frame", zap.Error(err))
				}
				return websocket.StatusPolicyViolation, "write failed"
			}
		}
	}
}
