package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vaivahik/realtime/internal/auth"
	"github.com/vaivahik/realtime/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from the web app's origin; native apps send none.
	// Token auth is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to websocket connections and drives their
// read loops.
type Handler struct {
	authn  *auth.Authenticator
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(authn *auth.Authenticator, svc *Service, logger *zap.Logger) *Handler {
	return &Handler{
		authn:  authn,
		svc:    svc,
		logger: logger,
	}
}

// bearerToken pulls the credential from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeWS handles GET /ws. Authentication runs once, before the upgrade;
// a rejected handshake never reaches presence tracking.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authn.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrSessionRevoked) {
			status = http.StatusForbidden
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"reason": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, identity.UserID, identity.SessionID)
	conn.configureRead()

	h.svc.Connect(conn.UserID, conn.ID, conn)
	metrics.ConnectionOpened()

	defer func() {
		h.svc.Disconnect(conn.UserID, conn.ID)
		_ = conn.Close()
		metrics.ConnectionClosed()
	}()

	h.readLoop(conn, r)
}

func (h *Handler) readLoop(conn *Conn, r *http.Request) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("connection closed unexpectedly",
					zap.Error(err),
					zap.String("conn_id", conn.ID.String()),
				)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.SendEvent(ErrorFrame{Type: FrameError, Code: CodeInternal, Message: "malformed frame"})
			continue
		}

		switch frame.Type {
		case FramePing:
			_ = conn.SendEvent(PongFrame{Type: FramePong})

		case FramePrivateMessage:
			msg, sendErr := h.svc.SendMessage(r.Context(), conn.UserID, conn.ID, SendRequest{
				ThreadID: frame.ThreadID,
				ToUserID: frame.ToUserID,
				Content:  frame.Content,
				Metadata: frame.Metadata,
			})
			if sendErr != nil {
				if sendErr.Code == CodeRateLimited {
					_ = conn.SendEvent(RateLimitedFrame{Type: FrameRateLimited})
				} else {
					_ = conn.SendEvent(ErrorFrame{Type: FrameError, Code: sendErr.Code, Message: sendErr.Message})
				}
				continue
			}

			// Echo the persisted message so the sender learns its id and
			// timestamp.
			_ = conn.SendEvent(MessageFrame{Type: FrameMessage, Message: msg})

		default:
			_ = conn.SendEvent(ErrorFrame{Type: FrameError, Code: CodeInternal, Message: "unknown frame type"})
		}
	}
}
