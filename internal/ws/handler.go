package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trna-workbench/backend/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Handler upgrades HTTP requests and pumps messages between the socket and
// its session.
type Handler struct {
	service  *Service
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates a Handler accepting the given browser origins.
func NewHandler(service *Service, allowedOrigins []string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     CheckOrigin(allowedOrigins),
		},
		log: log.Named("ws"),
	}
}

// CheckOrigin returns an origin check for allowed. An empty list or "*"
// accepts any origin; requests without an Origin header are accepted.
func CheckOrigin(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.HandleConnection(w, r); err != nil {
		h.log.Warn("websocket connection failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
}

// HandleConnection upgrades the request and starts the connection's pumps.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sess := session.New(r.RemoteAddr)
	if err := h.service.connect(sess); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return err
	}

	go h.writePump(conn, sess)
	go h.readPump(conn, sess)
	return nil
}

// readPump pumps messages from the connection to the service.
func (h *Handler) readPump(conn *websocket.Conn, sess *session.Session) {
	defer func() {
		h.service.disconnect(sess)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", zap.String("session", sess.ID()), zap.Error(err))
			}
			return
		}
		h.service.receive(sess, message)
	}
}

// writePump drains the session's outbox to the connection. It is the only
// writer of data frames.
func (h *Handler) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	outbox := sess.Outbox()
	for {
		select {
		case message, ok := <-outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame.
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("websocket write failed", zap.String("session", sess.ID()), zap.Error(err))
				return
			}

			n := len(outbox)
			for i := 0; i < n; i++ {
				queued, ok := <-outbox
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
