package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/inaya/casefile/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// WebSocketHandler upgrades GET /ws and attaches each connection to a hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler accepts browser connections from allowedOrigins; "*"
// allows any origin. Requests without an Origin header (non-browser
// clients) are always accepted.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return originAllowed(r.Header.Get("Origin"), allowed) },
		},
	}
}

func originAllowed(origin string, allowed map[string]bool) bool {
	if origin == "" || allowed["*"] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return allowed[u.Scheme+"://"+u.Host]
}

// RegisterRoutes registers GET /ws. Initial topics may be passed as
// repeated ?topic= query parameters.
func (wsh *WebSocketHandler) RegisterRoutes(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.GET("/ws", wsh.HandleConnect, m...)
}

func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	conn, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	s := &session{
		hub:  wsh.hub,
		conn: conn,
		client: &Client{
			ID:     uuid.New().String(),
			UserID: auth.UserIDFromContext(c.Request().Context()),
			Topics: c.QueryParams()["topic"],
			Send:   make(chan []byte, sendBuffer),
		},
	}
	wsh.hub.Register(s.client)
	log.Debug().Str("client_id", s.client.ID).Str("user_id", s.client.UserID).Msg("websocket: connected")

	go s.writeLoop()
	go s.readLoop()
	return nil
}

// session owns one upgraded connection. readLoop is the only reader and
// writeLoop the only writer.
type session struct {
	hub    *Hub
	conn   *gorillawebsocket.Conn
	client *Client
}

func (s *session) readLoop() {
	defer func() {
		s.hub.Unregister(s.client)
		s.conn.Close()
		log.Debug().Str("client_id", s.client.ID).Msg("websocket: disconnected")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return s.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	_ = extend("")
	s.conn.SetPongHandler(extend)

	for {
		var msg ClientMessage
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if json.Unmarshal(raw, &msg) == nil {
			s.hub.ProcessMessage(s.client, msg)
		}
	}
}

func (s *session) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer s.conn.Close()

	for {
		var (
			kind    = gorillawebsocket.PingMessage
			payload []byte
		)
		select {
		case msg, open := <-s.client.Send:
			if !open {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			kind, payload = gorillawebsocket.TextMessage, msg
		case <-ping.C:
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}
