package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Handler upgrades HTTP requests to WebSocket connections and pumps hub
// messages to them.
type Handler struct {
	hub     *Hub
	allowed map[string]struct{}
	up      gorillawebsocket.Upgrader
}

// NewHandler creates a handler bound to hub. Only the listed topics may be
// subscribed; unknown topics are ignored. Origins are checked against
// origins unless it contains "*".
func NewHandler(hub *Hub, topics []string, origins []string) *Handler {
	h := &Handler{hub: hub, allowed: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		h.allowed[t] = struct{}{}
	}
	h.up = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client with the
// topics from the "topics" query parameter and starts the pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.up.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: h.filter(strings.Split(c.QueryParam("topics"), ",")),
		Send:   make(chan []byte, sendBuffer),
	}
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client", client.ID).Strs("topics", client.Topics).Msg("client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)

	return nil
}

func (h *Handler) filter(topics []string) []string {
	out := make([]string, 0, len(topics))
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if _, ok := h.allowed[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// readPump processes subscribe/unsubscribe messages and keeps the read
// deadline alive on pongs.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		msg.Topics = h.filter(msg.Topics)
		h.hub.ProcessMessage(client, msg)
	}
}

// writePump writes messages from the Send channel and pings periodically.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
