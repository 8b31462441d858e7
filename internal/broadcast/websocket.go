package broadcast

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/rpattn/retailingest/internal/auth"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// WSHandler upgrades GET /ws/progress?token=...&uploadId=... to a websocket
// that streams the caller's progress events as JSON text frames.
type WSHandler struct {
	hub      *Hub
	tokens   *auth.TokenService
	upgrader websocket.Upgrader
}

// NewWSHandler accepts connections from allowedOrigins. An empty list or
// "*" allows any origin.
func NewWSHandler(hub *Hub, tokens *auth.TokenService, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := map[string]bool{}
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 || set["*"] {
			return true
		}
		return set[strings.TrimRight(origin, "/")]
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.tokens.ValidateToken(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	uploadID := uuid.Nil
	if raw := strings.TrimSpace(r.URL.Query().Get("uploadId")); raw != "" {
		uploadID, err = uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid uploadId")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[broadcast] websocket upgrade failed: %v", err)
		return
	}

	sub := h.hub.Subscribe(principal.TenantID, uploadID)
	log.Printf("[broadcast] observer connected for tenant %s", principal.TenantID)

	go writePump(conn, sub)
	readPump(conn, sub)
}

// readPump discards client frames and keeps the read deadline alive. It
// returns when the client goes away.
func readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[broadcast] observer read error: %v", err)
			}
			return
		}
	}
}

// writePump forwards events and pings. A subscription narrowed to one
// upload is closed normally after that upload's terminal event.
func writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if sub.UploadID() != uuid.Nil && event.IsTerminal() {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "upload finished"))
				sub.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
