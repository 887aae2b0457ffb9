package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerWSRoute streams hub events. ?session=<id> narrows the stream to
// one consultation.
func registerWSRoute(mux *http.ServeMux, hub *Hub, logger *slog.Logger) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID != "" && !validSessionID(sessionID) {
			writeJSONError(w, r, http.StatusBadRequest, "invalid session id")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnContext(r.Context(), "ws upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		sub := hub.Subscribe(sessionID)
		defer func() {
			hub.Unsubscribe(sub)
			if n := sub.Dropped(); n > 0 {
				logger.InfoContext(r.Context(), "ws subscriber missed events", "session_filter", sessionID, "dropped", n)
			}
		}()

		write := func(msgType int, data []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(msgType, data)
		}

		hello, err := json.Marshal(ConnectionEvent{Event: hub.envelope(EventConnection, sessionID), Connected: true})
		if err != nil || write(websocket.TextMessage, hello) != nil {
			return
		}

		// Clients never send anything meaningful; reading keeps pongs flowing
		// and notices when they hang up.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			case <-ping.C:
				if write(websocket.PingMessage, nil) != nil {
					return
				}
			case msg, ok := <-sub.C:
				if !ok || write(websocket.TextMessage, msg) != nil {
					return
				}
			}
		}
	})
}
