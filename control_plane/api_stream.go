package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/accountforge/control_plane/events"
	"github.com/itskum47/accountforge/control_plane/status"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// streamMessage is one frame of the status stream: a snapshot first, then
// one event per applied change.
type streamMessage struct {
	Type     string           `json:"type"` // snapshot, event
	Snapshot *status.Snapshot `json:"snapshot,omitempty"`
	Event    *events.Event    `json:"event,omitempty"`
}

// handleStatusStream upgrades to WebSocket and forwards an aggregator
// subscription until either side goes away.
func (a *API) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !a.hub.Register(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many stream clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer a.hub.Unregister(conn)

	sub := a.status.Stream()
	defer sub.Close()

	done := make(chan struct{})
	go a.readPump(conn, done)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(streamMessage{Type: "snapshot", Snapshot: &sub.Snapshot}); err != nil {
		return
	}

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.Events:
			if !ok {
				// Fell behind, or the aggregator stopped.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(streamMessage{Type: "event", Event: &e}); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump detects disconnects. Clients are not expected to send anything.
func (a *API) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				a.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}
