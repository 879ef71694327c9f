package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/lobby"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	StreamEventState   = "state"
	StreamEventDeleted = "session.deleted"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamMessage is sent to websocket clients on every change of the session.
type StreamMessage struct {
	Event string        `json:"event"`
	State *domain.State `json:"state,omitempty"`
}

// handleStream pushes the session state to the client whenever it changes, until the session is
// deleted or the client goes away.
func (a *API) handleStream(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading the state so no change between the two is lost. Both fail before
	// upgrading so the client gets a proper HTTP error.
	sub, err := a.store.Watch(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	st, err := a.lobby.GetState(ctx, lobby.GetStateRequest{SessionID: id})
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "api: websocket upgrade failed", "session", id, "error", err)
		return
	}
	defer conn.Close()

	go readPump(conn, cancel)

	if err := send(conn, StreamMessage{Event: StreamEventState, State: st}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case ch, ok := <-sub.C:
			if !ok {
				return
			}

			if ch.Kind == domain.ChangeDeleted {
				_ = send(conn, StreamMessage{Event: StreamEventDeleted})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session deleted"),
					time.Now().Add(writeWait))
				return
			}

			st, err := a.lobby.GetState(ctx, lobby.GetStateRequest{SessionID: id})
			if err != nil {
				slog.WarnContext(ctx, "api: stream get state failed", "session", id, "error", err)
				continue
			}

			if err := send(conn, StreamMessage{Event: StreamEventState, State: st}); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and cancels the stream once the connection breaks.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
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

func send(conn *websocket.Conn, m StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}
