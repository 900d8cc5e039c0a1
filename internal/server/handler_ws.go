package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pulce2011/GPU-Code-Runner/pkg/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// wsCommand is a client message on the task socket.
type wsCommand struct {
	Action string `json:"action"`
}

// handleWSTask streams task snapshots as JSON text frames until the task is
// terminal. A client message {"action":"interrupt"} interrupts the task.
// Closing the socket drops the subscription, which interrupts the task when
// the server runs with interrupt_on_disconnect.
// GET /api/v1/ws/tasks/{id}
func (s *Server) handleWSTask(w http.ResponseWriter, r *http.Request) {
	if !s.taskStreamAllowed(w, r) {
		return
	}
	logger := s.logger.With("task_id", chi.URLParam(r, "id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe only once upgraded: dropping the subscription counts as a
	// client disconnect.
	sub, task, err := s.subscribeTask(r)
	if err != nil {
		logger.Warn("ws subscribe", "error", err)
		return
	}
	defer sub.Close()
	id := task.ID

	// read commands; ends when the client goes away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("ws read", "error", err)
				return
			}
			var cmd wsCommand
			if err := json.Unmarshal(msg, &cmd); err != nil {
				logger.Debug("ws ignoring message", "error", err)
				continue
			}
			if cmd.Action == "interrupt" {
				if err := s.scheduler.Interrupt(r.Context(), id, ReasonUser); err != nil {
					logger.Warn("ws interrupt", "error", err)
				}
			}
		}
	}()

	write := func(payload []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
	finish := func() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
	}

	initial, err := json.Marshal(task)
	if err != nil {
		logger.Error("ws encode snapshot", "error", err)
		return
	}
	if err := write(initial); err != nil {
		return
	}
	if task.State.IsTerminal() {
		finish()
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			if err := write(payload); err != nil {
				logger.Debug("ws write", "error", err)
				return
			}
			var snap model.Task
			if json.Unmarshal(payload, &snap) == nil && snap.State.IsTerminal() {
				finish()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
