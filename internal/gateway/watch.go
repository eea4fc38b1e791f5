package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/clawd/internal/persistence"
)

// watchPollInterval is how often the watch loop re-reads the task row.
const watchPollInterval = 500 * time.Millisecond

// handleWatch upgrades to a websocket and pushes the task view on every
// status change until the task reaches a terminal status, then closes.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("watch upgrade failed", "task_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	last := ""
	for {
		if string(task.Status) != last {
			last = string(task.Status)
			if err := wsjson.Write(ctx, conn, viewOf(task)); err != nil {
				return
			}
		}
		if task.Status.IsTerminal() {
			conn.Close(websocket.StatusNormalClosure, "task finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(watchPollInterval):
		}
		task, err = s.cfg.Store.GetTask(ctx, id)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "task lookup failed")
			return
		}
	}
}
