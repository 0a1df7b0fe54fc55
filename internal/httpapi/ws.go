package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/domibies/dotbox/internal/sandbox"
)

const logPollInterval = 2 * time.Second

// logStreamHandler upgrades the connection and follows a sandbox's
// container logs until the client disconnects or the sandbox goes away.
func (s *Server) logStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			http.Error(w, "project_id query parameter is required", http.StatusBadRequest)
			return
		}
		rec, ok := s.manager.Registry().Get(projectID)
		if !ok {
			http.Error(w, "sandbox not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"dotbox.logs.v1"},
		})
		if err != nil {
			s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "stream ended")

		s.logger.Info("log stream opened",
			slog.String("project_id", projectID),
			slog.String("remote", r.RemoteAddr),
		)

		ctx := r.Context()
		lastPoll := time.Now().Add(-logPollInterval)
		ticker := time.NewTicker(logPollInterval)
		defer ticker.Stop()

		for {
			logs, err := s.engine.Logs(ctx, rec.ContainerID, sandbox.LogOptions{Since: time.Since(lastPoll)})
			if err != nil {
				conn.Close(websocket.StatusInternalError, "log read failed")
				return
			}
			lastPoll = time.Now()

			if logs != "" {
				if err := conn.Write(ctx, websocket.MessageText, []byte(logs)); err != nil {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			// The sandbox may be released mid-stream.
			if _, ok := s.manager.Registry().Get(projectID); !ok {
				conn.Close(websocket.StatusGoingAway, "sandbox released")
				return
			}
		}
	}
}
