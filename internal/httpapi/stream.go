package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"crosspost/internal/session"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

// stream serves one session's step events as server-sent events. Every
// connection starts with the connected frame and the replay buffer, so a
// reconnect resumes from history.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sessionId"]
	if !session.Valid(sid) {
		s.writeError(w, r, session.ErrUnknownSession)
		return
	}
	if _, err := s.sessions.EventOf(r.Context(), sid); err != nil {
		s.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := s.broker.Subscribe(sid)
	defer sub.Close()
	// A finished session has nothing more to send than its replay.
	if !s.coord.Live(sid) {
		s.broker.MarkComplete(sid)
	}

	log := s.log.With(logx.String("session_id", sid))
	log.Debug("stream opened")
	heartbeat := time.Duration(s.heartbeat.Load())
	sent := 0
	for {
		ctx, cancel := context.WithTimeout(r.Context(), heartbeat)
		e, err := sub.Next(ctx)
		cancel()

		switch {
		case err == nil:
			b, merr := json.Marshal(e)
			if merr != nil {
				log.Error("stream encode failed", logx.Err(merr))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			sent++
		case errors.Is(err, io.EOF):
			log.Debug("stream complete", logx.Int("sent", sent))
			return
		case errors.Is(err, stream.ErrLagged):
			log.Warn("stream subscriber lagged; closing", logx.Int("sent", sent))
			_, _ = io.WriteString(w, ": lagged, reconnect to replay\n\n")
			_ = rc.Flush()
			return
		case r.Context().Err() == nil && errors.Is(err, context.DeadlineExceeded):
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		default:
			log.Debug("stream client gone", logx.Int("sent", sent))
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
