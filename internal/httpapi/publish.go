package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"crosspost/internal/publish"
	"crosspost/internal/session"
	logx "crosspost/pkg/logx"
)

type submitRequest struct {
	EventID   string          `json:"eventId"`
	Platforms map[string]bool `json:"platforms"`
}

type retryRequest struct {
	EventID    string          `json:"eventId"`
	PlatformID string          `json:"platformId,omitempty"`
	Platforms  map[string]bool `json:"platforms,omitempty"`
	// PublishSessionID, when set, makes the retry conditional on the stored
	// run of that session being retryable.
	PublishSessionID string `json:"publishSessionId,omitempty"`
}

type acceptedResponse struct {
	Success          bool   `json:"success"`
	PublishSessionID string `json:"publishSessionId"`
}

func selected(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for id, on := range m {
		if on {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sid, err := s.coord.Accept(r.Context(), req.EventID, selected(req.Platforms))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Success: true, PublishSessionID: sid})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := selected(req.Platforms)
	if req.PlatformID != "" {
		ids = append(ids, req.PlatformID)
	}
	if len(ids) != 1 {
		s.writeError(w, r, fmt.Errorf("%w: retry needs exactly one platform, got %d", publish.ErrValidation, len(ids)))
		return
	}

	var (
		sid string
		err error
	)
	if req.PublishSessionID != "" {
		sid, err = s.coord.RetryFrom(r.Context(), req.EventID, req.PublishSessionID, ids[0])
	} else {
		sid, err = s.coord.Retry(r.Context(), req.EventID, ids[0])
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("publish retry accepted",
		logx.String("event_id", req.EventID),
		logx.String("platform", ids[0]),
		logx.String("from_session", req.PublishSessionID),
		logx.String("session_id", sid),
	)
	writeJSON(w, http.StatusAccepted, acceptedResponse{Success: true, PublishSessionID: sid})
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.coord.Result(r.Context(), vars["eventId"], vars["sessionId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": newSessionView(rec)})
}

// retryable lists the platforms of a finished session that a retry would accept.
func (s *Server) retryable(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ids, err := s.coord.RetryablePlatforms(r.Context(), vars["eventId"], vars["sessionId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "platforms": ids})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", publish.ErrValidation))
			return
		}
		limit = min(n, 200)
	}
	recs, err := s.coord.History(r.Context(), mux.Vars(r)["eventId"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newSessionView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": views})
}

// sessionState serves the live snapshot while a session runs and the stored
// record afterwards.
func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sessionId"]
	if snap, err := s.coord.Snapshot(sid); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "live": true, "session": newSessionView(snap)})
		return
	}
	eventID, err := s.sessions.EventOf(r.Context(), sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.coord.Result(r.Context(), eventID, sid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "live": false, "session": newSessionView(rec)})
}

func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sessionId"]
	if err := s.coord.Abandon(sid); err != nil {
		if errors.Is(err, publish.ErrSessionNotFound) && session.Valid(sid) {
			err = fmt.Errorf("%w: %s is not running", publish.ErrSessionNotFound, sid)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "publishSessionId": sid})
}
