package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/pkg/utils"
	"go.uber.org/zap"
)

// searchRequest is a SearchQuery plus output switches. An empty query lists
// the newest matching documents.
type searchRequest struct {
	models.SearchQuery
	Sessions bool `json:"sessions,omitempty"`
}

type sessionsResponse struct {
	Query    string                   `json:"query"`
	Sessions []*models.SessionSummary `json:"sessions"`
	Warnings []string                 `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q := &req.SearchQuery
	s.logger.Debug("search request", zap.String("query", utils.Truncate(q.Query, 200)), zap.Int("limit", q.Limit), zap.Bool("sessions", req.Sessions))

	if strings.TrimSpace(q.Query) == "" {
		if req.Sessions {
			s.respondError(w, http.StatusBadRequest, "sessions search needs a query")
			return
		}
		if err := q.Normalize(); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := s.engine.Recent(r.Context(), q)
		if err != nil {
			s.respondFailure(w, "recent", err)
			return
		}
		s.respondJSON(w, http.StatusOK, resp)
		return
	}

	if err := q.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Sessions {
		sessions, warnings, err := s.engine.SearchSessions(r.Context(), q)
		if err != nil {
			s.respondFailure(w, "search sessions", err)
			return
		}
		if sessions == nil {
			sessions = []*models.SessionSummary{}
		}
		s.respondJSON(w, http.StatusOK, sessionsResponse{Query: q.Query, Sessions: sessions, Warnings: warnings})
		return
	}
	resp, err := s.engine.Search(r.Context(), q)
	if err != nil {
		s.respondFailure(w, "search", err)
		return
	}
	if resp.Results == nil {
		resp.Results = []*models.SearchResult{}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.engine.Show(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := s.engine.Session(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "get session", err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	var source models.Source
	if v := r.URL.Query().Get("source"); v != "" {
		parsed, err := models.ParseSource(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		source = parsed
	}
	projects, err := s.engine.Projects(r.Context(), source)
	if err != nil {
		s.respondFailure(w, "projects", err)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.respondFailure(w, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch merrors.KindOf(err) {
	case merrors.KindNotFound:
		return http.StatusNotFound
	case merrors.KindConfigMismatch:
		return http.StatusConflict
	case merrors.KindLockContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	s.respondJSON(w, status, errorResponse{
		Error:      err.Error(),
		Kind:       string(merrors.KindOf(err)),
		Suggestion: merrors.SuggestionOf(err),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}
