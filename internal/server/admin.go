package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/user"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/users", s.adminListUsers)
	r.Post("/users", s.adminRegister)
	r.Get("/online", s.adminOnline)
	r.Post("/users/{name}/ban", s.adminBan)
	r.Post("/users/{name}/unban", s.adminUnban)
	r.Post("/users/{name}/kick", s.adminKick)
	r.Post("/announce", s.adminAnnounce)
	r.Get("/history", s.adminHistory)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, api.Error{Error: reason})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, user.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrAuth), errors.Is(err, apperror.ErrRoute):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) adminListUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.store.List()
	out := make([]api.User, 0, len(users))
	for _, u := range users {
		out = append(out, api.User{
			Username:     u.Username,
			RegisteredAt: u.RegisteredAt,
			LastActiveAt: u.LastActiveAt,
			Banned:       u.Banned,
			Online:       s.registry.IsOnline(u.Username),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) adminRegister(w http.ResponseWriter, r *http.Request) {
	var req api.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if err := s.store.Register(req.Username, req.Password); err != nil {
		writeError(w, statusFor(err), apperror.Reason(err))
		return
	}
	writeJSON(w, http.StatusCreated, api.User{Username: req.Username})
}

func (s *Server) adminOnline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.Online{Users: s.registry.ListOnline()})
}

func (s *Server) adminBan(w http.ResponseWriter, r *http.Request) {
	if err := s.Ban(chi.URLParam(r, "name")); err != nil {
		writeError(w, statusFor(err), apperror.Reason(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminUnban(w http.ResponseWriter, r *http.Request) {
	if err := s.Unban(chi.URLParam(r, "name")); err != nil {
		writeError(w, statusFor(err), apperror.Reason(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminKick(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.Kick(name, r.URL.Query().Get("reason")) {
		writeError(w, http.StatusNotFound, name+" is not online")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adminAnnounce(w http.ResponseWriter, r *http.Request) {
	var req api.Announcement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	receipt, err := s.Announce(req.Text)
	if err != nil {
		writeError(w, statusFor(err), apperror.Reason(err))
		return
	}
	writeJSON(w, http.StatusOK, api.AnnounceResult{ID: receipt.ID, Delivered: receipt.Delivered})
}

func (s *Server) adminHistory(w http.ResponseWriter, r *http.Request) {
	msgs := s.historyFor(r.URL.Query().Get("user"))
	out := make([]api.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toAPIMessage(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func toAPIMessage(m chat.Message) api.Message {
	return api.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Type:      m.Type.String(),
		Read:      m.Read,
		Deleted:   m.Deleted,
	}
}
