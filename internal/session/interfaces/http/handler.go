package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	session "mobility-hub/internal/session/domain"
)

// Service is the session manager surface used by the handler.
type Service interface {
	Login(ctx context.Context, username, password string) (session.Session, error)
	Logout(ctx context.Context)
	Current() (session.Session, bool)
}

// Handler serves login, logout and the current session.
type Handler struct {
	service Service
}

// NewHandler constructs a handler.
func NewHandler(service Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("session handler: nil service")
	}
	return &Handler{service: service}, nil
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/session", h.handleCurrent).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/session/login", h.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/session/logout", h.handleLogout).Methods(http.MethodPost)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Username    string     `json:"username"`
	FullName    string     `json:"full_name,omitempty"`
	DisplayName string     `json:"display_name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func toResponse(sess session.Session) sessionResponse {
	resp := sessionResponse{
		Username:    sess.User.Username,
		FullName:    sess.User.FullName,
		DisplayName: sess.User.DisplayName(),
	}
	if !sess.ExpiresAt.IsZero() {
		exp := sess.ExpiresAt
		resp.ExpiresAt = &exp
	}
	return resp
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	sess, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, session.ErrAuth) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.service.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(sess))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
