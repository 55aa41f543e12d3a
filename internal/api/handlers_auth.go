package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/httputil"
	"github.com/spintel/analytics-server/infrastructure/logging"
)

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	if err := s.creds.Register(payload.Username, payload.Password); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"username": payload.Username,
	}).Info("user registered")

	httputil.WriteSuccess(w, http.StatusCreated, map[string]interface{}{
		"user": map[string]string{"username": payload.Username},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentialsPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	cred, err := s.creds.Authenticate(payload.Username, payload.Password)
	if err != nil {
		s.log.LogSecurityEvent(r.Context(), "login_failed", map[string]interface{}{
			"username": payload.Username,
			"ip":       httputil.ClientIP(r),
		})
		httputil.WriteServiceError(w, r, err)
		return
	}

	token, expiresAt, err := s.tokens.Mint(cred.Username, cred.Role)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expiresAt.UnixMilli(),
		"user": map[string]string{
			"username": cred.Username,
			"role":     cred.Role,
		},
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"user": map[string]string{
			"username": logging.GetUser(r.Context()),
			"role":     logging.GetRole(r.Context()),
		},
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users := s.creds.List()
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if username == "" {
		httputil.WriteServiceError(w, r, apperrors.Invalid("username", "required"))
		return
	}

	if err := s.creds.Delete(username); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	s.log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"username": username,
	}).Info("user deleted")

	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"deleted": username,
	})
}
