package server

import (
	"encoding/json"
	"net/http"

	"github.com/agenthq/agenthq/internal/auth"
	"github.com/agenthq/agenthq/internal/logger"
)

// loginResponse is what every successful credential exchange returns: the
// cookie goes on the response, the bearer token is for non-browser clients.
type loginResponse struct {
	User  auth.User `json:"user"`
	Token string    `json:"token"`
}

func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, res *auth.LoginResult) {
	token, err := s.auth.IssueAPIToken(&res.User)
	if err != nil {
		logger.Error("issue api token", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	auth.SetSessionCookie(w, r, res.SessionID)
	writeJSON(w, http.StatusOK, loginResponse{User: res.User, Token: token})
}

// handleLogin exchanges username+password for a session. When the request
// names a device that has no registered PIN, it answers 428 so the client
// can run the PIN enrollment flow first. Every credential failure is the
// same opaque 401.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	u, err := s.auth.VerifyPassword(req.Username, req.Password)
	if err != nil {
		logger.Error("verify password", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if req.DeviceID != "" {
		if err := auth.ValidateDeviceID(req.DeviceID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		hasPin, err := s.auth.HasDevicePin(req.DeviceID)
		if err != nil {
			logger.Error("check device pin", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !hasPin {
			writeJSON(w, http.StatusPreconditionRequired, map[string]bool{"devicePinRequired": true})
			return
		}
	}

	res, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		logger.Error("login", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if res == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.finishLogin(w, r, res)
}

// handleDevicePin registers (or replaces) a PIN for a device after
// re-verifying the password, then logs the caller in with it.
func (s *Server) handleDevicePin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		DeviceID string `json:"deviceId"`
		Pin      string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	u, err := s.auth.VerifyPassword(req.Username, req.Password)
	if err != nil {
		logger.Error("verify password", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := s.auth.UpsertDevicePin(u.ID, req.DeviceID, req.Pin); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.auth.LoginWithDevicePin(req.DeviceID, req.Pin)
	if err != nil || res == nil {
		logger.Error("pin login after enrollment", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.finishLogin(w, r, res)
}

func (s *Server) handlePinLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Pin      string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := s.auth.LoginWithDevicePin(req.DeviceID, req.Pin)
	if err != nil {
		logger.Error("pin login", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if res == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.finishLogin(w, r, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := auth.ParseCookieHeader(r.Header.Get("Cookie"), auth.SessionCookieName); ok {
		if err := s.auth.Logout(id); err != nil {
			logger.Warn("logout", "err", err)
		}
	}
	auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := s.requireUser(w, r)
	if u == nil {
		return
	}
	writeJSON(w, http.StatusOK, u)
}
