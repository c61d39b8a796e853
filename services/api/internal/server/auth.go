package server

import (
	"net/http"

	"pdfpage/pkg/domain"
)

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Success bool            `json:"success"`
	Token   string          `json:"token"`
	User    domain.UserView `json:"user"`
}

type userResponse struct {
	Success bool            `json:"success"`
	User    domain.UserView `json:"user"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "Too many registration attempts, please try again later.") {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	user, token, err := s.app.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Success: true, Token: token, User: user.View(s.app.Now())})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "Too many login attempts, please try again later.") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token, User: user.View(s.app.Now())})
}

// handleLogout acknowledges a client-side token discard. Tokens are
// stateless, so there is nothing to revoke.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.audit(r, "auth.logout", "success")
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out successfully"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Success: true, User: user.View(s.app.Now())})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	updated, err := s.app.UpdateProfile(r.Context(), user, req.Name, req.Email)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.update_profile", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, userResponse{Success: true, User: updated.View(s.app.Now())})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.passwordLimiter, "Too many password change attempts, please try again later.") {
		s.audit(r, "auth.change_password", "rate_limited", "user_id", user.ID)
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.app.ChangePassword(r.Context(), user, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "auth.change_password", "fail", "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.change_password", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Password updated successfully"})
}
