package testutil

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

func userJSON(u *fakeUser) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"id":          u.ID,
		"email":       u.Email,
		"first_name":  u.FirstName,
		"last_name":   u.LastName,
		"is_verified": u.Verified,
		"created_at":  u.Created.Format(time.RFC3339),
	}
}

func (s *Server) userByEmailLocked(email string) *fakeUser {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
		FirstName       string `json:"first_name"`
		LastName        string `json:"last_name"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !strings.Contains(req.Email, "@"):
		writeError(w, http.StatusBadRequest, "Enter a valid email address.", "invalid",
			map[string]any{"email": []string{"Enter a valid email address."}})
		return
	case s.userByEmailLocked(req.Email) != nil:
		writeError(w, http.StatusBadRequest, "A user with this email already exists.", "invalid",
			map[string]any{"email": []string{"A user with this email already exists."}})
		return
	case len(req.Password) < 8:
		writeError(w, http.StatusBadRequest, "Ensure this field has at least 8 characters.", "invalid",
			map[string]any{"password": []string{"Ensure this field has at least 8 characters."}})
		return
	case req.Password != req.PasswordConfirm:
		writeError(w, http.StatusBadRequest, "Passwords do not match.", "invalid",
			map[string]any{"password_confirm": "Passwords do not match."})
		return
	}

	id := s.addUserLocked(req.Email, req.Password, req.FirstName, req.LastName, false)
	s.verifyTok[s.nextIDLocked("verify")] = id

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Registration successful. Please check your email to verify your account.",
		"user":    userJSON(s.users[id]),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.userByEmailLocked(req.Email)
	if u == nil || u.Password != req.Password {
		writeError(w, http.StatusBadRequest, "Invalid credentials.", "invalid", nil)
		return
	}
	access, refresh := s.issueLocked(u.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":             access,
		"refresh_token":            refresh,
		"refresh_token_expires_at": time.Now().Add(7 * 24 * time.Hour).UTC().Format(time.RFC3339),
		"user":                     userJSON(u),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.refresh[req.RefreshToken]
	if s.failRefresh || !ok {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired", "invalid_token", nil)
		return
	}
	// Rotation: a refresh token is good for one exchange.
	delete(s.refresh, req.RefreshToken)
	access, refresh := s.issueLocked(uid)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":             access,
		"refresh_token":            refresh,
		"refresh_token_expires_at": time.Now().Add(7 * 24 * time.Hour).UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failLogout {
		writeError(w, http.StatusInternalServerError, "Internal server error", "error", nil)
		return
	}
	if _, ok := s.refresh[req.RefreshToken]; !ok {
		writeError(w, http.StatusBadRequest, "Invalid refresh token", "invalid", nil)
		return
	}
	delete(s.refresh, req.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, userJSON(currentUser(r)))
}

func (s *Server) handlePatchProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName *string `json:"first_name"`
		LastName  *string `json:"last_name"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := currentUser(r)
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword        string `json:"old_password"`
		NewPassword        string `json:"new_password"`
		NewPasswordConfirm string `json:"new_password_confirm"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := currentUser(r)
	switch {
	case u.Password != req.OldPassword:
		writeError(w, http.StatusBadRequest, "Old password is incorrect.", "invalid",
			map[string]any{"old_password": []string{"Old password is incorrect."}})
		return
	case len(req.NewPassword) < 8:
		writeError(w, http.StatusBadRequest, "Ensure this field has at least 8 characters.", "invalid", nil)
		return
	case req.NewPassword != req.NewPasswordConfirm:
		writeError(w, http.StatusBadRequest, "Passwords do not match.", "invalid", nil)
		return
	}
	u.Password = req.NewPassword
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password changed successfully. Please login again with your new password.",
	})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.verifyTok[req.Token]
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid verification token.", "invalid", nil)
		return
	}
	delete(s.verifyTok, req.Token)
	s.users[uid].Verified = true
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.userByEmailLocked(req.Email); u != nil {
		s.resetTok[fmt.Sprintf("reset-%s-%d", u.ID, len(s.resetTok)+1)] = u.ID
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If an account exists with this email, you will receive a password reset link.",
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token           string `json:"token"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.resetTok[req.Token]
	switch {
	case !ok:
		writeError(w, http.StatusBadRequest, "Invalid reset token.", "invalid", nil)
		return
	case req.Password != req.PasswordConfirm:
		writeError(w, http.StatusBadRequest, "Passwords do not match.", "invalid",
			map[string]any{"password_confirm": "Passwords do not match."})
		return
	case len(req.Password) < 8:
		writeError(w, http.StatusBadRequest, "Ensure this field has at least 8 characters.", "invalid", nil)
		return
	}
	delete(s.resetTok, req.Token)
	s.users[uid].Password = req.Password
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Password reset successful. Please login with your new password.",
	})
}
