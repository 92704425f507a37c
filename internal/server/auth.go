// auth.go - Token authentication and login/logout handlers.
//
// Tokens are opaque session-store keys. Every protected handler validates
// the token before it touches the pool, so a bad token never costs a
// database lease.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"municipal-api/internal/dbpool"
	"municipal-api/internal/logging"
	"municipal-api/internal/session"
)

const userIDKey ctxKey = "user_id"

// UserIDFromContext returns the authenticated user id set by requireAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// extractToken accepts "Bearer <t>", a bare Authorization value, or ?token=.
func extractToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if strings.EqualFold(h, "bearer") {
			return ""
		}
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	return r.URL.Query().Get("token")
}

// requireAuth rejects requests without a live session with 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		sess, err := s.cfg.Sessions.Lookup(token)
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, session.ErrSessionExpired) {
				msg = "session expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresIn int       `json:"expires_in"`
	User      loginUser `json:"user"`
}

type loginUser struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	AccessLevel string `json:"access_level"`
}

// handleLogin verifies email and password, then opens a session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password required")
		return
	}

	if locked, until := s.lockout.IsLocked(req.Email); locked {
		s.recordLogin("locked")
		w.Header().Set("Retry-After", strconv.Itoa(int(until.Sub(s.lockout.now()).Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
		return
	}

	user, err := s.cfg.Users.FindByEmail(r.Context(), req.Email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		s.loginFailed(w, r, req.Email)
		return
	case err != nil:
		s.storeFailure(w, r, "login_lookup", err)
		return
	}

	if !verifyPassword(req.Password, user.PasswordHash) {
		s.loginFailed(w, r, req.Email)
		return
	}
	if !user.Active {
		s.recordLogin("inactive")
		writeError(w, http.StatusForbidden, "account is inactive")
		return
	}

	if err := s.cfg.Users.RecordLogin(r.Context(), user.ID); err != nil {
		s.storeFailure(w, r, "login_record", err)
		return
	}

	token, err := s.cfg.Sessions.Create(strconv.FormatInt(user.ID, 10))
	if err != nil {
		logging.Error("session_create_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
		}, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.lockout.RecordSuccessfulLogin(req.Email)
	s.recordLogin("success")
	logging.Info("login_succeeded", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"user_id":    user.ID,
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int(s.cfg.Sessions.Expiry().Seconds()),
		User:      loginUser{ID: user.ID, Name: user.Name, AccessLevel: user.AccessLevel},
	})
}

// loginFailed answers unknown email and wrong password identically.
func (s *Server) loginFailed(w http.ResponseWriter, r *http.Request, email string) {
	s.recordLogin("invalid")
	if locked, _ := s.lockout.RecordFailedAttempt(email); locked {
		logging.Warn("account_locked", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"ip":         getClientIP(r, s.cfg.TrustProxyHeaders),
		})
	}
	writeError(w, http.StatusUnauthorized, "invalid email or password")
}

func (s *Server) recordLogin(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Login(outcome)
	}
}

// handleLogout removes the caller's session. Unknown tokens are fine.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.cfg.Sessions.Remove(extractToken(r))
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleMe returns the authenticated user's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	id, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	user, err := s.cfg.Users.FindByID(r.Context(), id)
	switch {
	case errors.Is(err, ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		s.storeFailure(w, r, "me_lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// databaseUnavailable reports errors that mean "try again later" rather
// than a bug: no pool, a dead connection, or a broken link.
func databaseUnavailable(err error) bool {
	return errors.Is(err, dbpool.ErrPoolInit) ||
		errors.Is(err, dbpool.ErrConnInvalid) ||
		errors.Is(err, dbpool.ErrNotReady) ||
		errors.Is(err, dbpool.ErrAcquireAbandoned) ||
		dbpool.IsConnectivityError(err)
}

func (s *Server) storeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	fields := map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"op":         op,
	}
	if databaseUnavailable(err) {
		fields["error"] = err.Error()
		logging.Warn("database_unavailable", fields)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "database temporarily unavailable")
		return
	}
	logging.Error("database_query_failed", fields, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
