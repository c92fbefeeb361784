package mockapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/lmst/attendance-admin-client/internal/domain"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
	maxBodyBytes    = 1 << 20
)

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.stats.logins.Add(1)
	if status := s.failure().Login; status != 0 {
		writeError(w, r, status, "LOGIN_UNAVAILABLE", "Login is temporarily unavailable.", nil)
		return
	}
	var creds domain.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	details := map[string][]string{}
	if strings.TrimSpace(creds.Email) == "" {
		details["email"] = []string{"The email field is required."}
	}
	if creds.Password == "" {
		details["password"] = []string{"The password field is required."}
	}
	if len(details) > 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "", details)
		return
	}

	s.mu.Lock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(creds.Email))]
	u := s.users[id]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(creds.Password)) != nil {
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials", nil)
		return
	}
	payload, err := s.issue(u, s.cfg.AccessTTL)
	if err != nil {
		s.logger.Error("issue session failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue session", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.stats.refreshes.Add(1)
	f := s.failure()
	if f.RefreshDelay > 0 {
		select {
		case <-time.After(f.RefreshDelay):
		case <-r.Context().Done():
			return
		}
	}
	if f.Refresh != 0 {
		s.stats.refreshRejected.Add(1)
		writeError(w, r, f.Refresh, "REFRESH_FAILED", "Unable to refresh session.", nil)
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &body); err != nil || body.RefreshToken == "" {
		s.stats.refreshRejected.Add(1)
		writeError(w, r, http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token is invalid or expired.", nil)
		return
	}
	claims, err := s.jwt.ParseRefreshToken(body.RefreshToken)
	if err != nil {
		s.stats.refreshRejected.Add(1)
		writeError(w, r, http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token is invalid or expired.", nil)
		return
	}
	userID, ok := s.consumeRefresh(claims.ID)
	if !ok {
		s.stats.refreshRejected.Add(1)
		writeError(w, r, http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token is invalid or expired.", nil)
		return
	}
	u, ok := s.userByID(userID)
	if !ok {
		s.stats.refreshRejected.Add(1)
		writeError(w, r, http.StatusUnauthorized, "INVALID_REFRESH", "Refresh token is invalid or expired.", nil)
		return
	}
	payload, err := s.issue(u, s.cfg.AccessTTL)
	if err != nil {
		s.logger.Error("rotate session failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "failed to issue session", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	s.stats.profileFetches.Add(1)
	if status := s.failure().Me; status != 0 {
		writeError(w, r, status, "PROFILE_UNAVAILABLE", "Unable to load profile.", nil)
		return
	}
	u, ok := s.currentUser(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthenticated.", nil)
		return
	}
	writeJSON(w, r, http.StatusOK, u.profile)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.stats.logouts.Add(1)
	if id, ok := userIDFromRequest(r); ok {
		s.revokeUser(id)
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	s.stats.fetches.Add(1)
	if status := s.failure().Notifications; status != 0 {
		writeError(w, r, status, "NOTIFICATIONS_UNAVAILABLE", "Notifications are unavailable.", nil)
		return
	}
	id, _ := userIDFromRequest(r)
	perPage := defaultPageSize
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "",
				map[string][]string{"per_page": {"The per page must be a positive integer."}})
			return
		}
		perPage = min(n, maxPageSize)
	}
	list := s.Notifications(id)
	if len(list) > perPage {
		list = list[:perPage]
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) markOneRead(w http.ResponseWriter, r *http.Request) {
	s.stats.markRead.Add(1)
	if status := s.failure().MarkRead; status != 0 {
		writeError(w, r, status, "SYNC_FAILED", "Unable to update notifications.", nil)
		return
	}
	id, _ := userIDFromRequest(r)
	updated := s.markRead(id, []string{chi.URLParam(r, "id")})
	writeJSON(w, r, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) markManyRead(w http.ResponseWriter, r *http.Request) {
	s.stats.markRead.Add(1)
	if status := s.failure().MarkRead; status != 0 {
		writeError(w, r, status, "SYNC_FAILED", "Unable to update notifications.", nil)
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decodeJSON(r, &body); err != nil || len(body.IDs) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "",
			map[string][]string{"ids": {"The ids field is required."}})
		return
	}
	id, _ := userIDFromRequest(r)
	updated := s.markRead(id, body.IDs)
	writeJSON(w, r, http.StatusOK, map[string]int{"updated": updated})
}

func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request) {
	s.stats.markAllRead.Add(1)
	if status := s.failure().MarkRead; status != 0 {
		writeError(w, r, status, "SYNC_FAILED", "Unable to update notifications.", nil)
		return
	}
	id, _ := userIDFromRequest(r)
	updated := s.markRead(id, nil)
	writeJSON(w, r, http.StatusOK, map[string]int{"updated": updated})
}

// broadcastAuth signs a private channel subscription. The body is the bare
// {"auth": ...} object the Pusher protocol expects, not the API envelope.
func (s *Server) broadcastAuth(w http.ResponseWriter, r *http.Request) {
	s.stats.broadcastAuths.Add(1)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var socketID, channel string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			SocketID    string `json:"socket_id"`
			ChannelName string `json:"channel_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
		socketID, channel = body.SocketID, body.ChannelName
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
		socketID, channel = r.PostForm.Get("socket_id"), r.PostForm.Get("channel_name")
	}
	if socketID == "" || channel == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "socket_id and channel_name are required", nil)
		return
	}
	id, _ := userIDFromRequest(r)
	if channel != UserChannel(id) {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "This action is unauthorized.", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"auth": s.hub.Sign(socketID, channel)})
}

func (s *Server) currentUser(r *http.Request) (*user, bool) {
	id, ok := userIDFromRequest(r)
	if !ok {
		return nil, false
	}
	return s.userByID(id)
}

func userIDFromRequest(r *http.Request) (uint, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(dst)
}
