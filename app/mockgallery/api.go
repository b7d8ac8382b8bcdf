package mockgallery

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// Stats is the JSON response for /api/e2e/stats, used by harness tests to
// verify cleanup and deletion actually happened
type Stats struct {
	Users     int  `json:"users"`
	Sessions  int  `json:"sessions"`
	Galleries int  `json:"galleries"`
	Optimized bool `json:"optimized"`
}

// handleHealth reports readiness, the harness polls it before starting a run
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	users := len(s.users)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "users": users})
}

// handleDeleteUser removes an account with its sessions and galleries.
// Returns 404 for an unknown email, callers treat that as already deleted.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		s.writeJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	s.mu.Lock()
	_, found := s.users[email]
	if found {
		delete(s.users, email)
		delete(s.galleries, email)
		for token, e := range s.sessions {
			if e == email {
				delete(s.sessions, token)
			}
		}
	}
	s.mu.Unlock()

	if !found {
		s.writeJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	log.Printf("[INFO] deleted user %s", email)
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": email})
}

// handleCleanup drops all galleries, accounts and sessions survive unless
// deleteUser is requested
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	deleteUser := r.URL.Query().Get("deleteUser") == "true"

	s.mu.Lock()
	removed := 0
	for _, gs := range s.galleries {
		removed += len(gs)
	}
	s.galleries = map[string][]Gallery{}
	if deleteUser {
		s.users = map[string]user{}
		s.sessions = map[string]string{}
	}
	s.mu.Unlock()

	log.Printf("[INFO] cleanup removed %d galleries, deleteUser=%v", removed, deleteUser)
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "deleteUser": deleteUser})
}

// handleCleanupAll is the deep clean: galleries, sessions and the optimize
// flag go away, accounts too when deleteUser is requested
func (s *Server) handleCleanupAll(w http.ResponseWriter, r *http.Request) {
	deleteUser := r.URL.Query().Get("deleteUser") == "true"

	s.mu.Lock()
	removed := 0
	for _, gs := range s.galleries {
		removed += len(gs)
	}
	s.galleries = map[string][]Gallery{}
	s.sessions = map[string]string{}
	s.optimized = false
	if deleteUser {
		s.users = map[string]user{}
	}
	s.mu.Unlock()

	log.Printf("[INFO] cleanup-all removed %d galleries, deleteUser=%v", removed, deleteUser)
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "deleteUser": deleteUser})
}

// handleOptimize marks caches as warmed, the real app precomputes thumbnails
func (s *Server) handleOptimize(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.optimized = true
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "optimized"})
}

// handleStats exposes internal counters
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	res := Stats{Users: len(s.users), Sessions: len(s.sessions), Optimized: s.optimized}
	for _, gs := range s.galleries {
		res.Galleries += len(gs)
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, res)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
