package mockgallery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

const sessionCookie = "gallerist-session"

// registerData feeds the register page template
type registerData struct {
	Name  string
	Email string
	Error string
}

// loginData feeds the login page template
type loginData struct {
	Email      string
	Error      string
	Registered bool
}

// handleRegisterForm displays the registration form
func (s *Server) handleRegisterForm(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "register", registerData{})
}

// handleRegister processes the registration form. Validation failures and a
// duplicate email re-render the form with an inline error, success starts a
// session and lands on the galleries page (or on the login page when
// login-after-register mode is on).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	password := r.FormValue("password")
	confirm := r.FormValue("confirm")

	data := registerData{Name: name, Email: email}
	switch {
	case name == "" || email == "" || password == "":
		data.Error = "all fields are required"
	case !strings.Contains(email, "@"):
		data.Error = "email address is not valid"
	case password != confirm:
		data.Error = "passwords do not match"
	}
	if data.Error != "" {
		s.render(w, http.StatusOK, "register", data)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	if _, exists := s.users[email]; exists {
		s.mu.Unlock()
		data.Error = "this email is already registered"
		s.render(w, http.StatusOK, "register", data)
		return
	}
	s.users[email] = user{email: email, name: name, hash: hash, createdAt: time.Now()}
	s.mu.Unlock()

	log.Printf("[INFO] registered user %s", email)

	if s.loginAfterRegister {
		http.Redirect(w, r, "/auth/login?registered=1", http.StatusSeeOther)
		return
	}

	s.startSession(w, r, email)
	http.Redirect(w, r, "/galleries", http.StatusSeeOther)
}

// handleLoginForm displays the login form
func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "login", loginData{Registered: r.URL.Query().Get("registered") == "1"})
}

// handleLogin processes the login form submission
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	email := strings.ToLower(strings.TrimSpace(r.FormValue("email")))
	password := r.FormValue("password")
	if email == "" || password == "" {
		s.render(w, http.StatusUnauthorized, "login", loginData{Email: email, Error: "email and password are required"})
		return
	}

	s.mu.Lock()
	u, found := s.users[email]
	s.mu.Unlock()

	if !found || bcrypt.CompareHashAndPassword(u.hash, []byte(password)) != nil {
		s.render(w, http.StatusUnauthorized, "login", loginData{Email: email, Error: "invalid email or password"})
		return
	}

	s.startSession(w, r, email)
	http.Redirect(w, r, "/galleries", http.StatusSeeOther)
}

// handleLogout drops the session and clears the cookie
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

// startSession creates a session for the user and sets the cookie
func (s *Server) startSession(w http.ResponseWriter, r *http.Request, email string) {
	token := makeToken()
	s.mu.Lock()
	s.sessions[token] = email
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
}

// currentUser resolves the session cookie to an account
func (s *Server) currentUser(r *http.Request) (user, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return user{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.sessions[cookie.Value]
	if !ok {
		return user{}, false
	}
	u, ok := s.users[email]
	return u, ok
}

func makeToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
