package mockgallery

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// page templates are inlined, the stub has no assets to ship. Selectors
// (input names, .error-message) mirror the real Gallerist auth pages.
const registerTmpl = `<!DOCTYPE html>
<html>
<head><title>Gallerist - Create account</title></head>
<body>
	<h1>Create account</h1>
	{{if .Error}}<div class="error-message">{{.Error}}</div>{{end}}
	<form method="post" action="/auth/register">
		<input type="text" name="name" placeholder="Name" value="{{.Name}}">
		<input type="email" name="email" placeholder="Email" value="{{.Email}}">
		<input type="password" name="password" placeholder="Password">
		<input type="password" name="confirm" placeholder="Confirm password">
		<button type="submit">Register</button>
	</form>
	<a href="/auth/login">Already have an account? Sign in</a>
</body>
</html>`

const loginTmpl = `<!DOCTYPE html>
<html>
<head><title>Gallerist - Sign in</title></head>
<body>
	<h1>Sign in</h1>
	{{if .Registered}}<div class="notice">Account created, please sign in</div>{{end}}
	{{if .Error}}<div class="error-message">{{.Error}}</div>{{end}}
	<form method="post" action="/auth/login">
		<input type="email" name="email" placeholder="Email" value="{{.Email}}">
		<input type="password" name="password" placeholder="Password">
		<button type="submit">Sign in</button>
	</form>
	<a href="/auth/register">Create account</a>
</body>
</html>`

const galleriesTmpl = `<!DOCTYPE html>
<html>
<head><title>Gallerist - Your galleries</title></head>
<body>
	<h1>Your galleries</h1>
	<div class="user-name">{{.Name}}</div>
	{{if .Galleries}}
	<ul class="gallery-list">
		{{range .Galleries}}<li class="gallery">{{.Title}}</li>
		{{end}}
	</ul>
	{{else}}
	<p class="empty">No galleries yet</p>
	{{end}}
	<form method="post" action="/galleries">
		<input type="text" name="title" placeholder="Gallery title">
		<button type="submit">Create gallery</button>
	</form>
	<a href="/auth/logout">Sign out</a>
</body>
</html>`

// galleriesData feeds the galleries page template
type galleriesData struct {
	Name      string
	Galleries []Gallery
}

func parseTemplates() map[string]*template.Template {
	return map[string]*template.Template{
		"register":  template.Must(template.New("register").Parse(registerTmpl)),
		"login":     template.Must(template.New("login").Parse(loginTmpl)),
		"galleries": template.Must(template.New("galleries").Parse(galleriesTmpl)),
	}
}

// render executes a page template into a buffer first, a template failure
// never leaves a half-written response
func (s *Server) render(w http.ResponseWriter, status int, page string, data any) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Printf("[WARN] template %s not found", page)
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	buf := new(bytes.Buffer)
	if err := tmpl.Execute(buf, data); err != nil {
		log.Printf("[WARN] failed to execute template %s: %v", page, err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// handleGalleries shows the protected galleries page, anonymous visitors are
// sent to the login page
func (s *Server) handleGalleries(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(r)
	if !ok {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	s.mu.Lock()
	galleries := make([]Gallery, len(s.galleries[u.email]))
	copy(galleries, s.galleries[u.email])
	s.mu.Unlock()

	s.render(w, http.StatusOK, "galleries", galleriesData{Name: u.name, Galleries: galleries})
}

// handleCreateGallery adds a gallery for the logged-in user
func (s *Server) handleCreateGallery(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(r)
	if !ok {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title != "" {
		s.mu.Lock()
		s.galleries[u.email] = append(s.galleries[u.email], Gallery{Title: title, Created: time.Now()})
		s.mu.Unlock()
		log.Printf("[INFO] user %s created gallery %q", u.email, title)
	}

	http.Redirect(w, r, "/galleries", http.StatusSeeOther)
}
