package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/playwright-community/playwright-go"

	"github.com/gallerist-app/usher/app/identity"
)

// app routes and selectors of the Gallerist auth pages
const (
	registerPath  = "/auth/register"
	loginPath     = "/auth/login"
	protectedPath = "/galleries"

	emailInput    = "input[name='email']"
	nameInput     = "input[name='name']"
	passwordInput = "input[name='password']"
	confirmInput  = "input[name='confirm']"
	submitButton  = "button[type='submit']"
	errorBox      = ".error-message"
)

const (
	defaultNavTimeout    = 15 * time.Second
	classifyPollInterval = 200 * time.Millisecond
	probeSettle          = 2 * time.Second
)

// Session drives the auth pages of the app through one isolated browser
// context. A session belongs to one caller and must be closed to return its
// browser to the pool.
type Session struct {
	url        string
	page       playwright.Page
	bctx       playwright.BrowserContext
	navTimeout time.Duration
	release    func() // returns the browser to the pool, set by the factory
}

// NewSession opens a fresh context and page against baseURL.
func (i *Instance) NewSession(baseURL string, navTimeout time.Duration) (*Session, error) {
	return i.newSession(baseURL, navTimeout, "")
}

// NewSessionWithState opens a context preloaded from a saved storage state
// file, the follower path that skips registration entirely.
func (i *Instance) NewSessionWithState(baseURL string, navTimeout time.Duration, statePath string) (*Session, error) {
	return i.newSession(baseURL, navTimeout, statePath)
}

func (i *Instance) newSession(baseURL string, navTimeout time.Duration, statePath string) (*Session, error) {
	opts := playwright.BrowserNewContextOptions{}
	if statePath != "" {
		opts.StorageStatePath = playwright.String(statePath)
	}

	bctx, err := i.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("can't create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("can't open page: %w", err)
	}

	if navTimeout <= 0 {
		navTimeout = defaultNavTimeout
	}
	page.SetDefaultTimeout(float64(navTimeout.Milliseconds()))

	return &Session{url: strings.TrimSuffix(baseURL, "/"), page: page, bctx: bctx, navTimeout: navTimeout}, nil
}

// Register submits the registration form and classifies where the app
// landed. Only flow breakage is an error, every recognized landing including
// the inline rejections is a valid outcome.
func (s *Session) Register(ctx context.Context, id identity.Identity) (identity.RegisterOutcome, error) {
	if _, err := s.page.Goto(s.url + registerPath); err != nil {
		return identity.OutcomeUnknown, fmt.Errorf("can't open registration page: %w", err)
	}

	fields := []struct{ sel, val string }{
		{emailInput, id.Email},
		{nameInput, id.Name},
		{passwordInput, id.Password},
		{confirmInput, id.Password},
	}
	for _, f := range fields {
		if err := s.page.Locator(f.sel).Fill(f.val); err != nil {
			return identity.OutcomeUnknown, fmt.Errorf("can't fill %s: %w", f.sel, err)
		}
	}
	if err := s.page.Locator(submitButton).Click(); err != nil {
		return identity.OutcomeUnknown, fmt.Errorf("can't submit registration form: %w", err)
	}

	return s.classifyRegistration(ctx)
}

func (s *Session) classifyRegistration(ctx context.Context) (identity.RegisterOutcome, error) {
	deadline := time.Now().Add(s.navTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return identity.OutcomeUnknown, fmt.Errorf("registration wait canceled: %w", err)
		}

		if outcome, ok := classifyLanding(s.page.URL()); ok {
			return outcome, nil
		}
		if visible, err := s.page.Locator(errorBox).IsVisible(); err == nil && visible {
			text, terr := s.page.Locator(errorBox).TextContent()
			if terr != nil {
				text = ""
			}
			return classifyErrorText(text), nil
		}

		if time.Now().After(deadline) {
			log.Printf("[WARN] registration outcome not recognized, page stayed at %s", s.page.URL())
			return identity.OutcomeUnknown, nil
		}
		time.Sleep(classifyPollInterval)
	}
}

// classifyLanding maps the current URL to an outcome. The inline-error cases
// keep the URL on the register page and are classified by the error box.
func classifyLanding(url string) (identity.RegisterOutcome, bool) {
	switch {
	case strings.Contains(url, protectedPath):
		return identity.OutcomeProtected, true
	case strings.Contains(url, loginPath):
		return identity.OutcomeLoginRedirect, true
	}
	return identity.OutcomeUnknown, false
}

// classifyErrorText splits the inline rejections into a duplicate account vs
// a form validation error.
func classifyErrorText(text string) identity.RegisterOutcome {
	t := strings.ToLower(text)
	if strings.Contains(t, "already") || strings.Contains(t, "exists") || strings.Contains(t, "registered") {
		return identity.OutcomeExists
	}
	return identity.OutcomeInvalid
}

// Login authenticates through the login form and waits for the protected
// area. Failure to land there is an error, with the inline message attached
// when the app showed one.
func (s *Session) Login(ctx context.Context, id identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.page.Goto(s.url + loginPath); err != nil {
		return fmt.Errorf("can't open login page: %w", err)
	}
	if err := s.page.Locator(emailInput).Fill(id.Email); err != nil {
		return fmt.Errorf("can't fill email: %w", err)
	}
	if err := s.page.Locator(passwordInput).Fill(id.Password); err != nil {
		return fmt.Errorf("can't fill password: %w", err)
	}
	if err := s.page.Locator(submitButton).Click(); err != nil {
		return fmt.Errorf("can't submit login form: %w", err)
	}

	err := s.page.WaitForURL("**"+protectedPath+"**",
		playwright.PageWaitForURLOptions{Timeout: playwright.Float(float64(s.navTimeout.Milliseconds()))})
	if err == nil {
		return nil
	}

	if visible, verr := s.page.Locator(errorBox).IsVisible(); verr == nil && visible {
		if text, terr := s.page.Locator(errorBox).TextContent(); terr == nil {
			return fmt.Errorf("login rejected: %s", strings.TrimSpace(text))
		}
	}
	return fmt.Errorf("login did not reach %s: %w", protectedPath, err)
}

// ProbeProtected opens the protected area and reports whether the session is
// authenticated. A redirect to the login page means it is not, and that's a
// valid answer, not an error.
func (s *Session) ProbeProtected(ctx context.Context) (bool, error) {
	if _, err := s.page.Goto(s.url + protectedPath); err != nil {
		return false, fmt.Errorf("can't open protected page: %w", err)
	}

	// server-side redirects are already reflected after Goto, client-side
	// ones get a short settle window
	deadline := time.Now().Add(probeSettle)
	for {
		u := s.page.URL()
		if strings.Contains(u, loginPath) {
			return false, nil
		}
		if time.Now().After(deadline) {
			return strings.Contains(u, protectedPath), nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		time.Sleep(classifyPollInterval)
	}
}

// StorageState captures cookies and origin storage as opaque JSON, the
// artifact follower shards preload instead of registering again.
func (s *Session) StorageState() ([]byte, error) {
	st, err := s.bctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("can't capture storage state: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("can't marshal storage state: %w", err)
	}
	return data, nil
}

// Close releases the page and context and returns the browser to the pool.
func (s *Session) Close() error {
	var firstErr error
	if s.page != nil {
		if err := s.page.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.page = nil
	}
	if s.bctx != nil {
		if err := s.bctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.bctx = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	if firstErr != nil {
		return fmt.Errorf("session close failed: %w", firstErr)
	}
	return nil
}
