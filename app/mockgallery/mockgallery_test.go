package mockgallery

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, cfg Config) (*httptest.Server, *http.Client) {
	t.Helper()
	ts := httptest.NewServer(New(cfg).Handler())
	t.Cleanup(ts.Close)

	// redirects are asserted, not followed
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	return ts, client
}

func registerForm(email, name, password, confirm string) url.Values {
	return url.Values{"email": {email}, "name": {name}, "password": {password}, "confirm": {confirm}}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func sessionCookieOf(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

func TestRegister_Success(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/galleries", resp.Header.Get("Location"))
	cookie := sessionCookieOf(resp)
	require.NotNil(t, cookie, "successful registration starts a session")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/galleries", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Your galleries")
	assert.Contains(t, body, "Test User")
}

func TestRegister_LoginAfterRegister(t *testing.T) {
	ts, client := startTestServer(t, Config{LoginAfterRegister: true})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/auth/login?registered=1", resp.Header.Get("Location"))
	assert.Nil(t, sessionCookieOf(resp), "no session until an explicit login")

	resp, err = client.Get(ts.URL + "/auth/login?registered=1")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Contains(t, body, "Account created, please sign in")
}

func TestRegister_PasswordMismatch(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "other"))
	require.NoError(t, err)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode, "stays on the form")
	assert.Contains(t, body, `class="error-message"`)
	assert.Contains(t, body, "passwords do not match")
	assert.NotContains(t, body, "already registered", "mismatch must not read as a duplicate account")
	assert.Nil(t, sessionCookieOf(resp))

	// no account was created
	resp, err = client.PostForm(ts.URL+"/auth/login", url.Values{"email": {"test@example.com"}, "password": {"passw0rd"}})
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, err = client.PostForm(ts.URL+"/auth/register", registerForm("Test@Example.com", "Someone Else", "other-pass", "other-pass"))
	require.NoError(t, err)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `class="error-message"`)
	assert.Contains(t, body, "this email is already registered", "emails compare case-insensitive")
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		wantErr string
	}{
		{"missing name", registerForm("test@example.com", "", "passw0rd", "passw0rd"), "all fields are required"},
		{"missing email", registerForm("", "Test User", "passw0rd", "passw0rd"), "all fields are required"},
		{"missing password", registerForm("test@example.com", "Test User", "", ""), "all fields are required"},
		{"bad email", registerForm("not-an-email", "Test User", "passw0rd", "passw0rd"), "email address is not valid"},
	}

	ts, client := startTestServer(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.PostForm(ts.URL+"/auth/register", tt.form)
			require.NoError(t, err)
			body := readBody(t, resp)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, body, tt.wantErr)
		})
	}
}

func TestLogin(t *testing.T) {
	ts, client := startTestServer(t, Config{LoginAfterRegister: true})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	t.Run("wrong password", func(t *testing.T) {
		resp, err := client.PostForm(ts.URL+"/auth/login", url.Values{"email": {"test@example.com"}, "password": {"nope"}})
		require.NoError(t, err)
		body := readBody(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, body, "invalid email or password")
	})

	t.Run("unknown email", func(t *testing.T) {
		resp, err := client.PostForm(ts.URL+"/auth/login", url.Values{"email": {"ghost@example.com"}, "password": {"passw0rd"}})
		require.NoError(t, err)
		body := readBody(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, body, "invalid email or password")
	})

	t.Run("success", func(t *testing.T) {
		resp, err := client.PostForm(ts.URL+"/auth/login", url.Values{"email": {"test@example.com"}, "password": {"passw0rd"}})
		require.NoError(t, err)
		_ = readBody(t, resp)
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/galleries", resp.Header.Get("Location"))
		assert.NotNil(t, sessionCookieOf(resp))
	})
}

func TestLogin_RateLimited(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	limited := 0
	for i := 0; i < 40; i++ {
		resp, err := client.PostForm(ts.URL+"/auth/login", url.Values{"email": {"ghost@example.com"}, "password": {"x"}})
		require.NoError(t, err)
		_ = readBody(t, resp)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited, "hammering the login form trips the limiter")
}

func TestGalleries_RequiresAuth(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.Get(ts.URL + "/galleries")
	require.NoError(t, err)
	_ = readBody(t, resp)

	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/auth/login", resp.Header.Get("Location"))
}

func TestGalleries_Create(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	cookie := sessionCookieOf(resp)
	require.NotNil(t, cookie)

	form := url.Values{"title": {"Summer 2023"}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/galleries", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/galleries", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Contains(t, body, "Summer 2023")
	assert.NotContains(t, body, "No galleries yet")
}

func TestLogout(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	cookie := sessionCookieOf(resp)
	require.NotNil(t, cookie)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/auth/logout", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// the old session token no longer works
	req, err = http.NewRequest(http.MethodGet, ts.URL+"/galleries", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/auth/login", resp.Header.Get("Location"))
}

func TestAPI_Health(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	body := readBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"ok"`)
}

func TestAPI_DeleteUser(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)

	deleteUser := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/e2e/delete-user", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp = deleteUser(`{"email":"test@example.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"deleted":"test@example.com"`)

	resp = deleteUser(`{"email":"test@example.com"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete finds nothing")
	_ = readBody(t, resp)

	resp = deleteUser(`{"email":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)

	resp = deleteUser(`not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestAPI_CleanupAndStats(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	// seed one user with two galleries
	resp, err := client.PostForm(ts.URL+"/auth/register", registerForm("test@example.com", "Test User", "passw0rd", "passw0rd"))
	require.NoError(t, err)
	_ = readBody(t, resp)
	cookie := sessionCookieOf(resp)
	require.NotNil(t, cookie)

	for _, title := range []string{"One", "Two"} {
		form := url.Values{"title": {title}}
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/galleries", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.AddCookie(cookie)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = readBody(t, resp)
	}

	stats := func() Stats {
		resp, err := client.Get(ts.URL + "/api/e2e/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		var s Stats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
		return s
	}

	s := stats()
	assert.Equal(t, 1, s.Users)
	assert.Equal(t, 2, s.Galleries)
	assert.Equal(t, 1, s.Sessions)

	// plain cleanup drops galleries, keeps the account and session
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/e2e/cleanup", http.NoBody)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s = stats()
	assert.Equal(t, 1, s.Users)
	assert.Equal(t, 0, s.Galleries)
	assert.Equal(t, 1, s.Sessions)

	// cleanup-all with deleteUser wipes everything
	req, err = http.NewRequest(http.MethodDelete, ts.URL+"/api/e2e/cleanup-all?deleteUser=true", http.NoBody)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	_ = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s = stats()
	assert.Equal(t, 0, s.Users)
	assert.Equal(t, 0, s.Galleries)
	assert.Equal(t, 0, s.Sessions)
}

func TestAPI_Optimize(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.Post(ts.URL+"/api/e2e/optimize", "application/json", http.NoBody)
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(ts.URL + "/api/e2e/stats")
	require.NoError(t, err)
	var s Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	resp.Body.Close()
	assert.True(t, s.Optimized)
}

func TestPing(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.Get(ts.URL + "/ping")
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body)
}

func TestRootRedirect(t *testing.T) {
	ts, client := startTestServer(t, Config{})

	resp, err := client.Get(ts.URL + "/")
	require.NoError(t, err)
	_ = readBody(t, resp)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/galleries", resp.Header.Get("Location"))
}
