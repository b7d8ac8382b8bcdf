//go:build e2e

package e2e

import (
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gallerist-app/usher/app/enums"
)

// registerVia fills and submits the registration form the same way the
// harness's own browser session does
func registerVia(t *testing.T, page playwright.Page, url, name, email, password, confirm string) {
	t.Helper()
	_, err := page.Goto(url + "/auth/register")
	require.NoError(t, err)
	require.NoError(t, page.Locator("input[name='name']").Fill(name))
	require.NoError(t, page.Locator("input[name='email']").Fill(email))
	require.NoError(t, page.Locator("input[name='password']").Fill(password))
	require.NoError(t, page.Locator("input[name='confirm']").Fill(confirm))
	require.NoError(t, page.Locator("button[type='submit']").Click())
}

func TestProvision_FreshRegistrationLandsOnGalleries(t *testing.T) {
	page := newPage(t)
	email := uniqueEmail("provision-fresh")

	registerVia(t, page, mockURL, "Fresh User", email, "passw0rd-one", "passw0rd-one")
	require.NoError(t, page.WaitForURL("**/galleries"))

	visible, err := page.Locator(".user-name").IsVisible()
	require.NoError(t, err)
	assert.True(t, visible, "galleries page should show the signed-in user")
}

func TestProvision_DuplicateEmailShowsExistsError(t *testing.T) {
	first := newPage(t)
	email := uniqueEmail("provision-dup")

	registerVia(t, first, mockURL, "First", email, "passw0rd-one", "passw0rd-one")
	require.NoError(t, first.WaitForURL("**/galleries"))

	// second registration of the same email from a fresh browser context
	second := newPage(t)
	registerVia(t, second, mockURL, "Second", email, "passw0rd-one", "passw0rd-one")

	errorElement := second.Locator(".error-message")
	waitVisible(t, errorElement)
	text, err := errorElement.TextContent()
	require.NoError(t, err)
	assert.Contains(t, text, "already registered")
	assert.Contains(t, second.URL(), "/auth/register", "should stay on the form")
}

func TestProvision_PasswordMismatchStaysOnForm(t *testing.T) {
	page := newPage(t)
	email := uniqueEmail("provision-mismatch")

	registerVia(t, page, mockURL, "Mismatch", email, "passw0rd-one", "passw0rd-two")

	errorElement := page.Locator(".error-message")
	waitVisible(t, errorElement)
	text, err := errorElement.TextContent()
	require.NoError(t, err)
	assert.NotEmpty(t, text)
	assert.NotContains(t, text, "already", "mismatch must not read as a duplicate account")
	assert.Contains(t, page.URL(), "/auth/register")
}

func TestProvision_ProtectedProbeRedirectsAnonymous(t *testing.T) {
	page := newPage(t)
	_, err := page.Goto(mockURL + "/galleries")
	require.NoError(t, err)
	require.NoError(t, page.WaitForURL("**/auth/login**"))
	assert.Contains(t, page.URL(), "/auth/login")
}

func TestProvision_LoginRedirectMode(t *testing.T) {
	// separate mock bounces registration to the login page instead of
	// starting a session, the provisioner's second outcome
	srv := startMock(t, ":18091", true)
	defer srv.stop()

	page := newPage(t)
	email := uniqueEmail("provision-redirect")

	registerVia(t, page, srv.url, "Redirect User", email, "passw0rd-one", "passw0rd-one")
	require.NoError(t, page.WaitForURL("**/auth/login?registered=1"))

	// the full lifecycle provisions through that redirect, and the stale
	// account left by the manual registration above is cleaned up first
	artifacts := t.TempDir()
	out, err := runUsher(t, usherArgs(srv.url, artifacts, email)...)
	require.NoError(t, err, out)

	rep := readReport(t, artifacts)
	assert.Equal(t, enums.RunPassed, rep.Status)
}
