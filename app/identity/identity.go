// Package identity provisions the shared test account. Registration against
// a live app is not idempotent and its result depends on what previous runs
// left behind, so the outcome of the register attempt is classified first
// and only then mapped to the follow-up action.
package identity

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

// Identity is the account all test groups share.
type Identity struct {
	Email    string
	Password string
	Name     string
}

// String implements Stringer, keeps the password out of logs.
func (i Identity) String() string {
	if i.Name == "" {
		return i.Email
	}
	return fmt.Sprintf("%s (%s)", i.Email, i.Name)
}

// RegisterOutcome classifies where the app landed after the registration
// form was submitted.
type RegisterOutcome int

// registration outcomes
const (
	OutcomeUnknown       RegisterOutcome = iota // nothing recognizable happened
	OutcomeProtected                            // landed on a protected page, registered and logged in
	OutcomeLoginRedirect                        // account created, app wants an explicit login
	OutcomeExists                               // inline error, account already registered
	OutcomeInvalid                              // inline error, form rejected
)

func (o RegisterOutcome) String() string {
	switch o {
	case OutcomeProtected:
		return "protected"
	case OutcomeLoginRedirect:
		return "login-redirect"
	case OutcomeExists:
		return "exists"
	case OutcomeInvalid:
		return "invalid"
	}
	return "unknown"
}

// Authenticator drives the auth pages of the target app.
type Authenticator interface {
	Register(ctx context.Context, id Identity) (RegisterOutcome, error)
	Login(ctx context.Context, id Identity) error
	ProbeProtected(ctx context.Context) (bool, error)
}

// Remover deletes an account server-side, used to clear stale identities.
type Remover interface {
	DeleteUser(ctx context.Context, email string) error
}

// Provisioner ensures a clean, authenticated identity exists before any test
// group runs. Remote is optional, without it stale accounts are handled via
// the exists-outcome path only.
type Provisioner struct {
	Remote Remover
}

// EnsureClean deletes a stale copy of the identity, registers it and makes
// sure the browser ends up authenticated. Stale deletion is best effort, a
// failure there degrades to the already-registered path. A run that leaves
// this method without error holds a verified authenticated session.
func (p *Provisioner) EnsureClean(ctx context.Context, auth Authenticator, id Identity) error {
	if p.Remote != nil {
		if err := p.Remote.DeleteUser(ctx, id.Email); err != nil {
			log.Printf("[WARN] stale identity cleanup for %s failed: %v", id.Email, err)
		}
	}

	outcome, err := auth.Register(ctx, id)
	if err != nil {
		return fmt.Errorf("registration flow for %s failed: %w", id, err)
	}
	log.Printf("[INFO] registration of %s finished with outcome %q", id, outcome)

	switch outcome {
	case OutcomeProtected:
		// registration logged us in directly, nothing else to do
	case OutcomeLoginRedirect, OutcomeExists:
		if err := auth.Login(ctx, id); err != nil {
			return fmt.Errorf("login for %s after %q outcome failed: %w", id, outcome, err)
		}
	case OutcomeInvalid, OutcomeUnknown:
		// the form may reject a duplicate without saying so, or the page
		// changed under us. either way the account can still be usable,
		// try to log in before declaring the run dead.
		log.Printf("[WARN] registration of %s ended with outcome %q, falling back to login", id, outcome)
		if err := auth.Login(ctx, id); err != nil {
			return fmt.Errorf("login fallback for %s after %q outcome failed: %w", id, outcome, err)
		}
	default:
		return fmt.Errorf("unsupported registration outcome %d", outcome)
	}

	ok, err := auth.ProbeProtected(ctx)
	if err != nil {
		return fmt.Errorf("can't verify authenticated session for %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("identity %s provisioned but session is not authenticated", id)
	}
	log.Printf("[INFO] identity %s provisioned with authenticated session", id)
	return nil
}
