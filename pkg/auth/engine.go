package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/config"
	"github.com/tinyland-inc/dmrelay/pkg/identity"
	"github.com/tinyland-inc/dmrelay/pkg/source"
)

var (
	// ErrInvalidCredentials means the server rejected the password. Retrying
	// is pointless and risks locking the account.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrNoSecondFactor means the server demanded two-factor verification
	// and the config carries neither a static code nor a TOTP secret.
	ErrNoSecondFactor = errors.New("auth: two-factor required but not configured")
)

// Engine runs the login fallback chain: persisted session, then legacy
// cookie jar, then fresh credentials with challenge and two-factor handling.
// Each successful path ends with the session artifact persisted.
type Engine struct {
	client source.Client
	store  *identity.Store
	cfg    config.AccountConfig
	log    zerolog.Logger

	cooldown time.Duration
}

func NewEngine(client source.Client, store *identity.Store, cfg config.AccountConfig, cooldown time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		client:   client,
		store:    store,
		cfg:      cfg,
		cooldown: cooldown,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate leaves the client holding a verified session and returns the
// logged-in user. Transient failures on a cheaper path fall through to the
// next one; only credential rejection and missing second factors abort.
func (e *Engine) Authenticate(ctx context.Context) (*source.User, error) {
	if e.cfg.ForceFreshLogin {
		e.log.Info().Msg("Fresh login forced, skipping persisted session")
	} else {
		if user, ok := e.tryRestoreSession(ctx); ok {
			return user, nil
		}
		if user, ok := e.tryRestoreCookies(ctx); ok {
			return user, nil
		}
	}
	return e.freshLogin(ctx)
}

func (e *Engine) tryRestoreSession(ctx context.Context) (*source.User, bool) {
	art, err := e.store.LoadSession()
	if err != nil {
		return nil, false
	}
	if err := e.client.RestoreSession(art.Blob); err != nil {
		e.log.Warn().Err(err).Msg("Persisted session blob unusable")
		return nil, false
	}
	user, err := e.client.CurrentUser(ctx)
	if err != nil {
		e.log.Info().Err(err).Msg("Persisted session rejected, falling back")
		return nil, false
	}
	e.log.Info().Str("username", user.Username).Time("saved_at", art.SavedAt).
		Msg("Resumed persisted session")
	return user, true
}

func (e *Engine) tryRestoreCookies(ctx context.Context) (*source.User, bool) {
	jar, err := e.store.LoadCookies()
	if err != nil {
		return nil, false
	}
	if err := e.client.ImportCookies(jar); err != nil {
		e.log.Warn().Err(err).Msg("Cookie jar unusable")
		return nil, false
	}
	user, err := e.client.CurrentUser(ctx)
	if err != nil {
		e.log.Info().Err(err).Msg("Cookie login rejected, falling back")
		return nil, false
	}
	// Upgrade the cookie login to a full session artifact so the next start
	// takes the session path.
	if err := e.persistSession(); err != nil {
		e.log.Warn().Err(err).Msg("Could not persist upgraded session")
	}
	e.log.Info().Str("username", user.Username).Msg("Logged in from cookie jar")
	return user, true
}

func (e *Engine) freshLogin(ctx context.Context) (*source.User, error) {
	outcome, err := e.client.Login(ctx, e.cfg.Username, e.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}

	if outcome.Status == source.LoginChallengeRequired {
		e.log.Warn().Str("kind", outcome.ChallengeKind).Msg("Login challenged, attempting auto-resolve")
		if err := e.client.ResolveChallenge(ctx, outcome.ChallengeKind); err != nil {
			return nil, fmt.Errorf("resolve challenge %q: %w", outcome.ChallengeKind, err)
		}
		outcome, err = e.client.Login(ctx, e.cfg.Username, e.cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("post-challenge login: %w", err)
		}
		if outcome.Status == source.LoginChallengeRequired {
			return nil, fmt.Errorf("challenge %q reissued after resolution", outcome.ChallengeKind)
		}
	}

	if outcome.Status == source.LoginTwoFactorRequired {
		var twoFaErr error
		outcome, twoFaErr = e.twoFactor(ctx, outcome)
		if twoFaErr != nil {
			return nil, twoFaErr
		}
	}

	switch outcome.Status {
	case source.LoginSuccess:
	case source.LoginInvalidCredentials:
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("login failed (%s): %w", outcome.Status, outcome.Cause)
	}

	if err := e.persistSession(); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	user, err := e.client.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify fresh login: %w", err)
	}
	e.log.Info().Str("username", user.Username).Msg("Fresh login succeeded")

	// A cold login followed instantly by a stream connect is an automation
	// tell; pause briefly before the caller dials.
	if e.cooldown > 0 {
		select {
		case <-time.After(e.cooldown):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return user, nil
}

func (e *Engine) twoFactor(ctx context.Context, outcome *source.LoginOutcome) (*source.LoginOutcome, error) {
	code := e.cfg.TwoFactorCode
	if code == "" && e.cfg.TwoFactorSecret != "" {
		generated, err := totp.GenerateCode(e.cfg.TwoFactorSecret, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate TOTP code: %w", err)
		}
		code = generated
	}
	if code == "" {
		return nil, ErrNoSecondFactor
	}

	e.log.Info().Strs("methods", outcome.TwoFactorMethods).Msg("Submitting two-factor code")
	result, err := e.client.TwoFactorLogin(ctx, outcome.TwoFactorID, code)
	if err != nil {
		return nil, fmt.Errorf("two-factor login: %w", err)
	}
	return result, nil
}

func (e *Engine) persistSession() error {
	blob, err := e.client.ExportSession()
	if err != nil {
		return err
	}
	return e.store.SaveSession(&identity.SessionArtifact{
		AccountID: e.cfg.Username,
		Blob:      json.RawMessage(blob),
	})
}
