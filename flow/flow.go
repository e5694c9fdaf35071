// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package flow implements the authentication state machine on top of the
// webauthn ceremony engine: password and passkey login, the multi-factor
// challenge step, sudo-mode re-confirmation, account recovery, and the
// sensitive account operations they guard.
//
// A session moves Anonymous -> PartiallyAuthenticated -> FullyAuthenticated.
// Pre-authentication state lives in session markers, never in the
// authenticated cookie itself, and is cleared atomically when authentication
// completes.
package flow

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/linktoken"
	"github.com/c2FmZQ/authcore/ratelimit"
	"github.com/c2FmZQ/authcore/totp"
	"github.com/c2FmZQ/authcore/webauthn"
)

// Session marker keys. Pre-auth markers imply the user is not fully
// authenticated yet.
const (
	authUserIDKey   = "auth.user_id"
	authRememberKey = "auth.remember"

	mfaUserIDKey   = "auth.mfa.user_id"
	mfaRememberKey = "auth.mfa.remember"
	mfaIntendedKey = "auth.mfa.intended_location"
	mfaThrottleKey = "auth.mfa.throttle_key"

	sudoRequiredAtKey  = "auth.sudo.required_at"
	sudoConfirmedAtKey = "auth.sudo.confirmed_at"
	sudoIntendedKey    = "auth.sudo.intended_location"

	recoveryUserIDKey    = "auth.recovery_mode.user_id"
	recoveryEnabledAtKey = "auth.recovery_mode.enabled_at"
)

var (
	// ErrInvalidCredentials is the generic authentication failure. It
	// never says whether the account exists, which factor failed, or
	// why.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by UserStore lookups.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotPartiallyAuthenticated is returned when a multi-factor
	// operation is attempted without a pending pre-authentication.
	ErrNotPartiallyAuthenticated = errors.New("no pending authentication")
	// ErrNotAuthenticated is returned when an operation needs a fully
	// authenticated session and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSudoNotRequired is returned when a sudo confirmation arrives
	// while no sensitive action demanded one.
	ErrSudoNotRequired = errors.New("sudo mode not required")
	// ErrSudoRequired is returned when a sensitive action needs a sudo
	// confirmation first.
	ErrSudoRequired = errors.New("sudo mode required")
	// ErrPasswordRequired is returned when an operation needs the
	// account to have a password, e.g. removing the last passkey.
	ErrPasswordRequired = errors.New("account has no password")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "invalid field: " + e.Field
}

// State is the authentication state of a session.
type State int

const (
	Anonymous State = iota
	PartiallyAuthenticated
	FullyAuthenticated
)

func (s State) String() string {
	switch s {
	case PartiallyAuthenticated:
		return "partially-authenticated"
	case FullyAuthenticated:
		return "fully-authenticated"
	default:
		return "anonymous"
	}
}

// SessionStore is one browser session's key-value state. Implementations are
// request-serialized by the session backend; no locking happens here.
type SessionStore interface {
	Get(key string) (string, bool)
	Put(key, value string)
	Forget(key string)
	Has(key string) bool
	// RegenerateID gives the session a new identifier while keeping its
	// data. Fixation defense on privilege transitions.
	RegenerateID() error
}

// User is the account view consumed by the authentication flows.
type User struct {
	ID            string
	Name          string
	Email         string
	Username      string
	PasswordHash  []byte
	RecoveryCodes []string
	RememberToken string
}

// HasPassword reports whether the account has a password. Passkey-only
// accounts don't.
func (u *User) HasPassword() bool {
	return len(u.PasswordHash) > 0
}

// UserStore is the user persistence consumed by the authentication flows.
type UserStore interface {
	FindByID(id string) (*User, error)
	// FindByIdentifier looks a user up by username or email address.
	FindByIdentifier(ident string) (*User, error)
	SetPassword(id string, hash []byte) error
	SetRecoveryCodes(id string, codes []string) error
	// Delete releases a claimed-but-unconfirmed registration.
	Delete(id string) error
}

// Notification is an out-of-band message to a user. Delivery is
// fire-and-forget.
type Notification struct {
	Name string
	Link string
}

// Notification names.
const (
	NotifyRecoveryLink = "recovery-link"
	NotifyVerifyEmail  = "verify-email"
)

// Notifier delivers notifications. It must not block.
type Notifier interface {
	Notify(user *User, n Notification)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(*User, Notification) {}

// Logger receives internal errors.
type Logger interface {
	Errorf(format string, args ...any)
}

// Config configures a Flow.
type Config struct {
	// GlobalRateLimit is the blanket per-minute circuit-breaker across
	// all clients. Defaults to 250.
	GlobalRateLimit int64
	// RateLimit is the per-minute limit per IP and per identity.
	// Defaults to 5.
	RateLimit int64
	// MinLatency is the minimum duration of security-sensitive
	// operations. Defaults to 300ms.
	MinLatency time.Duration
	// SudoWindow is how long a sudo confirmation lasts. Defaults to 2h.
	SudoWindow time.Duration
	// RecoveryTokenTTL is the lifetime of recovery links. Defaults to 1h.
	RecoveryTokenTTL time.Duration
	// TOTPIssuer is the issuer name shown by authenticator apps.
	TOTPIssuer string
}

func (cfg *Config) setDefaults() {
	if cfg.GlobalRateLimit == 0 {
		cfg.GlobalRateLimit = 250
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.MinLatency == 0 {
		cfg.MinLatency = 300 * time.Millisecond
	}
	if cfg.SudoWindow == 0 {
		cfg.SudoWindow = 2 * time.Hour
	}
	if cfg.RecoveryTokenTTL == 0 {
		cfg.RecoveryTokenTTL = time.Hour
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = "authcore"
	}
}

// Deps are the collaborators of a Flow.
type Deps struct {
	Engine      *webauthn.Engine
	Credentials credentials.Repository
	Users       UserStore
	Tokens      *linktoken.Manager
	Notifier    Notifier
	Events      events.Sink
	Logger      Logger
}

// Flow orchestrates the authentication state machine.
type Flow struct {
	cfg      Config
	engine   *webauthn.Engine
	creds    credentials.Repository
	users    UserStore
	tokens   *linktoken.Manager
	notifier Notifier
	events   events.Sink
	logger   Logger

	limiter *ratelimit.Limiter
	timebox ratelimit.Timebox
	totp    *totp.Verifier
	now     func() time.Time
}

// New returns a new Flow.
func New(cfg Config, deps Deps) (*Flow, error) {
	if deps.Engine == nil {
		return nil, errors.New("flow: Engine is required")
	}
	if deps.Credentials == nil {
		return nil, errors.New("flow: Credentials is required")
	}
	if deps.Users == nil {
		return nil, errors.New("flow: Users is required")
	}
	cfg.setDefaults()
	f := &Flow{
		cfg:      cfg,
		engine:   deps.Engine,
		creds:    deps.Credentials,
		users:    deps.Users,
		tokens:   deps.Tokens,
		notifier: deps.Notifier,
		events:   deps.Events,
		logger:   deps.Logger,
		limiter:  ratelimit.NewLimiter(),
		timebox:  ratelimit.NewTimebox(cfg.MinLatency),
		totp:     totp.NewVerifier(),
		now:      time.Now,
	}
	if f.notifier == nil {
		f.notifier = NoopNotifier{}
	}
	if f.events == nil {
		f.events = events.NoopSink{}
	}
	return f, nil
}

// SetTimeSource overrides the clock used for sudo and recovery timestamps,
// rate limiting, and TOTP validation. For testing.
func (f *Flow) SetTimeSource(now func() time.Time) {
	f.now = now
	f.limiter = ratelimit.NewLimiter(ratelimit.WithTimeSource(now))
	f.totp = totp.NewVerifier(totp.WithTimeSource(now))
	f.timebox.Now = now
	f.timebox.Sleep = func(time.Duration) {}
}

func (f *Flow) errorf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Errorf("ERR flow: "+format, args...)
	}
}

func (f *Flow) fire(name, userID string, meta map[string]string) {
	f.events.Fire(events.Event{Name: name, UserID: userID, Meta: meta})
}

// SessionState returns the authentication state of sess.
func (f *Flow) SessionState(sess SessionStore) State {
	if sess.Has(authUserIDKey) {
		return FullyAuthenticated
	}
	if sess.Has(mfaUserIDKey) {
		return PartiallyAuthenticated
	}
	return Anonymous
}

// AuthenticatedUserID returns the fully authenticated user of sess, if any.
func (f *Flow) AuthenticatedUserID(sess SessionStore) (string, bool) {
	return sess.Get(authUserIDKey)
}

// checkPassword compares a bcrypt hash with a candidate password. A nil
// hash (passkey-only account) never matches.
func checkPassword(hash []byte, password string) bool {
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// rules builds the composite rate-limit rule list for one request. The
// global rule comes first so a blanket lockout wins over per-key lockouts.
func (f *Flow) rules(ip, identityKey string) []ratelimit.Rule {
	rules := []ratelimit.Rule{
		ratelimit.PerMinute(f.cfg.GlobalRateLimit, ratelimit.GlobalKey),
	}
	if ip != "" {
		rules = append(rules, ratelimit.PerMinute(f.cfg.RateLimit, ratelimit.Key("ip", ip)))
	}
	if identityKey != "" {
		rules = append(rules, ratelimit.PerMinute(f.cfg.RateLimit, identityKey))
	}
	return rules
}

// checkRateLimit returns a *ratelimit.Error if any rule is at threshold,
// firing a lockout event. No counter is incremented and no credential check
// happens in that case.
func (f *Flow) checkRateLimit(rules []ratelimit.Rule, userID string) error {
	if err := f.limiter.Check(rules); err != nil {
		f.fire(events.Lockout, userID, nil)
		return err
	}
	return nil
}

// recordFailure charges all rule counters for a failed credential check.
func (f *Flow) recordFailure(rules []ratelimit.Rule) {
	f.limiter.Hit(rules)
}

// recordSuccess resets the IP and identity counters. The global counter
// only decays with time.
func (f *Flow) recordSuccess(rules []ratelimit.Rule) {
	for _, r := range rules {
		if r.Key != ratelimit.GlobalKey {
			f.limiter.Reset(r.Key)
		}
	}
}
