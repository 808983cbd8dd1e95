// Package auth verifies login credentials, issues and validates signed
// bearer tokens, and enforces the lockout policy.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
	"github.com/voxterm/gateway/internal/shared/validate"
)

var (
	ErrOriginNotAllowed   = errors.New("origin not allowed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrAddressMismatch    = errors.New("token bound to a different address")
	ErrUserExists         = errors.New("username already exists")
)

// dummyHash is compared against when the user is unknown so that the
// failure path does the same bcrypt work as a bad password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("voxterm-dummy"), bcrypt.DefaultCost)

// ClientContext describes the presenting client.
type ClientContext struct {
	Address string
	Origin  string
}

// Claims are the verified contents of a bearer token.
type Claims struct {
	Permissions []string `json:"permissions"`
	Groups      []string `json:"groups"`
	Address     string   `json:"address,omitempty"`
	Username    string   `json:"username"`
	jwt.RegisteredClaims
}

// User is one account record.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Permissions  []string
	Groups       []string
	Disabled     bool
	CreatedAt    time.Time
}

// Config holds auth service tunables.
type Config struct {
	JWTSecret        string
	TokenExpiry      time.Duration
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	BindAddress      bool
	AllowedOrigins   []string
}

// Service implements the credential and token contract.
type Service struct {
	cfg    Config
	logger *logging.Logger
	sink   audit.Sink

	mu       sync.RWMutex
	users    map[string]*User     // by username
	active   map[string]time.Time // jti -> expiry
	revoked  map[string]time.Time // jti -> revocation time
	attempts map[string]*loginState
}

// NewService creates an auth service.
func NewService(cfg Config, logger *logging.Logger, sink audit.Sink) *Service {
	return &Service{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		users:    make(map[string]*User),
		active:   make(map[string]time.Time),
		revoked:  make(map[string]time.Time),
		attempts: make(map[string]*loginState),
	}
}

// RegisterUser creates an account with a bcrypt-hashed password.
func (s *Service) RegisterUser(username, password string, permissions, groups []string) (*User, error) {
	if err := validate.Username(username); err != nil {
		return nil, err
	}
	if err := validate.Password(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("password hashing failed: %w", err)
	}

	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		Permissions:  append([]string(nil), permissions...),
		Groups:       append([]string(nil), groups...),
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil, ErrUserExists
	}
	s.users[username] = user
	return user, nil
}

// Disable marks an account disabled. Existing tokens keep their expiry;
// new logins are rejected.
func (s *Service) Disable(username string) {
	s.mu.Lock()
	if user, ok := s.users[username]; ok {
		user.Disabled = true
	}
	s.mu.Unlock()
}

// Authenticate verifies credentials and mints a signed bearer token.
//
// Failure order: origin allow-list, lockout, disabled account, password.
// Unknown users and bad passwords produce the same error so callers
// cannot enumerate accounts.
func (s *Service) Authenticate(username, password string, client ClientContext) (string, *Claims, error) {
	if !s.originAllowed(client.Origin) {
		s.auditAuth(username, client, audit.OutcomeDenied, "origin not allow-listed", 70)
		return "", nil, ErrOriginNotAllowed
	}

	now := time.Now()

	s.mu.Lock()
	state, ok := s.attempts[username]
	if !ok {
		state = &loginState{}
		s.attempts[username] = state
	}

	if remaining := state.locked(now); remaining > 0 {
		s.mu.Unlock()
		s.auditAuth(username, client, audit.OutcomeDenied, "account locked", 60)
		return "", nil, &LockedError{Remaining: remaining}
	}

	user, known := s.users[username]
	s.mu.Unlock()

	if !known {
		// Burn the same bcrypt cost as a real comparison.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.recordFailure(username, now)
		s.auditAuth(username, client, audit.OutcomeDenied, "unknown user", 50)
		return "", nil, ErrInvalidCredentials
	}

	if user.Disabled {
		s.auditAuth(username, client, audit.OutcomeDenied, "account disabled", 50)
		return "", nil, ErrAccountDisabled
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		locked := s.recordFailure(username, now)
		detail := "bad password"
		if locked {
			detail = "bad password, account now locked"
		}
		s.auditAuth(username, client, audit.OutcomeDenied, detail, 50)
		return "", nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	state.reset()
	s.mu.Unlock()

	token, claims, err := s.mint(user, client, now)
	if err != nil {
		return "", nil, err
	}

	s.auditAuth(username, client, audit.OutcomeAllowed, "login", 0)
	return token, claims, nil
}

// recordFailure bumps the failure counter, arming the lockout when the
// threshold is crossed. Returns true when the account just locked.
func (s *Service) recordFailure(username string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.attempts[username]
	if !ok {
		state = &loginState{}
		s.attempts[username] = state
	}
	locked := state.fail(now, s.cfg.MaxLoginAttempts, s.cfg.LockoutDuration)
	if locked {
		s.logger.Warn("account locked",
			zap.String("username", username),
			zap.Duration("duration", s.cfg.LockoutDuration),
		)
	}
	return locked
}

// mint creates, signs and activates a token for a user.
func (s *Service) mint(user *User, client ClientContext, now time.Time) (string, *Claims, error) {
	expiry := now.Add(s.cfg.TokenExpiry)
	claims := &Claims{
		Permissions: append([]string(nil), user.Permissions...),
		Groups:      append([]string(nil), user.Groups...),
		Username:    user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	if s.cfg.BindAddress {
		claims.Address = client.Address
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.mu.Lock()
	s.active[claims.ID] = expiry
	s.mu.Unlock()

	return signed, claims, nil
}

// Validate decodes and verifies a token. The signature is checked
// before any embedded claim is trusted. When bindAddress is requested,
// the token's bound address must match the presenting client's.
func (s *Service) Validate(tokenString string, client ClientContext, bindAddress bool) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// Signature verified before expiry is checked, so the parsed
			// claims are trustworthy. Returned so callers like Revoke can
			// still identify the token; the caller should refresh.
			return claims, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.ID == "" {
		return nil, ErrTokenInvalid
	}

	s.mu.RLock()
	_, revoked := s.revoked[claims.ID]
	_, known := s.active[claims.ID]
	s.mu.RUnlock()

	if revoked {
		return nil, ErrTokenRevoked
	}
	if !known {
		return nil, ErrTokenInvalid
	}

	if bindAddress && claims.Address != "" && claims.Address != client.Address {
		return nil, ErrAddressMismatch
	}

	return claims, nil
}

// Revoke invalidates a token. The token must carry a verifiable
// signature; revoking an unparsable token is a no-op error. Expired
// tokens can still be revoked so their jti stays on the revocation
// list until the history purge.
func (s *Service) Revoke(tokenString, reason string) error {
	claims, err := s.Validate(tokenString, ClientContext{}, false)
	if err != nil && !errors.Is(err, ErrTokenExpired) {
		return err
	}
	if claims == nil || claims.ID == "" {
		return ErrTokenInvalid
	}

	s.mu.Lock()
	s.revoked[claims.ID] = time.Now()
	delete(s.active, claims.ID)
	s.mu.Unlock()

	s.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Source:   "auth",
		Action:   "revoke",
		Outcome:  audit.OutcomeAllowed,
		Subject:  claims.Subject,
		Detail:   reason,
	})
	return nil
}

// HasPermission reports whether claims grant a permission. A literal
// "*" entry grants everything.
func (s *Service) HasPermission(claims *Claims, permission string) bool {
	if claims == nil {
		return false
	}
	for _, p := range claims.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}

// InGroup reports whether claims place the user in a group.
func (s *Service) InGroup(claims *Claims, group string) bool {
	if claims == nil {
		return false
	}
	for _, g := range claims.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Cleanup purges expired tokens, stale revocations and login-attempt
// history older than 24 hours. Returns how many tokens were purged.
func (s *Service) Cleanup() int {
	now := time.Now()
	cutoff := now.Add(-24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for jti, expiry := range s.active {
		if now.After(expiry) {
			delete(s.active, jti)
			purged++
		}
	}
	for jti, at := range s.revoked {
		if at.Before(cutoff) {
			delete(s.revoked, jti)
		}
	}
	for username, state := range s.attempts {
		if state.LastFailure.Before(cutoff) && !state.LockedUntil.After(now) {
			delete(s.attempts, username)
		}
	}
	return purged
}

// ActiveTokens returns the current size of the active token set.
func (s *Service) ActiveTokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Service) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Service) auditAuth(username string, client ClientContext, outcome audit.Outcome, detail string, risk int) {
	severity := audit.SeverityInfo
	if outcome == audit.OutcomeDenied {
		severity = audit.SeverityWarning
	}
	s.sink.Record(audit.Event{
		Severity: severity,
		Source:   "auth",
		Action:   "authenticate",
		Outcome:  outcome,
		Risk:     risk,
		Subject:  username,
		Address:  client.Address,
		Detail:   detail,
	})
}
