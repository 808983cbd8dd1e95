package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxterm/gateway/internal/infrastructure/audit"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = time.Hour
	}
	if cfg.MaxLoginAttempts == 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockoutDuration == 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return NewService(cfg, logging.NewNop(), audit.NopSink{})
}

func TestRegisterUser(t *testing.T) {
	s := newTestService(t, Config{})

	user, err := s.RegisterUser("alice", "correct-horse", []string{"execute"}, []string{"ops"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)

	_, err = s.RegisterUser("alice", "other-password", nil, nil)
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegisterUserValidation(t *testing.T) {
	s := newTestService(t, Config{})

	_, err := s.RegisterUser("a", "correct-horse", nil, nil)
	assert.Error(t, err, "too-short username")

	_, err = s.RegisterUser("alice", "short", nil, nil)
	assert.Error(t, err, "too-short password")

	_, err = s.RegisterUser("al ice", "correct-horse", nil, nil)
	assert.Error(t, err, "username with invalid characters")
}

func TestAuthenticate(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.RegisterUser("alice", "correct-horse", []string{"execute"}, nil)
	require.NoError(t, err)

	token, claims, err := s.Authenticate("alice", "correct-horse", ClientContext{Address: "10.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, 1, s.ActiveTokens())
}

func TestAuthenticateFailures(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	// Unknown users and bad passwords are indistinguishable.
	_, _, err = s.Authenticate("alice", "wrong", ClientContext{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = s.Authenticate("nobody", "wrong", ClientContext{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateDisabledAccount(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	s.Disable("alice")
	_, _, err = s.Authenticate("alice", "correct-horse", ClientContext{})
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestAuthenticateOriginAllowList(t *testing.T) {
	s := newTestService(t, Config{AllowedOrigins: []string{"https://app.example.com"}})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	_, _, err = s.Authenticate("alice", "correct-horse", ClientContext{Origin: "https://evil.example.com"})
	assert.ErrorIs(t, err, ErrOriginNotAllowed)

	_, _, err = s.Authenticate("alice", "correct-horse", ClientContext{Origin: "https://app.example.com"})
	assert.NoError(t, err)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	s := newTestService(t, Config{MaxLoginAttempts: 5, LockoutDuration: 15 * time.Minute})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := s.Authenticate("alice", "wrong", ClientContext{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// The correct password no longer helps until the lockout expires.
	_, _, err = s.Authenticate("alice", "correct-horse", ClientContext{})
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Greater(t, locked.Remaining, time.Duration(0))
}

func TestLockoutAppliesToUnknownUsers(t *testing.T) {
	s := newTestService(t, Config{MaxLoginAttempts: 3})

	for i := 0; i < 3; i++ {
		_, _, err := s.Authenticate("ghost", "wrong", ClientContext{})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err := s.Authenticate("ghost", "wrong", ClientContext{})
	var locked *LockedError
	assert.ErrorAs(t, err, &locked)
}

func TestValidateToken(t *testing.T) {
	s := newTestService(t, Config{BindAddress: true})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	token, _, err := s.Authenticate("alice", "correct-horse", ClientContext{Address: "10.0.0.1"})
	require.NoError(t, err)

	claims, err := s.Validate(token, ClientContext{Address: "10.0.0.1"}, true)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	// Same token presented from a different address.
	_, err = s.Validate(token, ClientContext{Address: "10.0.0.99"}, true)
	assert.ErrorIs(t, err, ErrAddressMismatch)

	// Binding disabled: the address no longer matters.
	_, err = s.Validate(token, ClientContext{Address: "10.0.0.99"}, false)
	assert.NoError(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	s := newTestService(t, Config{})

	_, err := s.Validate("not-a-token", ClientContext{}, false)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := newTestService(t, Config{JWTSecret: "secret-one"})
	_, err := issuer.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)
	token, _, err := issuer.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)

	verifier := newTestService(t, Config{JWTSecret: "secret-two"})
	_, err = verifier.Validate(token, ClientContext{}, false)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidateExpiredToken(t *testing.T) {
	s := newTestService(t, Config{TokenExpiry: -time.Minute})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	token, _, err := s.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)

	claims, err := s.Validate(token, ClientContext{}, false)
	assert.ErrorIs(t, err, ErrTokenExpired)
	// The signature checked out, so the claims still identify the token.
	require.NotNil(t, claims)
	assert.Equal(t, "alice", claims.Username)
	assert.NotEmpty(t, claims.ID)
}

func TestRevokeExpiredToken(t *testing.T) {
	s := newTestService(t, Config{TokenExpiry: -time.Minute})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	token, _, err := s.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(token, "cleanup"))
	assert.Equal(t, 0, s.ActiveTokens())
}

func TestRevoke(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	token, _, err := s.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(token, "logout"))

	_, err = s.Validate(token, ClientContext{}, false)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.Equal(t, 0, s.ActiveTokens())

	assert.Error(t, s.Revoke("garbage", "logout"))
}

func TestPermissionsAndGroups(t *testing.T) {
	s := newTestService(t, Config{})
	_, err := s.RegisterUser("alice", "correct-horse", []string{"execute"}, []string{"ops"})
	require.NoError(t, err)
	_, err = s.RegisterUser("root_user", "correct-horse", []string{"*"}, nil)
	require.NoError(t, err)

	_, aliceClaims, err := s.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)
	_, rootClaims, err := s.Authenticate("root_user", "correct-horse", ClientContext{})
	require.NoError(t, err)

	assert.True(t, s.HasPermission(aliceClaims, "execute"))
	assert.False(t, s.HasPermission(aliceClaims, "admin"))
	assert.True(t, s.HasPermission(rootClaims, "anything"))
	assert.True(t, s.InGroup(aliceClaims, "ops"))
	assert.False(t, s.InGroup(aliceClaims, "admin"))
	assert.False(t, s.HasPermission(nil, "execute"))
}

func TestCleanup(t *testing.T) {
	s := newTestService(t, Config{TokenExpiry: -time.Minute})
	_, err := s.RegisterUser("alice", "correct-horse", nil, nil)
	require.NoError(t, err)

	_, _, err = s.Authenticate("alice", "correct-horse", ClientContext{})
	require.NoError(t, err)
	require.Equal(t, 1, s.ActiveTokens())

	purged := s.Cleanup()
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, s.ActiveTokens())
}

func TestLoginStateTransitions(t *testing.T) {
	now := time.Now()
	state := &loginState{}

	for i := 0; i < 4; i++ {
		assert.False(t, state.fail(now, 5, time.Minute))
	}
	assert.True(t, state.fail(now, 5, time.Minute), "fifth failure arms the lockout")
	assert.Greater(t, state.locked(now), time.Duration(0))

	// Expired lockout clears itself.
	assert.Equal(t, time.Duration(0), state.locked(now.Add(2*time.Minute)))

	state.reset()
	assert.Equal(t, 0, state.Failures)
	assert.Equal(t, time.Duration(0), state.locked(now))
}
