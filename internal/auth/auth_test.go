package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIssueAuthenticate(t *testing.T) {
	t.Parallel()

	a := NewTokenAuthenticator([]byte("secret"))
	user := uuid.New()

	token := a.Issue(user, time.Hour)
	got, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, user, got)
}

func TestAuthenticateExpired(t *testing.T) {
	t.Parallel()

	a := NewTokenAuthenticator([]byte("secret"))
	token := a.Issue(uuid.New(), -time.Minute)

	_, err := a.Authenticate(context.Background(), token)
	require.True(t, errors.Is(err, ErrInvalidCredential))
}

func TestAuthenticateTampered(t *testing.T) {
	t.Parallel()

	a := NewTokenAuthenticator([]byte("secret"))
	token := a.Issue(uuid.New(), time.Hour)

	tampered := "A" + token[1:]
	_, err := a.Authenticate(context.Background(), tampered)
	require.True(t, errors.Is(err, ErrInvalidCredential))
}

func TestAuthenticateWrongSecret(t *testing.T) {
	t.Parallel()

	issuer := NewTokenAuthenticator([]byte("secret"))
	verifier := NewTokenAuthenticator([]byte("other"))

	token := issuer.Issue(uuid.New(), time.Hour)
	_, err := verifier.Authenticate(context.Background(), token)
	require.True(t, errors.Is(err, ErrInvalidCredential))
}

func TestAuthenticateGarbage(t *testing.T) {
	t.Parallel()

	a := NewTokenAuthenticator([]byte("secret"))

	for _, credential := range []string{"", "nodots", "a.b.c.d", strings.Repeat(".", 3)} {
		_, err := a.Authenticate(context.Background(), credential)
		require.True(t, errors.Is(err, ErrInvalidCredential), "credential %q", credential)
	}
}
