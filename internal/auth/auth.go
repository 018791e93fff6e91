// Package auth resolves bearer credentials to user identities. It is
// the single place identity parsing happens; every entry point (HTTP
// middleware and the realtime endpoint) goes through an Authenticator.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Authenticator resolves a bearer credential to a user identity
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (uuid.UUID, error)
}

// TokenAuthenticator validates HMAC-SHA256 signed bearer tokens of the
// form base64url(userID.expiresUnix).base64url(signature). Token
// issuance belongs to the account subsystem; this side only verifies.
type TokenAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewTokenAuthenticator(secret []byte) *TokenAuthenticator {
	return &TokenAuthenticator{secret: secret, now: time.Now}
}

func (a *TokenAuthenticator) sign(payload string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Issue creates a token for the given user, valid for ttl. Exposed for
// the account subsystem and for tests.
func (a *TokenAuthenticator) Issue(userID uuid.UUID, ttl time.Duration) string {
	payload := userID.String() + "." + strconv.FormatInt(a.now().Add(ttl).Unix(), 10)
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(a.sign(payload))
}

// Authenticate verifies the token signature and expiry and returns the
// embedded user identity
func (a *TokenAuthenticator) Authenticate(_ context.Context, credential string) (uuid.UUID, error) {
	enc := base64.RawURLEncoding

	dot := strings.LastIndexByte(credential, '.')
	if dot < 0 {
		return uuid.Nil, ErrInvalidCredential
	}

	payloadRaw, err := enc.DecodeString(credential[:dot])
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}
	sig, err := enc.DecodeString(credential[dot+1:])
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}

	payload := string(payloadRaw)
	if !hmac.Equal(sig, a.sign(payload)) {
		return uuid.Nil, ErrInvalidCredential
	}

	parts := strings.Split(payload, ".")
	if len(parts) != 2 {
		return uuid.Nil, ErrInvalidCredential
	}

	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, errors.Wrap(ErrInvalidCredential, "parsing user id")
	}

	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return uuid.Nil, ErrInvalidCredential
	}
	if a.now().After(time.Unix(expires, 0)) {
		return uuid.Nil, errors.Wrap(ErrInvalidCredential, "token expired")
	}

	return userID, nil
}
