package chatsync

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidateCredential is the credential gate run before any realtime operation.
//
// Credentials are opaque to the client; the server is the authority. When the
// credential happens to be a JWT, its exp claim is checked locally so an
// expired token fails fast instead of costing a handshake round trip. The
// signature is never verified here.
func ValidateCredential(credential string, now time.Time) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return unauthenticated("credential is required", nil)
	}
	if strings.Count(credential, ".") != 2 {
		return nil
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, &claims); err != nil {
		// Not a JWT after all; leave it to the server.
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return unauthenticated("credential expired at "+claims.ExpiresAt.Time.UTC().Format(time.RFC3339), nil)
	}
	return nil
}
