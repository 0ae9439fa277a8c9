package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFromJWT reads the exp claim of a JWT access token without verifying
// its signature. The client never holds the signing key; the value is only a
// hint used when the identity server omits expires_in.
func ExpiryFromJWT(accessToken string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
