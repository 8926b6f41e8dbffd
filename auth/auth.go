// Package auth verifies the JWT access tokens presented on the external
// endpoints against the Auth0 tenant's JWKS.
package auth

import (
	"os"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// AdminScope is the scope required on the deploy endpoints.
const AdminScope = "admin"

type authConfig struct {
	jwksURL  string
	issuer   string
	audience string
}

func getAuthConfig() authConfig {
	domain := os.Getenv("AUTH0_DOMAIN")
	return authConfig{
		jwksURL:  utils.Sprintf("https://%s/.well-known/jwks.json", domain),
		issuer:   utils.Sprintf("https://%s/", domain),
		audience: os.Getenv("AUTH0_AUDIENCE"),
	}
}

var config = getAuthConfig()

// jwks caches the tenant's signing keys and refreshes them in the
// background.
var jwks *keyfunc.JWKS

// Initialize fetches the JWKS. It must be called before ParseToken outside
// of local environments.
func Initialize() error {
	j, err := keyfunc.Get(config.jwksURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("error refreshing JWKS: %s", err)
		},
	})
	if err != nil {
		return utils.MakeError("couldn't fetch JWKS from %s: %s", config.jwksURL, err)
	}
	jwks = j
	return nil
}

// ParseToken parses and validates the signature of the given access token,
// returning its claims.
func ParseToken(accessToken string) (*WhistClaims, error) {
	if jwks == nil {
		return nil, utils.MakeError("auth.ParseToken called before auth.Initialize")
	}

	claims := new(WhistClaims)
	if _, err := jwt.ParseWithClaims(accessToken, claims, jwks.Keyfunc); err != nil {
		return nil, utils.MakeError("couldn't parse access token: %s", err)
	}
	return claims, nil
}

// Verify checks the registered claims: issuer, audience, and expiry.
func Verify(claims *WhistClaims) error {
	if !claims.VerifyIssuer(config.issuer, true) {
		return utils.MakeError("token has wrong issuer %s", claims.Issuer)
	}
	if !verifyAudience(claims, config.audience, true) {
		return utils.MakeError("token has wrong audience %v", claims.Audience)
	}
	if !claims.VerifyExpiresAt(time.Now(), true) {
		return utils.MakeError("token is expired")
	}
	return nil
}

// verifyAudience accepts the token if any of its audiences matches the
// expected one. jwt's own VerifyAudience requires all to match.
func verifyAudience(claims *WhistClaims, expected string, required bool) bool {
	if len(claims.Audience) == 0 {
		return !required
	}
	for _, audience := range claims.Audience {
		if audience == expected {
			return true
		}
	}
	return false
}
