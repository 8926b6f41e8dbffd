package auth

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

// Scopes holds the token's OAuth scopes. Auth0 serializes them as a single
// space-separated string, but some tooling emits a JSON array, so we accept
// both.
type Scopes []string

// WhistClaims are the claims we care about in an access token.
type WhistClaims struct {
	jwt.RegisteredClaims
	Scopes Scopes `json:"scope"`
}

// UnmarshalJSON accepts either a space-separated scope string or an array.
func (s *Scopes) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		*s = strings.Fields(asString)
		return nil
	}

	var asSlice []string
	if err := json.Unmarshal(data, &asSlice); err == nil {
		*s = asSlice
		return nil
	}

	return utils.MakeError("couldn't unmarshal scope claim %s", string(data))
}

// VerifyScope reports whether the token carries the given scope.
func (claims *WhistClaims) VerifyScope(scope string) bool {
	return utils.StringSliceContains(claims.Scopes, scope)
}

// UserID returns the user identity the token was issued to.
func (claims *WhistClaims) UserID() types.UserID {
	return types.UserID(claims.Subject)
}
