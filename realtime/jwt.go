package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the client reads out of the session bearer token. the token is
// issued and verified elsewhere; the client only needs the identity to
// tag optimistic mutations and render "me" state, so the parse is
// unverified.
type SessionClaims struct {
	UserId      Id
	DisplayName string
}

func ParseSessionClaimsUnverified(token string) (*SessionClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}

	sessionClaims := &SessionClaims{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionClaims.UserId = userId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		sessionClaims.DisplayName = displayName
	}

	if sessionClaims.UserId.IsZero() {
		return nil, errors.New("token has no user_id claim")
	}

	return sessionClaims, nil
}
