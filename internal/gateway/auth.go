package gateway

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "eligibility-gateway/pkg/errors"
)

// AnonymousPrincipal is the identity of connections when token verification
// is disabled.
const AnonymousPrincipal = "anonymous"

// Claims are the access-token claims the gateway understands. Principal
// resolution prefers the explicit principal claim and falls back to the
// registered subject.
type Claims struct {
	Principal string `json:"principal,omitempty"`
	jwt.RegisteredClaims
}

// Identity validates HMAC-signed bearer tokens and resolves the principal a
// connection acts as.
type Identity struct {
	signingKey []byte
}

// NewIdentity builds an identity verifier. An empty secret disables
// verification: every connection becomes AnonymousPrincipal, which only
// makes sense together with an allow-all authorizer.
func NewIdentity(secret string) *Identity {
	if secret == "" {
		return &Identity{}
	}
	return &Identity{signingKey: []byte(secret)}
}

// PrincipalFromHeader resolves the principal from an Authorization header
// value ("Bearer <token>").
func (i *Identity) PrincipalFromHeader(header string) (string, error) {
	if i.signingKey == nil {
		return AnonymousPrincipal, nil
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "bearer token required")
	}
	return i.principalFromToken(token)
}

func (i *Identity) principalFromToken(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "token has expired")
		}
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid token claims")
	}
	if claims.Principal != "" {
		return claims.Principal, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "token carries no principal")
}
