// Package session ties the auth provider to the sync engines: a verified
// token becomes an identity, sign-in starts presence and the engines, and
// sign-out stops every listener and forces presence offline.
package session

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/auth"
	gojwt "github.com/golang-jwt/jwt/v5"

	"local.dev/bond/internal/bonderr"
)

// Identity is the signed-in user as reported by the auth provider.
type Identity struct {
	UID     string
	Email   string
	Name    string
	Picture string
}

// TokenVerifier is satisfied by *auth.Client.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// IdentityFromToken resolves a bearer token. With noAuth set the token is
// not verified: "Debug <id>" names the user directly and a JWT is read for
// its claims only.
func IdentityFromToken(ctx context.Context, v TokenVerifier, token string, noAuth bool) (Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if raw == "" {
		return Identity{}, bonderr.Permission("missing sign-in token")
	}

	if noAuth {
		if key, ok := strings.CutPrefix(raw, "Debug "); ok {
			key = strings.TrimSpace(key)
			if strings.Contains(key, "@") {
				key = strings.ToLower(key)
				return Identity{UID: key, Email: key}, nil
			}
			return Identity{UID: key}, nil
		}
		return devIdentity(raw)
	}

	if v == nil {
		return Identity{}, bonderr.Unavailable("sign-in is not configured", nil)
	}
	tok, err := v.VerifyIDToken(ctx, raw)
	if err != nil {
		return Identity{}, bonderr.Wrap(bonderr.CodePermission, "invalid sign-in token", err)
	}
	id := Identity{UID: tok.UID}
	id.Email, _ = tok.Claims["email"].(string)
	id.Name, _ = tok.Claims["name"].(string)
	id.Picture, _ = tok.Claims["picture"].(string)
	return id, nil
}

// devIdentity reads the claims of an unverified JWT.
func devIdentity(raw string) (Identity, error) {
	tok, _, err := gojwt.NewParser().ParseUnverified(raw, gojwt.MapClaims{})
	if err != nil {
		return Identity{}, bonderr.Wrap(bonderr.CodePermission, "unreadable sign-in token", err)
	}
	claims := tok.Claims.(gojwt.MapClaims)
	get := func(k string) string {
		if v, ok := claims[k]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprintf("%v", v))
		}
		return ""
	}
	id := Identity{
		Email:   strings.ToLower(get("email")),
		Name:    get("name"),
		Picture: get("picture"),
	}
	for _, k := range []string{"user_id", "uid", "sub"} {
		if id.UID = get(k); id.UID != "" {
			break
		}
	}
	if id.UID == "" {
		id.UID = id.Email
	}
	if id.UID == "" {
		return Identity{}, bonderr.Permission("sign-in token names no user")
	}
	return id, nil
}
