// Package auth decides who may join a document's room and with which
// capabilities.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/burntcarrot/padsync/commons"
	"github.com/burntcarrot/padsync/presence"
	"github.com/burntcarrot/padsync/session"
)

var (
	ErrMissingToken   = fmt.Errorf("missing token: %w", commons.ErrNotPermitted)
	ErrInvalidToken   = fmt.Errorf("invalid token: %w", commons.ErrNotPermitted)
	ErrWrongDocument  = fmt.Errorf("token not valid for document: %w", commons.ErrNotPermitted)
	ErrNoCapabilities = fmt.Errorf("no access to document: %w", commons.ErrNotPermitted)
)

// AnyDocument in a token's doc claim grants access to every document.
const AnyDocument = "*"

// Grant is what an admitted participant is and may do.
type Grant struct {
	User         presence.User
	Capabilities session.Capabilities
}

// Authorizer resolves the participant behind a connection request.
// Refusals wrap commons.ErrNotPermitted.
type Authorizer interface {
	Authorize(r *http.Request, documentID string) (Grant, error)
}

// Guest admits everyone anonymously under the name given in the request's
// "name" query parameter.
type Guest struct {
	Write bool
}

func (g Guest) Authorize(r *http.Request, _ string) (Grant, error) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "guest"
	}
	return Grant{
		User:         presence.User{DisplayName: name},
		Capabilities: session.Capabilities{Read: true, Write: g.Write},
	}, nil
}

// Claims are carried by admission tokens.
type Claims struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Document string `json:"doc"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	jwt.RegisteredClaims
}

// TokenAuthorizer admits holders of HMAC-signed tokens.
type TokenAuthorizer struct {
	secret []byte
}

func NewTokenAuthorizer(secret []byte) *TokenAuthorizer {
	return &TokenAuthorizer{secret: secret}
}

// Issue signs claims into a token.
func (a *TokenAuthorizer) Issue(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Authorize reads the token from the "token" query parameter or a bearer
// Authorization header.
func (a *TokenAuthorizer) Authorize(r *http.Request, documentID string) (Grant, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return Grant{}, ErrMissingToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Document != AnyDocument && claims.Document != documentID {
		return Grant{}, ErrWrongDocument
	}
	caps := session.Capabilities{Read: claims.Read || claims.Write, Write: claims.Write}
	if !caps.Read {
		return Grant{}, ErrNoCapabilities
	}

	name := claims.Name
	if name == "" {
		name = claims.Username
	}
	username := claims.Username
	return Grant{
		User:         presence.User{DisplayName: name, Username: &username},
		Capabilities: caps,
	}, nil
}
