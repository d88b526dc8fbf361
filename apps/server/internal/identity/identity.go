package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"mootlab/moot"
)

// Identity issuance lives in an external service. This package only verifies
// the token it minted and trusts the (user id, role) pair inside.

var ErrUnauthenticated = errors.New("unauthenticated")

type Resolver interface {
	Resolve(token string) (moot.Actor, error)
}

type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) (*JWTResolver, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("empty identity secret")
	}
	return &JWTResolver{secret: []byte(secret)}, nil
}

func (r *JWTResolver) Resolve(raw string) (moot.Actor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return moot.Actor{}, ErrUnauthenticated
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return moot.Actor{}, ErrUnauthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return moot.Actor{}, ErrUnauthenticated
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return moot.Actor{}, ErrUnauthenticated
	}

	actor := moot.Actor{UserID: sub, Role: moot.Role(role)}
	switch actor.Role {
	case moot.RoleFaculty, moot.RoleStudent, moot.RoleObserver:
	default:
		// Unknown roles degrade to observer rather than being rejected;
		// the issuer may add roles before this service learns them.
		actor.Role = moot.RoleObserver
	}
	return actor, nil
}

// StaticResolver maps fixed tokens to actors. Test and development use only.
type StaticResolver map[string]moot.Actor

func (s StaticResolver) Resolve(token string) (moot.Actor, error) {
	actor, ok := s[strings.TrimSpace(token)]
	if !ok {
		return moot.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

// FromRequest resolves the actor behind an HTTP request from its bearer
// token.
func FromRequest(r *http.Request, resolver Resolver) (moot.Actor, error) {
	return resolver.Resolve(bearerToken(r.Header.Get("Authorization")))
}

func bearerToken(raw string) string {
	if !strings.HasPrefix(raw, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}
