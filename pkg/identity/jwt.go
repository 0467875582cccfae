package identity

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the token payload issued by the account service.
type Claims struct {
	AccountID   string `json:"account_id,omitempty"`
	AccountName string `json:"account_name,omitempty"`
	AccountType string `json:"account_type,omitempty"`
	DeveloperID string `json:"developer_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC-signed tokens.
type JWTResolver struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		})),
	}
}

var _ Resolver = (*JWTResolver)(nil)

func (r *JWTResolver) Resolve(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	token, err := r.parser.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, errOrInvalid(err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrUnauthenticated)
	}
	return claims.Identity()
}

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return jwt.ErrTokenInvalidClaims
}

// Identity converts token claims into an Identity, rejecting incomplete ones.
func (c *Claims) Identity() (Identity, error) {
	id := c.AccountID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	ident := Identity{ID: id, DisplayName: c.AccountName}
	switch c.AccountType {
	case "developer", string(RoleController):
		ident.Role = RoleController
	case string(RoleDevice):
		ident.Role = RoleDevice
		if c.DeveloperID == "" {
			return Identity{}, fmt.Errorf("%w: device token has no owner", ErrUnauthenticated)
		}
		ident.OwnerID = c.DeveloperID
	default:
		return Identity{}, fmt.Errorf("%w: unknown account type %q", ErrUnauthenticated, c.AccountType)
	}
	return ident, nil
}
