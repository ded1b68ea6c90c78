package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"

	"pos_sales/internal/sales"
)

// ErrInvalidToken is returned for malformed, expired or badly signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the acting identity as issued by the login service.
type Claims struct {
	UserID   int64      `json:"id_usuario"`
	Role     sales.Role `json:"rol"`
	ClientID *int64     `json:"id_cliente,omitempty"`
	jwt.StandardClaims
}

// Actor converts the claims into the identity the sales engine acts for.
func (c *Claims) Actor() sales.Actor {
	return sales.Actor{ID: c.UserID, Role: c.Role, ClientID: c.ClientID}
}

// Issuer signs and verifies HS256 tokens with a shared secret.
type Issuer struct {
	secret   []byte
	lifespan time.Duration
	now      func() time.Time
}

func NewIssuer(secret string, lifespan time.Duration) *Issuer {
	if lifespan <= 0 {
		lifespan = 8 * time.Hour
	}
	return &Issuer{secret: []byte(secret), lifespan: lifespan, now: time.Now}
}

// Issue mints a token for the given identity.
func (i *Issuer) Issue(userID int64, role sales.Role, clientID *int64) (string, error) {
	now := i.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:   userID,
		Role:     role,
		ClientID: clientID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(i.lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(i.secret)
}

// Parse validates the token and returns its claims.
func (i *Issuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
