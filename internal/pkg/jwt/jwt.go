package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/xxxsen/toolnav/internal/pkg/timeutil"
)

// Claims identify one session. SessionVersion must still equal the
// account's version for the session to be accepted.
type Claims struct {
	UserID         string `json:"uid"`
	SessionVersion int64  `json:"sv"`
	jwtlib.RegisteredClaims
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	clock  timeutil.Clock
}

func NewSigner(secret []byte, ttl time.Duration, clock timeutil.Clock) *Signer {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &Signer{secret: secret, ttl: ttl, clock: clock}
}

func (s *Signer) Sign(userID string, sessionVersion int64) (string, error) {
	now := s.clock.Now()
	claims := Claims{
		UserID:         userID,
		SessionVersion: sessionVersion,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) Parse(tokenString string) (*Claims, error) {
	token, err := jwtlib.ParseWithClaims(tokenString, &Claims{}, func(token *jwtlib.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(s.clock.Now),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
