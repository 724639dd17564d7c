package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidOperatorToken is returned by VerifyOperatorToken for any
// malformed, expired, or badly-signed token.
var ErrInvalidOperatorToken = errors.New("auth: invalid operator token")

// OperatorClaims identifies the operator presenting a REST request. There is
// no operator database to check against: possession of a token signed with
// the configured secret is the whole of the authorization model, matching
// §1's framing of operator auth as peripheral to the broker's actual trust
// surface.
type OperatorClaims struct {
	jwt.RegisteredClaims
	OperatorID string `json:"operator_id"`
}

// IssueOperatorToken mints a JWT for operatorID, signed with secret and
// valid for ttl. The broker binary has no subcommand that calls it; a token
// minted here with the same secret the broker verifies with is accepted.
func IssueOperatorToken(secret, operatorID string, ttl time.Duration, now time.Time) (string, error) {
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OperatorID: operatorID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// VerifyOperatorToken validates tokenString against secret and returns the
// embedded claims.
func VerifyOperatorToken(secret, tokenString string) (OperatorClaims, error) {
	var claims OperatorClaims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidOperatorToken
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return OperatorClaims{}, ErrInvalidOperatorToken
	}
	return claims, nil
}
