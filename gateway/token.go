package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a dashboard bearer token.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// EncodeToken signs claims with the shared secret. Used by the host process
// issuing dashboard tokens and by tests.
func EncodeToken(secret []byte, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// DecodeToken verifies a dashboard bearer token against the shared secret.
func DecodeToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("token missing user id")
	}
	return claims, nil
}
