package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	jwtSecret []byte
	jwtIssuer string
)

// SetJWTSecret configures the HMAC signing secret. Must be called before any
// token is parsed or generated.
func SetJWTSecret(secret string) {
	jwtSecret = []byte(secret)
}

// SetJWTIssuer configures the expected issuer claim. Empty disables the check.
func SetJWTIssuer(issuer string) {
	jwtIssuer = issuer
}

// Claims are the application claims carried in access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed token for a user, valid for expireHours.
func GenerateToken(userID, email string, expireHours int) (string, error) {
	if len(jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireHours) * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseToken validates a token string and returns its claims.
func ParseToken(tokenString string) (*Claims, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(jwtIssuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		// Tokens minted by the identity provider carry the user in sub.
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("token missing user identity")
	}
	return claims, nil
}
