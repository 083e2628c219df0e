// jwt.go provides JWT bearer authentication. Tokens are issued by the
// account service that fronts this API; here they are only verified, so no
// user lookup happens per request.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

const subjectContextKey = "subject"

// JWTClaims are the claims this API reads. The subject identifies the
// caller for rate limiting and logs.
type JWTClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT signs an HS256 token for subject, valid for ttl.
func GenerateJWT(subject, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseJWT validates an HS256 token and returns its claims.
func ParseJWT(tokenString, secret string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// JWTAuth returns middleware that requires a valid Bearer token.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Missing or invalid Authorization header. Use 'Bearer <token>'")
			return
		}

		claims, err := ParseJWT(strings.TrimPrefix(authHeader, "Bearer "), jwtSecret)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "Token has expired"
			}
			abortUnauthorized(c, msg)
			return
		}

		c.Set(subjectContextKey, claims.Subject)
		c.Next()
	}
}

// Subject returns the authenticated caller, or "" on public routes.
func Subject(c *gin.Context) string {
	return c.GetString(subjectContextKey)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: msg,
		Code:    http.StatusUnauthorized,
	})
}
