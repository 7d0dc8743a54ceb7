package middleware

import (
	"net/http"
	"strings"

	"blendsync/internal/apierror"
	"blendsync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ClaimsKey = "claims"
)

// JWTClaims are the custom claims embedded in every access token. The token
// binds the principal to exactly one tenant: StoreID stamps every query the
// request makes downstream.
type JWTClaims struct {
	UserID  string `json:"user_id"`
	StoreID string `json:"store_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTAuth validates the Bearer token on every protected route and rejects
// tokens that do not carry a usable tenant binding.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.NewKind(apierror.KindUnauthenticated, "authentication required"))
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})

		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.NewKind(apierror.KindUnauthenticated, "invalid or expired token"))
			return
		}

		if _, err := uuid.Parse(claims.StoreID); err != nil {
			log.Warn().Str("request_id", c.GetString(RequestIDKey)).Msg("token without store binding rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, apierror.NewKind(apierror.KindUnauthenticated, "token carries no store binding"))
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects requests whose JWT role is not in the allowed list.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		claims, ok := c.MustGet(ClaimsKey).(*JWTClaims)
		if !ok || !allowed[claims.Role] {
			c.AbortWithStatusJSON(http.StatusForbidden, apierror.NewKind(apierror.KindTenantViolation, "insufficient permissions"))
			return
		}
		c.Next()
	}
}

// GetClaims is a helper to retrieve typed claims from the Gin context.
func GetClaims(c *gin.Context) *JWTClaims {
	claims, _ := c.MustGet(ClaimsKey).(*JWTClaims)
	return claims
}

// Principal builds the service-layer identity from the validated claims.
func Principal(c *gin.Context) service.Principal {
	claims := GetClaims(c)
	userID, _ := uuid.Parse(claims.UserID)
	storeID, _ := uuid.Parse(claims.StoreID)
	return service.Principal{UserID: userID, StoreID: storeID}
}
