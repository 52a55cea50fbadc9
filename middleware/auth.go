package middleware

import (
	"net/http"
	"strings"

	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const identityKey = "identity"

// BearerToken extracts the token from "Authorization: Bearer <token>". The
// WebSocket endpoint also accepts it as a token query parameter since
// browsers cannot set headers on the upgrade request.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware requires a valid organizer token.
func AuthMiddleware(verifier services.TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  services.CodeUnauthorized,
				"error": "Authorization header required",
			})
			return
		}

		identity, err := verifier.Verify(token)
		if err != nil {
			logger.Warn().Err(err).Str("path", c.FullPath()).Str("client_ip", c.ClientIP()).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  services.CodeUnauthorized,
				"error": "Invalid token",
			})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// OptionalAuth attaches an identity when a valid token is present and lets
// anonymous callers through.
func OptionalAuth(verifier services.TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			c.Next()
			return
		}
		identity, err := verifier.Verify(token)
		if err != nil {
			logger.Warn().Err(err).Str("path", c.FullPath()).Str("client_ip", c.ClientIP()).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  services.CodeUnauthorized,
				"error": "Invalid token",
			})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// CurrentIdentity returns the identity set by the auth middleware, if any.
func CurrentIdentity(c *gin.Context) services.Identity {
	if v, ok := c.Get(identityKey); ok {
		if identity, ok := v.(services.Identity); ok {
			return identity
		}
	}
	return services.Identity{}
}
