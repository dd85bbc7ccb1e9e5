package middlewares

import (
	"net/http"
	"strings"

	"github.com/diging/edrop-connector/utils"
	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware requires a bearer token issued by utils.JwtGenerate
// with the admin role, and stores its subject in the request context.
func AdminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		const bearer = "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		validate, err := utils.JwtValidate(strings.TrimSpace(auth[len(bearer):]))
		if err != nil || !validate.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		claim, ok := validate.Claims.(*utils.AdminClaim)
		if !ok || claim.Role != utils.AdminRole || claim.Subject == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Request = c.Request.WithContext(utils.SetAdminSubjectInContext(c.Request.Context(), claim.Subject))
		c.Next()
	}
}
