package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// requireAdmin guards the operator lock endpoints with a bearer token,
// compared in constant time.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				errorBody(blinkpay.ErrCodeUnauthorized, "admin token required"))
			return
		}
		c.Next()
	}
}
