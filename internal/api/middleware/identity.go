package middleware

import (
	"net/http"
	"strings"

	"example.com/backstage/services/donations/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Identity headers set by the upstream auth gateway
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
)

const callerKey = "caller"

// Identity reads the gateway identity headers. Requests without X-User-ID
// are anonymous; a header naming the anonymous ledger is rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			c.Next()
			return
		}

		// The anonymous ledger id is reserved and never names a caller
		id, err := uuid.Parse(raw)
		if err != nil || id == models.AnonymousDonorID {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "invalid " + HeaderUserID + " header",
				"code":    "VALIDATION_ERROR",
			})
			return
		}

		role := models.RoleUser
		if strings.EqualFold(c.GetHeader(HeaderUserRole), string(models.RoleAdmin)) {
			role = models.RoleAdmin
		}

		c.Set(callerKey, &models.Caller{
			ID:    id,
			Email: c.GetHeader(HeaderUserEmail),
			Role:  role,
		})
		c.Next()
	}
}

// CallerFrom returns the request's caller, or nil when anonymous
func CallerFrom(c *gin.Context) *models.Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*models.Caller)
	return caller
}
