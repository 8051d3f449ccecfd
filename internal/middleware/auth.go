package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/crm-outbound/pkg/httputil"
)

const (
	HeaderAPIKey   = "X-API-Key"
	ContextOwnerID = "owner_id"

	// DefaultOwner scopes every request when no API keys are configured.
	DefaultOwner = "default"
)

// APIKey resolves the caller's owner id from X-API-Key. keys maps API key to
// owner id; an empty map leaves the API open under DefaultOwner.
func APIKey(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Set(ContextOwnerID, DefaultOwner)
			c.Next()
			return
		}

		presented := c.GetHeader(HeaderAPIKey)
		owner, ok := lookupKey(keys, presented)
		if presented == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httputil.Response{
				Success: false,
				Error: &httputil.Error{
					Code:    http.StatusUnauthorized,
					Message: "missing or invalid API key",
				},
			})
			return
		}

		c.Set(ContextOwnerID, owner)
		c.Next()
	}
}

func lookupKey(keys map[string]string, presented string) (string, bool) {
	var owner string
	found := false
	for k, o := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			owner, found = o, true
		}
	}
	return owner, found
}

// OwnerID returns the owner resolved by APIKey.
func OwnerID(c *gin.Context) string {
	return c.GetString(ContextOwnerID)
}
