package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// credential picks the key forwarded upstream: x-api-key, then a bearer
// token, then the configured fallback.
func credential(c *gin.Context, fallback string) string {
	if key := strings.TrimSpace(c.GetHeader("X-Api-Key")); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return fallback
}
