package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// bearerToken checks the shared admin token against the request's
// Authorization header.
type bearerToken string

func (b bearerToken) validate(header string) error {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || b == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(b), []byte(strings.TrimSpace(token))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// requireToken guards state-changing and peer-revealing routes. An empty
// token leaves them open, which is only sensible on a loopback listener.
func requireToken(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	b := bearerToken(token)
	return func(c *gin.Context) {
		if err := b.validate(c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
