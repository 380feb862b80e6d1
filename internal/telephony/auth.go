package telephony

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the gateway's HMAC over the raw request body.
const SignatureHeader = "X-Gateway-Signature"

// Sign computes the hex HMAC-SHA256 of body with the shared secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthMiddleware authenticates inbound gateway callbacks. Every callback
// must carry a valid signature; anything else is rejected before it can
// touch session state.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		// Handlers downstream re-read the body.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig := c.GetHeader(SignatureHeader)
		expected := Sign(secret, body)
		if sig == "" || !hmac.Equal([]byte(sig), []byte(expected)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		c.Next()
	}
}
