package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/botmarket/botmarket/internal/api/response"
)

// Admin gates the admin endpoints behind a shared key and an optional IP
// allowlist. The configured key may be either the plaintext secret or a
// bcrypt hash of it.
type Admin struct {
	apiKey     string
	allowedIPs map[string]bool
}

// NewAdmin creates the Admin middleware. An empty apiKey disables the
// admin surface entirely.
func NewAdmin(apiKey string, allowedIPs []string) *Admin {
	ips := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		ips[ip] = true
	}
	return &Admin{apiKey: apiKey, allowedIPs: ips}
}

// Require rejects requests that do not present the admin key in
// X-Admin-Key or originate outside the allowlist.
func (a *Admin) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			response.Error(w, http.StatusForbidden,
				"authorization", "Admin API is disabled", nil)
			return
		}

		if len(a.allowedIPs) > 0 && !a.allowedIPs[ClientIP(r)] {
			response.Error(w, http.StatusForbidden,
				"authorization", "Address not allowed", nil)
			return
		}

		if !a.keyMatches(r.Header.Get("X-Admin-Key")) {
			response.Error(w, http.StatusForbidden,
				"authorization", "Invalid admin key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Admin) keyMatches(presented string) bool {
	if presented == "" {
		return false
	}
	if strings.HasPrefix(a.apiKey, "$2a$") || strings.HasPrefix(a.apiKey, "$2b$") {
		return bcrypt.CompareHashAndPassword([]byte(a.apiKey), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.apiKey), []byte(presented)) == 1
}
