package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// BearerAuth guards the MCP endpoint with the shared DOCCHAT_MCP_TOKEN. The
// scheme is matched case-insensitively. Rejections carry a WWW-Authenticate
// challenge naming the RFC 6750 error code.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			switch {
			case !ok:
				unauthorized(w, "invalid_request", "missing bearer token")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				unauthorized(w, "invalid_token", "invalid bearer token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, found := strings.Cut(r.Header.Get("Authorization"), " ")
	tok = strings.TrimSpace(tok)
	if !found || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return "", false
	}
	return tok, true
}

func unauthorized(w http.ResponseWriter, code, desc string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="docchat", error=%q, error_description=%q`, code, desc))
	httpError(w, http.StatusUnauthorized, "authentication_error", "%s", desc)
}
