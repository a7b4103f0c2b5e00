package pingate

import (
	"net/http"
	"strings"
)

// GateMiddleware requires a gate pass issued for the {subjectID} in the
// route.
func GateMiddleware(tokens *GateTokens, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := gateSubject(w, r, tokens)
		if !ok {
			return
		}
		if subject != r.PathValue("subjectID") {
			writeError(w, http.StatusForbidden, "gate token was issued for another subject")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func gateSubject(w http.ResponseWriter, r *http.Request, tokens *GateTokens) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		writeError(w, http.StatusUnauthorized, "missing gate token")
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		writeError(w, http.StatusUnauthorized, "invalid authorization format")
		return "", false
	}

	subject, err := tokens.Validate(parts[1])
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired gate token")
		return "", false
	}
	return subject, true
}
