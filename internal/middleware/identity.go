package middleware

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/auth"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

// HeaderAuth carries the caller as base64 encoded JSON:
// {"id":42,"name":"Ada","nickname":"ada"}
const HeaderAuth = "x-auth"

// Identity decodes the x-auth header into an auth.Identity on the request
// context. Missing or unreadable headers leave the request anonymous.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderAuth))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, ok := decodeIdentity(raw)
			if !ok {
				logging.L(r.Context()).Debug("identity_header_invalid")
				next.ServeHTTP(w, r)
				return
			}

			ctx := auth.WithIdentity(r.Context(), id)
			ctx = logging.WithFields(ctx, zap.Int64("user_id", id.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.FromContext(r.Context()); !ok {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeIdentity(raw string) (auth.Identity, bool) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return auth.Identity{}, false
		}
	}
	if !gjson.ValidBytes(data) {
		return auth.Identity{}, false
	}

	res := gjson.GetManyBytes(data, "id", "name", "nickname")
	id := auth.Identity{
		ID:       res[0].Int(),
		Name:     res[1].String(),
		Nickname: res[2].String(),
	}
	if id.ID <= 0 {
		return auth.Identity{}, false
	}
	return id, true
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
