package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/otcheredev/ris-dicom-store/internal/models"
)

type contextKey string

const OriginKey contextKey = "request_origin"

// RequestOrigin records the remote address and user of a REST request. The
// stored origin ends up in the metadata of the instances it uploads.
func RequestOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := models.Origin{
			RequestOrigin: models.OriginRestAPI,
			RemoteIP:      remoteIP(r.RemoteAddr),
		}
		if user, _, ok := r.BasicAuth(); ok {
			origin.HTTPUsername = user
		} else if user := r.Header.Get("X-Remote-User"); user != "" {
			origin.HTTPUsername = user
		}

		ctx := context.WithValue(r.Context(), OriginKey, origin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrigin extracts the request origin from context
func GetOrigin(ctx context.Context) (models.Origin, bool) {
	origin, ok := ctx.Value(OriginKey).(models.Origin)
	return origin, ok
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
